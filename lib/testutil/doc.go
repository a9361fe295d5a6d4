// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for tabletop packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that individual tests do not need direct time.After calls. These are
// the only place in the test suite where real wall-clock timeouts are
// used. Everything that schedules work in production code takes a
// lib/clock.Clock, and tests drive it with clock.FakeClock.
//
// [Collector] buffers values delivered from background goroutines
// (transport hooks, watcher callbacks) so tests can wait for them in
// order with [Collector.Next].
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation, such as channel names shared by several nodes.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no tabletop-internal dependencies.
package testutil
