// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time seam for the synchronization core.
//
// Heartbeats, throttle windows, offer backoffs, pending-action deadlines
// and checkpoint quiescing all schedule work through a [Clock] rather
// than the time package. Binaries pass [Real]; tests pass a [FakeClock]
// from [Fake] and drive it with Advance.
//
// FakeClock runs AfterFunc callbacks synchronously inside Advance, so a
// test that advances past a heartbeat deadline observes the heartbeat's
// effects as soon as Advance returns. Callbacks must not call Advance.
package clock
