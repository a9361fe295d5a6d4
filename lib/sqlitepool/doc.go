// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the tabletop's SQLite connection pool.
//
// It wraps zombiezen.com/go/sqlite with the defaults every tabletop
// store uses: WAL journal mode so watcher polls never block appends,
// NORMAL synchronous, a busy timeout to absorb write contention, and a
// schema script applied once when the pool opens.
//
// Callers either [Pool.Take] and [Pool.Put] a connection themselves or
// use [Pool.Read] and [Pool.Write], which scope a connection (and for
// writes an IMMEDIATE transaction) to a callback. Connections are NOT
// safe for concurrent use.
//
// # Pragmas
//
//   - journal_mode=WAL
//   - synchronous=NORMAL: survives process crashes, not power loss.
//     The realtime log is best-effort by contract.
//   - busy_timeout=5000
//   - foreign_keys=OFF
//   - temp_store=MEMORY
package sqlitepool
