// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package realtimedb is the shared database the database transport
// uses as both peer directory and message log.
//
// Each channel has its own namespace:
//
//	gm                   first user to claim it is the GM
//	users/{peerId}       {userId, heartbeat}
//	actions/{logId}      {json, fromClientId}
//	gmActions/{logId}    {json, fromClientId}
//
// Writers only append to the logs; the GM deletes entries that a
// checkpoint has made redundant. Heartbeat timestamps come from the
// database's clock, never the writer's. Log ids sort in append order.
//
// A [Watcher] first receives every existing user and log entry, then
// changes as they happen. Callbacks for one watcher run on a single
// goroutine in order; they must not block for long.
//
// Two backends: [Memory] for tests and single-process use, and
// [SQLite] on lib/sqlitepool where several processes on one host share
// a database file.
package realtimedb
