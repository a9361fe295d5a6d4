// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay is the low-trust publish/poll service that carries
// mesh signalling and multicast traffic.
//
// A relay keeps, per channel, an ordered log of opaque JSON records.
// Publish appends; Poll returns the records after a cursor together
// with the cursor to pass next time, blocking until at least one
// record is available or the context ends. An empty cursor returns no
// records and the current tail, so a newly joined node only sees
// traffic published after it started listening. Records are trimmed
// to a per-channel retention; a poller that falls behind the retained
// window silently skips what was lost. Nothing is guaranteed beyond
// best effort.
//
// Implementations:
//
//   - [Memory] -- in-process, for tests and single-process setups
//   - [Redis] -- Redis streams (XADD MAXLEN ~ / XREAD BLOCK)
//   - [Client] -- HTTP client for a remote [Server]
//
// [Server] exposes any Relay over HTTP:
//
//	POST /mcast/{channel}                      body: one JSON record
//	GET  /mcast/{channel}?cursor=C&wait=25s    -> {"records": [...], "cursor": "..."}
package relay
