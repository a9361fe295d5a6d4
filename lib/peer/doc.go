// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package peer tracks the remote peers of a tabletop channel and
// verifies which of them really are the GM.
//
// [Registry] holds one [ConnectedPeer] per remote peer id. Records are
// created on connect, updated by heartbeats and by the GM
// challenge/response exchange, and removed on close.
//
// GM verification needs no server: whoever created the tabletop holds a
// shared GM secret. A peer that knows the secret sends a random nonce to
// any newcomer claiming the GM user id; the newcomer answers with
// HMAC-SHA256 keyed by the secret over the nonce ([Sign]); the
// challenger recomputes and compares ([Verify]). A peer that never
// answers correctly keeps VerifiedGM == nil, never true.
package peer
