// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session keeps one client's scenario state in sync with the
// other peers of a tabletop channel.
//
// A [Session] sits in front of the application's [Store]. Every action
// goes through [Session.Dispatch], which applies it locally when the
// local role is in the action's audience and, for locally originated
// actions, stamps causal heads and forwards the action to peers.
//
// The transport node is owned by the session and created lazily: the
// first dispatch after the store's channel identity becomes complete
// joins the channel through the configured [NodeFactory], and a change
// or loss of that identity tears the node down. There is at most one
// node per session at any time.
//
// Incoming messages are decoded, stamped with their origin and handed
// to a causal tracker that holds back actions whose ancestors have not
// arrived. Control messages implement the close notice and the GM
// challenge/response exchange: peers claiming the channel's GM user
// are challenged with a random nonce whenever the local peer holds the
// GM secret, and only a correct HMAC marks them verified.
//
// With a [Persister] configured, the session saves state after
// QuiescePeriod without local mutations and then announces the saved
// heads as checkpoint actions, which let a database transport delete
// log entries the save covers.
package session
