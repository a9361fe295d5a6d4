// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package action defines the unit of synchronization exchanged between
// tabletop peers.
//
// An [Action] is an envelope carrying routing and causal metadata around
// a [Body]. Body is a closed union: [Mutation] is an opaque scenario
// change (map moves, mini updates, anything the sync core does not need
// to understand) and [Checkpoint] is a "last saved heads" marker used to
// bound log cleanup. Routing restrictions are the [Audience] enum rather
// than a pair of booleans.
//
// Messages that carry no action type are control messages ([Control]):
// a close notice with a reason, and the two halves of the GM
// challenge/response exchange.
//
// # Wire format
//
// Actions travel as flat JSON objects. The mutation payload's fields sit
// beside the envelope fields:
//
//	{"type":"MOVE","x":3,"y":4,"actionId":"…","headActionIds":["…"],
//	 "peerKey":"miniX","gmOnly":false,"playersOnly":false,
//	 "fromPeerId":null,"fromGM":null,"originPeerId":null}
//
// Absent optional fields are written as null because realtime database
// records cannot hold undefined values. [Decode] accepts both null and
// missing keys.
package action
