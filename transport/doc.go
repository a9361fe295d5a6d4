// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport connects one tabletop peer to the other peers of a
// channel.
//
// [Node] is the contract every backend implements: Init joins the
// channel, SendTo transmits to a selected set of peers, Close and
// DisconnectAll drop peers, and Destroy leaves. Node events reach the
// caller through the [Hooks] interface. A node moves through
// [StateCreated], [StateInitializing], [StateActive] and
// [StateDestroyed]; nothing leaves StateDestroyed.
//
// Sends carrying a [SendOptions].ThrottleKey are coalesced per key:
// within one throttle window only the newest payload is transmitted,
// and every caller's OnSent receives the recipients of that single
// transmission. The window is driven by an injected clock.
//
// Three backends exist:
//
//   - [Mesh] holds one direct link per remote peer. Links come from a
//     [LinkFactory]; [PionLinkFactory] builds them on pion/webrtc data
//     channels. Peers find each other through a signalling channel on
//     a relay.Relay. When two peers offer to each other at once, the
//     peer with the greater id keeps its offer.
//   - [Multicast] has no direct links. Every record goes through one
//     relay channel and carries its recipient list.
//   - [Database] uses a realtimedb.Database as peer directory and
//     message log. GM-only traffic goes to a separate log that only
//     the GM reads, and the GM deletes log entries once checkpoints
//     show they are saved.
//
// Mesh and Multicast are [PointToPoint]: a message reaches only the
// peers it names. Database is a [SharedLog].
package transport
