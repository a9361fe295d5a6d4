// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/tabletop/lib/clock"
)

// DefaultThrottleWindow is the coalescing window for keyed sends.
const DefaultThrottleWindow = 250 * time.Millisecond

// DefaultHeartbeatInterval is the liveness interval of the multicast
// and database backends. Peers silent for twice this long are gone.
const DefaultHeartbeatInterval = 5 * time.Second

var (
	// ErrDestroyed is returned by Init on a destroyed node.
	ErrDestroyed = errors.New("transport destroyed")
	// ErrNotActive is returned by SendTo before Init completes or
	// after Destroy.
	ErrNotActive = errors.New("transport not active")
)

// State is the node lifecycle. Transitions only move forward, except
// that a failed Init returns the node to StateCreated.
type State int32

const (
	StateCreated State = iota
	StateInitializing
	StateActive
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Topology describes how a backend moves messages.
type Topology int

const (
	// PointToPoint backends deliver each message only to the listed
	// recipients, so a hub must re-forward to reach everyone.
	PointToPoint Topology = iota
	// SharedLog backends write to a log every peer with access reads.
	SharedLog
)

func (t Topology) String() string {
	if t == SharedLog {
		return "shared-log"
	}
	return "point-to-point"
}

// PeerInfo describes a newly connected peer.
type PeerInfo struct {
	UserID     string
	DeviceMeta map[string]string
}

// Hooks receives node events. Calls may arrive on any goroutine but
// never while the node holds its own locks, so hooks may call back
// into the node.
type Hooks interface {
	OnConnect(peerID string, info PeerInfo)
	OnData(peerID string, data []byte)
	// OnClose reports a departed peer. reason is empty unless the
	// departure carried one.
	OnClose(peerID, reason string)
	// OnSignalError reports a contained network failure. The node
	// keeps running.
	OnSignalError(err error)
}

// SendOptions routes one SendTo call.
type SendOptions struct {
	// Only restricts delivery to these connected peers.
	Only []string
	// Except removes peers from the recipient set.
	Except []string
	// ThrottleKey coalesces sends: within one window only the last
	// payload for a key is transmitted.
	ThrottleKey string
	// OnSent is called once per SendTo call with the recipients the
	// transmitted payload actually used.
	OnSent func(recipients []string)
}

// Node is one peer's connection to a channel.
type Node interface {
	// Init joins the channel. It may be called once; a node that
	// failed to initialize may be initialized again.
	Init(ctx context.Context) error
	// SendTo transmits data to the peers selected by options.
	SendTo(ctx context.Context, data []byte, options SendOptions) error
	// Close disconnects one peer, telling it reason when non-empty.
	Close(peerID, reason string)
	// DisconnectAll forgets every peer without leaving the channel.
	DisconnectAll()
	// Destroy leaves the channel. It is idempotent.
	Destroy()

	PeerID() string
	UserID() string
	State() State
	Topology() Topology
}

// Options is shared by every backend.
type Options struct {
	PeerID string
	UserID string
	Hooks  Hooks

	// ThrottleWindow defaults to DefaultThrottleWindow.
	ThrottleWindow time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}
