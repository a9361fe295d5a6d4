// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/bureau-foundation/tabletop/lib/clock"
)

// deliverFunc transmits one payload and returns the recipients used.
type deliverFunc func(ctx context.Context, data []byte, options SendOptions) ([]string, error)

// node holds what every backend shares: identity, lifecycle, hooks
// and the throttle table.
type node struct {
	peerID string
	userID string
	hooks  Hooks
	clock  clock.Clock
	logger *slog.Logger

	state    atomic.Int32
	throttle *throttle

	// ctx bounds background work and ends at Destroy.
	ctx    context.Context
	cancel context.CancelFunc
}

func newNode(options Options, backend string) (*node, error) {
	if options.PeerID == "" {
		return nil, fmt.Errorf("%s transport: empty peer id", backend)
	}
	if options.Hooks == nil {
		return nil, fmt.Errorf("%s transport: nil hooks", backend)
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.ThrottleWindow <= 0 {
		options.ThrottleWindow = DefaultThrottleWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &node{
		peerID:   options.PeerID,
		userID:   options.UserID,
		hooks:    options.Hooks,
		clock:    options.Clock,
		logger:   options.Logger.With("backend", backend, "peer", options.PeerID),
		throttle: newThrottle(options.Clock, options.ThrottleWindow),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (n *node) PeerID() string { return n.peerID }
func (n *node) UserID() string { return n.userID }
func (n *node) State() State   { return State(n.state.Load()) }

func (n *node) begin() error {
	if n.state.CompareAndSwap(int32(StateCreated), int32(StateInitializing)) {
		return nil
	}
	switch n.State() {
	case StateDestroyed:
		return ErrDestroyed
	default:
		return fmt.Errorf("transport already %s", n.State())
	}
}

// activate completes Init. It fails when Destroy raced it.
func (n *node) activate() error {
	if n.state.CompareAndSwap(int32(StateInitializing), int32(StateActive)) {
		return nil
	}
	return ErrDestroyed
}

func (n *node) abort() {
	n.state.CompareAndSwap(int32(StateInitializing), int32(StateCreated))
}

// finish moves to StateDestroyed and reports whether this call did it.
func (n *node) finish() bool {
	for {
		current := n.state.Load()
		if current == int32(StateDestroyed) {
			return false
		}
		if n.state.CompareAndSwap(current, int32(StateDestroyed)) {
			n.throttle.close()
			n.cancel()
			return true
		}
	}
}

func (n *node) destroyed() bool {
	return n.State() == StateDestroyed
}

// send applies the throttle contract around deliver.
func (n *node) send(ctx context.Context, data []byte, options SendOptions, deliver deliverFunc) error {
	if n.State() != StateActive {
		return ErrNotActive
	}
	if options.ThrottleKey == "" {
		recipients, err := deliver(ctx, data, options)
		if err != nil {
			return err
		}
		if options.OnSent != nil {
			options.OnSent(recipients)
		}
		return nil
	}

	payload := slices.Clone(data)
	n.throttle.submit(options.ThrottleKey, func() []string {
		if n.State() != StateActive {
			return nil
		}
		recipients, err := deliver(n.ctx, payload, options)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				n.logger.Warn("throttled send failed", "key", options.ThrottleKey, "error", err)
				n.signalError(err)
			}
			return nil
		}
		return recipients
	}, options.OnSent)
	return nil
}

// Hook wrappers drop events once the node is destroyed.

func (n *node) connected(peerID string, info PeerInfo) {
	if !n.destroyed() {
		n.hooks.OnConnect(peerID, info)
	}
}

func (n *node) data(peerID string, data []byte) {
	if !n.destroyed() {
		n.hooks.OnData(peerID, data)
	}
}

func (n *node) closed(peerID, reason string) {
	if !n.destroyed() {
		n.hooks.OnClose(peerID, reason)
	}
}

func (n *node) signalError(err error) {
	if !n.destroyed() {
		n.hooks.OnSignalError(err)
	}
}

// selectRecipients applies Only and Except to the connected set. The
// result is sorted and never contains self.
func selectRecipients(self string, connected []string, options SendOptions) []string {
	candidates := connected
	if len(options.Only) > 0 {
		candidates = nil
		for _, peerID := range options.Only {
			if slices.Contains(connected, peerID) {
				candidates = append(candidates, peerID)
			}
		}
	}
	var recipients []string
	for _, peerID := range candidates {
		if peerID == self || slices.Contains(options.Except, peerID) || slices.Contains(recipients, peerID) {
			continue
		}
		recipients = append(recipients, peerID)
	}
	slices.Sort(recipients)
	return recipients
}
