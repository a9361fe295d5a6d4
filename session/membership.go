// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/bureau-foundation/tabletop/lib/action"
	"github.com/bureau-foundation/tabletop/lib/causal"
	"github.com/bureau-foundation/tabletop/lib/peer"
	"github.com/bureau-foundation/tabletop/lib/scenario"
	"github.com/bureau-foundation/tabletop/transport"
)

// membership is one joined channel: its node, peer registry and causal
// tracker. It implements transport.Hooks; events arriving after the
// session moved on are dropped.
type membership struct {
	session  *Session
	channel  scenario.Channel
	node     transport.Node
	registry *peer.Registry
	tracker  *causal.Tracker
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

var _ transport.Hooks = (*membership)(nil)

func newMembership(s *Session, channel scenario.Channel, logger *slog.Logger) *membership {
	ctx, cancel := context.WithCancel(context.Background())
	member := &membership{
		session:  s,
		channel:  channel,
		registry: peer.NewRegistry(s.clock),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	member.tracker = causal.New(causal.Config{
		Apply:          member.apply,
		PendingTimeout: s.pendingTimeout,
		Clock:          s.clock,
		Logger:         logger,
	})
	return member
}

func (m *membership) active() bool {
	return m.session.membership() == m
}

func (m *membership) close() {
	m.cancel()
	m.tracker.Close()
	m.registry.Clear()
	if m.node != nil {
		m.node.Destroy()
	}
	m.logger.Info("left channel")
}

// OnConnect records the peer and challenges it when it claims the GM
// identity and we hold the secret.
func (m *membership) OnConnect(peerID string, info transport.PeerInfo) {
	if !m.active() {
		return
	}
	claimsGM := m.channel.GMUserID != "" && info.UserID == m.channel.GMUserID
	_, added := m.registry.Add(peerID, info.UserID, claimsGM, info.DeviceMeta)
	m.logger.Info("peer connected", "remote", peerID, "user", info.UserID, "claims_gm", claimsGM)
	if added && claimsGM && m.session.gmSecret != nil {
		m.challenge(peerID)
	}
}

// OnData decodes a peer message. Actions are stamped with their origin
// and go through the causal tracker; control messages are handled
// directly.
func (m *membership) OnData(peerID string, data []byte) {
	if !m.active() {
		return
	}
	m.registry.Touch(peerID)

	message, err := action.Decode(data)
	if err != nil {
		m.logger.Debug("dropping undecodable message", "remote", peerID, "error", err)
		return
	}
	if message.Control != nil {
		m.handleControl(peerID, message.Control)
		return
	}

	received := *message.Action
	received.Origin.FromPeerID = peerID
	received.Origin.FromGM = m.registry.IsGM(peerID, m.session.requireVerified())
	if received.Origin.OriginPeerID == "" {
		received.Origin.OriginPeerID = peerID
	}
	if !received.Tracked() {
		m.apply(received)
		return
	}
	if outcome := m.tracker.Receive(received); outcome != causal.Applied {
		m.logger.Debug("action not applied yet", "action", received.ID, "kind", received.Kind(), "outcome", outcome)
	}
}

func (m *membership) OnClose(peerID, reason string) {
	if _, known := m.registry.Remove(peerID); known {
		m.logger.Info("peer disconnected", "remote", peerID, "reason", reason)
	}
}

func (m *membership) OnSignalError(err error) {
	m.logger.Warn("signalling error", "error", err)
}

// apply hands a received action to the store under the audience rule.
// On point-to-point topologies the GM relays player actions to the
// peers that did not see them.
func (m *membership) apply(received action.Action) {
	if !m.active() {
		return
	}
	isGM := m.channel.IsGM()
	if received.Audience.Includes(isGM) {
		if _, err := m.session.store.Apply(received); err != nil {
			m.logger.Warn("applying peer action failed",
				"action", received.ID,
				"kind", received.Kind(),
				"remote", received.Origin.FromPeerID,
				"error", err,
			)
		}
	}
	if isGM && received.Tracked() && !received.Origin.FromGM && m.node.Topology() == transport.PointToPoint {
		except := []string{received.Origin.FromPeerID}
		if received.Origin.OriginPeerID != received.Origin.FromPeerID {
			except = append(except, received.Origin.OriginPeerID)
		}
		m.forward(received, except...)
	}
}

func (m *membership) handleControl(peerID string, control action.Control) {
	switch control := control.(type) {
	case action.CloseNotice:
		// Leaving destroys the node, which must not happen on the
		// goroutine delivering its events.
		go m.session.leave(m, control.Reason)

	case action.Challenge:
		if m.session.gmSecret == nil {
			m.logger.Debug("ignoring GM challenge without a secret", "remote", peerID)
			return
		}
		response := action.ChallengeResponse{
			Nonce:     control.Nonce,
			Signature: peer.Sign(m.session.gmSecret.Bytes(), control.Nonce),
		}
		m.sendControl(peerID, response)

	case action.ChallengeResponse:
		if m.session.gmSecret == nil {
			return
		}
		verified, ok := m.registry.ResolveChallenge(peerID, control.Nonce, control.Signature, m.session.gmSecret.Bytes())
		switch {
		case !ok:
			m.logger.Debug("ignoring unsolicited challenge response", "remote", peerID)
		case verified:
			m.logger.Info("peer verified as GM", "remote", peerID)
		default:
			m.logger.Warn("peer failed GM verification", "remote", peerID)
		}
	}
}

func (m *membership) challenge(peerID string) {
	nonce, err := peer.NewNonce()
	if err != nil {
		m.logger.Error("creating GM challenge failed", "remote", peerID, "error", err)
		return
	}
	if !m.registry.SetChallenge(peerID, nonce) {
		return
	}
	m.logger.Debug("challenging GM claim", "remote", peerID)
	m.sendControl(peerID, action.Challenge{Nonce: nonce})
}

func (m *membership) sendControl(peerID string, control action.Control) {
	data, err := action.EncodeControl(control)
	if err != nil {
		m.logger.Error("encoding control message failed", "error", err)
		return
	}
	m.send(data, transport.SendOptions{Only: []string{peerID}})
}

func (m *membership) send(data []byte, options transport.SendOptions) {
	err := m.node.SendTo(m.ctx, data, options)
	if err != nil && !errors.Is(err, transport.ErrNotActive) && m.ctx.Err() == nil {
		m.logger.Warn("sending to peers failed", "error", err)
	}
}
