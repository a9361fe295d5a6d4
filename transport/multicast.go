// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/tabletop/lib/action"
	"github.com/bureau-foundation/tabletop/lib/clock"
	"github.com/bureau-foundation/tabletop/relay"
)

// Multicast record types.
const (
	multicastConnect    = "connect"
	multicastOtherPeers = "otherPeers"
	multicastData       = "data"
	multicastClose      = "close"
	multicastPing       = "ping"
)

// departureTimeout bounds the close broadcast made by Destroy.
const departureTimeout = 2 * time.Second

// multicastRecord is the multicast relay wire format. An empty
// RecipientIDs addresses every peer.
type multicastRecord struct {
	PeerID       string          `json:"peerId"`
	UserID       string          `json:"userId,omitempty"`
	Type         string          `json:"type"`
	RecipientIDs []string        `json:"recipientIds,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// multicastPeerEntry is one element of an otherPeers payload.
type multicastPeerEntry struct {
	PeerID string `json:"peerId"`
	UserID string `json:"userId,omitempty"`
}

type multicastClosePayload struct {
	Reason string `json:"reason,omitempty"`
}

// MulticastConfig configures a Multicast.
type MulticastConfig struct {
	Options

	Relay   relay.Relay
	Channel string

	// HeartbeatInterval defaults to DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
}

// Multicast routes all traffic through a shared relay channel; there
// are no direct links. Every record reaches every poller, and readers
// drop records addressed to someone else.
type Multicast struct {
	*node
	relay    relay.Relay
	channel  string
	interval time.Duration

	mu    sync.Mutex
	peers map[string]*multicastPeer
	// announced records when we last re-announced to an unknown peer.
	announced map[string]time.Time
	heartbeat *clock.Timer
}

type multicastPeer struct {
	userID   string
	lastSeen time.Time
}

// NewMulticast creates a multicast node.
func NewMulticast(config MulticastConfig) (*Multicast, error) {
	if config.Relay == nil {
		return nil, errors.New("multicast transport: relay is required")
	}
	if config.Channel == "" {
		return nil, errors.New("multicast transport: empty channel")
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	base, err := newNode(config.Options, "multicast")
	if err != nil {
		return nil, err
	}
	return &Multicast{
		node:      base,
		relay:     config.Relay,
		channel:   config.Channel,
		interval:  config.HeartbeatInterval,
		peers:     make(map[string]*multicastPeer),
		announced: make(map[string]time.Time),
	}, nil
}

func (m *Multicast) Topology() Topology { return PointToPoint }

// Init announces this peer and starts polling.
func (m *Multicast) Init(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}
	page, err := m.relay.Poll(ctx, m.channel, "")
	if err != nil {
		m.abort()
		return fmt.Errorf("reading multicast tail: %w", err)
	}
	if err := m.publish(ctx, multicastRecord{Type: multicastConnect}); err != nil {
		m.abort()
		return fmt.Errorf("announcing on %s: %w", m.channel, err)
	}
	if err := m.activate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.heartbeat = m.clock.AfterFunc(m.interval, m.tick)
	m.mu.Unlock()
	go m.pollRelay(m.relay, m.channel, page.Cursor, m.handleRaw)
	m.logger.Info("multicast joined", "channel", m.channel)
	return nil
}

// SendTo implements Node. The recipient list travels in the record;
// with no recipients nothing is published.
func (m *Multicast) SendTo(ctx context.Context, data []byte, options SendOptions) error {
	return m.send(ctx, data, options, m.deliver)
}

func (m *Multicast) deliver(ctx context.Context, data []byte, options SendOptions) ([]string, error) {
	recipients := selectRecipients(m.peerID, m.knownPeers(), options)
	if len(recipients) == 0 {
		return nil, nil
	}
	err := m.publish(ctx, multicastRecord{
		Type:         multicastData,
		RecipientIDs: recipients,
		Payload:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("publishing data: %w", err)
	}
	return recipients, nil
}

// Close implements Node.
func (m *Multicast) Close(peerID, reason string) {
	m.mu.Lock()
	_, known := m.peers[peerID]
	delete(m.peers, peerID)
	m.mu.Unlock()

	if reason != "" {
		if notice, err := action.EncodeControl(action.CloseNotice{Reason: reason}); err == nil {
			m.publishLogged(multicastRecord{Type: multicastData, RecipientIDs: []string{peerID}, Payload: notice})
		}
	}
	payload, _ := json.Marshal(multicastClosePayload{Reason: reason})
	m.publishLogged(multicastRecord{Type: multicastClose, RecipientIDs: []string{peerID}, Payload: payload})
	if known {
		m.closed(peerID, reason)
	}
}

// DisconnectAll implements Node.
func (m *Multicast) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.peers)
	clear(m.announced)
}

// Destroy implements Node. A close record tells every peer we left.
func (m *Multicast) Destroy() {
	if !m.finish() {
		return
	}
	m.mu.Lock()
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	clear(m.peers)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), departureTimeout)
	defer cancel()
	if err := m.publish(ctx, multicastRecord{Type: multicastClose}); err != nil {
		m.logger.Debug("departure notice failed", "error", err)
	}
	m.logger.Info("multicast left", "channel", m.channel)
}

// tick publishes a ping and closes peers silent for two intervals.
func (m *Multicast) tick() {
	if m.destroyed() {
		return
	}
	m.publishLogged(multicastRecord{Type: multicastPing})

	cutoff := m.clock.Now().Add(-2 * m.interval)
	var stale []string
	m.mu.Lock()
	for peerID, remote := range m.peers {
		if remote.lastSeen.Before(cutoff) {
			stale = append(stale, peerID)
			delete(m.peers, peerID)
		}
	}
	if !m.destroyed() {
		m.heartbeat = m.clock.AfterFunc(m.interval, m.tick)
	}
	m.mu.Unlock()

	slices.Sort(stale)
	for _, peerID := range stale {
		m.logger.Info("multicast peer timed out", "remote", peerID)
		m.closed(peerID, "timeout")
	}
}

func (m *Multicast) handleRaw(raw []byte) {
	var record multicastRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		m.logger.Debug("ignoring malformed multicast record", "error", err)
		return
	}
	m.handleRecord(record)
}

func (m *Multicast) handleRecord(record multicastRecord) {
	if record.PeerID == "" || record.PeerID == m.peerID || m.destroyed() {
		return
	}
	addressed := len(record.RecipientIDs) == 0 || slices.Contains(record.RecipientIDs, m.peerID)

	m.mu.Lock()
	sender, known := m.peers[record.PeerID]
	if known {
		sender.lastSeen = m.clock.Now()
	}
	m.mu.Unlock()

	switch record.Type {
	case multicastConnect:
		if !addressed {
			return
		}
		m.learn(record.PeerID, record.UserID)
		m.replyOtherPeers(record.PeerID)

	case multicastOtherPeers:
		if !addressed {
			m.reannounce(record.PeerID, known)
			return
		}
		var entries []multicastPeerEntry
		if err := json.Unmarshal(record.Payload, &entries); err != nil {
			m.logger.Debug("ignoring malformed peer list", "remote", record.PeerID, "error", err)
			return
		}
		for _, entry := range entries {
			if entry.PeerID != "" && entry.PeerID != m.peerID {
				m.learn(entry.PeerID, entry.UserID)
			}
		}

	case multicastData:
		if !addressed {
			m.reannounce(record.PeerID, known)
			return
		}
		if !known {
			m.learn(record.PeerID, record.UserID)
			m.reannounce(record.PeerID, false)
		}
		m.data(record.PeerID, record.Payload)

	case multicastClose:
		if !addressed || !known {
			return
		}
		var payload multicastClosePayload
		if len(record.Payload) > 0 {
			_ = json.Unmarshal(record.Payload, &payload)
		}
		m.mu.Lock()
		delete(m.peers, record.PeerID)
		m.mu.Unlock()
		m.closed(record.PeerID, payload.Reason)

	default:
		m.reannounce(record.PeerID, known)
	}
}

// learn adds a peer and reports the connection if it is new.
func (m *Multicast) learn(peerID, userID string) {
	m.mu.Lock()
	if _, ok := m.peers[peerID]; ok {
		m.mu.Unlock()
		return
	}
	m.peers[peerID] = &multicastPeer{userID: userID, lastSeen: m.clock.Now()}
	delete(m.announced, peerID)
	m.mu.Unlock()
	m.logger.Info("multicast peer connected", "remote", peerID, "user", userID)
	m.connected(peerID, PeerInfo{UserID: userID})
}

func (m *Multicast) replyOtherPeers(recipient string) {
	m.mu.Lock()
	entries := []multicastPeerEntry{{PeerID: m.peerID, UserID: m.userID}}
	for peerID, remote := range m.peers {
		if peerID != recipient {
			entries = append(entries, multicastPeerEntry{PeerID: peerID, UserID: remote.userID})
		}
	}
	m.mu.Unlock()
	slices.SortFunc(entries[1:], func(a, b multicastPeerEntry) int {
		return strings.Compare(a.PeerID, b.PeerID)
	})
	payload, err := json.Marshal(entries)
	if err != nil {
		return
	}
	m.publishLogged(multicastRecord{Type: multicastOtherPeers, RecipientIDs: []string{recipient}, Payload: payload})
}

// reannounce broadcasts connect when an unknown peer is heard from,
// at most once per heartbeat interval per peer.
func (m *Multicast) reannounce(peerID string, known bool) {
	if known {
		return
	}
	now := m.clock.Now()
	m.mu.Lock()
	if last, ok := m.announced[peerID]; ok && now.Sub(last) < m.interval {
		m.mu.Unlock()
		return
	}
	m.announced[peerID] = now
	m.mu.Unlock()
	m.publishLogged(multicastRecord{Type: multicastConnect})
}

func (m *Multicast) knownPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]string, 0, len(m.peers))
	for peerID := range m.peers {
		peers = append(peers, peerID)
	}
	return peers
}

func (m *Multicast) publish(ctx context.Context, record multicastRecord) error {
	record.PeerID = m.peerID
	record.UserID = m.userID
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding multicast record: %w", err)
	}
	return m.relay.Publish(ctx, m.channel, data)
}

func (m *Multicast) publishLogged(record multicastRecord) {
	if err := m.publish(m.ctx, record); err != nil && m.ctx.Err() == nil {
		m.logger.Warn("multicast publish failed", "type", record.Type, "error", err)
		m.signalError(fmt.Errorf("publishing %s: %w", record.Type, err))
	}
}
