// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bureau-foundation/tabletop/lib/action"
	"github.com/bureau-foundation/tabletop/lib/clock"
	"github.com/bureau-foundation/tabletop/relay"
)

const (
	// maxOfferAttempts bounds how often an unanswered offer is
	// published before the candidate peer is dropped.
	maxOfferAttempts = 5

	// pendingRetryInterval is how often payloads queued for a peer
	// that is still connecting are retried.
	pendingRetryInterval = 250 * time.Millisecond

	minSignalBackoff    = 500 * time.Millisecond
	signalBackoffJitter = time.Second
)

// Link is one direct connection to a remote peer.
type Link interface {
	// Start begins an initiating link by producing an offer through
	// LinkEvents.LinkSignal. Responders do nothing.
	Start() error
	// Signal delivers the remote side's offer or answer.
	Signal(description json.RawMessage) error
	// Send transmits one message. It fails until LinkConnected.
	Send(data []byte) error
	// Close tears the link down. Safe to call more than once.
	Close() error
}

// LinkEvents receives a Link's events.
type LinkEvents interface {
	// LinkSignal carries a local offer or answer to publish.
	LinkSignal(description json.RawMessage)
	LinkConnected()
	LinkData(data []byte)
	// LinkClosed reports the link is gone. err is nil for a clean
	// close.
	LinkClosed(err error)
}

// LinkFactory creates links.
type LinkFactory interface {
	NewLink(initiator bool, events LinkEvents) (Link, error)
}

// signalRecord is the signalling relay wire format. A record with no
// offer and no recipient asks every peer for an offer.
type signalRecord struct {
	PeerID      string          `json:"peerId"`
	UserID      string          `json:"userId,omitempty"`
	Offer       json.RawMessage `json:"offer,omitempty"`
	RecipientID string          `json:"recipientId,omitempty"`
	Initiator   bool            `json:"initiator,omitempty"`
}

// MeshConfig configures a Mesh.
type MeshConfig struct {
	Options

	// Relay carries signalling records on Channel.
	Relay   relay.Relay
	Channel string

	Links LinkFactory
}

// Mesh connects every pair of peers directly. Peers find each other
// through a low-trust signalling relay.
type Mesh struct {
	*node
	relay   relay.Relay
	channel string
	links   LinkFactory

	mu         sync.Mutex
	peers      map[string]*meshPeer
	generation uint64
	flushTimer *clock.Timer
	rerequest  *clock.Timer
}

// meshPeer is one remote peer and its current connection attempt.
// generation identifies the attempt; events from older attempts are
// ignored.
type meshPeer struct {
	peerID     string
	userID     string
	generation uint64
	link       Link
	initiator  bool

	// signal is our latest offer (initiator) or answer (responder).
	signal    json.RawMessage
	answered  bool
	connected bool
	attempts  int
	retry     *clock.Timer

	queue [][]byte
}

// NewMesh creates a mesh node.
func NewMesh(config MeshConfig) (*Mesh, error) {
	if config.Relay == nil || config.Links == nil {
		return nil, errors.New("mesh transport: relay and link factory are required")
	}
	if config.Channel == "" {
		return nil, errors.New("mesh transport: empty channel")
	}
	base, err := newNode(config.Options, "mesh")
	if err != nil {
		return nil, err
	}
	return &Mesh{
		node:    base,
		relay:   config.Relay,
		channel: config.Channel,
		links:   config.Links,
		peers:   make(map[string]*meshPeer),
	}, nil
}

func (m *Mesh) Topology() Topology { return PointToPoint }

// Init announces this peer and starts polling for signals.
func (m *Mesh) Init(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}
	page, err := m.relay.Poll(ctx, m.channel, "")
	if err != nil {
		m.abort()
		return fmt.Errorf("reading signalling tail: %w", err)
	}
	if err := m.publish(ctx, signalRecord{PeerID: m.peerID, UserID: m.userID}); err != nil {
		m.abort()
		return fmt.Errorf("requesting offers: %w", err)
	}
	if err := m.activate(); err != nil {
		return err
	}
	go m.pollRelay(m.relay, m.channel, page.Cursor, m.handleRaw)
	m.logger.Info("mesh joined", "channel", m.channel)
	return nil
}

// SendTo implements Node. Payloads for peers that are still
// connecting are queued until they connect or go away.
func (m *Mesh) SendTo(ctx context.Context, data []byte, options SendOptions) error {
	return m.send(ctx, data, options, m.deliver)
}

func (m *Mesh) deliver(_ context.Context, data []byte, options SendOptions) ([]string, error) {
	type directSend struct {
		peerID string
		link   Link
	}
	m.mu.Lock()
	known := make([]string, 0, len(m.peers))
	for peerID := range m.peers {
		known = append(known, peerID)
	}
	recipients := selectRecipients(m.peerID, known, options)
	var direct []directSend
	for _, peerID := range recipients {
		remote := m.peers[peerID]
		if remote.connected && remote.link != nil {
			direct = append(direct, directSend{peerID: peerID, link: remote.link})
			continue
		}
		remote.queue = append(remote.queue, data)
		m.armFlushLocked()
	}
	m.mu.Unlock()

	for _, send := range direct {
		if err := send.link.Send(data); err != nil {
			m.logger.Debug("direct send failed, queueing", "remote", send.peerID, "error", err)
			m.requeue(send.peerID, data)
		}
	}
	return recipients, nil
}

// Close implements Node.
func (m *Mesh) Close(peerID, reason string) {
	m.mu.Lock()
	remote, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.removeLocked(remote)
	m.mu.Unlock()

	if reason != "" && remote.connected && remote.link != nil {
		if notice, err := action.EncodeControl(action.CloseNotice{Reason: reason}); err == nil {
			if err := remote.link.Send(notice); err != nil {
				m.logger.Debug("sending close notice failed", "remote", peerID, "error", err)
			}
		}
	}
	if remote.link != nil {
		remote.link.Close()
	}
	if remote.connected {
		m.closed(peerID, reason)
	}
}

// DisconnectAll implements Node. Peers are forgotten without hooks.
func (m *Mesh) DisconnectAll() {
	for _, remote := range m.takePeers() {
		if remote.link != nil {
			remote.link.Close()
		}
	}
}

// Destroy implements Node. Closing each link tells the remote side.
func (m *Mesh) Destroy() {
	if !m.finish() {
		return
	}
	m.DisconnectAll()
	m.mu.Lock()
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
	if m.rerequest != nil {
		m.rerequest.Stop()
		m.rerequest = nil
	}
	m.mu.Unlock()
	m.logger.Info("mesh left", "channel", m.channel)
}

func (m *Mesh) takePeers() []*meshPeer {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]*meshPeer, 0, len(m.peers))
	for _, remote := range m.peers {
		peers = append(peers, remote)
		m.removeLocked(remote)
	}
	return peers
}

func (m *Mesh) removeLocked(remote *meshPeer) {
	if remote.retry != nil {
		remote.retry.Stop()
		remote.retry = nil
	}
	delete(m.peers, remote.peerID)
}

func (m *Mesh) handleRaw(raw []byte) {
	var record signalRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		m.logger.Debug("ignoring malformed signal", "error", err)
		return
	}
	m.handleSignal(record)
}

func (m *Mesh) handleSignal(record signalRecord) {
	if record.PeerID == "" || record.PeerID == m.peerID || m.destroyed() {
		return
	}

	m.mu.Lock()
	remote, known := m.peers[record.PeerID]
	if record.RecipientID != "" && record.RecipientID != m.peerID {
		// Someone we have not met is talking to someone else; they
		// may have missed our request.
		if !known {
			m.scheduleRerequestLocked()
		}
		m.mu.Unlock()
		return
	}

	switch {
	case !known && len(record.Offer) == 0:
		remote = m.addPeerLocked(record.PeerID, record.UserID, true)
		generation := remote.generation
		m.mu.Unlock()
		m.connect(record.PeerID, generation, true, nil)

	case !known && record.Initiator:
		remote = m.addPeerLocked(record.PeerID, record.UserID, false)
		generation := remote.generation
		m.mu.Unlock()
		m.connect(record.PeerID, generation, false, record.Offer)

	case !known, len(record.Offer) == 0:
		// An answer for an attempt we dropped, or a repeated request
		// from a peer we already know.
		m.mu.Unlock()

	case record.Initiator && remote.initiator:
		// Both sides offered. The greater peer id keeps its offer;
		// the smaller discards its own and answers.
		if m.peerID > record.PeerID {
			m.mu.Unlock()
			return
		}
		previous := remote.link
		if remote.retry != nil {
			remote.retry.Stop()
			remote.retry = nil
		}
		m.generation++
		remote.generation = m.generation
		remote.link = nil
		remote.initiator = false
		remote.signal = nil
		remote.answered = false
		remote.attempts = 0
		generation := remote.generation
		m.mu.Unlock()
		m.logger.Debug("offer collision, answering remote offer", "remote", record.PeerID)
		if previous != nil {
			previous.Close()
		}
		m.connect(record.PeerID, generation, false, record.Offer)

	case record.Initiator:
		// A retried offer: our answer was lost.
		answer := remote.signal
		connected := remote.connected
		m.mu.Unlock()
		if answer != nil && !connected {
			m.publishLogged(signalRecord{
				PeerID: m.peerID, UserID: m.userID, Offer: answer, RecipientID: record.PeerID,
			})
		}

	case remote.initiator && !remote.answered:
		remote.answered = true
		if remote.retry != nil {
			remote.retry.Stop()
			remote.retry = nil
		}
		link, generation := remote.link, remote.generation
		m.mu.Unlock()
		if link == nil {
			return
		}
		if err := link.Signal(record.Offer); err != nil {
			m.logger.Warn("applying answer failed", "remote", record.PeerID, "error", err)
			m.drop(record.PeerID, generation)
		}

	default:
		m.mu.Unlock()
	}
}

func (m *Mesh) addPeerLocked(peerID, userID string, initiator bool) *meshPeer {
	m.generation++
	remote := &meshPeer{
		peerID:     peerID,
		userID:     userID,
		generation: m.generation,
		initiator:  initiator,
	}
	m.peers[peerID] = remote
	return remote
}

// currentLocked returns the peer if generation is still its attempt.
func (m *Mesh) currentLocked(peerID string, generation uint64) *meshPeer {
	remote, ok := m.peers[peerID]
	if !ok || remote.generation != generation {
		return nil
	}
	return remote
}

// connect creates and starts the link for one attempt. offer is the
// remote offer when answering.
func (m *Mesh) connect(peerID string, generation uint64, initiator bool, offer json.RawMessage) {
	events := &meshLinkEvents{mesh: m, peerID: peerID, generation: generation}
	link, err := m.links.NewLink(initiator, events)
	if err != nil {
		m.logger.Warn("creating link failed", "remote", peerID, "error", err)
		m.drop(peerID, generation)
		return
	}

	m.mu.Lock()
	remote := m.currentLocked(peerID, generation)
	if remote == nil {
		m.mu.Unlock()
		link.Close()
		return
	}
	remote.link = link
	m.mu.Unlock()

	if initiator {
		err = link.Start()
	} else {
		err = link.Signal(offer)
	}
	if err != nil {
		m.logger.Warn("starting link failed", "remote", peerID, "initiator", initiator, "error", err)
		m.drop(peerID, generation)
	}
}

// drop removes one attempt, reporting a close if it had connected.
func (m *Mesh) drop(peerID string, generation uint64) {
	m.mu.Lock()
	remote := m.currentLocked(peerID, generation)
	if remote == nil {
		m.mu.Unlock()
		return
	}
	m.removeLocked(remote)
	m.mu.Unlock()
	if remote.link != nil {
		remote.link.Close()
	}
	if remote.connected {
		m.closed(peerID, "")
	}
}

func (m *Mesh) linkSignal(peerID string, generation uint64, description json.RawMessage) {
	m.mu.Lock()
	remote := m.currentLocked(peerID, generation)
	if remote == nil || m.destroyed() {
		m.mu.Unlock()
		return
	}
	remote.signal = description
	record := signalRecord{
		PeerID:      m.peerID,
		UserID:      m.userID,
		Offer:       description,
		RecipientID: peerID,
		Initiator:   remote.initiator,
	}
	if remote.initiator {
		remote.attempts = 1
		m.armRetryLocked(remote)
	}
	m.mu.Unlock()
	m.publishLogged(record)
}

func (m *Mesh) armRetryLocked(remote *meshPeer) {
	peerID, generation := remote.peerID, remote.generation
	remote.retry = m.clock.AfterFunc(signalBackoff(), func() { m.retryOffer(peerID, generation) })
}

func (m *Mesh) retryOffer(peerID string, generation uint64) {
	m.mu.Lock()
	remote := m.currentLocked(peerID, generation)
	if remote == nil || remote.answered || m.destroyed() {
		m.mu.Unlock()
		return
	}
	if remote.attempts >= maxOfferAttempts {
		m.removeLocked(remote)
		m.mu.Unlock()
		m.logger.Debug("offer unanswered, dropping peer", "remote", peerID, "attempts", remote.attempts)
		if remote.link != nil {
			remote.link.Close()
		}
		return
	}
	remote.attempts++
	m.armRetryLocked(remote)
	record := signalRecord{
		PeerID: m.peerID, UserID: m.userID, Offer: remote.signal, RecipientID: peerID, Initiator: true,
	}
	m.mu.Unlock()
	m.publishLogged(record)
}

func (m *Mesh) linkConnected(peerID string, generation uint64) {
	m.mu.Lock()
	remote := m.currentLocked(peerID, generation)
	if remote == nil || remote.connected {
		m.mu.Unlock()
		return
	}
	remote.connected = true
	if remote.retry != nil {
		remote.retry.Stop()
		remote.retry = nil
	}
	link, userID, queued := remote.link, remote.userID, remote.queue
	remote.queue = nil
	m.mu.Unlock()

	m.logger.Info("mesh peer connected", "remote", peerID, "user", userID)
	m.connected(peerID, PeerInfo{UserID: userID})
	for index, data := range queued {
		if err := link.Send(data); err != nil {
			for _, rest := range queued[index:] {
				m.requeue(peerID, rest)
			}
			return
		}
	}
}

func (m *Mesh) linkData(peerID string, generation uint64, data []byte) {
	m.mu.Lock()
	current := m.currentLocked(peerID, generation) != nil
	m.mu.Unlock()
	if current {
		m.data(peerID, data)
	}
}

func (m *Mesh) linkClosed(peerID string, generation uint64, err error) {
	if err != nil {
		m.logger.Info("mesh link failed", "remote", peerID, "error", err)
	}
	m.drop(peerID, generation)
}

func (m *Mesh) requeue(peerID string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if remote, ok := m.peers[peerID]; ok {
		remote.queue = append(remote.queue, data)
		m.armFlushLocked()
	}
}

func (m *Mesh) armFlushLocked() {
	if m.flushTimer != nil || m.destroyed() {
		return
	}
	m.flushTimer = m.clock.AfterFunc(pendingRetryInterval, m.flushPending)
}

// flushPending retries queued payloads for peers that have connected.
func (m *Mesh) flushPending() {
	type batch struct {
		peerID string
		link   Link
		queue  [][]byte
	}
	m.mu.Lock()
	m.flushTimer = nil
	var ready []batch
	waiting := false
	for _, remote := range m.peers {
		if len(remote.queue) == 0 {
			continue
		}
		if remote.connected && remote.link != nil {
			ready = append(ready, batch{peerID: remote.peerID, link: remote.link, queue: remote.queue})
			remote.queue = nil
		} else {
			waiting = true
		}
	}
	if waiting {
		m.armFlushLocked()
	}
	m.mu.Unlock()

	for _, pending := range ready {
		for index, data := range pending.queue {
			if err := pending.link.Send(data); err != nil {
				for _, rest := range pending.queue[index:] {
					m.requeue(pending.peerID, rest)
				}
				break
			}
		}
	}
}

func (m *Mesh) scheduleRerequestLocked() {
	if m.rerequest != nil || m.destroyed() {
		return
	}
	m.rerequest = m.clock.AfterFunc(signalBackoff(), func() {
		m.mu.Lock()
		m.rerequest = nil
		m.mu.Unlock()
		if !m.destroyed() {
			m.publishLogged(signalRecord{PeerID: m.peerID, UserID: m.userID})
		}
	})
}

func (m *Mesh) publish(ctx context.Context, record signalRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding signal: %w", err)
	}
	return m.relay.Publish(ctx, m.channel, data)
}

func (m *Mesh) publishLogged(record signalRecord) {
	if err := m.publish(m.ctx, record); err != nil && m.ctx.Err() == nil {
		m.logger.Warn("publishing signal failed", "recipient", record.RecipientID, "error", err)
		m.signalError(fmt.Errorf("publishing signal: %w", err))
	}
}

// signalBackoff returns a random delay in [0.5s, 1.5s).
func signalBackoff() time.Duration {
	return minSignalBackoff + rand.N(signalBackoffJitter)
}

// peerCount returns the number of known peers, connected or not.
func (m *Mesh) peerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

type meshLinkEvents struct {
	mesh       *Mesh
	peerID     string
	generation uint64
}

func (e *meshLinkEvents) LinkSignal(description json.RawMessage) {
	e.mesh.linkSignal(e.peerID, e.generation, description)
}

func (e *meshLinkEvents) LinkConnected() { e.mesh.linkConnected(e.peerID, e.generation) }

func (e *meshLinkEvents) LinkData(data []byte) { e.mesh.linkData(e.peerID, e.generation, data) }

func (e *meshLinkEvents) LinkClosed(err error) { e.mesh.linkClosed(e.peerID, e.generation, err) }
