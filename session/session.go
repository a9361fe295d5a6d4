// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/tabletop/lib/action"
	"github.com/bureau-foundation/tabletop/lib/clock"
	"github.com/bureau-foundation/tabletop/lib/peer"
	"github.com/bureau-foundation/tabletop/lib/scenario"
	"github.com/bureau-foundation/tabletop/lib/secret"
	"github.com/bureau-foundation/tabletop/transport"
)

// DefaultQuiescePeriod is how long the session waits after the last
// local mutation before saving.
const DefaultQuiescePeriod = 5 * time.Second

// ErrNotJoined is returned by operations that need an active channel.
var ErrNotJoined = errors.New("not joined to a channel")

// Store is the application state a session keeps in sync.
type Store interface {
	// Channel returns the current channel identity. An identity that
	// is not Identifiable means no channel is open.
	Channel() scenario.Channel

	// Apply folds an action into the state. Actions whose id was
	// already applied must be ignored.
	Apply(action.Action) (bool, error)
}

// Persister durably saves the store's state.
type Persister interface {
	Save(ctx context.Context, channelID string, heads []string) error
}

// Restorer is implemented by persisters that can reload a channel's
// last save into the store. Restore returns the heads the save
// covered, or nil when the channel was never saved.
type Restorer interface {
	Restore(ctx context.Context, channelID string) ([]string, error)
}

// Notifier shows a peer's close reason to the user.
type Notifier interface {
	Notify(channel scenario.Channel, reason string)
}

// NodeConfig is passed to a NodeFactory when a channel is joined.
// Options carries the peer id, user id, hooks, clock and logger the
// node must use.
type NodeConfig struct {
	Channel scenario.Channel
	Options transport.Options
}

// NodeFactory creates the transport node for a channel. The session
// calls Init on the result.
type NodeFactory func(NodeConfig) (transport.Node, error)

// Config configures a Session.
type Config struct {
	Store Store
	Nodes NodeFactory

	// Persister enables checkpoints. Nil disables them.
	Persister Persister
	Notifier  Notifier

	// GMSecret lets this peer answer GM challenges and verify peers
	// claiming the GM identity. The session does not close it.
	GMSecret *secret.Buffer

	QuiescePeriod  time.Duration
	PendingTimeout time.Duration
	ThrottleWindow time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Session is safe for concurrent use.
type Session struct {
	store          Store
	nodes          NodeFactory
	persister      Persister
	notifier       Notifier
	gmSecret       *secret.Buffer
	quiesce        time.Duration
	pendingTimeout time.Duration
	throttleWindow time.Duration
	clock          clock.Clock
	logger         *slog.Logger

	// lifecycle serializes joining and leaving.
	lifecycle sync.Mutex

	mu      sync.Mutex
	current *membership
	// left is the channel a close notice made us leave. It is not
	// rejoined until the store's identity changes.
	left         scenario.Channel
	quiesceTimer *clock.Timer
	closed       bool
}

// New creates a Session. No channel is joined until the first
// Dispatch or Sync.
func New(config Config) (*Session, error) {
	if config.Store == nil {
		return nil, errors.New("session: Store is required")
	}
	if config.Nodes == nil {
		return nil, errors.New("session: Nodes is required")
	}
	if config.QuiescePeriod <= 0 {
		config.QuiescePeriod = DefaultQuiescePeriod
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Session{
		store:          config.Store,
		nodes:          config.Nodes,
		persister:      config.Persister,
		notifier:       config.Notifier,
		gmSecret:       config.GMSecret,
		quiesce:        config.QuiescePeriod,
		pendingTimeout: config.PendingTimeout,
		throttleWindow: config.ThrottleWindow,
		clock:          config.Clock,
		logger:         config.Logger,
	}, nil
}

// Dispatch applies an action under the audience rule and, when it
// originated locally, forwards it to peers. Transport failures are
// logged, never returned; the error reports only a failed local apply.
func (s *Session) Dispatch(ctx context.Context, dispatched action.Action) error {
	if dispatched.Body == nil {
		return fmt.Errorf("dispatching action %q: %w", dispatched.ID, action.ErrMalformed)
	}
	member, channel := s.sync(ctx)

	outward := dispatched.Local()
	if outward && dispatched.Tracked() && member != nil {
		if dispatched.PeerKey != "" {
			dispatched = member.tracker.StampCoalesced(dispatched)
		} else {
			dispatched = member.tracker.Stamp(dispatched)
		}
	}

	var applyErr error
	if dispatched.Audience.Includes(channel.IsGM()) {
		if _, err := s.store.Apply(dispatched); err != nil {
			applyErr = fmt.Errorf("applying %s: %w", dispatched.Kind(), err)
		}
	}

	if outward && member != nil {
		member.forward(dispatched)
		if dispatched.Tracked() {
			s.scheduleCheckpoint()
		}
	}
	return applyErr
}

// Sync joins or leaves a channel to match the store's current
// identity without dispatching anything.
func (s *Session) Sync(ctx context.Context) {
	s.sync(ctx)
}

// sync brings the membership in line with the store's identity and
// returns it, or nil when no channel is joined.
func (s *Session) sync(ctx context.Context) (*membership, scenario.Channel) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	channel := s.store.Channel()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, channel
	}
	current := s.current
	if channel != s.left {
		s.left = scenario.Channel{}
	}
	rejoinBlocked := s.left == channel
	s.mu.Unlock()

	if current != nil && current.channel == channel {
		return current, channel
	}
	if current != nil {
		s.logger.Info("channel identity changed, leaving", "channel", current.channel.ChannelID)
		s.teardown()
	}
	if !channel.Identifiable() || rejoinBlocked {
		return nil, channel
	}
	return s.join(ctx, channel), channel
}

// join creates, initializes and installs the node for channel. Must
// hold lifecycle.
func (s *Session) join(ctx context.Context, channel scenario.Channel) *membership {
	peerID := action.NewID()
	logger := s.logger.With("channel", channel.ChannelID, "peer", peerID)
	member := newMembership(s, channel, logger)

	if restorer, ok := s.persister.(Restorer); ok {
		heads, err := restorer.Restore(ctx, channel.ChannelID)
		if err != nil {
			logger.Warn("restoring saved state failed", "error", err)
		} else if len(heads) > 0 {
			member.tracker.Seed(heads)
			logger.Info("restored saved state", "heads", len(heads))
		}
	}

	node, err := s.nodes(NodeConfig{
		Channel: channel,
		Options: transport.Options{
			PeerID:         peerID,
			UserID:         channel.UserID,
			Hooks:          member,
			ThrottleWindow: s.throttleWindow,
			Clock:          s.clock,
			Logger:         s.logger,
		},
	})
	if err != nil {
		member.tracker.Close()
		logger.Warn("creating transport failed", "error", err)
		return nil
	}
	member.node = node

	// Hooks may fire during Init, so the membership is current first.
	s.mu.Lock()
	s.current = member
	s.mu.Unlock()

	if err := node.Init(ctx); err != nil {
		logger.Warn("joining channel failed", "error", err)
		s.teardown()
		return nil
	}
	logger.Info("joined channel", "gm", channel.IsGM(), "topology", node.Topology())
	return member
}

// teardown destroys the current membership. Must hold lifecycle.
func (s *Session) teardown() {
	s.mu.Lock()
	member := s.current
	s.current = nil
	if s.quiesceTimer != nil {
		s.quiesceTimer.Stop()
		s.quiesceTimer = nil
	}
	s.mu.Unlock()
	if member == nil {
		return
	}
	member.close()
}

// leave ends member's channel after a peer asked us to go, then
// surfaces the reason.
func (s *Session) leave(member *membership, reason string) {
	s.lifecycle.Lock()
	s.mu.Lock()
	if s.current != member {
		s.mu.Unlock()
		s.lifecycle.Unlock()
		return
	}
	s.left = member.channel
	s.mu.Unlock()
	s.teardown()
	s.lifecycle.Unlock()

	member.logger.Info("left channel at a peer's request", "reason", reason)
	if s.notifier != nil {
		s.notifier.Notify(member.channel, reason)
	}
}

// Close leaves the channel. Later dispatches only apply locally.
func (s *Session) Close() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.teardown()
}

// Kick asks a peer to leave the channel, showing it reason.
func (s *Session) Kick(peerID, reason string) error {
	member := s.membership()
	if member == nil {
		return ErrNotJoined
	}
	member.node.Close(peerID, reason)
	return nil
}

// PeerID returns the local peer id, or "" when not joined.
func (s *Session) PeerID() string {
	if member := s.membership(); member != nil {
		return member.node.PeerID()
	}
	return ""
}

// Peers returns the connected peers ordered by peer id.
func (s *Session) Peers() []peer.ConnectedPeer {
	if member := s.membership(); member != nil {
		return member.registry.List()
	}
	return nil
}

// Heads returns the local causal head frontier.
func (s *Session) Heads() []string {
	if member := s.membership(); member != nil {
		return member.tracker.Heads()
	}
	return nil
}

// Joined reports whether a channel is joined.
func (s *Session) Joined() bool {
	return s.membership() != nil
}

func (s *Session) membership() *membership {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Session) requireVerified() bool {
	return s.gmSecret != nil
}
