// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/tabletop/lib/action"
)

// scheduleCheckpoint restarts the quiesce timer.
func (s *Session) scheduleCheckpoint() {
	if s.persister == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quiesceTimer != nil {
		s.quiesceTimer.Stop()
	}
	s.quiesceTimer = s.clock.AfterFunc(s.quiesce, func() {
		if err := s.Checkpoint(context.Background()); err != nil && !errors.Is(err, ErrNotJoined) {
			s.logger.Warn("checkpoint failed", "error", err)
		}
	})
}

// Checkpoint saves the state through the Persister and announces the
// saved heads. The GM announces to both audiences, players to players
// only.
func (s *Session) Checkpoint(ctx context.Context) error {
	if s.persister == nil {
		return errors.New("checkpoint: no persister configured")
	}
	member := s.membership()
	if member == nil {
		return ErrNotJoined
	}
	heads := member.tracker.Heads()
	if len(heads) == 0 {
		return nil
	}
	if err := s.persister.Save(ctx, member.channel.ChannelID, heads); err != nil {
		return fmt.Errorf("saving %s: %w", member.channel.ChannelID, err)
	}
	member.logger.Info("state saved", "heads", len(heads))

	audiences := []action.Audience{action.AudiencePlayers}
	if member.channel.IsGM() {
		audiences = []action.Audience{action.AudienceGM, action.AudiencePlayers}
	}
	for _, audience := range audiences {
		if err := s.Dispatch(ctx, action.NewCheckpoint(audience, heads)); err != nil {
			return fmt.Errorf("dispatching %s checkpoint: %w", audience, err)
		}
	}
	return nil
}
