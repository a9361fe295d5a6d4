// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/tabletop/cmd/tabletop/cli"
	"github.com/bureau-foundation/tabletop/lib/action"
	"github.com/bureau-foundation/tabletop/lib/peer"
	"github.com/bureau-foundation/tabletop/lib/scenario"
	"github.com/bureau-foundation/tabletop/session"
)

// Input commands accepted on stdin besides plain mutations.
const (
	inputCheckpoint = "checkpoint"
	inputPeers      = "peers"
	inputState      = "state"
	inputKick       = "kick"
)

// input is one stdin line. Lines without a command are mutations.
type input struct {
	Command string `json:"command,omitempty"`

	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Audience string          `json:"audience,omitempty"`
	PeerKey  string          `json:"peerKey,omitempty"`

	// Target and Reason are used by kick.
	Target string `json:"target,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// mutation builds the action described by a mutation line.
func (i input) mutation() (action.Action, error) {
	if i.Type == "" {
		return action.Action{}, errors.New("mutation has no type")
	}
	audience, err := action.ParseAudience(i.Audience)
	if err != nil {
		return action.Action{}, err
	}
	if len(i.Payload) > 0 {
		var object map[string]json.RawMessage
		if err := json.Unmarshal(i.Payload, &object); err != nil {
			return action.Action{}, fmt.Errorf("%s payload must be a JSON object: %w", i.Type, err)
		}
	}
	return action.Action{
		ID:       i.ID,
		PeerKey:  i.PeerKey,
		Audience: audience,
		Body:     action.Mutation{Type: i.Type, Payload: i.Payload},
	}, nil
}

// Output events written to stdout, one per line.
type appliedEvent struct {
	Event    string          `json:"event"`
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Audience string          `json:"audience"`
	From     string          `json:"from,omitempty"`
	FromGM   bool            `json:"fromGM,omitempty"`
	Origin   string          `json:"origin,omitempty"`
}

type peersEvent struct {
	Event string     `json:"event"`
	Peers []peerInfo `json:"peers"`
}

type peerInfo struct {
	PeerID     string `json:"peerId"`
	UserID     string `json:"userId"`
	ClaimsGM   bool   `json:"claimsGM"`
	VerifiedGM *bool  `json:"verifiedGM"`
	LastSeen   string `json:"lastSeen"`
}

type stateEvent struct {
	Event string         `json:"event"`
	State scenario.State `json:"state"`
	Heads []string       `json:"heads"`
}

type leftEvent struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Reason  string `json:"reason"`
}

type errorEvent struct {
	Event string `json:"event"`
	Error string `json:"error"`
}

// printingStore writes every action that reaches the reducer.
type printingStore struct {
	*scenario.Store
	output *cli.LineWriter
	logger *slog.Logger
}

func (p *printingStore) Apply(applied action.Action) (bool, error) {
	changed, err := p.Store.Apply(applied)
	if !changed {
		return changed, err
	}
	mutation, _ := applied.Body.(action.Mutation)
	event := appliedEvent{
		Event:    "applied",
		ID:       applied.ID,
		Type:     mutation.Type,
		Payload:  mutation.Payload,
		Audience: applied.Audience.String(),
		From:     applied.Origin.FromPeerID,
		FromGM:   applied.Origin.FromGM,
		Origin:   applied.Origin.OriginPeerID,
	}
	if writeErr := p.output.Write(event); writeErr != nil {
		p.logger.Warn("writing applied action failed", "error", writeErr)
	}
	return changed, err
}

// leaveNotifier reports close notices on stdout and cancels the peer.
type leaveNotifier struct {
	output *cli.LineWriter
	cancel context.CancelFunc
}

func (n leaveNotifier) Notify(channel scenario.Channel, reason string) {
	_ = n.output.Write(leftEvent{Event: "left", Channel: channel.ChannelID, Reason: reason})
	if n.cancel != nil {
		n.cancel()
	}
}

// handleInput performs one stdin line against s.
func handleInput(ctx context.Context, s *session.Session, store *scenario.Store, output *cli.LineWriter, line []byte) error {
	var parsed input
	if err := json.Unmarshal(line, &parsed); err != nil {
		return fmt.Errorf("parsing input line: %w", err)
	}

	switch parsed.Command {
	case "":
		dispatched, err := parsed.mutation()
		if err != nil {
			return err
		}
		return s.Dispatch(ctx, dispatched)
	case inputCheckpoint:
		return s.Checkpoint(ctx)
	case inputPeers:
		return output.Write(peersEvent{Event: "peers", Peers: describePeers(s.Peers())})
	case inputState:
		return output.Write(stateEvent{Event: "state", State: store.State(), Heads: nonNil(s.Heads())})
	case inputKick:
		if parsed.Target == "" {
			return errors.New("kick needs a target peer id")
		}
		return s.Kick(parsed.Target, parsed.Reason)
	}
	return fmt.Errorf("unknown command %q", parsed.Command)
}

func describePeers(connected []peer.ConnectedPeer) []peerInfo {
	described := make([]peerInfo, 0, len(connected))
	for _, remote := range connected {
		described = append(described, peerInfo{
			PeerID:     remote.PeerID,
			UserID:     remote.UserID,
			ClaimsGM:   remote.ClaimsGM,
			VerifiedGM: remote.VerifiedGM,
			LastSeen:   remote.LastHeartbeatAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return described
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
