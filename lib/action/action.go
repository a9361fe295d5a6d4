// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package action

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Checkpoint kinds as they appear in the wire "type" field.
const (
	KindLastSavedHeads       = "LAST_SAVED_HEADS"
	KindLastSavedPlayerHeads = "LAST_SAVED_PLAYER_HEADS"
)

// Audience restricts which peers apply an action.
type Audience uint8

const (
	// AudienceAll actions apply on every peer.
	AudienceAll Audience = iota
	// AudienceGM actions apply only on peers acting as the GM.
	AudienceGM
	// AudiencePlayers actions apply only on player peers.
	AudiencePlayers
)

func (a Audience) String() string {
	switch a {
	case AudienceAll:
		return "all"
	case AudienceGM:
		return "gm"
	case AudiencePlayers:
		return "players"
	}
	return fmt.Sprintf("audience(%d)", uint8(a))
}

// ParseAudience is the inverse of String. The empty string means
// AudienceAll.
func ParseAudience(s string) (Audience, error) {
	switch s {
	case "", "all":
		return AudienceAll, nil
	case "gm":
		return AudienceGM, nil
	case "players":
		return AudiencePlayers, nil
	}
	return AudienceAll, fmt.Errorf("unknown audience %q", s)
}

// Includes reports whether a peer with the given role applies actions
// addressed to this audience.
func (a Audience) Includes(isGM bool) bool {
	switch a {
	case AudienceGM:
		return isGM
	case AudiencePlayers:
		return !isGM
	}
	return true
}

// Origin records where a received action came from. The zero value
// marks a locally originated action.
type Origin struct {
	// FromPeerID is the peer that delivered the message to us.
	FromPeerID string
	// FromGM is set when FromPeerID belongs to the GM.
	FromGM bool
	// OriginPeerID is the peer that created the action. It differs
	// from FromPeerID when the GM relayed a player's action.
	OriginPeerID string
}

// Action is the synchronized mutation envelope.
type Action struct {
	// ID is unique per locally originated action.
	ID string
	// Heads lists the action ids the sender had most recently applied
	// when it created this action.
	Heads []string
	// PeerKey coalesces continuous updates: a later action with the
	// same key supersedes unsent earlier ones.
	PeerKey  string
	Audience Audience
	Origin   Origin
	Body     Body
}

// Body is the closed set of action payloads.
type Body interface {
	// Kind is the wire "type" value.
	Kind() string
	// Tracked reports whether the action takes part in causal head
	// tracking.
	Tracked() bool

	isBody()
}

// Mutation is an opaque scenario change. Payload must encode a JSON
// object (or be empty).
type Mutation struct {
	Type    string
	Payload json.RawMessage
}

func (m Mutation) Kind() string  { return m.Type }
func (m Mutation) Tracked() bool { return true }
func (Mutation) isBody()         {}

// Checkpoint declares that state up to Heads has been durably saved.
// Players distinguishes the players-only variant from the GM variant.
type Checkpoint struct {
	Players bool
	Heads   []string
}

func (c Checkpoint) Kind() string {
	if c.Players {
		return KindLastSavedPlayerHeads
	}
	return KindLastSavedHeads
}

func (c Checkpoint) Tracked() bool { return false }
func (Checkpoint) isBody()         {}

// NewID returns a fresh action or peer identifier.
func NewID() string {
	return uuid.NewString()
}

// NewMutation builds an unrouted mutation action. payload is marshaled
// to JSON and must produce an object; nil yields an empty payload.
func NewMutation(kind string, payload any) (Action, error) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Action{}, fmt.Errorf("encoding %s payload: %w", kind, err)
		}
		raw = encoded
	}
	return Action{Body: Mutation{Type: kind, Payload: raw}}, nil
}

// NewCheckpoint builds the checkpoint action for the given audience.
// Only AudienceGM and AudiencePlayers are meaningful.
func NewCheckpoint(audience Audience, heads []string) Action {
	return Action{
		Audience: audience,
		Body: Checkpoint{
			Players: audience == AudiencePlayers,
			Heads:   append([]string(nil), heads...),
		},
	}
}

// Local reports whether the action originated on this peer.
func (a Action) Local() bool {
	return a.Origin.FromPeerID == ""
}

// Kind returns the body kind, or "" for an action without a body.
func (a Action) Kind() string {
	if a.Body == nil {
		return ""
	}
	return a.Body.Kind()
}

// Tracked reports whether the action participates in head tracking.
func (a Action) Tracked() bool {
	return a.Body != nil && a.Body.Tracked()
}

// ThrottleKey namespaces PeerKey by kind so different action types
// sharing a key never supersede each other. Empty when PeerKey is.
func (a Action) ThrottleKey() string {
	if a.PeerKey == "" {
		return ""
	}
	return a.Kind() + ":" + a.PeerKey
}
