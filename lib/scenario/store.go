// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/bureau-foundation/tabletop/lib/action"
)

// Channel identifies the synchronization scope. The zero value means
// no tabletop is open.
type Channel struct {
	ChannelID string
	UserID    string
	GMUserID  string
}

// Identifiable reports whether enough is known to join a channel.
func (c Channel) Identifiable() bool {
	return c.ChannelID != "" && c.UserID != ""
}

// IsGM reports whether the local user is the channel's GM.
func (c Channel) IsGM() bool {
	return c.UserID != "" && c.UserID == c.GMUserID
}

// Objects maps object ids to JSON objects.
type Objects map[string]json.RawMessage

// Reducer folds one mutation into objects. It must be deterministic.
type Reducer func(objects Objects, mutation action.Mutation) error

// ErrNoObjectID is returned by MergeByID for payloads without an id.
var ErrNoObjectID = errors.New("mutation payload has no id")

// MergeByID is the default Reducer: payload fields overwrite the fields
// of the object named by the payload's "id". Mutations whose type is
// "REMOVE" delete the object instead.
func MergeByID(objects Objects, mutation action.Mutation) error {
	if len(mutation.Payload) == 0 {
		return ErrNoObjectID
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(mutation.Payload, &fields); err != nil {
		return fmt.Errorf("decoding %s payload: %w", mutation.Type, err)
	}
	var id string
	if raw, ok := fields["id"]; ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			return fmt.Errorf("decoding %s id: %w", mutation.Type, err)
		}
	}
	if id == "" {
		return ErrNoObjectID
	}

	if mutation.Type == "REMOVE" {
		delete(objects, id)
		return nil
	}

	merged := make(map[string]json.RawMessage)
	if existing, ok := objects[id]; ok {
		if err := json.Unmarshal(existing, &merged); err != nil {
			return fmt.Errorf("decoding object %s: %w", id, err)
		}
	}
	maps.Copy(merged, fields)
	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encoding object %s: %w", id, err)
	}
	objects[id] = encoded
	return nil
}

// State is a copy of the store contents, suitable for snapshots.
type State struct {
	Objects Objects  `json:"objects" cbor:"objects"`
	Applied []string `json:"applied" cbor:"applied"`
}

// Store is safe for concurrent use.
type Store struct {
	reducer Reducer

	mu      sync.Mutex
	channel Channel
	objects Objects
	applied map[string]struct{}
	order   []string
}

// New creates an empty store. A nil reducer means MergeByID.
func New(reducer Reducer) *Store {
	if reducer == nil {
		reducer = MergeByID
	}
	return &Store{
		reducer: reducer,
		objects: make(Objects),
		applied: make(map[string]struct{}),
	}
}

// Channel returns the current channel identity.
func (s *Store) Channel() Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// SetChannel replaces the channel identity. Joining a different
// channel discards the previous channel's contents.
func (s *Store) SetChannel(channel Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channel.ChannelID != s.channel.ChannelID {
		s.objects = make(Objects)
		s.applied = make(map[string]struct{})
		s.order = nil
	}
	s.channel = channel
}

// Apply folds a into the state. Checkpoints and actions already applied
// are ignored. It reports whether the state changed hands to the
// reducer; reducer errors are returned and the action is still marked
// applied so it is never retried.
func (s *Store) Apply(a action.Action) (bool, error) {
	mutation, ok := a.Body.(action.Mutation)
	if !ok {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID != "" {
		if _, done := s.applied[a.ID]; done {
			return false, nil
		}
		s.applied[a.ID] = struct{}{}
		s.order = append(s.order, a.ID)
	}
	if err := s.reducer(s.objects, mutation); err != nil {
		return true, fmt.Errorf("applying %s %s: %w", mutation.Type, a.ID, err)
	}
	return true, nil
}

// Applied reports whether id has been applied.
func (s *Store) Applied(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.applied[id]
	return ok
}

// Object returns the object with the given id.
func (s *Store) Object(id string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	object, ok := s.objects[id]
	return slices.Clone(object), ok
}

// State returns a deep copy of the contents.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	objects := make(Objects, len(s.objects))
	for id, object := range s.objects {
		objects[id] = slices.Clone(object)
	}
	return State{Objects: objects, Applied: slices.Clone(s.order)}
}

// Restore replaces the contents with state, keeping the channel.
func (s *Store) Restore(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = make(Objects, len(state.Objects))
	for id, object := range state.Objects {
		s.objects[id] = slices.Clone(object)
	}
	s.applied = make(map[string]struct{}, len(state.Applied))
	for _, id := range state.Applied {
		s.applied[id] = struct{}{}
	}
	s.order = slices.Clone(state.Applied)
}
