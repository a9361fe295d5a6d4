// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/tabletop/lib/clock"
)

// ConnectedPeer is the local view of one remote peer.
type ConnectedPeer struct {
	PeerID string
	UserID string

	// ClaimsGM is set when UserID matches the channel's GM user.
	ClaimsGM bool

	// ChallengeNonce is the outstanding nonce sent to this peer, or
	// empty when no challenge is in flight.
	ChallengeNonce string

	// VerifiedGM is nil until a challenge response arrives, then the
	// verification result.
	VerifiedGM *bool

	LastHeartbeatAt time.Time
	DeviceMeta      map[string]string
}

// Registry is safe for concurrent use. Accessors return copies.
type Registry struct {
	clock clock.Clock

	mu    sync.Mutex
	peers map[string]*ConnectedPeer
}

// NewRegistry creates an empty registry.
func NewRegistry(clock clock.Clock) *Registry {
	return &Registry{
		clock: clock,
		peers: make(map[string]*ConnectedPeer),
	}
}

// Add records a peer, or refreshes identity and heartbeat for a known
// one. Returns the resulting record and whether the peer was new.
func (r *Registry) Add(peerID, userID string, claimsGM bool, deviceMeta map[string]string) (ConnectedPeer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, known := r.peers[peerID]
	if !known {
		existing = &ConnectedPeer{PeerID: peerID}
		r.peers[peerID] = existing
	}
	if existing.UserID != userID {
		// A changed identity invalidates any verification result.
		existing.VerifiedGM = nil
		existing.ChallengeNonce = ""
	}
	existing.UserID = userID
	existing.ClaimsGM = claimsGM
	existing.LastHeartbeatAt = r.clock.Now()
	if deviceMeta != nil {
		existing.DeviceMeta = maps.Clone(deviceMeta)
	}
	return copyPeer(existing), !known
}

// Remove deletes a peer, returning its last record.
func (r *Registry) Remove(peerID string) (ConnectedPeer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.peers[peerID]
	if !ok {
		return ConnectedPeer{}, false
	}
	delete(r.peers, peerID)
	return copyPeer(existing), true
}

// Clear removes every peer.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.peers)
}

// Get returns a peer's record.
func (r *Registry) Get(peerID string) (ConnectedPeer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.peers[peerID]
	if !ok {
		return ConnectedPeer{}, false
	}
	return copyPeer(existing), true
}

// List returns every peer ordered by peer id.
func (r *Registry) List() []ConnectedPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := slices.Sorted(maps.Keys(r.peers))
	list := make([]ConnectedPeer, 0, len(ids))
	for _, id := range ids {
		list = append(list, copyPeer(r.peers[id]))
	}
	return list
}

// Touch refreshes a peer's heartbeat time. Unknown peers are ignored.
func (r *Registry) Touch(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.peers[peerID]; ok {
		existing.LastHeartbeatAt = r.clock.Now()
	}
}

// SetChallenge records the nonce sent to a peer. Returns false for an
// unknown peer.
func (r *Registry) SetChallenge(peerID, nonce string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.peers[peerID]
	if !ok {
		return false
	}
	existing.ChallengeNonce = nonce
	return true
}

// ResolveChallenge checks a challenge response against the outstanding
// nonce. Responses for a different nonce or with no challenge in flight
// are ignored (ok is false) and leave VerifiedGM untouched.
func (r *Registry) ResolveChallenge(peerID, nonce, signature string, secret []byte) (verified, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, known := r.peers[peerID]
	if !known || existing.ChallengeNonce == "" || existing.ChallengeNonce != nonce {
		return false, false
	}
	result := Verify(secret, existing.ChallengeNonce, signature)
	existing.VerifiedGM = &result
	existing.ChallengeNonce = ""
	return result, true
}

// IsGM reports whether a peer counts as the GM. With requireVerified a
// peer must have passed a challenge; otherwise the claim suffices
// unless a challenge explicitly failed.
func (r *Registry) IsGM(peerID string, requireVerified bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.peers[peerID]
	if !ok {
		return false
	}
	return isGMLocked(existing, requireVerified)
}

// GMPeers returns the ids of peers counting as GM, sorted.
func (r *Registry) GMPeers(requireVerified bool) []string {
	return r.filter(func(candidate *ConnectedPeer) bool {
		return isGMLocked(candidate, requireVerified)
	})
}

// PlayerPeers returns the ids of peers not claiming the GM identity,
// sorted.
func (r *Registry) PlayerPeers() []string {
	return r.filter(func(candidate *ConnectedPeer) bool { return !candidate.ClaimsGM })
}

// Hub returns the peer players route through: the GM peer with the
// smallest id.
func (r *Registry) Hub(requireVerified bool) (string, bool) {
	gmPeers := r.GMPeers(requireVerified)
	if len(gmPeers) == 0 {
		return "", false
	}
	return gmPeers[0], true
}

func (r *Registry) filter(keep func(*ConnectedPeer) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, candidate := range r.peers {
		if keep(candidate) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func isGMLocked(candidate *ConnectedPeer, requireVerified bool) bool {
	if !candidate.ClaimsGM {
		return false
	}
	if candidate.VerifiedGM != nil {
		return *candidate.VerifiedGM
	}
	return !requireVerified
}

func copyPeer(source *ConnectedPeer) ConnectedPeer {
	duplicate := *source
	if source.VerifiedGM != nil {
		verified := *source.VerifiedGM
		duplicate.VerifiedGM = &verified
	}
	duplicate.DeviceMeta = maps.Clone(source.DeviceMeta)
	return duplicate
}
