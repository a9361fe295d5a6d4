// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package causal tracks which actions a peer has applied and holds back
// actions whose declared ancestors have not arrived yet.
//
// Each tracked action names the heads its sender had applied. The
// tracker keeps its own head frontier: applying action A replaces every
// head A declares with A itself. An action whose heads are all known
// applies at once; otherwise it waits for the missing ancestors, at most
// PendingTimeout, and is then applied regardless. Transports deliver in
// near-causal order, so the wait only covers genuine races; no
// retransmission is ever requested.
package causal

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/tabletop/lib/action"
	"github.com/bureau-foundation/tabletop/lib/clock"
)

// DefaultPendingTimeout bounds how long an action waits for a missing
// ancestor before being applied anyway.
const DefaultPendingTimeout = 5 * time.Second

// Outcome describes what Receive did with an action.
type Outcome int

const (
	// Applied means the action (and possibly released dependents) was
	// handed to the apply function.
	Applied Outcome = iota
	// Deferred means at least one declared head is unknown.
	Deferred
	// Duplicate means the action id was already applied or pending.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Deferred:
		return "deferred"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// Config configures a Tracker.
type Config struct {
	// Apply is called for every action the tracker releases, in
	// release order. It must not call back into the Tracker.
	Apply func(action.Action)

	// PendingTimeout bounds the wait for missing ancestors. Zero
	// means DefaultPendingTimeout.
	PendingTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Tracker is safe for concurrent use.
type Tracker struct {
	apply   func(action.Action)
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	applied map[string]struct{}
	heads   []string
	pending map[string]*pendingAction
	// waiting maps a missing ancestor id to the ids of pending actions
	// that declared it.
	waiting map[string][]string
	closed  bool
}

type pendingAction struct {
	action  action.Action
	missing map[string]struct{}
	timer   *clock.Timer
}

// New creates a Tracker.
func New(config Config) *Tracker {
	if config.Apply == nil {
		panic("causal: Config.Apply is required")
	}
	if config.PendingTimeout <= 0 {
		config.PendingTimeout = DefaultPendingTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Tracker{
		apply:   config.Apply,
		timeout: config.PendingTimeout,
		clock:   config.Clock,
		logger:  config.Logger,
		applied: make(map[string]struct{}),
		pending: make(map[string]*pendingAction),
		waiting: make(map[string][]string),
	}
}

// Heads returns a copy of the current head frontier.
func (t *Tracker) Heads() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.heads)
}

// Seen reports whether id has been applied or is pending.
func (t *Tracker) Seen(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, applied := t.applied[id]
	_, pending := t.pending[id]
	return applied || pending
}

// PendingCount returns the number of deferred actions.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Seed marks heads as applied and makes them the frontier. Used when
// state is loaded from a snapshot whose log entries were cleaned up.
func (t *Tracker) Seed(heads []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range heads {
		t.applied[id] = struct{}{}
	}
	t.heads = slices.Clone(heads)
}

// Stamp prepares a locally originated action: it assigns a fresh id if
// needed, declares the current frontier as its heads and records it as
// applied. The caller applies the returned action itself.
func (t *Tracker) Stamp(local action.Action) action.Action {
	if local.ID == "" {
		local.ID = action.NewID()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	local.Heads = slices.Clone(t.heads)
	t.markAppliedLocked(local)
	return local
}

// StampCoalesced prepares a locally originated action that a later
// action sharing its throttle key may supersede before it is sent. It
// is recorded as applied, so echoes are dropped, but stays out of the
// frontier: peers never see superseded ids, so nothing may depend on
// them.
func (t *Tracker) StampCoalesced(local action.Action) action.Action {
	if local.ID == "" {
		local.ID = action.NewID()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	local.Heads = slices.Clone(t.heads)
	t.applied[local.ID] = struct{}{}
	return local
}

// Receive handles a tracked action from a peer.
func (t *Tracker) Receive(received action.Action) Outcome {
	if received.ID == "" {
		// Untracked senders cannot be deduplicated; apply directly.
		t.apply(received)
		return Applied
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Duplicate
	}
	if _, ok := t.applied[received.ID]; ok {
		t.mu.Unlock()
		return Duplicate
	}
	if _, ok := t.pending[received.ID]; ok {
		t.mu.Unlock()
		return Duplicate
	}

	missing := make(map[string]struct{})
	for _, head := range received.Heads {
		if _, ok := t.applied[head]; !ok {
			missing[head] = struct{}{}
		}
	}

	if len(missing) > 0 {
		entry := &pendingAction{action: received, missing: missing}
		t.pending[received.ID] = entry
		for head := range missing {
			t.waiting[head] = append(t.waiting[head], received.ID)
		}
		id := received.ID
		entry.timer = t.clock.AfterFunc(t.timeout, func() { t.expire(id) })
		t.mu.Unlock()
		t.logger.Debug("deferring action with missing ancestors",
			"action", received.ID,
			"missing", len(missing),
		)
		return Deferred
	}

	released := t.releaseLocked(received)
	t.mu.Unlock()

	for _, ready := range released {
		t.apply(ready)
	}
	return Applied
}

// Close cancels all pending timers and drops deferred actions.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, entry := range t.pending {
		entry.timer.Stop()
		delete(t.pending, id)
	}
	clear(t.waiting)
}

// expire applies a still-pending action whose wait ran out.
func (t *Tracker) expire(id string) {
	t.mu.Lock()
	entry, ok := t.pending[id]
	if !ok || t.closed {
		t.mu.Unlock()
		return
	}
	delete(t.pending, id)
	missing := make([]string, 0, len(entry.missing))
	for head := range entry.missing {
		missing = append(missing, head)
		t.waiting[head] = slices.DeleteFunc(t.waiting[head], func(waiter string) bool { return waiter == id })
		if len(t.waiting[head]) == 0 {
			delete(t.waiting, head)
		}
	}
	released := t.releaseLocked(entry.action)
	t.mu.Unlock()

	slices.Sort(missing)
	t.logger.Warn("applying action without its ancestors after timeout",
		"action", id,
		"missing", missing,
		"timeout", t.timeout,
	)
	for _, ready := range released {
		t.apply(ready)
	}
}

// releaseLocked marks ready as applied and transitively releases every
// pending action it unblocks. Returns the actions to apply, in order.
func (t *Tracker) releaseLocked(ready action.Action) []action.Action {
	released := []action.Action{ready}
	queue := []action.Action{ready}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		t.markAppliedLocked(current)

		waiters := t.waiting[current.ID]
		delete(t.waiting, current.ID)
		for _, waiterID := range waiters {
			entry, ok := t.pending[waiterID]
			if !ok {
				continue
			}
			delete(entry.missing, current.ID)
			if len(entry.missing) > 0 {
				continue
			}
			entry.timer.Stop()
			delete(t.pending, waiterID)
			released = append(released, entry.action)
			queue = append(queue, entry.action)
		}
	}
	return released
}

func (t *Tracker) markAppliedLocked(applied action.Action) {
	t.applied[applied.ID] = struct{}{}
	t.heads = slices.DeleteFunc(t.heads, func(head string) bool {
		return slices.Contains(applied.Heads, head)
	})
	if !slices.Contains(t.heads, applied.ID) {
		t.heads = append(t.heads, applied.ID)
	}
}
