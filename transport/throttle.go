// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"sync"
	"time"

	"github.com/bureau-foundation/tabletop/lib/clock"
)

// throttle is a per-key table of pending sends. The first submit for
// a key arms a timer; later submits within the window replace the
// pending flush and queue their callbacks. On fire the newest flush
// runs once and every queued callback receives its recipients.
type throttle struct {
	clock  clock.Clock
	window time.Duration

	mu      sync.Mutex
	entries map[string]*throttleEntry
	closed  bool
}

type throttleEntry struct {
	timer     *clock.Timer
	flush     func() []string
	callbacks []func([]string)
}

func newThrottle(clk clock.Clock, window time.Duration) *throttle {
	return &throttle{clock: clk, window: window, entries: make(map[string]*throttleEntry)}
}

func (t *throttle) submit(key string, flush func() []string, onSent func([]string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	entry, ok := t.entries[key]
	if !ok {
		entry = &throttleEntry{}
		t.entries[key] = entry
		entry.timer = t.clock.AfterFunc(t.window, func() { t.fire(key, entry) })
	}
	entry.flush = flush
	if onSent != nil {
		entry.callbacks = append(entry.callbacks, onSent)
	}
}

func (t *throttle) fire(key string, entry *throttleEntry) {
	t.mu.Lock()
	if t.closed || t.entries[key] != entry {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	flush, callbacks := entry.flush, entry.callbacks
	t.mu.Unlock()

	recipients := flush()
	for _, callback := range callbacks {
		callback(recipients)
	}
}

// pending returns the number of keys waiting to fire.
func (t *throttle) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// close drops every pending payload.
func (t *throttle) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for key, entry := range t.entries {
		entry.timer.Stop()
		delete(t.entries, key)
	}
}
