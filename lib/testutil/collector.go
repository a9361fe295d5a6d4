// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"sync"
	"time"
)

// Collector is an unbounded, ordered buffer of values pushed from any
// goroutine. Push never blocks, so it is safe to call from callbacks
// that run while the producer holds locks.
type Collector[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

// NewCollector creates an empty Collector.
func NewCollector[T any]() *Collector[T] {
	return &Collector[T]{notify: make(chan struct{}, 1)}
}

// Push appends a value.
func (c *Collector[T]) Push(v T) {
	c.mu.Lock()
	c.items = append(c.items, v)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of buffered values.
func (c *Collector[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Snapshot returns a copy of the buffered values without consuming
// them.
func (c *Collector[T]) Snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.items...)
}

// Next removes and returns the oldest value, waiting up to timeout for
// one to arrive.
func (c *Collector[T]) Next(t interface {
	Helper()
	Fatalf(format string, args ...any)
}, timeout time.Duration, msgAndArgs ...any) T {
	t.Helper()
	deadline := time.After(timeout) //nolint:realclock test hang prevention
	for {
		c.mu.Lock()
		if len(c.items) > 0 {
			v := c.items[0]
			c.items = c.items[1:]
			c.mu.Unlock()
			return v
		}
		c.mu.Unlock()
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out after %v: %s", timeout, formatMessage(msgAndArgs))
		}
	}
}

// WaitFor consumes values until match returns true, waiting up to
// timeout overall. Values that do not match are discarded.
func (c *Collector[T]) WaitFor(t interface {
	Helper()
	Fatalf(format string, args ...any)
}, timeout time.Duration, match func(T) bool, msgAndArgs ...any) T {
	t.Helper()
	deadline := time.Now().Add(timeout) //nolint:realclock test hang prevention
	for {
		remaining := time.Until(deadline) //nolint:realclock test hang prevention
		if remaining <= 0 {
			t.Fatalf("timed out after %v: %s", timeout, formatMessage(msgAndArgs))
		}
		if v := c.Next(t, remaining, msgAndArgs...); match(v) {
			return v
		}
	}
}
