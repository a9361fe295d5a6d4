// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock. It is safe for concurrent
// use; callbacks scheduled with AfterFunc run on the goroutine that
// calls Advance, in deadline order.
type FakeClock struct {
	mu       sync.Mutex
	now      time.Time
	pending  []*fakeEntry
	sequence uint64
	changed  *sync.Cond
}

// fakeEntry is one scheduled timer, ticker or After channel.
type fakeEntry struct {
	deadline time.Time
	sequence uint64
	callback func()
	channel  chan time.Time
	period   time.Duration
	active   bool
}

// Fake returns a FakeClock whose time starts at start.
func Fake(start time.Time) *FakeClock {
	clock := &FakeClock{now: start}
	clock.changed = sync.NewCond(&clock.mu)
	return clock
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives when the clock passes now+d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.scheduleLocked(&fakeEntry{deadline: c.now.Add(d), channel: channel})
	return channel
}

// AfterFunc schedules f. A non-positive d runs f before returning.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	c.mu.Lock()
	entry := &fakeEntry{deadline: c.now.Add(d), callback: f}
	c.scheduleLocked(entry)
	c.mu.Unlock()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := entry.active
			c.removeLocked(entry)
			return wasActive
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := entry.active
			c.removeLocked(entry)
			entry.deadline = c.now.Add(d)
			c.scheduleLocked(entry)
			return wasActive
		},
	}
}

// NewTicker returns a ticker firing every d of fake time.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker requires a positive interval")
	}
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	entry := &fakeEntry{deadline: c.now.Add(d), channel: channel, period: d}
	c.scheduleLocked(entry)
	c.mu.Unlock()

	return &Ticker{
		C: channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.removeLocked(entry)
		},
	}
}

// Advance moves the clock forward by d, firing everything whose
// deadline is reached. Entries scheduled by fired callbacks are also
// fired if they fall within the new time.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if len(c.pending) == 0 || c.pending[0].deadline.After(target) {
			c.now = target
			c.mu.Unlock()
			return
		}
		entry := c.pending[0]
		c.pending = c.pending[1:]
		entry.active = false
		if entry.deadline.After(c.now) {
			c.now = entry.deadline
		}
		fireTime := c.now
		if entry.period > 0 {
			entry.deadline = entry.deadline.Add(entry.period)
			c.scheduleLocked(entry)
		}
		c.mu.Unlock()

		if entry.callback != nil {
			entry.callback()
			continue
		}
		select {
		case entry.channel <- fireTime:
		default:
		}
	}
}

// WaitForTimers blocks until at least n entries are pending. Use it to
// avoid racing a goroutine that has yet to register its timer.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of scheduled entries.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *FakeClock) scheduleLocked(entry *fakeEntry) {
	c.sequence++
	entry.sequence = c.sequence
	entry.active = true
	index, _ := slices.BinarySearchFunc(c.pending, entry, compareEntries)
	c.pending = slices.Insert(c.pending, index, entry)
	c.changed.Broadcast()
}

func (c *FakeClock) removeLocked(entry *fakeEntry) {
	if !entry.active {
		return
	}
	entry.active = false
	c.pending = slices.DeleteFunc(c.pending, func(candidate *fakeEntry) bool {
		return candidate == entry
	})
}

func compareEntries(a, b *fakeEntry) int {
	if cmp := a.deadline.Compare(b.deadline); cmp != 0 {
		return cmp
	}
	switch {
	case a.sequence < b.sequence:
		return -1
	case a.sequence > b.sequence:
		return 1
	}
	return 0
}
