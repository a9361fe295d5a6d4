// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package realtimedb

import "sync"

// dispatcher delivers events to one watcher in order on its own
// goroutine, so producers never call the watcher while holding locks.
type dispatcher struct {
	watcher Watcher

	mu      sync.Mutex
	queue   []func(Watcher)
	signal  chan struct{}
	stopped bool
	done    chan struct{}
}

func newDispatcher(watcher Watcher) *dispatcher {
	d := &dispatcher{
		watcher: watcher,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) push(event func(Watcher)) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, event)
	d.mu.Unlock()
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// stop discards queued events. Safe to call more than once.
func (d *dispatcher) stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.queue = nil
	d.mu.Unlock()
	close(d.done)
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.signal:
		case <-d.done:
			return
		}
		for {
			d.mu.Lock()
			if d.stopped || len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			event := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()
			event(d.watcher)
		}
	}
}
