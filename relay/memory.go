// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
)

// Memory is an in-process Relay.
type Memory struct {
	retention int

	mu       sync.Mutex
	channels map[string]*memoryChannel
}

type memoryChannel struct {
	// first is the sequence number of records[0].
	first   uint64
	records [][]byte
	// wake is closed and replaced on every publish.
	wake chan struct{}
}

// NewMemory creates a Memory relay keeping at most retention records
// per channel. Non-positive retention means DefaultRetention.
func NewMemory(retention int) *Memory {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Memory{
		retention: retention,
		channels:  make(map[string]*memoryChannel),
	}
}

// Publish appends a copy of record.
func (m *Memory) Publish(ctx context.Context, channel string, record []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.channelLocked(channel)
	state.records = append(state.records, slices.Clone(record))
	if excess := len(state.records) - m.retention; excess > 0 {
		state.records = slices.Delete(state.records, 0, excess)
		state.first += uint64(excess)
	}
	close(state.wake)
	state.wake = make(chan struct{})
	return nil
}

// Poll implements Relay. Cursors are decimal sequence numbers.
func (m *Memory) Poll(ctx context.Context, channel, cursor string) (Page, error) {
	var position uint64
	if cursor != "" {
		parsed, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return Page{}, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
		}
		position = parsed
	}

	for {
		m.mu.Lock()
		state := m.channelLocked(channel)
		next := state.first + uint64(len(state.records))
		if cursor == "" || position > next {
			// A cursor past the tail comes from a previous relay
			// instance; restart from the current tail.
			m.mu.Unlock()
			return Page{Cursor: strconv.FormatUint(next, 10)}, nil
		}
		position = max(position, state.first)
		if position < next {
			start := int(position - state.first)
			end := min(len(state.records), start+DefaultPageSize)
			records := make([][]byte, 0, end-start)
			for _, record := range state.records[start:end] {
				records = append(records, slices.Clone(record))
			}
			m.mu.Unlock()
			return Page{
				Records: records,
				Cursor:  strconv.FormatUint(position+uint64(len(records)), 10),
			}, nil
		}
		wake := state.wake
		m.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return Page{}, ctx.Err()
		}
	}
}

// Len returns the number of retained records in channel.
func (m *Memory) Len(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.channels[channel]; ok {
		return len(state.records)
	}
	return 0
}

func (m *Memory) channelLocked(channel string) *memoryChannel {
	state, ok := m.channels[channel]
	if !ok {
		state = &memoryChannel{wake: make(chan struct{})}
		m.channels[channel] = state
	}
	return state
}
