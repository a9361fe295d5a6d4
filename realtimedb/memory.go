// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package realtimedb

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/tabletop/lib/clock"
)

// Memory is an in-process Database. Its clock stands in for the
// server clock.
type Memory struct {
	clock clock.Clock

	mu         sync.Mutex
	namespaces map[string]*memoryNamespace
}

type memoryNamespace struct {
	gm       string
	users    map[string]UserRecord
	logs     map[Log]*memoryLog
	watchers map[*memoryWatch]struct{}

	// next numbers entries across all logs of the channel.
	next uint64
}

type memoryLog struct {
	entries []Entry
}

type loggedEntry struct {
	log   Log
	entry Entry
}

type memoryWatch struct {
	logs       map[Log]bool
	dispatcher *dispatcher
}

// NewMemory creates an empty database. Nil clock means the real clock.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real()
	}
	return &Memory{clock: clk, namespaces: make(map[string]*memoryNamespace)}
}

func (m *Memory) namespaceLocked(channel string) *memoryNamespace {
	namespace, ok := m.namespaces[channel]
	if !ok {
		namespace = &memoryNamespace{
			users:    make(map[string]UserRecord),
			logs:     map[Log]*memoryLog{LogActions: {}, LogGMActions: {}},
			watchers: make(map[*memoryWatch]struct{}),
		}
		m.namespaces[channel] = namespace
	}
	return namespace
}

// ClaimGM implements Database.
func (m *Memory) ClaimGM(ctx context.Context, channel, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	namespace := m.namespaceLocked(channel)
	if namespace.gm == "" {
		namespace.gm = userID
	}
	return namespace.gm == userID, nil
}

// Heartbeat implements Database.
func (m *Memory) Heartbeat(ctx context.Context, channel, peerID, userID string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	namespace := m.namespaceLocked(channel)
	record := UserRecord{UserID: userID, Heartbeat: m.clock.Now()}
	namespace.users[peerID] = record
	for watch := range namespace.watchers {
		watch.dispatcher.push(func(w Watcher) { w.UserUpdated(peerID, record) })
	}
	return record.Heartbeat, nil
}

// RemoveUser implements Database.
func (m *Memory) RemoveUser(ctx context.Context, channel, peerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	namespace := m.namespaceLocked(channel)
	if _, ok := namespace.users[peerID]; !ok {
		return nil
	}
	delete(namespace.users, peerID)
	for watch := range namespace.watchers {
		watch.dispatcher.push(func(w Watcher) { w.UserRemoved(peerID) })
	}
	return nil
}

// Users implements Database.
func (m *Memory) Users(ctx context.Context, channel string) (map[string]UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.namespaceLocked(channel).users), nil
}

// Append implements Database.
func (m *Memory) Append(ctx context.Context, channel string, log Log, record LogRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	namespace := m.namespaceLocked(channel)
	entries, ok := namespace.logs[log]
	if !ok {
		return "", fmt.Errorf("log %q: %w", log, ErrNotFound)
	}
	namespace.next++
	entry := Entry{ID: formatLogID(namespace.next), Record: record}
	entries.entries = append(entries.entries, entry)
	for watch := range namespace.watchers {
		if watch.logs[log] {
			watch.dispatcher.push(func(w Watcher) { w.LogAdded(log, entry) })
		}
	}
	return entry.ID, nil
}

// Delete implements Database.
func (m *Memory) Delete(ctx context.Context, channel string, log Log, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.namespaceLocked(channel).logs[log]
	if !ok {
		return fmt.Errorf("log %q: %w", log, ErrNotFound)
	}
	entries.entries = slices.DeleteFunc(entries.entries, func(entry Entry) bool {
		return slices.Contains(ids, entry.ID)
	})
	return nil
}

// Entries implements Database.
func (m *Memory) Entries(ctx context.Context, channel string, log Log) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.namespaceLocked(channel).logs[log]
	if !ok {
		return nil, fmt.Errorf("log %q: %w", log, ErrNotFound)
	}
	return slices.Clone(entries.entries), nil
}

// Watch implements Database.
func (m *Memory) Watch(ctx context.Context, channel string, options WatchOptions, watcher Watcher) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	watch := &memoryWatch{logs: make(map[Log]bool), dispatcher: newDispatcher(watcher)}
	for _, log := range options.Logs {
		watch.logs[log] = true
	}

	m.mu.Lock()
	namespace := m.namespaceLocked(channel)
	for _, peerID := range slices.Sorted(maps.Keys(namespace.users)) {
		record := namespace.users[peerID]
		watch.dispatcher.push(func(w Watcher) { w.UserUpdated(peerID, record) })
	}
	var replay []loggedEntry
	for _, log := range options.Logs {
		entries, ok := namespace.logs[log]
		if !ok {
			m.mu.Unlock()
			watch.dispatcher.stop()
			return nil, fmt.Errorf("log %q: %w", log, ErrNotFound)
		}
		for _, entry := range entries.entries {
			replay = append(replay, loggedEntry{log: log, entry: entry})
		}
	}
	// Ids are zero-padded sequence numbers, so they sort in append order.
	slices.SortFunc(replay, func(a, b loggedEntry) int { return strings.Compare(a.entry.ID, b.entry.ID) })
	for _, item := range replay {
		watch.dispatcher.push(func(w Watcher) { w.LogAdded(item.log, item.entry) })
	}
	namespace.watchers[watch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(namespace.watchers, watch)
			m.mu.Unlock()
			watch.dispatcher.stop()
		})
	}
	context.AfterFunc(ctx, stop)
	return stop, nil
}

func formatLogID(sequence uint64) string {
	return fmt.Sprintf("%020d", sequence)
}
