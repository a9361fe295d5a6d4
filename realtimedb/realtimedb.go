// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package realtimedb

import (
	"context"
	"errors"
	"time"
)

// Log names one of the two per-channel logs.
type Log string

const (
	// LogActions carries everything except GM-only traffic.
	LogActions Log = "actions"
	// LogGMActions carries GM-only traffic; only GM peers watch it.
	LogGMActions Log = "gmActions"
)

// ErrNotFound is returned for a channel or entry that does not exist.
var ErrNotFound = errors.New("not found")

// UserRecord is one peer's directory entry.
type UserRecord struct {
	UserID    string
	Heartbeat time.Time
}

// LogRecord is one log entry.
type LogRecord struct {
	// JSON is the encoded message.
	JSON string `json:"json"`
	// FromClientID is the writer's peer id.
	FromClientID string `json:"fromClientId"`
	// ToClientID, when set, restricts delivery to one peer.
	ToClientID string `json:"toClientId,omitempty"`
}

// Entry is a log record with its id.
type Entry struct {
	ID     string
	Record LogRecord
}

// Watcher receives changes to one channel.
type Watcher interface {
	// UserUpdated reports a user that was added or whose heartbeat
	// changed.
	UserUpdated(peerID string, record UserRecord)
	// UserRemoved reports a user that was deleted.
	UserRemoved(peerID string)
	// LogAdded reports an appended entry. Entries of every watched
	// log arrive in append order across the whole channel.
	LogAdded(log Log, entry Entry)
}

// WatchOptions selects what a watch receives.
type WatchOptions struct {
	// Logs lists the logs to stream. Users are always streamed.
	Logs []Log
}

// Database is one realtime database. Implementations are safe for
// concurrent use.
type Database interface {
	// ClaimGM records userID as the channel's GM unless another user
	// already is, and reports whether userID is the GM afterwards.
	ClaimGM(ctx context.Context, channel, userID string) (bool, error)

	// Heartbeat registers or refreshes peerID and returns the
	// database timestamp written.
	Heartbeat(ctx context.Context, channel, peerID, userID string) (time.Time, error)

	// RemoveUser deletes peerID from the directory. Removing an
	// absent peer is not an error.
	RemoveUser(ctx context.Context, channel, peerID string) error

	// Users returns the directory.
	Users(ctx context.Context, channel string) (map[string]UserRecord, error)

	// Append adds record to log and returns its id.
	Append(ctx context.Context, channel string, log Log, record LogRecord) (string, error)

	// Delete removes the given entries. Missing ids are ignored.
	Delete(ctx context.Context, channel string, log Log, ids []string) error

	// Entries returns the current contents of log in order.
	Entries(ctx context.Context, channel string, log Log) ([]Entry, error)

	// Watch streams the channel to watcher until stop is called or
	// ctx ends.
	Watch(ctx context.Context, channel string, options WatchOptions, watcher Watcher) (stop func(), err error)
}
