// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
)

// DefaultPageSize caps the records returned by one Poll.
const DefaultPageSize = 256

// DefaultRetention is the number of records kept per channel when a
// caller does not choose one.
const DefaultRetention = 1000

// ErrInvalidCursor is returned for cursors the relay did not issue.
var ErrInvalidCursor = errors.New("invalid relay cursor")

// Page is the result of one Poll.
type Page struct {
	Records [][]byte
	// Cursor is passed to the next Poll to continue after Records.
	Cursor string
}

// Relay is a per-channel publish/poll log. Implementations are safe
// for concurrent use.
type Relay interface {
	// Publish appends one record to channel.
	Publish(ctx context.Context, channel string, record []byte) error

	// Poll returns records after cursor, blocking until at least one
	// exists or ctx ends (returning ctx.Err()). An empty cursor
	// returns immediately with no records and the current tail.
	Poll(ctx context.Context, channel, cursor string) (Page, error)
}
