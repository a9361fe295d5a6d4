// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/tabletop/relay"
)

// relayRetryDelay is the pause after a failed relay poll.
const relayRetryDelay = 2 * time.Second

// pollRelay reads channel from cursor until the node is destroyed,
// passing each record to handle. Failures are reported through
// OnSignalError and polling resumes after relayRetryDelay.
func (n *node) pollRelay(source relay.Relay, channel, cursor string, handle func(record []byte)) {
	for {
		page, err := source.Poll(n.ctx, channel, cursor)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			if errors.Is(err, relay.ErrInvalidCursor) {
				cursor = ""
			}
			n.logger.Warn("relay poll failed", "channel", channel, "error", err)
			n.signalError(fmt.Errorf("polling relay channel %s: %w", channel, err))
			select {
			case <-n.ctx.Done():
				return
			case <-n.clock.After(relayRetryDelay):
			}
			continue
		}
		cursor = page.Cursor
		for _, record := range page.Records {
			if n.ctx.Err() != nil {
				return
			}
			handle(record)
		}
	}
}
