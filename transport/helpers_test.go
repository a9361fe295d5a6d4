// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/bureau-foundation/tabletop/lib/testutil"
	"github.com/bureau-foundation/tabletop/relay"
)

const eventTimeout = 5 * time.Second

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// hookEvent is one Hooks call.
type hookEvent struct {
	kind   string
	peerID string
	userID string
	data   string
	reason string
	err    error
}

type recordingHooks struct {
	events *testutil.Collector[hookEvent]
}

func newRecordingHooks() *recordingHooks {
	return &recordingHooks{events: testutil.NewCollector[hookEvent]()}
}

func (h *recordingHooks) OnConnect(peerID string, info PeerInfo) {
	h.events.Push(hookEvent{kind: "connect", peerID: peerID, userID: info.UserID})
}

func (h *recordingHooks) OnData(peerID string, data []byte) {
	h.events.Push(hookEvent{kind: "data", peerID: peerID, data: string(data)})
}

func (h *recordingHooks) OnClose(peerID, reason string) {
	h.events.Push(hookEvent{kind: "close", peerID: peerID, reason: reason})
}

func (h *recordingHooks) OnSignalError(err error) {
	h.events.Push(hookEvent{kind: "error", err: err})
}

// waitKind returns the next event of kind, discarding others.
func (h *recordingHooks) waitKind(t *testing.T, kind string) hookEvent {
	t.Helper()
	return h.events.WaitFor(t, eventTimeout, func(e hookEvent) bool { return e.kind == kind }, "waiting for %s event", kind)
}

// waitData returns the next data event, discarding others.
func (h *recordingHooks) waitData(t *testing.T) hookEvent {
	t.Helper()
	return h.waitKind(t, "data")
}

func (h *recordingHooks) countKind(kind string) int {
	count := 0
	for _, e := range h.events.Snapshot() {
		if e.kind == kind {
			count++
		}
	}
	return count
}

// manualRelay records publishes and never returns records from Poll,
// so tests deliver signals by hand.
type manualRelay struct {
	published *testutil.Collector[[]byte]
}

func newManualRelay() *manualRelay {
	return &manualRelay{published: testutil.NewCollector[[]byte]()}
}

func (r *manualRelay) Publish(_ context.Context, _ string, record []byte) error {
	r.published.Push(slices.Clone(record))
	return nil
}

func (r *manualRelay) Poll(ctx context.Context, _, cursor string) (relay.Page, error) {
	if cursor == "" {
		return relay.Page{Cursor: "0"}, nil
	}
	<-ctx.Done()
	return relay.Page{}, ctx.Err()
}
