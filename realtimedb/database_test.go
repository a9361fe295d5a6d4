// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package realtimedb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/tabletop/lib/testutil"
)

// event is one Watcher callback, flattened for assertions.
type event struct {
	kind   string
	peerID string
	log    Log
	entry  Entry
}

type recordingWatcher struct {
	events *testutil.Collector[event]
}

func newRecordingWatcher() *recordingWatcher {
	return &recordingWatcher{events: testutil.NewCollector[event]()}
}

func (w *recordingWatcher) UserUpdated(peerID string, _ UserRecord) {
	w.events.Push(event{kind: "user", peerID: peerID})
}

func (w *recordingWatcher) UserRemoved(peerID string) {
	w.events.Push(event{kind: "removed", peerID: peerID})
}

func (w *recordingWatcher) LogAdded(log Log, entry Entry) {
	w.events.Push(event{kind: "log", log: log, entry: entry})
}

// testDatabase runs the behaviour every Database must share. advance
// lets polling backends make progress.
func testDatabase(t *testing.T, db Database, advance func()) {
	ctx := context.Background()
	channel := testutil.UniqueID("channel")

	t.Run("ClaimGMFirstWriterWins", func(t *testing.T) {
		ok, err := db.ClaimGM(ctx, channel, "gm-user")
		if err != nil || !ok {
			t.Fatalf("first claim = %v, %v; want true", ok, err)
		}
		ok, err = db.ClaimGM(ctx, channel, "other-user")
		if err != nil || ok {
			t.Fatalf("second claim = %v, %v; want false", ok, err)
		}
		ok, err = db.ClaimGM(ctx, channel, "gm-user")
		if err != nil || !ok {
			t.Fatalf("repeat claim = %v, %v; want true", ok, err)
		}
	})

	t.Run("AppendEntriesDelete", func(t *testing.T) {
		first, err := db.Append(ctx, channel, LogActions, LogRecord{JSON: `{"n":1}`, FromClientID: "p1"})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		second, err := db.Append(ctx, channel, LogActions, LogRecord{JSON: `{"n":2}`, FromClientID: "p1", ToClientID: "p2"})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if !(first < second) {
			t.Fatalf("ids not increasing: %q then %q", first, second)
		}
		entries, err := db.Entries(ctx, channel, LogActions)
		if err != nil {
			t.Fatalf("Entries: %v", err)
		}
		if len(entries) != 2 || entries[1].Record.ToClientID != "p2" {
			t.Fatalf("entries = %+v", entries)
		}
		if err := db.Delete(ctx, channel, LogActions, []string{first, "missing"}); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		entries, _ = db.Entries(ctx, channel, LogActions)
		if len(entries) != 1 || entries[0].ID != second {
			t.Fatalf("after delete entries = %+v", entries)
		}
		gmEntries, _ := db.Entries(ctx, channel, LogGMActions)
		if len(gmEntries) != 0 {
			t.Fatalf("gm log should be empty, got %+v", gmEntries)
		}
	})

	t.Run("UnknownLog", func(t *testing.T) {
		_, err := db.Append(ctx, channel, Log("other"), LogRecord{})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("Append to unknown log = %v, want ErrNotFound", err)
		}
	})

	t.Run("HeartbeatAndRemove", func(t *testing.T) {
		stamp, err := db.Heartbeat(ctx, channel, "peer-a", "user-a")
		if err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
		users, err := db.Users(ctx, channel)
		if err != nil {
			t.Fatalf("Users: %v", err)
		}
		if got := users["peer-a"]; got.UserID != "user-a" || !got.Heartbeat.Equal(stamp) {
			t.Fatalf("users[peer-a] = %+v, want user-a at %v", got, stamp)
		}
		if err := db.RemoveUser(ctx, channel, "peer-a"); err != nil {
			t.Fatalf("RemoveUser: %v", err)
		}
		if err := db.RemoveUser(ctx, channel, "peer-a"); err != nil {
			t.Fatalf("RemoveUser twice: %v", err)
		}
		users, _ = db.Users(ctx, channel)
		if _, ok := users["peer-a"]; ok {
			t.Fatal("peer-a still present after RemoveUser")
		}
	})

	t.Run("WatchReplaysThenStreams", func(t *testing.T) {
		watchChannel := testutil.UniqueID("watch")
		if _, err := db.Heartbeat(ctx, watchChannel, "peer-a", "user-a"); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
		if _, err := db.Append(ctx, watchChannel, LogActions, LogRecord{JSON: "old", FromClientID: "peer-a"}); err != nil {
			t.Fatalf("Append: %v", err)
		}

		watcher := newRecordingWatcher()
		stop, err := db.Watch(ctx, watchChannel, WatchOptions{Logs: []Log{LogActions}}, watcher)
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
		defer stop()

		got := watcher.events.Next(t, 5*time.Second, "replayed user")
		if got.kind != "user" || got.peerID != "peer-a" {
			t.Fatalf("first event = %+v, want user peer-a", got)
		}
		got = watcher.events.Next(t, 5*time.Second, "replayed entry")
		if got.kind != "log" || got.entry.Record.JSON != "old" {
			t.Fatalf("second event = %+v, want replayed entry", got)
		}

		// GM-only traffic is not delivered to a watch without that log.
		if _, err := db.Append(ctx, watchChannel, LogGMActions, LogRecord{JSON: "secret", FromClientID: "peer-a"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if _, err := db.Append(ctx, watchChannel, LogActions, LogRecord{JSON: "new", FromClientID: "peer-a"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if err := db.RemoveUser(ctx, watchChannel, "peer-a"); err != nil {
			t.Fatalf("RemoveUser: %v", err)
		}
		advance()

		// Backends may order user and log changes differently within
		// one batch; only the GM entry must be absent.
		var sawEntry, sawRemoval bool
		for range 2 {
			got := watcher.events.Next(t, 5*time.Second, "streamed changes")
			switch {
			case got.kind == "log" && got.entry.Record.JSON == "new":
				sawEntry = true
			case got.kind == "removed" && got.peerID == "peer-a":
				sawRemoval = true
			default:
				t.Fatalf("unexpected event %+v", got)
			}
		}
		if !sawEntry || !sawRemoval {
			t.Fatalf("sawEntry=%v sawRemoval=%v", sawEntry, sawRemoval)
		}
	})

	t.Run("WatchReplaysLogsInAppendOrder", func(t *testing.T) {
		watchChannel := testutil.UniqueID("order")
		appends := []struct {
			log  Log
			json string
		}{
			{LogGMActions, "g1"},
			{LogActions, "a2"},
			{LogGMActions, "checkpoint"},
		}
		for _, item := range appends {
			if _, err := db.Append(ctx, watchChannel, item.log, LogRecord{JSON: item.json, FromClientID: "peer-a"}); err != nil {
				t.Fatalf("Append: %v", err)
			}
		}

		watcher := newRecordingWatcher()
		stop, err := db.Watch(ctx, watchChannel, WatchOptions{Logs: []Log{LogActions, LogGMActions}}, watcher)
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
		defer stop()
		advance()

		for _, want := range appends {
			got := watcher.events.Next(t, 5*time.Second, "replayed entry")
			if got.kind != "log" || got.log != want.log || got.entry.Record.JSON != want.json {
				t.Fatalf("replayed %+v, want %s in %s", got, want.json, want.log)
			}
		}
	})

	t.Run("StopEndsDelivery", func(t *testing.T) {
		watchChannel := testutil.UniqueID("stop")
		watcher := newRecordingWatcher()
		stop, err := db.Watch(ctx, watchChannel, WatchOptions{Logs: []Log{LogActions, LogGMActions}}, watcher)
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
		stop()
		stop()
		if _, err := db.Append(ctx, watchChannel, LogGMActions, LogRecord{JSON: "late"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		advance()
		if n := watcher.events.Len(); n != 0 {
			t.Fatalf("watcher received %d events after stop", n)
		}
	})
}
