// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/tabletop/lib/action"
	"github.com/bureau-foundation/tabletop/lib/clock"
	"github.com/bureau-foundation/tabletop/lib/scenario"
	"github.com/bureau-foundation/tabletop/lib/snapshot"
	"github.com/bureau-foundation/tabletop/transport"
)

type save struct {
	channelID string
	heads     []string
}

type fakePersister struct {
	mu    sync.Mutex
	saves []save
	err   error
}

func (p *fakePersister) Save(_ context.Context, channelID string, heads []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.saves = append(p.saves, save{channelID: channelID, heads: slices.Clone(heads)})
	return nil
}

func (p *fakePersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saves)
}

func withPersister(persister Persister) func(*Config) {
	return func(config *Config) {
		config.Persister = persister
		config.QuiescePeriod = 2 * time.Second
	}
}

func checkpointsSent(t *testing.T, node *fakeNode) []action.Checkpoint {
	t.Helper()
	var checkpoints []action.Checkpoint
	for node.sends.Len() > 0 {
		message := node.nextSend(t).decode(t)
		if message.Action == nil {
			continue
		}
		if checkpoint, ok := message.Action.Body.(action.Checkpoint); ok {
			checkpoints = append(checkpoints, checkpoint)
		}
	}
	return checkpoints
}

func TestCheckpointAfterQuiesce(t *testing.T) {
	persister := &fakePersister{}
	ts := newTestSession(t, gmChannel, transport.SharedLog, withPersister(persister))
	node := ts.join(t)

	ts.dispatch(t, move(t, "mini-1", action.AudienceAll))
	stamped := node.nextSend(t).decode(t).Action

	ts.clock.Advance(time.Second)
	ts.dispatch(t, move(t, "mini-1", action.AudienceAll))
	second := node.nextSend(t).decode(t).Action
	ts.clock.Advance(time.Second + 500*time.Millisecond)
	if persister.count() != 0 {
		t.Fatal("saved while mutations were still arriving")
	}

	ts.clock.Advance(time.Second)
	if persister.count() != 1 {
		t.Fatalf("saved %d times, want 1", persister.count())
	}
	if got := persister.saves[0]; got.channelID != "T1" || !slices.Equal(got.heads, []string{second.ID}) {
		t.Fatalf("save = %+v (first action %s)", got, stamped.ID)
	}

	checkpoints := checkpointsSent(t, node)
	if len(checkpoints) != 2 {
		t.Fatalf("sent %d checkpoints, want 2", len(checkpoints))
	}
	if checkpoints[0].Players || !checkpoints[1].Players {
		t.Fatalf("checkpoint kinds = %s, %s", checkpoints[0].Kind(), checkpoints[1].Kind())
	}
	for _, checkpoint := range checkpoints {
		if !slices.Equal(checkpoint.Heads, []string{second.ID}) {
			t.Fatalf("checkpoint heads = %v", checkpoint.Heads)
		}
	}
}

func TestPlayerCheckpointsPlayersOnly(t *testing.T) {
	persister := &fakePersister{}
	ts := newTestSession(t, playerChannel, transport.SharedLog, withPersister(persister))
	node := ts.join(t)

	ts.dispatch(t, move(t, "mini-1", action.AudienceAll))
	node.nextSend(t)
	ts.clock.Advance(2 * time.Second)

	checkpoints := checkpointsSent(t, node)
	if len(checkpoints) != 1 || !checkpoints[0].Players {
		t.Fatalf("checkpoints = %+v", checkpoints)
	}
}

func TestReceivedActionsDoNotTriggerCheckpoints(t *testing.T) {
	persister := &fakePersister{}
	ts := newTestSession(t, playerChannel, transport.SharedLog, withPersister(persister))
	node := ts.join(t)

	incoming := move(t, "mini-1", action.AudienceAll)
	incoming.ID = "a1"
	node.receive(t, "peer-gm", incoming)
	ts.clock.Advance(time.Minute)
	if persister.count() != 0 {
		t.Fatal("checkpoint without a local mutation")
	}

	// An explicit checkpoint covers received actions.
	if err := ts.Checkpoint(context.Background()); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if !slices.Equal(persister.saves[0].heads, []string{"a1"}) {
		t.Fatalf("heads = %v", persister.saves[0].heads)
	}
}

func TestCheckpointErrors(t *testing.T) {
	without := newTestSession(t, playerChannel, transport.SharedLog, nil)
	if err := without.Checkpoint(context.Background()); err == nil {
		t.Error("expected an error without a persister")
	}

	persister := &fakePersister{err: errors.New("disk full")}
	ts := newTestSession(t, scenario.Channel{}, transport.SharedLog, withPersister(persister))
	if err := ts.Checkpoint(context.Background()); !errors.Is(err, ErrNotJoined) {
		t.Errorf("Checkpoint before joining = %v", err)
	}

	ts.store.SetChannel(playerChannel)
	node := ts.join(t)
	// Nothing applied yet: nothing to save.
	if err := ts.Checkpoint(context.Background()); err != nil {
		t.Errorf("empty checkpoint = %v", err)
	}
	ts.dispatch(t, move(t, "mini-1", action.AudienceAll))
	node.nextSend(t)
	if err := ts.Checkpoint(context.Background()); err == nil {
		t.Error("expected the save error")
	}
	if node.sends.Len() != 0 {
		t.Error("checkpoint announced after a failed save")
	}
}

func TestSnapshotPersisterRestoresOnJoin(t *testing.T) {
	snapshots := snapshot.NewStore(t.TempDir(), clock.Fake(testEpoch), nil)

	first := newTestSession(t, playerChannel, transport.SharedLog, nil)
	first.Session.persister = SnapshotPersister{Snapshots: snapshots, Scenario: first.store.Store}
	first.join(t)
	first.dispatch(t, move(t, "mini-1", action.AudienceAll))
	heads := first.Heads()
	if err := first.Checkpoint(context.Background()); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	second := newTestSession(t, playerChannel, transport.SharedLog, nil)
	second.Session.persister = SnapshotPersister{Snapshots: snapshots, Scenario: second.store.Store}
	second.join(t)
	if _, ok := second.store.Object("mini-1"); !ok {
		t.Fatal("state not restored")
	}
	if !slices.Equal(second.Heads(), heads) {
		t.Fatalf("heads = %v, want %v", second.Heads(), heads)
	}
	// The saved head counts as known: its dependents apply at once.
	child := move(t, "mini-1", action.AudienceAll)
	child.ID = "next"
	child.Heads = heads
	second.factory.last(t).receive(t, "peer-gm", child)
	if !second.store.Applied("next") {
		t.Fatal("dependent of a restored head was deferred")
	}
}
