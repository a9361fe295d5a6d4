// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/tabletop/lib/action"
	"github.com/bureau-foundation/tabletop/lib/clock"
	"github.com/bureau-foundation/tabletop/lib/scenario"
	"github.com/bureau-foundation/tabletop/lib/testutil"
	"github.com/bureau-foundation/tabletop/transport"
)

const eventTimeout = 5 * time.Second

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// recordingStore is a scenario store that records every Apply call.
type recordingStore struct {
	*scenario.Store
	applied *testutil.Collector[action.Action]
}

func newRecordingStore(channel scenario.Channel) *recordingStore {
	store := &recordingStore{Store: scenario.New(nil), applied: testutil.NewCollector[action.Action]()}
	store.SetChannel(channel)
	return store
}

func (r *recordingStore) Apply(a action.Action) (bool, error) {
	r.applied.Push(a)
	return r.Store.Apply(a)
}

func (r *recordingStore) countKind(kind string) int {
	count := 0
	for _, applied := range r.applied.Snapshot() {
		if applied.Kind() == kind {
			count++
		}
	}
	return count
}

// sent is one SendTo call on a fakeNode.
type sent struct {
	data    []byte
	options transport.SendOptions
}

func (s sent) decode(t *testing.T) action.Message {
	t.Helper()
	message, err := action.Decode(s.data)
	if err != nil {
		t.Fatalf("decoding sent message %s: %v", s.data, err)
	}
	return message
}

// fakeNode records sends and lets tests raise hook events.
type fakeNode struct {
	options   transport.Options
	topology  transport.Topology
	initErr   error
	state     atomic.Int32
	sends     *testutil.Collector[sent]
	destroyed atomic.Int32

	mu     sync.Mutex
	closes []string
}

func (n *fakeNode) Init(context.Context) error {
	if n.initErr != nil {
		return n.initErr
	}
	n.state.Store(int32(transport.StateActive))
	return nil
}

func (n *fakeNode) SendTo(_ context.Context, data []byte, options transport.SendOptions) error {
	if n.State() != transport.StateActive {
		return transport.ErrNotActive
	}
	n.sends.Push(sent{data: slices.Clone(data), options: options})
	return nil
}

func (n *fakeNode) Close(peerID, reason string) {
	n.mu.Lock()
	n.closes = append(n.closes, peerID+":"+reason)
	n.mu.Unlock()
	n.options.Hooks.OnClose(peerID, reason)
}

func (n *fakeNode) DisconnectAll() {}

func (n *fakeNode) Destroy() {
	n.state.Store(int32(transport.StateDestroyed))
	n.destroyed.Add(1)
}

func (n *fakeNode) PeerID() string               { return n.options.PeerID }
func (n *fakeNode) UserID() string               { return n.options.UserID }
func (n *fakeNode) State() transport.State       { return transport.State(n.state.Load()) }
func (n *fakeNode) Topology() transport.Topology { return n.topology }

func (n *fakeNode) connect(peerID, userID string) {
	n.options.Hooks.OnConnect(peerID, transport.PeerInfo{UserID: userID})
}

func (n *fakeNode) receive(t *testing.T, peerID string, message any) {
	t.Helper()
	var data []byte
	var err error
	switch message := message.(type) {
	case action.Action:
		data, err = action.Encode(message)
	case action.Control:
		data, err = action.EncodeControl(message)
	case []byte:
		data = message
	default:
		t.Fatalf("cannot send %T", message)
	}
	if err != nil {
		t.Fatalf("encoding: %v", err)
	}
	n.options.Hooks.OnData(peerID, data)
}

func (n *fakeNode) nextSend(t *testing.T) sent {
	t.Helper()
	return n.sends.Next(t, eventTimeout, "waiting for a send")
}

// fakeFactory creates fakeNodes and remembers them in creation order.
type fakeFactory struct {
	topology transport.Topology
	initErr  error

	mu      sync.Mutex
	nodes   []*fakeNode
	configs []NodeConfig
}

func (f *fakeFactory) create(config NodeConfig) (transport.Node, error) {
	node := &fakeNode{
		options:  config.Options,
		topology: f.topology,
		initErr:  f.initErr,
		sends:    testutil.NewCollector[sent](),
	}
	node.state.Store(int32(transport.StateCreated))
	f.mu.Lock()
	f.nodes = append(f.nodes, node)
	f.configs = append(f.configs, config)
	f.mu.Unlock()
	return node, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.nodes)
}

func (f *fakeFactory) last(t *testing.T) *fakeNode {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.nodes) == 0 {
		t.Fatal("no node created")
	}
	return f.nodes[len(f.nodes)-1]
}

var (
	gmChannel     = scenario.Channel{ChannelID: "T1", UserID: "gm-user", GMUserID: "gm-user"}
	playerChannel = scenario.Channel{ChannelID: "T1", UserID: "player-user", GMUserID: "gm-user"}
)

type testSession struct {
	*Session
	store   *recordingStore
	factory *fakeFactory
	clock   *clock.FakeClock
}

func newTestSession(t *testing.T, channel scenario.Channel, topology transport.Topology, configure func(*Config)) *testSession {
	t.Helper()
	fake := clock.Fake(testEpoch)
	store := newRecordingStore(channel)
	factory := &fakeFactory{topology: topology}
	config := Config{Store: store, Nodes: factory.create, Clock: fake}
	if configure != nil {
		configure(&config)
	}
	session, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(session.Close)
	return &testSession{Session: session, store: store, factory: factory, clock: fake}
}

func (ts *testSession) join(t *testing.T) *fakeNode {
	t.Helper()
	ts.Sync(context.Background())
	if !ts.Joined() {
		t.Fatal("session did not join")
	}
	return ts.factory.last(t)
}

func (ts *testSession) dispatch(t *testing.T, dispatched action.Action) {
	t.Helper()
	if err := ts.Dispatch(context.Background(), dispatched); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}

func move(t *testing.T, objectID string, audience action.Audience) action.Action {
	t.Helper()
	built, err := action.NewMutation("MOVE", map[string]any{"id": objectID, "x": 1})
	if err != nil {
		t.Fatalf("NewMutation: %v", err)
	}
	built.Audience = audience
	return built
}

func payloadField(t *testing.T, raw json.RawMessage, key string) any {
	t.Helper()
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("decoding %s: %v", raw, err)
	}
	return fields[key]
}

func waitUntil(t *testing.T, condition func() bool, description string) {
	t.Helper()
	deadline := time.Now().Add(eventTimeout) //nolint:realclock test hang prevention
	for !condition() {
		if time.Now().After(deadline) { //nolint:realclock test hang prevention
			t.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type notice struct {
	channel scenario.Channel
	reason  string
}

type noticeRecorder struct {
	notes *testutil.Collector[notice]
}

func newNoticeRecorder() *noticeRecorder {
	return &noticeRecorder{notes: testutil.NewCollector[notice]()}
}

func (r *noticeRecorder) Notify(channel scenario.Channel, reason string) {
	r.notes.Push(notice{channel: channel, reason: reason})
}
