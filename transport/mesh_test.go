// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/tabletop/lib/action"
	"github.com/bureau-foundation/tabletop/lib/clock"
)

// switchboard pairs fake links by id so two meshes in one test can
// connect without any network.
type switchboard struct {
	mu    sync.Mutex
	links map[string]*fakeLink
	order []*fakeLink
}

func newSwitchboard() *switchboard {
	return &switchboard{links: make(map[string]*fakeLink)}
}

func (s *switchboard) factory(owner string) LinkFactory {
	return fakeLinkFactory{board: s, owner: owner}
}

func (s *switchboard) lookup(id string) *fakeLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[id]
}

// openInitiators returns the owners of open initiating links.
func (s *switchboard) openInitiators() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var owners []string
	for _, link := range s.order {
		link.mu.Lock()
		if link.initiator && link.open && !link.closed {
			owners = append(owners, link.owner)
		}
		link.mu.Unlock()
	}
	return owners
}

type fakeLinkFactory struct {
	board *switchboard
	owner string
}

func (f fakeLinkFactory) NewLink(initiator bool, events LinkEvents) (Link, error) {
	f.board.mu.Lock()
	defer f.board.mu.Unlock()
	link := &fakeLink{
		board:     f.board,
		id:        fmt.Sprintf("%s-%d", f.owner, len(f.board.order)+1),
		owner:     f.owner,
		initiator: initiator,
		events:    events,
	}
	f.board.links[link.id] = link
	f.board.order = append(f.board.order, link)
	return link, nil
}

type fakeDescription struct {
	Link string `json:"link"`
}

type fakeLink struct {
	board     *switchboard
	id        string
	owner     string
	initiator bool
	events    LinkEvents

	mu     sync.Mutex
	remote *fakeLink
	open   bool
	closed bool
}

func (l *fakeLink) describe() json.RawMessage {
	data, _ := json.Marshal(fakeDescription{Link: l.id})
	return data
}

func (l *fakeLink) Start() error {
	if l.initiator {
		l.events.LinkSignal(l.describe())
	}
	return nil
}

func (l *fakeLink) Signal(raw json.RawMessage) error {
	var description fakeDescription
	if err := json.Unmarshal(raw, &description); err != nil {
		return err
	}
	remote := l.board.lookup(description.Link)
	if remote == nil {
		return fmt.Errorf("unknown link %q", description.Link)
	}
	l.mu.Lock()
	l.remote = remote
	l.mu.Unlock()
	if !l.initiator {
		l.events.LinkSignal(l.describe())
		return nil
	}
	remote.mu.Lock()
	remote.remote = l
	remote.open = true
	remote.mu.Unlock()
	l.mu.Lock()
	l.open = true
	l.mu.Unlock()
	l.events.LinkConnected()
	remote.events.LinkConnected()
	return nil
}

func (l *fakeLink) Send(data []byte) error {
	l.mu.Lock()
	remote, ready := l.remote, l.open && !l.closed
	l.mu.Unlock()
	if !ready {
		return errLinkNotOpen
	}
	remote.events.LinkData(slices.Clone(data))
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	remote := l.remote
	l.mu.Unlock()
	l.events.LinkClosed(nil)
	if remote != nil {
		remote.Close()
	}
	return nil
}

func newTestMesh(t *testing.T, peerID string, board *switchboard, signals *manualRelay, clk clock.Clock) (*Mesh, *recordingHooks) {
	t.Helper()
	hooks := newRecordingHooks()
	mesh, err := NewMesh(MeshConfig{
		Options: Options{PeerID: peerID, UserID: "user-" + peerID, Hooks: hooks, Clock: clk},
		Relay:   signals,
		Channel: "signal",
		Links:   board.factory(peerID),
	})
	if err != nil {
		t.Fatalf("NewMesh: %v", err)
	}
	if err := mesh.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(mesh.Destroy)
	return mesh, hooks
}

func nextSignal(t *testing.T, signals *manualRelay) signalRecord {
	t.Helper()
	raw := signals.published.Next(t, eventTimeout, "waiting for signal")
	var record signalRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		t.Fatalf("decoding signal %s: %v", raw, err)
	}
	return record
}

func TestMeshTieBreakKeepsGreaterPeersOffer(t *testing.T) {
	for _, greaterFirst := range []bool{true, false} {
		t.Run(fmt.Sprintf("greaterSeesOfferFirst=%v", greaterFirst), func(t *testing.T) {
			fake := clock.Fake(testEpoch)
			board := newSwitchboard()
			signals := newManualRelay()

			meshA, hooksA := newTestMesh(t, "peer-a", board, signals, fake)
			requestA := nextSignal(t, signals)
			meshB, hooksB := newTestMesh(t, "peer-b", board, signals, fake)
			requestB := nextSignal(t, signals)

			// Each side sees the other's request and offers.
			meshA.handleSignal(requestB)
			offerA := nextSignal(t, signals)
			meshB.handleSignal(requestA)
			offerB := nextSignal(t, signals)
			if !offerA.Initiator || offerA.RecipientID != "peer-b" || !offerB.Initiator || offerB.RecipientID != "peer-a" {
				t.Fatalf("unexpected offers %+v / %+v", offerA, offerB)
			}

			if greaterFirst {
				meshB.handleSignal(offerA)
				if n := signals.published.Len(); n != 0 {
					t.Fatalf("greater peer published %d records answering the smaller offer", n)
				}
				meshA.handleSignal(offerB)
			} else {
				meshA.handleSignal(offerB)
				meshB.handleSignal(offerA)
			}

			answerA := nextSignal(t, signals)
			if answerA.PeerID != "peer-a" || answerA.Initiator || answerA.RecipientID != "peer-b" {
				t.Fatalf("expected peer-a to answer, got %+v", answerA)
			}
			meshB.handleSignal(answerA)

			if got := hooksA.waitKind(t, "connect"); got.peerID != "peer-b" || got.userID != "user-peer-b" {
				t.Errorf("peer-a connect = %+v", got)
			}
			if got := hooksB.waitKind(t, "connect"); got.peerID != "peer-a" {
				t.Errorf("peer-b connect = %+v", got)
			}
			if owners := board.openInitiators(); !slices.Equal(owners, []string{"peer-b"}) {
				t.Fatalf("surviving connection initiated by %v, want [peer-b]", owners)
			}
			if hooksA.countKind("connect") != 0 || hooksB.countKind("connect") != 0 {
				t.Fatalf("extra connect events: a=%d b=%d", hooksA.countKind("connect"), hooksB.countKind("connect"))
			}

			if err := meshA.SendTo(context.Background(), []byte(`{"n":1}`), SendOptions{}); err != nil {
				t.Fatalf("SendTo: %v", err)
			}
			if got := hooksB.waitData(t); got.peerID != "peer-a" || got.data != `{"n":1}` {
				t.Fatalf("peer-b data = %+v", got)
			}
		})
	}
}

func TestMeshDropsPeerAfterUnansweredOffers(t *testing.T) {
	fake := clock.Fake(testEpoch)
	signals := newManualRelay()
	mesh, hooks := newTestMesh(t, "peer-a", newSwitchboard(), signals, fake)
	nextSignal(t, signals)

	mesh.handleSignal(signalRecord{PeerID: "peer-z", UserID: "user-z"})
	first := nextSignal(t, signals)

	for step := 0; step < 200 && mesh.peerCount() > 0; step++ {
		fake.Advance(100 * time.Millisecond)
	}
	if mesh.peerCount() != 0 {
		t.Fatal("peer still present after retries")
	}

	offers := 1
	for signals.published.Len() > 0 {
		retry := nextSignal(t, signals)
		if string(retry.Offer) != string(first.Offer) || retry.RecipientID != "peer-z" {
			t.Fatalf("unexpected retry %+v", retry)
		}
		offers++
	}
	if offers != maxOfferAttempts {
		t.Fatalf("published %d offers, want %d", offers, maxOfferAttempts)
	}
	if hooks.countKind("connect") != 0 || hooks.countKind("close") != 0 {
		t.Fatalf("dropped candidate produced hooks: %+v", hooks.events.Snapshot())
	}
	fake.Advance(5 * time.Second)
	if signals.published.Len() != 0 {
		t.Fatal("offers continued after the peer was dropped")
	}
}

func TestMeshQueuesUntilConnected(t *testing.T) {
	fake := clock.Fake(testEpoch)
	board := newSwitchboard()
	signals := newManualRelay()
	meshA, _ := newTestMesh(t, "peer-a", board, signals, fake)
	nextSignal(t, signals)
	meshB, hooksB := newTestMesh(t, "peer-b", board, signals, fake)
	requestB := nextSignal(t, signals)

	meshA.handleSignal(requestB)
	offer := nextSignal(t, signals)

	var sentTo []string
	err := meshA.SendTo(context.Background(), []byte(`"early"`), SendOptions{
		OnSent: func(recipients []string) { sentTo = recipients },
	})
	if err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if !slices.Equal(sentTo, []string{"peer-b"}) {
		t.Fatalf("OnSent recipients = %v, want [peer-b]", sentTo)
	}

	meshB.handleSignal(offer)
	answer := nextSignal(t, signals)

	// A repeated offer means the answer was lost; it is published again.
	meshB.handleSignal(offer)
	again := nextSignal(t, signals)
	if string(again.Offer) != string(answer.Offer) {
		t.Fatalf("repeated answer differs: %s vs %s", again.Offer, answer.Offer)
	}

	meshA.handleSignal(answer)
	if got := hooksB.waitData(t); got.data != `"early"` {
		t.Fatalf("queued payload = %q", got.data)
	}
}

func TestMeshRerequestsAfterForeignSignal(t *testing.T) {
	fake := clock.Fake(testEpoch)
	signals := newManualRelay()
	mesh, _ := newTestMesh(t, "peer-a", newSwitchboard(), signals, fake)
	nextSignal(t, signals)

	mesh.handleSignal(signalRecord{PeerID: "peer-x", RecipientID: "peer-y", Offer: json.RawMessage(`{}`), Initiator: true})
	mesh.handleSignal(signalRecord{PeerID: "peer-w", RecipientID: "peer-y", Offer: json.RawMessage(`{}`), Initiator: true})
	if mesh.peerCount() != 0 {
		t.Fatal("foreign signal added a peer")
	}
	fake.Advance(1500 * time.Millisecond)

	request := nextSignal(t, signals)
	if request.PeerID != "peer-a" || request.RecipientID != "" || len(request.Offer) != 0 {
		t.Fatalf("re-request = %+v", request)
	}
	if n := signals.published.Len(); n != 0 {
		t.Fatalf("%d extra re-requests published", n)
	}
}

// connectPair brings two meshes to a connected state.
func connectPair(t *testing.T, board *switchboard, signals *manualRelay, fake *clock.FakeClock) (*Mesh, *recordingHooks, *Mesh, *recordingHooks) {
	t.Helper()
	meshA, hooksA := newTestMesh(t, "peer-a", board, signals, fake)
	nextSignal(t, signals)
	meshB, hooksB := newTestMesh(t, "peer-b", board, signals, fake)
	meshA.handleSignal(nextSignal(t, signals))
	meshB.handleSignal(nextSignal(t, signals))
	meshA.handleSignal(nextSignal(t, signals))
	hooksA.waitKind(t, "connect")
	hooksB.waitKind(t, "connect")
	return meshA, hooksA, meshB, hooksB
}

func TestMeshCloseSendsNotice(t *testing.T) {
	meshA, hooksA, _, hooksB := connectPair(t, newSwitchboard(), newManualRelay(), clock.Fake(testEpoch))

	meshA.Close("peer-b", "table closed")

	if got := hooksA.waitKind(t, "close"); got.peerID != "peer-b" || got.reason != "table closed" {
		t.Fatalf("local close = %+v", got)
	}
	notice := hooksB.waitData(t)
	message, err := action.Decode([]byte(notice.data))
	if err != nil {
		t.Fatalf("decoding notice: %v", err)
	}
	if closeNotice, ok := message.Control.(action.CloseNotice); !ok || closeNotice.Reason != "table closed" {
		t.Fatalf("notice = %+v", message.Control)
	}
	if got := hooksB.waitKind(t, "close"); got.peerID != "peer-a" {
		t.Fatalf("remote close = %+v", got)
	}
}

func TestMeshDestroy(t *testing.T) {
	_, hooksA, meshB, _ := connectPair(t, newSwitchboard(), newManualRelay(), clock.Fake(testEpoch))

	meshB.Destroy()
	meshB.Destroy()

	if got := hooksA.waitKind(t, "close"); got.peerID != "peer-b" {
		t.Fatalf("close = %+v", got)
	}
	if meshB.State() != StateDestroyed {
		t.Fatalf("state = %v", meshB.State())
	}
	if err := meshB.Init(context.Background()); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("Init after Destroy = %v, want ErrDestroyed", err)
	}
	if err := meshB.SendTo(context.Background(), []byte(`{}`), SendOptions{}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("SendTo after Destroy = %v, want ErrNotActive", err)
	}
}

func TestMeshThrottledSend(t *testing.T) {
	fake := clock.Fake(testEpoch)
	meshA, _, _, hooksB := connectPair(t, newSwitchboard(), newManualRelay(), fake)

	sent := 0
	for i := range 4 {
		payload := fmt.Sprintf(`{"x":%d}`, i)
		err := meshA.SendTo(context.Background(), []byte(payload), SendOptions{
			ThrottleKey: "MOVE:mini-1",
			OnSent:      func([]string) { sent++ },
		})
		if err != nil {
			t.Fatalf("SendTo: %v", err)
		}
	}
	fake.Advance(DefaultThrottleWindow)

	if got := hooksB.waitData(t); got.data != `{"x":3}` {
		t.Fatalf("transmitted %q, want the last payload", got.data)
	}
	if hooksB.countKind("data") != 0 {
		t.Fatal("more than one throttled payload transmitted")
	}
	if sent != 4 {
		t.Fatalf("OnSent called %d times, want 4", sent)
	}
}
