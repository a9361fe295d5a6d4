// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"testing"

	"github.com/bureau-foundation/tabletop/lib/action"
	"github.com/bureau-foundation/tabletop/lib/peer"
	"github.com/bureau-foundation/tabletop/lib/secret"
	"github.com/bureau-foundation/tabletop/transport"
)

func testSecret(t *testing.T, value string) *secret.Buffer {
	t.Helper()
	buffer, err := secret.FromBytes([]byte(value))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

func withSecret(buffer *secret.Buffer) func(*Config) {
	return func(config *Config) { config.GMSecret = buffer }
}

// challengeFor connects a GM claimant and returns the nonce it was
// challenged with.
func challengeFor(t *testing.T, node *fakeNode, peerID string) string {
	t.Helper()
	node.connect(peerID, "gm-user")
	challenge := node.nextSend(t)
	if len(challenge.options.Only) != 1 || challenge.options.Only[0] != peerID {
		t.Fatalf("challenge sent to %v", challenge.options.Only)
	}
	control, ok := challenge.decode(t).Control.(action.Challenge)
	if !ok || control.Nonce == "" {
		t.Fatalf("sent %s, want a challenge", challenge.data)
	}
	return control.Nonce
}

func verifiedGM(t *testing.T, ts *testSession, peerID string) *bool {
	t.Helper()
	for _, connected := range ts.Peers() {
		if connected.PeerID == peerID {
			return connected.VerifiedGM
		}
	}
	t.Fatalf("peer %s not registered", peerID)
	return nil
}

func TestGMChallengeRoundTrip(t *testing.T) {
	key := "correct horse battery staple"
	ts := newTestSession(t, playerChannel, transport.PointToPoint, withSecret(testSecret(t, key)))
	node := ts.join(t)

	nonce := challengeFor(t, node, "peer-gm")
	if verifiedGM(t, ts, "peer-gm") != nil {
		t.Fatal("verified before answering")
	}
	node.receive(t, "peer-gm", action.Control(action.ChallengeResponse{Nonce: nonce, Signature: peer.Sign([]byte(key), nonce)}))
	if got := verifiedGM(t, ts, "peer-gm"); got == nil || !*got {
		t.Fatalf("VerifiedGM = %v, want true", got)
	}

	// A verified hub is the routing target.
	ts.dispatch(t, move(t, "mini-1", action.AudienceAll))
	if only := node.nextSend(t).options.Only; len(only) != 1 || only[0] != "peer-gm" {
		t.Fatalf("Only = %v", only)
	}
}

func TestGMChallengeRejectsWrongSecret(t *testing.T) {
	ts := newTestSession(t, playerChannel, transport.PointToPoint, withSecret(testSecret(t, "real secret")))
	node := ts.join(t)

	nonce := challengeFor(t, node, "peer-impostor")
	node.receive(t, "peer-impostor", action.Control(action.ChallengeResponse{Nonce: nonce, Signature: peer.Sign([]byte("guess"), nonce)}))
	if got := verifiedGM(t, ts, "peer-impostor"); got == nil || *got {
		t.Fatalf("VerifiedGM = %v, want false", got)
	}

	// A failed claimant is no hub, and GM-only traffic is withheld.
	ts.dispatch(t, move(t, "secret", action.AudienceGM))
	if node.sends.Len() != 0 {
		t.Fatal("GM-only action sent to a failed claimant")
	}
}

func TestGMChallengeUnansweredStaysUnknown(t *testing.T) {
	ts := newTestSession(t, playerChannel, transport.PointToPoint, withSecret(testSecret(t, "real secret")))
	node := ts.join(t)

	nonce := challengeFor(t, node, "peer-gm")
	// Responses for another nonce or from another peer do not count.
	node.receive(t, "peer-gm", action.Control(action.ChallengeResponse{Nonce: "stale", Signature: peer.Sign([]byte("real secret"), "stale")}))
	node.connect("peer-other", "player-two")
	node.receive(t, "peer-other", action.Control(action.ChallengeResponse{Nonce: nonce, Signature: peer.Sign([]byte("real secret"), nonce)}))

	if got := verifiedGM(t, ts, "peer-gm"); got != nil {
		t.Fatalf("VerifiedGM = %v, want unknown", *got)
	}
	// Unverified claimants are not trusted as a hub while we can verify.
	ts.dispatch(t, move(t, "mini-1", action.AudienceAll))
	if only := node.nextSend(t).options.Only; only != nil {
		t.Fatalf("Only = %v, want all peers", only)
	}
}

func TestOnlyGMClaimantsAreChallenged(t *testing.T) {
	ts := newTestSession(t, gmChannel, transport.PointToPoint, withSecret(testSecret(t, "real secret")))
	node := ts.join(t)
	node.connect("peer-p1", "player-one")
	if node.sends.Len() != 0 {
		t.Fatal("challenged a player")
	}

	without := newTestSession(t, playerChannel, transport.PointToPoint, nil)
	withoutNode := without.join(t)
	withoutNode.connect("peer-gm", "gm-user")
	if withoutNode.sends.Len() != 0 {
		t.Fatal("challenged without a secret")
	}
	if got := verifiedGM(t, without, "peer-gm"); got != nil {
		t.Fatal("verification state set without a challenge")
	}
}

func TestAnswersChallengeWithSecret(t *testing.T) {
	key := "real secret"
	ts := newTestSession(t, gmChannel, transport.PointToPoint, withSecret(testSecret(t, key)))
	node := ts.join(t)

	node.receive(t, "peer-p1", action.Control(action.Challenge{Nonce: "n-123"}))
	reply := node.nextSend(t)
	response, ok := reply.decode(t).Control.(action.ChallengeResponse)
	if !ok {
		t.Fatalf("reply %s is not a challenge response", reply.data)
	}
	if response.Nonce != "n-123" || !peer.Verify([]byte(key), "n-123", response.Signature) {
		t.Fatalf("response = %+v", response)
	}
	if len(reply.options.Only) != 1 || reply.options.Only[0] != "peer-p1" {
		t.Fatalf("response sent to %v", reply.options.Only)
	}

	silent := newTestSession(t, gmChannel, transport.PointToPoint, nil)
	silentNode := silent.join(t)
	silentNode.receive(t, "peer-p1", action.Control(action.Challenge{Nonce: "n-123"}))
	if silentNode.sends.Len() != 0 {
		t.Fatal("answered a challenge without the secret")
	}
}
