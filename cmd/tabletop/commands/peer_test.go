// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"encoding/json"
	"testing"

	"github.com/bureau-foundation/tabletop/lib/action"
)

func TestInputMutation(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		audience action.Audience
		wantErr  bool
	}{
		{name: "plain", line: `{"type":"MOVE","payload":{"id":"mini1","x":3}}`, audience: action.AudienceAll},
		{name: "gm only", line: `{"type":"NOTE","payload":{"id":"n1"},"audience":"gm"}`, audience: action.AudienceGM},
		{name: "players", line: `{"type":"REVEAL","payload":{"id":"r1"},"audience":"players"}`, audience: action.AudiencePlayers},
		{name: "no type", line: `{"payload":{"id":"mini1"}}`, wantErr: true},
		{name: "unknown audience", line: `{"type":"MOVE","audience":"everyone"}`, wantErr: true},
		{name: "array payload", line: `{"type":"MOVE","payload":[1,2]}`, wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var parsed input
			if err := json.Unmarshal([]byte(test.line), &parsed); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			built, err := parsed.mutation()
			if test.wantErr {
				if err == nil {
					t.Fatalf("mutation() accepted %s", test.line)
				}
				return
			}
			if err != nil {
				t.Fatalf("mutation: %v", err)
			}
			if built.Audience != test.audience {
				t.Errorf("audience = %v, want %v", built.Audience, test.audience)
			}
			if !built.Local() || !built.Tracked() {
				t.Errorf("mutation should be local and tracked: %+v", built)
			}
		})
	}
}

func TestInputMutationKeepsPeerKeyAndID(t *testing.T) {
	parsed := input{ID: "a1", Type: "MOVE", PeerKey: "miniX", Payload: json.RawMessage(`{"id":"miniX"}`)}
	built, err := parsed.mutation()
	if err != nil {
		t.Fatalf("mutation: %v", err)
	}
	if built.ID != "a1" || built.PeerKey != "miniX" {
		t.Errorf("built = %+v, want id a1 and peer key miniX", built)
	}
	if built.ThrottleKey() != "MOVE:miniX" {
		t.Errorf("ThrottleKey = %q", built.ThrottleKey())
	}
}
