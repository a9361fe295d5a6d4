// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package action

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope keys. Mutation payload fields with these names are dropped
// on encode and never reach the payload on decode.
const (
	keyType         = "type"
	keyActionID     = "actionId"
	keyHeads        = "headActionIds"
	keyPeerKey      = "peerKey"
	keyGMOnly       = "gmOnly"
	keyPlayersOnly  = "playersOnly"
	keyFromPeerID   = "fromPeerId"
	keyFromGM       = "fromGM"
	keyOriginPeerID = "originPeerId"
	keySavedHeads   = "savedHeadActionIds"

	keyClose             = "close"
	keyChallenge         = "challenge"
	keyChallengeResponse = "challengeResponse"
)

var envelopeKeys = map[string]bool{
	keyType: true, keyActionID: true, keyHeads: true, keyPeerKey: true,
	keyGMOnly: true, keyPlayersOnly: true, keyFromPeerID: true,
	keyFromGM: true, keyOriginPeerID: true,
}

// ErrMalformed is returned by Decode for messages that are neither an
// action nor a recognized control message.
var ErrMalformed = errors.New("malformed message")

// Encode serializes an action to its flat wire form.
func Encode(a Action) ([]byte, error) {
	if a.Body == nil {
		return nil, fmt.Errorf("encoding action %q: %w", a.ID, ErrMalformed)
	}

	fields := make(map[string]any)
	switch body := a.Body.(type) {
	case Mutation:
		if body.Type == "" {
			return nil, fmt.Errorf("encoding action %q: empty mutation type: %w", a.ID, ErrMalformed)
		}
		if len(bytes.TrimSpace(body.Payload)) > 0 && !bytes.Equal(bytes.TrimSpace(body.Payload), []byte("null")) {
			var payload map[string]json.RawMessage
			if err := json.Unmarshal(body.Payload, &payload); err != nil {
				return nil, fmt.Errorf("encoding %s payload: payload must be a JSON object: %w", body.Type, err)
			}
			for key, value := range payload {
				if envelopeKeys[key] {
					continue
				}
				fields[key] = value
			}
		}
	case Checkpoint:
		fields[keySavedHeads] = nonNil(body.Heads)
	}

	fields[keyType] = a.Body.Kind()
	fields[keyActionID] = nullable(a.ID)
	fields[keyHeads] = nonNil(a.Heads)
	fields[keyPeerKey] = nullable(a.PeerKey)
	fields[keyGMOnly] = a.Audience == AudienceGM
	fields[keyPlayersOnly] = a.Audience == AudiencePlayers
	fields[keyFromPeerID] = nullable(a.Origin.FromPeerID)
	fields[keyOriginPeerID] = nullable(a.Origin.OriginPeerID)
	if a.Origin.FromPeerID != "" {
		fields[keyFromGM] = a.Origin.FromGM
	} else {
		fields[keyFromGM] = nil
	}

	return json.Marshal(fields)
}

// EncodeControl serializes a control message.
func EncodeControl(control Control) ([]byte, error) {
	var key string
	switch control.(type) {
	case CloseNotice:
		key = keyClose
	case Challenge:
		key = keyChallenge
	case ChallengeResponse:
		key = keyChallengeResponse
	default:
		return nil, fmt.Errorf("encoding control %T: %w", control, ErrMalformed)
	}
	return json.Marshal(map[string]any{key: control})
}

// Decode parses a wire message into an action or a control message.
func Decode(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}

	var kind string
	if raw, ok := fields[keyType]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &kind); err != nil {
			return Message{}, fmt.Errorf("decoding message type: %w", err)
		}
	}
	if kind == "" {
		control, err := decodeControl(fields)
		if err != nil {
			return Message{}, err
		}
		return Message{Control: control}, nil
	}

	var decoded Action
	var gmOnly, playersOnly bool
	targets := []struct {
		key    string
		target any
	}{
		{keyActionID, &decoded.ID},
		{keyHeads, &decoded.Heads},
		{keyPeerKey, &decoded.PeerKey},
		{keyGMOnly, &gmOnly},
		{keyPlayersOnly, &playersOnly},
		{keyFromPeerID, &decoded.Origin.FromPeerID},
		{keyFromGM, &decoded.Origin.FromGM},
		{keyOriginPeerID, &decoded.Origin.OriginPeerID},
	}
	for _, field := range targets {
		raw, ok := fields[field.key]
		if !ok || isNull(raw) {
			continue
		}
		if err := json.Unmarshal(raw, field.target); err != nil {
			return Message{}, fmt.Errorf("decoding %s: %w", field.key, err)
		}
	}

	switch {
	case gmOnly && playersOnly:
		return Message{}, fmt.Errorf("action %q is both gmOnly and playersOnly: %w", decoded.ID, ErrMalformed)
	case gmOnly:
		decoded.Audience = AudienceGM
	case playersOnly:
		decoded.Audience = AudiencePlayers
	}

	switch kind {
	case KindLastSavedHeads, KindLastSavedPlayerHeads:
		checkpoint := Checkpoint{Players: kind == KindLastSavedPlayerHeads}
		if raw, ok := fields[keySavedHeads]; ok && !isNull(raw) {
			if err := json.Unmarshal(raw, &checkpoint.Heads); err != nil {
				return Message{}, fmt.Errorf("decoding %s: %w", keySavedHeads, err)
			}
		}
		decoded.Body = checkpoint
	default:
		payload := make(map[string]json.RawMessage)
		for key, value := range fields {
			if !envelopeKeys[key] {
				payload[key] = value
			}
		}
		mutation := Mutation{Type: kind}
		if len(payload) > 0 {
			encoded, err := json.Marshal(payload)
			if err != nil {
				return Message{}, fmt.Errorf("re-encoding %s payload: %w", kind, err)
			}
			mutation.Payload = encoded
		}
		decoded.Body = mutation
	}

	return Message{Action: &decoded}, nil
}

// IsControl reports whether data is a control message rather than an
// action.
func IsControl(data []byte) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	if raw, ok := fields[keyType]; ok && !isNull(raw) {
		return false
	}
	_, err := decodeControl(fields)
	return err == nil
}

func decodeControl(fields map[string]json.RawMessage) (Control, error) {
	if raw, ok := fields[keyClose]; ok && !isNull(raw) {
		var notice CloseNotice
		if err := json.Unmarshal(raw, &notice); err != nil {
			return nil, fmt.Errorf("decoding close notice: %w", err)
		}
		return notice, nil
	}
	if raw, ok := fields[keyChallenge]; ok && !isNull(raw) {
		var challenge Challenge
		if err := json.Unmarshal(raw, &challenge); err != nil {
			return nil, fmt.Errorf("decoding challenge: %w", err)
		}
		return challenge, nil
	}
	if raw, ok := fields[keyChallengeResponse]; ok && !isNull(raw) {
		var response ChallengeResponse
		if err := json.Unmarshal(raw, &response); err != nil {
			return nil, fmt.Errorf("decoding challenge response: %w", err)
		}
		return response, nil
	}
	return nil, ErrMalformed
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
