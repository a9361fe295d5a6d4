// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package action

// Control is the closed set of non-action messages.
type Control interface {
	isControl()
}

// CloseNotice asks the receiver to leave the channel, showing Reason
// to the user.
type CloseNotice struct {
	Reason string `json:"reason"`
}

// Challenge asks a peer claiming the GM identity to prove it knows the
// GM secret.
type Challenge struct {
	Nonce string `json:"nonce"`
}

// ChallengeResponse carries the HMAC of Nonce keyed with the GM secret,
// hex encoded.
type ChallengeResponse struct {
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

func (CloseNotice) isControl()       {}
func (Challenge) isControl()         {}
func (ChallengeResponse) isControl() {}

// Message is a decoded wire message: exactly one of Action and Control
// is set.
type Message struct {
	Action  *Action
	Control Control
}
