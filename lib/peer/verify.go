// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// nonceSize is the challenge nonce length in bytes.
const nonceSize = 32

// NewNonce returns a hex-encoded random challenge nonce.
func NewNonce() (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating challenge nonce: %w", err)
	}
	return hex.EncodeToString(nonce), nil
}

// Sign answers a challenge: hex(HMAC-SHA256(key=secret, nonce)).
func Sign(secret []byte, nonce string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the response for nonce and compares it to signature
// in constant time. An empty secret never verifies.
func Verify(secret []byte, nonce, signature string) bool {
	if len(secret) == 0 {
		return false
	}
	presented, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(nonce))
	return hmac.Equal(mac.Sum(nil), presented)
}
