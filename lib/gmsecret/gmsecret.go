// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gmsecret

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/bureau-foundation/tabletop/lib/secret"
)

// Size is the number of random bytes in a generated secret. The secret
// itself is their hex encoding.
const Size = 32

// DefaultWorkFactor is the scrypt log2(N) used when sealing.
const DefaultWorkFactor = 18

// ErrWrongPassphrase is returned by Open when the passphrase does not
// unlock the sealed secret.
var ErrWrongPassphrase = errors.New("wrong passphrase")

// Generate returns a fresh hex-encoded secret.
func Generate() (*secret.Buffer, error) {
	raw := make([]byte, Size)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating GM secret: %w", err)
	}
	encoded := make([]byte, hex.EncodedLen(Size))
	hex.Encode(encoded, raw)
	secret.Zero(raw)
	return secret.FromBytes(encoded)
}

// Seal encrypts plaintext to passphrase and returns an armored age
// file. workFactor <= 0 means DefaultWorkFactor.
func Seal(plaintext, passphrase []byte, workFactor int) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("sealing GM secret: passphrase is empty")
	}
	recipient, err := age.NewScryptRecipient(string(passphrase))
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	if workFactor <= 0 {
		workFactor = DefaultWorkFactor
	}
	recipient.SetWorkFactor(workFactor)

	var sealed bytes.Buffer
	armored := armor.NewWriter(&sealed)
	writer, err := age.Encrypt(armored, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	if err := armored.Close(); err != nil {
		return nil, fmt.Errorf("finalizing armor: %w", err)
	}
	return sealed.Bytes(), nil
}

// Open decrypts an armored age file sealed by Seal.
func Open(sealed, passphrase []byte) (*secret.Buffer, error) {
	identity, err := age.NewScryptIdentity(string(passphrase))
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}

	reader, err := age.Decrypt(armor.NewReader(bytes.NewReader(sealed)), identity)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) {
			return nil, ErrWrongPassphrase
		}
		return nil, fmt.Errorf("decrypting GM secret: %w", err)
	}

	plaintext, err := io.ReadAll(reader)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("reading decrypted GM secret: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, errors.New("decrypted GM secret is empty")
	}
	return secret.FromBytes(plaintext)
}

// Save seals value and writes it to path with owner-only permissions.
func Save(path string, value *secret.Buffer, passphrase []byte, workFactor int) error {
	sealed, err := Seal(value.Bytes(), passphrase, workFactor)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Load reads and opens the sealed secret at path.
func Load(path string, passphrase []byte) (*secret.Buffer, error) {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Open(sealed, passphrase)
}
