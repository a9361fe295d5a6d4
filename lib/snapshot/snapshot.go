// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/tabletop/lib/codec"
	"github.com/bureau-foundation/tabletop/lib/scenario"
)

// FormatVersion is written into every snapshot.
const FormatVersion = 1

// Snapshot is one durable save.
type Snapshot struct {
	Version   int            `cbor:"version" json:"version"`
	ChannelID string         `cbor:"channel" json:"channel"`
	SavedAt   time.Time      `cbor:"savedAt" json:"savedAt"`
	Heads     []string       `cbor:"heads" json:"heads"`
	State     scenario.State `cbor:"state" json:"state"`
}

// Digest names a snapshot by content.
type Digest [32]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// ParseDigest parses the hex form produced by String.
func ParseDigest(s string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return digest, fmt.Errorf("parsing snapshot digest %q: %w", s, err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("parsing snapshot digest %q: want %d bytes, got %d", s, len(digest), len(decoded))
	}
	copy(digest[:], decoded)
	return digest, nil
}

// ErrDigestMismatch is returned when file contents do not hash to the
// digest in their name.
var ErrDigestMismatch = errors.New("snapshot digest mismatch")

var digestKey = [32]byte{
	't', 'a', 'b', 'l', 'e', 't', 'o', 'p', '.', 's', 'n', 'a', 'p', 's', 'h', 'o', 't',
}

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("snapshot: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("snapshot: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode returns the compressed file contents and their digest.
func Encode(snapshot Snapshot) ([]byte, Digest, error) {
	encoded, err := codec.Marshal(snapshot)
	if err != nil {
		return nil, Digest{}, fmt.Errorf("encoding snapshot: %w", err)
	}
	return encoder.EncodeAll(encoded, nil), digestOf(encoded), nil
}

// Decode decompresses and decodes file contents, returning the digest
// of the decoded CBOR.
func Decode(data []byte) (Snapshot, Digest, error) {
	encoded, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return Snapshot{}, Digest{}, fmt.Errorf("decompressing snapshot: %w", err)
	}
	var snapshot Snapshot
	if err := codec.Unmarshal(encoded, &snapshot); err != nil {
		return Snapshot{}, Digest{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	if snapshot.Version != FormatVersion {
		return Snapshot{}, Digest{}, fmt.Errorf("unsupported snapshot version %d", snapshot.Version)
	}
	return snapshot, digestOf(encoded), nil
}

// Diagnose decompresses file contents and returns the CBOR in
// diagnostic notation.
func Diagnose(data []byte) (string, error) {
	encoded, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return "", fmt.Errorf("decompressing snapshot: %w", err)
	}
	return codec.Diagnose(encoded)
}

func digestOf(data []byte) Digest {
	hasher, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		panic("snapshot: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}
