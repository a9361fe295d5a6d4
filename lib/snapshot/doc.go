// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package snapshot durably saves scenario state so that relay logs can
// be trimmed.
//
// A snapshot is the scenario contents plus the causal heads they
// include. It is encoded with lib/codec (deterministic CBOR),
// compressed with zstd and written to
//
//	<dir>/<channel>/<digest>.snap
//
// where digest is the hex BLAKE3 keyed hash of the uncompressed CBOR.
// A "latest" file in the channel directory names the most recent
// digest. Identical state yields the same file, so repeated saves of an
// unchanged scenario are free.
package snapshot
