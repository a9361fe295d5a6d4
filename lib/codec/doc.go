// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the tabletop's binary encoding settings.
//
// Snapshots are stored as CBOR (RFC 8949) in Core Deterministic
// Encoding: map keys are sorted and integers take their shortest form,
// so identical state always yields identical bytes. The snapshot store
// names files by the BLAKE3 digest of those bytes, which only works if
// the encoding is deterministic.
//
// Wire traffic between peers stays JSON (see lib/action). CBOR is used
// only for data at rest.
package codec
