// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gmsecret creates and stores the shared GM secret.
//
// Whoever creates a tabletop generates the secret ([Generate]) and
// hands it to the real GM out of band. Peers that hold it challenge any
// newcomer claiming the GM identity (see lib/peer). On disk the secret
// is sealed with an age scrypt recipient and ASCII armored, so the file
// can be copied around like any other text; in memory it only lives in
// lib/secret buffers.
package gmsecret
