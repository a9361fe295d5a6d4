// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds the small HTTP helpers shared by the relay
// client and server: bounded body reads, JSON responses and
// classification of errors that merely mean "the other side went away".
package netutil
