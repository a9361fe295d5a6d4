// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers shared by the tabletop
// binaries. Errors reach main before or after the structured logger
// exists, so they are reported with plain stderr writes here.
package process
