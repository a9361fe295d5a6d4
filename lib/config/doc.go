// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for tabletop
// binaries.
//
// Configuration is loaded from a single file specified by either the
// TABLETOP_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no automatic file search.
//
// The file supports environment-specific sections (development,
// staging, production) that override base values when
// [Config].Environment matches. After the file, TABLETOP_* environment
// variables override individual settings, for example
// TABLETOP_TRANSPORT_BACKEND=multicast or
// TABLETOP_RELAY_REDIS_ADDRESS=localhost:6379. Environment parsing uses
// github.com/caarlos0/env.
//
// Key exports:
//
//   - [Config] -- master struct with Identity, Transport, Database,
//     Relay, Snapshot and Secret sections
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
package config
