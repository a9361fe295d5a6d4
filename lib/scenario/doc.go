// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package scenario is an in-memory scenario store: the application
// state that synchronized actions mutate.
//
// The sync core treats scenario contents as opaque. This store keeps
// them as a map from object id to a JSON object and folds each
// mutation in with a [Reducer]; the default reducer merges the
// mutation's payload fields into the object named by its "id" field.
// Applying is idempotent by action id.
//
// The store also carries the channel identity (which tabletop, which
// user, which user is the GM) from which a session decides whether a
// transport should be running.
package scenario
