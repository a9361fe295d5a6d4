// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"

	"github.com/bureau-foundation/tabletop/lib/scenario"
	"github.com/bureau-foundation/tabletop/lib/snapshot"
)

// SnapshotPersister saves a scenario store as snapshots.
type SnapshotPersister struct {
	Snapshots *snapshot.Store
	Scenario  *scenario.Store
}

var (
	_ Persister = SnapshotPersister{}
	_ Restorer  = SnapshotPersister{}
)

func (p SnapshotPersister) Save(ctx context.Context, channelID string, heads []string) error {
	_, err := p.Snapshots.Save(ctx, channelID, p.Scenario.State(), heads)
	return err
}

func (p SnapshotPersister) Restore(ctx context.Context, channelID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	saved, err := p.Snapshots.Load(channelID)
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Scenario.Restore(saved.State)
	return saved.Heads, nil
}
