// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/bureau-foundation/tabletop/lib/clock"
	"github.com/bureau-foundation/tabletop/lib/scenario"
	"github.com/bureau-foundation/tabletop/lib/snapshot"
)

func TestSummarizeSnapshot(t *testing.T) {
	directory := t.TempDir()
	saved := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	store := snapshot.NewStore(directory, clock.Fake(saved), nil)
	state := scenario.State{
		Objects: scenario.Objects{
			"mini2": json.RawMessage(`{"id":"mini2"}`),
			"mini1": json.RawMessage(`{"id":"mini1"}`),
		},
		Applied: []string{"a1", "a2"},
	}
	digest, err := store.Save(context.Background(), "T1", state, []string{"a2"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := filepath.Join(directory, "T1", digest.String()+".snap")
	inspected, err := snapshot.Inspect(path)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	summary := summarizeSnapshot(path, inspected)
	if summary.Channel != "T1" || !summary.SavedAt.Equal(saved) || summary.Applied != 2 {
		t.Errorf("summary = %+v", summary)
	}
	if !slices.Equal(summary.Objects, []string{"mini1", "mini2"}) {
		t.Errorf("objects = %v, want sorted ids", summary.Objects)
	}
	if !slices.Equal(summary.Heads, []string{"a2"}) {
		t.Errorf("heads = %v, want [a2]", summary.Heads)
	}
}
