// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tabletop/cmd/tabletop/cli"
	"github.com/bureau-foundation/tabletop/lib/snapshot"
)

func snapshotCommand() *cli.Command {
	return &cli.Command{
		Name:        "snapshot",
		Summary:     "Inspect saved scenario snapshots",
		Subcommands: []*cli.Command{snapshotInspectCommand()},
	}
}

type snapshotSummary struct {
	Path    string    `json:"path"`
	Channel string    `json:"channel"`
	SavedAt time.Time `json:"savedAt"`
	Heads   []string  `json:"heads"`
	Applied int       `json:"applied"`
	Objects []string  `json:"objects"`
}

func snapshotInspectCommand() *cli.Command {
	var full, raw bool
	return &cli.Command{
		Name:    "inspect",
		Summary: "Decode a snapshot file",
		Usage:   "tabletop snapshot inspect FILE [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
			flagSet.BoolVar(&full, "full", false, "print the complete snapshot instead of a summary")
			flagSet.BoolVar(&raw, "raw", false, "print the decompressed CBOR in diagnostic notation")
			return flagSet
		},
		Run: func(_ context.Context, args []string, _ *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one snapshot file, got %d arguments", len(args))
			}
			if raw {
				data, err := os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("reading snapshot: %w", err)
				}
				diagnostic, err := snapshot.Diagnose(data)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(os.Stdout, diagnostic)
				return err
			}
			saved, err := snapshot.Inspect(args[0])
			if err != nil {
				return err
			}
			if full {
				return cli.WriteIndented(os.Stdout, saved)
			}
			return cli.WriteIndented(os.Stdout, summarizeSnapshot(args[0], saved))
		},
	}
}

func summarizeSnapshot(path string, saved snapshot.Snapshot) snapshotSummary {
	objects := make([]string, 0, len(saved.State.Objects))
	for id := range saved.State.Objects {
		objects = append(objects, id)
	}
	sort.Strings(objects)
	return snapshotSummary{
		Path:    path,
		Channel: saved.ChannelID,
		SavedAt: saved.SavedAt,
		Heads:   nonNil(saved.Heads),
		Applied: len(saved.State.Applied),
		Objects: objects,
	}
}
