// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the tabletop CLI command tree.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/bureau-foundation/tabletop/cmd/tabletop/cli"
	"github.com/bureau-foundation/tabletop/lib/version"
)

// Root returns the complete command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "tabletop",
		Description: `Tabletop: multi-client scenario synchronization.

Peers on a channel exchange scenario mutations over a WebRTC mesh, a
shared relay or a realtime database. One peer is the GM.`,
		Subcommands: []*cli.Command{
			joinCommand(),
			scriptCommand(),
			secretCommand(),
			snapshotCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(context.Context, []string, *slog.Logger) error {
					fmt.Fprintf(os.Stdout, "tabletop %s\n", version.Full())
					return nil
				},
			},
		},
	}
}
