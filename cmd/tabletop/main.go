// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command tabletop runs headless tabletop peers and manages their
// local state.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/tabletop/cmd/tabletop/commands"
	"github.com/bureau-foundation/tabletop/lib/process"
)

func main() {
	if err := run(); err != nil {
		process.Fatal("tabletop", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return commands.Root().Execute(ctx, os.Args[1:])
}
