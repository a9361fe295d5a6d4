// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tabletop/cmd/tabletop/cli"
	"github.com/bureau-foundation/tabletop/lib/clock"
	"github.com/bureau-foundation/tabletop/lib/config"
	"github.com/bureau-foundation/tabletop/lib/scenario"
	"github.com/bureau-foundation/tabletop/lib/secret"
	"github.com/bureau-foundation/tabletop/lib/snapshot"
	"github.com/bureau-foundation/tabletop/session"
)

// maxInputLine bounds one stdin line.
const maxInputLine = 1 << 20

type joinFlags struct {
	configPath     string
	channel        string
	userID         string
	gmUserID       string
	backend        string
	relayURL       string
	databasePath   string
	unlockSecret   bool
	passphraseFile string
	noSnapshots    bool
}

func joinCommand() *cli.Command {
	var flags joinFlags
	return &cli.Command{
		Name:    "join",
		Summary: "Run a headless peer on a channel",
		Description: `Join a channel as a headless peer.

Each stdin line is a JSON mutation, for example
  {"type":"MOVE","payload":{"id":"mini1","x":3},"peerKey":"mini1"}
or a command: {"command":"checkpoint"}, {"command":"peers"},
{"command":"state"} or {"command":"kick","target":"PEER","reason":"..."}.

Every action applied locally is written to stdout as a JSON line.
The peer acts as GM when --user equals --gm-user.`,
		Usage: "tabletop join --channel ID --user ID [flags]",
		Examples: []cli.Example{
			{
				Description: "GM over the mesh, proving GM identity with the sealed secret",
				Command:     "tabletop join --channel T1 --user gm --gm-user gm --unlock-secret",
			},
			{
				Description: "Player over a shared SQLite database",
				Command:     "tabletop join --channel T1 --user alice --gm-user gm --backend database",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("join", pflag.ContinueOnError)
			flagSet.StringVar(&flags.configPath, "config", "", "config file (default $TABLETOP_CONFIG)")
			flagSet.StringVar(&flags.channel, "channel", "", "channel id")
			flagSet.StringVar(&flags.userID, "user", "", "this peer's user id")
			flagSet.StringVar(&flags.gmUserID, "gm-user", "", "the channel's GM user id")
			flagSet.StringVar(&flags.backend, "backend", "", "transport: mesh, multicast or database")
			flagSet.StringVar(&flags.relayURL, "relay-url", "", "relay base URL for mesh and multicast")
			flagSet.StringVar(&flags.databasePath, "database", "", "SQLite path for the database backend")
			flagSet.BoolVar(&flags.unlockSecret, "unlock-secret", false, "unlock the sealed GM secret")
			flagSet.StringVar(&flags.passphraseFile, "passphrase-file", "", "read the secret passphrase from this file")
			flagSet.BoolVar(&flags.noSnapshots, "no-snapshots", false, "disable checkpoints and snapshot restore")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			cfg, err := flags.config()
			if err != nil {
				return err
			}
			var gmSecret *secret.Buffer
			if flags.unlockSecret {
				gmSecret, err = unlockGMSecret(cfg.Secret.SealedPath, flags.passphraseFile)
				if err != nil {
					return err
				}
				defer gmSecret.Close()
			}
			return runJoin(ctx, joinSetup{
				config:      cfg,
				gmSecret:    gmSecret,
				noSnapshots: flags.noSnapshots,
				clock:       clock.Real(),
				logger:      logger,
			}, os.Stdin, os.Stdout)
		},
	}
}

// config loads the config file and applies flag overrides.
func (f joinFlags) config() (*config.Config, error) {
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	overrides := []struct {
		value  string
		target *string
	}{
		{f.channel, &cfg.Identity.Channel},
		{f.userID, &cfg.Identity.UserID},
		{f.gmUserID, &cfg.Identity.GMUserID},
		{f.backend, &cfg.Transport.Backend},
		{f.relayURL, &cfg.Transport.RelayURL},
		{f.databasePath, &cfg.Database.Path},
	}
	for _, override := range overrides {
		if override.value != "" {
			*override.target = override.value
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Identity.Channel == "" || cfg.Identity.UserID == "" {
		return nil, errors.New("--channel and --user are required (or identity.channel and identity.user_id)")
	}
	return cfg, nil
}

type joinSetup struct {
	config      *config.Config
	gmSecret    *secret.Buffer
	noSnapshots bool
	clock       clock.Clock
	logger      *slog.Logger

	// nodes replaces the configured backend when set.
	nodes session.NodeFactory
}

// runJoin runs one peer until stdin ends, ctx is cancelled or another
// peer closes us with a notice.
func runJoin(ctx context.Context, setup joinSetup, stdin io.Reader, stdout io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := setup.config
	logger := setup.logger.With("channel", cfg.Identity.Channel, "user", cfg.Identity.UserID)

	nodes := setup.nodes
	if nodes == nil {
		opened, err := openBackend(cfg, setup.clock, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := opened.close(); err != nil {
				logger.Warn("closing transport backend failed", "error", err)
			}
		}()
		nodes = opened.nodes
	}

	output := cli.NewLineWriter(stdout)
	store := scenario.New(nil)
	store.SetChannel(scenario.Channel{
		ChannelID: cfg.Identity.Channel,
		UserID:    cfg.Identity.UserID,
		GMUserID:  cfg.Identity.GMUserID,
	})

	var persister session.Persister
	if !setup.noSnapshots {
		persister = session.SnapshotPersister{
			Snapshots: snapshot.NewStore(cfg.Snapshot.Directory, setup.clock, logger),
			Scenario:  store,
		}
	}

	peerSession, err := session.New(session.Config{
		Store:          &printingStore{Store: store, output: output, logger: logger},
		Nodes:          nodes,
		Persister:      persister,
		Notifier:       leaveNotifier{output: output, cancel: cancel},
		GMSecret:       setup.gmSecret,
		QuiescePeriod:  cfg.Snapshot.QuiescePeriod,
		ThrottleWindow: cfg.Transport.ThrottleWindow,
		Clock:          setup.clock,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer peerSession.Close()

	peerSession.Sync(ctx)
	if peerSession.Joined() {
		logger.Info("joined channel", "peer", peerSession.PeerID(), "gm", store.Channel().IsGM())
	} else {
		logger.Warn("channel join failed, retrying on the next input line")
	}

	lines := readLines(ctx, stdin, logger)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				finalCheckpoint(ctx, peerSession, persister, logger)
				return nil
			}
			if err := handleInput(ctx, peerSession, store, output, line); err != nil {
				logger.Warn("input line rejected", "error", err)
				_ = output.Write(errorEvent{Event: "error", Error: err.Error()})
			}
		}
	}
}

// readLines delivers non-empty lines of r until EOF or ctx ends.
func readLines(ctx context.Context, r io.Reader, logger *slog.Logger) <-chan []byte {
	lines := make(chan []byte)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxInputLine)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- bytes.Clone(line):
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Warn("reading input failed", "error", err)
		}
	}()
	return lines
}

// finalCheckpoint saves once more before exit so a restart resumes
// from the latest state.
func finalCheckpoint(ctx context.Context, peerSession *session.Session, persister session.Persister, logger *slog.Logger) {
	if persister == nil {
		return
	}
	if err := peerSession.Checkpoint(ctx); err != nil && !errors.Is(err, session.ErrNotJoined) {
		logger.Warn("final checkpoint failed", "error", err)
	}
}

// loadConfig reads path, or $TABLETOP_CONFIG when path is empty. With
// neither, defaults and environment overrides apply.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv(config.EnvPrefix + "CONFIG")
	}
	return config.LoadFile(path)
}
