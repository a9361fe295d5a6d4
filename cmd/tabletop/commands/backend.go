// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/tabletop/lib/clock"
	"github.com/bureau-foundation/tabletop/lib/config"
	"github.com/bureau-foundation/tabletop/realtimedb"
	"github.com/bureau-foundation/tabletop/relay"
	"github.com/bureau-foundation/tabletop/session"
	"github.com/bureau-foundation/tabletop/transport"
)

// backend owns the shared resources behind a session's node factory.
type backend struct {
	nodes session.NodeFactory
	close func() error
}

// openBackend builds the node factory selected by cfg.Transport.Backend.
func openBackend(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*backend, error) {
	switch cfg.Transport.Backend {
	case config.BackendMesh:
		signals := relay.NewClient(cfg.Transport.RelayURL, relay.ClientConfig{})
		links := &transport.PionLinkFactory{
			ICE:    transport.ICEConfigFromURLs(cfg.Transport.ICEServers),
			Clock:  clk,
			Logger: logger,
		}
		return &backend{nodes: meshNodes(signals, links), close: noClose}, nil

	case config.BackendMulticast:
		traffic := relay.NewClient(cfg.Transport.RelayURL, relay.ClientConfig{})
		return &backend{nodes: multicastNodes(traffic, cfg.Transport.HeartbeatInterval), close: noClose}, nil

	case config.BackendDatabase:
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		db, err := realtimedb.OpenSQLite(realtimedb.SQLiteConfig{
			Path:         cfg.Database.Path,
			PoolSize:     cfg.Database.PoolSize,
			PollInterval: cfg.Database.PollInterval,
			Clock:        clk,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("opening realtime database: %w", err)
		}
		return &backend{nodes: databaseNodes(db, cfg.Transport.HeartbeatInterval), close: db.Close}, nil
	}
	return nil, fmt.Errorf("unknown transport backend %q", cfg.Transport.Backend)
}

func meshNodes(signals relay.Relay, links transport.LinkFactory) session.NodeFactory {
	return func(nodeConfig session.NodeConfig) (transport.Node, error) {
		return transport.NewMesh(transport.MeshConfig{
			Options: nodeConfig.Options,
			Relay:   signals,
			Channel: nodeConfig.Channel.ChannelID,
			Links:   links,
		})
	}
}

func multicastNodes(traffic relay.Relay, heartbeat time.Duration) session.NodeFactory {
	return func(nodeConfig session.NodeConfig) (transport.Node, error) {
		return transport.NewMulticast(transport.MulticastConfig{
			Options:           nodeConfig.Options,
			Relay:             traffic,
			Channel:           nodeConfig.Channel.ChannelID,
			HeartbeatInterval: heartbeat,
		})
	}
}

func databaseNodes(db realtimedb.Database, heartbeat time.Duration) session.NodeFactory {
	return func(nodeConfig session.NodeConfig) (transport.Node, error) {
		return transport.NewDatabase(transport.DatabaseConfig{
			Options:           nodeConfig.Options,
			Database:          db,
			Channel:           nodeConfig.Channel.ChannelID,
			GM:                nodeConfig.Channel.IsGM(),
			HeartbeatInterval: heartbeat,
		})
	}
}

func noClose() error { return nil }
