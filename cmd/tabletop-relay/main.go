// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// tabletop-relay serves the multicast relay used for mesh signalling
// and multicast traffic. Records are kept in memory, or in Redis
// streams when a Redis address is configured so several relay
// processes can serve the same channels.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tabletop/lib/config"
	"github.com/bureau-foundation/tabletop/lib/process"
	"github.com/bureau-foundation/tabletop/lib/version"
	"github.com/bureau-foundation/tabletop/relay"
)

// shutdownTimeout bounds the wait for in-flight long polls at exit.
const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal("tabletop-relay", err)
	}
}

func run() error {
	var (
		configPath    string
		listenAddress string
		redisAddress  string
		retention     int
		longPollWait  time.Duration
		showVersion   bool
	)
	flagSet := pflag.NewFlagSet("tabletop-relay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "config file (default $TABLETOP_CONFIG)")
	flagSet.StringVar(&listenAddress, "listen", "", "listen address (default relay.listen_address)")
	flagSet.StringVar(&redisAddress, "redis", "", "Redis address; empty keeps records in memory")
	flagSet.IntVar(&retention, "retention", 0, "records kept per channel")
	flagSet.DurationVar(&longPollWait, "long-poll-wait", 0, "maximum time a poll request is held open")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("tabletop-relay %s\n", version.Info())
		return nil
	}

	if configPath == "" {
		configPath = os.Getenv(config.EnvPrefix + "CONFIG")
	}
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	if listenAddress != "" {
		cfg.Relay.ListenAddress = listenAddress
	}
	if redisAddress != "" {
		cfg.Relay.RedisAddress = redisAddress
	}
	if retention > 0 {
		cfg.Relay.Retention = retention
	}
	if longPollWait > 0 {
		cfg.Relay.LongPollWait = longPollWait
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openStore(ctx, cfg.Relay, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	server := &http.Server{
		Addr: cfg.Relay.ListenAddress,
		Handler: relay.NewServer(backend, relay.ServerConfig{
			LongPollWait: cfg.Relay.LongPollWait,
			Logger:       logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErrors := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "address", cfg.Relay.ListenAddress, "redis", cfg.Relay.RedisAddress != "")
		serveErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErrors:
		return fmt.Errorf("serving relay: %w", err)
	case <-ctx.Done():
	}

	logger.Info("relay shutting down")
	shutdownContext, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownContext); err != nil {
		return fmt.Errorf("shutting down relay: %w", err)
	}
	return nil
}

// openStore returns the record store selected by cfg and its closer.
func openStore(ctx context.Context, cfg config.RelayConfig, logger *slog.Logger) (relay.Relay, func(), error) {
	if cfg.RedisAddress == "" {
		return relay.NewMemory(cfg.Retention), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddress, err)
	}
	closer := func() {
		if err := client.Close(); err != nil {
			logger.Warn("closing redis client failed", "error", err)
		}
	}
	return relay.NewRedis(client, cfg.Retention), closer, nil
}
