// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/tabletop/cmd/tabletop/cli"
	"github.com/bureau-foundation/tabletop/lib/action"
	"github.com/bureau-foundation/tabletop/lib/clock"
	"github.com/bureau-foundation/tabletop/lib/config"
	"github.com/bureau-foundation/tabletop/lib/scenario"
	"github.com/bureau-foundation/tabletop/realtimedb"
	"github.com/bureau-foundation/tabletop/relay"
	"github.com/bureau-foundation/tabletop/session"
)

const (
	defaultScriptTimeout = 10 * time.Second
	scriptPollInterval   = 10 * time.Millisecond
)

// script is a scripted multi-peer session run in one process.
type script struct {
	Channel  string `json:"channel"`
	GMUserID string `json:"gmUserId"`

	// Backend is database (the default) or multicast.
	Backend string `json:"backend"`

	// Timeout bounds connecting and converging, as a Go duration.
	Timeout string `json:"timeout"`

	Peers []scriptPeer `json:"peers"`
	Steps []scriptStep `json:"steps"`

	timeout time.Duration
}

type scriptPeer struct {
	Name   string `json:"name"`
	UserID string `json:"userId"`
}

type scriptStep struct {
	Peer string `json:"peer"`
	input
}

// scriptResult is printed when the script finishes.
type scriptResult struct {
	Converged bool                   `json:"converged"`
	Peers     map[string]scriptState `json:"peers"`
}

type scriptState struct {
	GM    bool           `json:"gm"`
	State scenario.State `json:"state"`
}

func scriptCommand() *cli.Command {
	return &cli.Command{
		Name:        "script",
		Summary:     "Run scripted multi-peer sessions",
		Subcommands: []*cli.Command{scriptRunCommand()},
	}
}

func scriptRunCommand() *cli.Command {
	var timeout time.Duration
	return &cli.Command{
		Name:    "run",
		Summary: "Run a JSONC script against in-process peers",
		Description: `Run a JSONC script: every listed peer joins one channel in this
process, the steps are dispatched in order, and each peer's final
scenario state is printed once all peers have converged.

Exits with status 1 when the peers do not converge within the timeout.`,
		Usage: "tabletop script run FILE.jsonc [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
			flagSet.DurationVar(&timeout, "timeout", 0, "override the script's timeout")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one script file, got %d arguments", len(args))
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading script: %w", err)
			}
			parsed, err := parseScript(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if timeout > 0 {
				parsed.timeout = timeout
			}
			result, err := runScript(ctx, parsed, clock.Real(), logger)
			if err != nil {
				return err
			}
			if err := cli.WriteIndented(os.Stdout, result); err != nil {
				return err
			}
			if !result.Converged {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}

// parseScript strips JSONC comments and trailing commas, then decodes
// and validates the script.
func parseScript(data []byte) (*script, error) {
	var parsed script
	if err := json.Unmarshal(jsonc.ToJSON(data), &parsed); err != nil {
		return nil, fmt.Errorf("parsing script: %w", err)
	}

	if parsed.Channel == "" {
		return nil, errors.New("script has no channel")
	}
	switch parsed.Backend {
	case "":
		parsed.Backend = config.BackendDatabase
	case config.BackendDatabase, config.BackendMulticast:
	default:
		return nil, fmt.Errorf("script backend must be %s or %s, got %q",
			config.BackendDatabase, config.BackendMulticast, parsed.Backend)
	}
	parsed.timeout = defaultScriptTimeout
	if parsed.Timeout != "" {
		timeout, err := time.ParseDuration(parsed.Timeout)
		if err != nil || timeout <= 0 {
			return nil, fmt.Errorf("invalid script timeout %q", parsed.Timeout)
		}
		parsed.timeout = timeout
	}

	if len(parsed.Peers) == 0 {
		return nil, errors.New("script has no peers")
	}
	names := make(map[string]bool, len(parsed.Peers))
	for _, scripted := range parsed.Peers {
		if scripted.Name == "" || scripted.UserID == "" {
			return nil, errors.New("every peer needs a name and a userId")
		}
		if names[scripted.Name] {
			return nil, fmt.Errorf("duplicate peer %q", scripted.Name)
		}
		names[scripted.Name] = true
	}
	for index, step := range parsed.Steps {
		if !names[step.Peer] {
			return nil, fmt.Errorf("step %d: unknown peer %q", index, step.Peer)
		}
		if step.Command != "" {
			return nil, fmt.Errorf("step %d: scripts only dispatch mutations", index)
		}
		if _, err := step.mutation(); err != nil {
			return nil, fmt.Errorf("step %d: %w", index, err)
		}
	}
	return &parsed, nil
}

type scriptedPeer struct {
	name    string
	gm      bool
	store   *scenario.Store
	session *session.Session
}

// expectation is one action a peer must have applied.
type expectation struct {
	peer     *scriptedPeer
	actionID string
}

// runScript joins every peer, dispatches the steps and waits for the
// peers to converge.
func runScript(ctx context.Context, parsed *script, clk clock.Clock, logger *slog.Logger) (scriptResult, error) {
	var nodes session.NodeFactory
	switch parsed.Backend {
	case config.BackendMulticast:
		nodes = multicastNodes(relay.NewMemory(relay.DefaultRetention), 0)
	default:
		nodes = databaseNodes(realtimedb.NewMemory(clk), 0)
	}

	peers := make(map[string]*scriptedPeer, len(parsed.Peers))
	var ordered []*scriptedPeer
	defer func() {
		for _, scripted := range ordered {
			scripted.session.Close()
		}
	}()
	for _, definition := range parsed.Peers {
		store := scenario.New(nil)
		channel := scenario.Channel{ChannelID: parsed.Channel, UserID: definition.UserID, GMUserID: parsed.GMUserID}
		store.SetChannel(channel)
		peerSession, err := session.New(session.Config{
			Store:  store,
			Nodes:  nodes,
			Clock:  clk,
			Logger: logger.With("script_peer", definition.Name),
		})
		if err != nil {
			return scriptResult{}, err
		}
		scripted := &scriptedPeer{name: definition.Name, gm: channel.IsGM(), store: store, session: peerSession}
		peers[definition.Name] = scripted
		ordered = append(ordered, scripted)

		peerSession.Sync(ctx)
		if !peerSession.Joined() {
			return scriptResult{}, fmt.Errorf("peer %s could not join %s", definition.Name, parsed.Channel)
		}
	}

	connected := waitUntil(ctx, clk, parsed.timeout, func() bool {
		for _, scripted := range ordered {
			if len(scripted.session.Peers()) < len(ordered)-1 {
				return false
			}
		}
		return true
	})
	if !connected {
		return scriptResult{}, fmt.Errorf("peers did not connect within %s", parsed.timeout)
	}

	expected, err := dispatchSteps(ctx, parsed.Steps, peers, ordered)
	if err != nil {
		return scriptResult{}, err
	}

	converged := waitUntil(ctx, clk, parsed.timeout, func() bool {
		for _, want := range expected {
			if !want.peer.store.Applied(want.actionID) {
				return false
			}
		}
		return true
	})
	if !converged {
		for _, want := range expected {
			if !want.peer.store.Applied(want.actionID) {
				logger.Warn("action not applied", "script_peer", want.peer.name, "action", want.actionID)
			}
		}
	}

	result := scriptResult{Converged: converged, Peers: make(map[string]scriptState, len(ordered))}
	for _, scripted := range ordered {
		result.Peers[scripted.name] = scriptState{GM: scripted.gm, State: scripted.store.State()}
	}
	return result, nil
}

// dispatchSteps sends every step and returns what each peer must end
// up applying. Coalesced steps only guarantee that the last one per
// sender and throttle key arrives.
func dispatchSteps(ctx context.Context, steps []scriptStep, peers map[string]*scriptedPeer, ordered []*scriptedPeer) ([]expectation, error) {
	type coalesceKey struct{ peer, throttle string }
	lastCoalesced := make(map[coalesceKey]int)
	dispatched := make([]action.Action, len(steps))

	for index, step := range steps {
		mutation, err := step.mutation()
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", index, err)
		}
		if mutation.ID == "" {
			mutation.ID = action.NewID()
		}
		if err := peers[step.Peer].session.Dispatch(ctx, mutation); err != nil {
			return nil, fmt.Errorf("step %d: %w", index, err)
		}
		dispatched[index] = mutation
		if key := mutation.ThrottleKey(); key != "" {
			lastCoalesced[coalesceKey{step.Peer, key}] = index
		}
	}

	var expected []expectation
	for index, step := range steps {
		sent := dispatched[index]
		if key := sent.ThrottleKey(); key != "" && lastCoalesced[coalesceKey{step.Peer, key}] != index {
			continue
		}
		for _, scripted := range ordered {
			if sent.Audience.Includes(scripted.gm) {
				expected = append(expected, expectation{peer: scripted, actionID: sent.ID})
			}
		}
	}
	return expected, nil
}

// waitUntil polls condition until it holds, timeout passes or ctx ends.
func waitUntil(ctx context.Context, clk clock.Clock, timeout time.Duration, condition func() bool) bool {
	deadline := clk.After(timeout)
	ticker := clk.NewTicker(scriptPollInterval)
	defer ticker.Stop()
	for {
		if condition() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return condition()
		case <-ticker.C:
		}
	}
}
