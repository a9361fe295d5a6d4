// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bureau-foundation/tabletop/lib/clock"
	"github.com/bureau-foundation/tabletop/lib/scenario"
)

const (
	fileExtension = ".snap"
	latestName    = "latest"
)

// ErrNoSnapshot is returned by Load when a channel has never been
// saved.
var ErrNoSnapshot = errors.New("no snapshot")

// Store writes snapshots below a directory.
type Store struct {
	directory string
	clock     clock.Clock
	logger    *slog.Logger
}

// NewStore creates a Store rooted at directory. Nil clock and logger
// mean the real clock and a discarding logger.
func NewStore(directory string, clk clock.Clock, logger *slog.Logger) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{directory: directory, clock: clk, logger: logger}
}

// Save writes state and heads for channelID and points "latest" at it.
func (s *Store) Save(ctx context.Context, channelID string, state scenario.State, heads []string) (Digest, error) {
	if err := ctx.Err(); err != nil {
		return Digest{}, err
	}
	channelDirectory, err := s.channelDirectory(channelID)
	if err != nil {
		return Digest{}, err
	}

	data, digest, err := Encode(Snapshot{
		Version:   FormatVersion,
		ChannelID: channelID,
		SavedAt:   s.clock.Now().UTC(),
		Heads:     slices.Clone(heads),
		State:     state,
	})
	if err != nil {
		return Digest{}, err
	}

	if err := os.MkdirAll(channelDirectory, 0o755); err != nil {
		return Digest{}, fmt.Errorf("creating %s: %w", channelDirectory, err)
	}
	path := filepath.Join(channelDirectory, digest.String()+fileExtension)
	if err := writeAtomic(path, data); err != nil {
		return Digest{}, err
	}
	if err := writeAtomic(filepath.Join(channelDirectory, latestName), []byte(digest.String()+"\n")); err != nil {
		return Digest{}, err
	}

	s.logger.Info("snapshot saved",
		"channel", channelID,
		"digest", digest.String(),
		"heads", len(heads),
		"objects", len(state.Objects),
	)
	return digest, nil
}

// Load reads the latest snapshot of channelID.
func (s *Store) Load(channelID string) (Snapshot, error) {
	channelDirectory, err := s.channelDirectory(channelID)
	if err != nil {
		return Snapshot{}, err
	}
	latest, err := os.ReadFile(filepath.Join(channelDirectory, latestName))
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, fmt.Errorf("channel %s: %w", channelID, ErrNoSnapshot)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading latest snapshot pointer: %w", err)
	}
	return Inspect(filepath.Join(channelDirectory, strings.TrimSpace(string(latest))+fileExtension))
}

// Inspect reads and verifies one snapshot file. The file name must be
// the digest of its contents.
func Inspect(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading %s: %w", path, err)
	}
	snapshot, digest, err := Decode(data)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%s: %w", path, err)
	}
	named, err := ParseDigest(strings.TrimSuffix(filepath.Base(path), fileExtension))
	if err != nil {
		return Snapshot{}, err
	}
	if named != digest {
		return Snapshot{}, fmt.Errorf("%s: %w: contents hash to %s", path, ErrDigestMismatch, digest)
	}
	return snapshot, nil
}

func (s *Store) channelDirectory(channelID string) (string, error) {
	if channelID == "" || channelID == "." || channelID == ".." || strings.ContainsAny(channelID, `/\`) {
		return "", fmt.Errorf("invalid channel id %q", channelID)
	}
	return filepath.Join(s.directory, channelID), nil
}

func writeAtomic(path string, data []byte) error {
	temporary, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temporary file for %s: %w", path, err)
	}
	temporaryPath := temporary.Name()
	_, writeErr := temporary.Write(data)
	closeErr := temporary.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}
