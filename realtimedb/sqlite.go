// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package realtimedb

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/tabletop/lib/clock"
	"github.com/bureau-foundation/tabletop/lib/sqlitepool"
)

// DefaultPollInterval is how often SQLite watchers look for changes.
const DefaultPollInterval = 200 * time.Millisecond

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS gm (
	channel TEXT PRIMARY KEY,
	user_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
	channel      TEXT NOT NULL,
	peer_id      TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	heartbeat_ms INTEGER NOT NULL,
	PRIMARY KEY (channel, peer_id)
);
CREATE TABLE IF NOT EXISTS log_entries (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	channel        TEXT NOT NULL,
	log            TEXT NOT NULL,
	json           TEXT NOT NULL,
	from_client_id TEXT NOT NULL,
	to_client_id   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS log_entries_by_channel ON log_entries (channel, seq);
`

// SQLiteConfig configures a SQLite database.
type SQLiteConfig struct {
	Path     string
	PoolSize int

	// PollInterval is how often watchers query for changes. Zero
	// means DefaultPollInterval.
	PollInterval time.Duration

	// Clock stamps heartbeats. Processes sharing one file share the
	// host clock, so it stands in for a server clock.
	Clock  clock.Clock
	Logger *slog.Logger
}

// SQLite is a Database stored in a SQLite file. Several processes may
// open the same file; watchers notice each other's writes by polling.
type SQLite struct {
	pool     *sqlitepool.Pool
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
}

// OpenSQLite opens or creates the database at config.Path.
func OpenSQLite(config SQLiteConfig) (*SQLite, error) {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     config.Path,
		PoolSize: config.PoolSize,
		Schema:   sqliteSchema,
		Logger:   config.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &SQLite{
		pool:     pool,
		clock:    config.Clock,
		interval: config.PollInterval,
		logger:   config.Logger,
	}, nil
}

// Close closes the connection pool.
func (s *SQLite) Close() error {
	return s.pool.Close()
}

// ClaimGM implements Database.
func (s *SQLite) ClaimGM(ctx context.Context, channel, userID string) (bool, error) {
	var gm string
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `INSERT OR IGNORE INTO gm (channel, user_id) VALUES (?, ?)`,
			&sqlitex.ExecOptions{Args: []any{channel, userID}}); err != nil {
			return err
		}
		return sqlitex.Execute(conn, `SELECT user_id FROM gm WHERE channel = ?`, &sqlitex.ExecOptions{
			Args: []any{channel},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				gm = stmt.ColumnText(0)
				return nil
			},
		})
	})
	if err != nil {
		return false, fmt.Errorf("claiming GM of %s: %w", channel, err)
	}
	return gm == userID, nil
}

// Heartbeat implements Database.
func (s *SQLite) Heartbeat(ctx context.Context, channel, peerID, userID string) (time.Time, error) {
	now := s.clock.Now().Truncate(time.Millisecond)
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO users (channel, peer_id, user_id, heartbeat_ms) VALUES (?, ?, ?, ?)
			ON CONFLICT (channel, peer_id) DO UPDATE SET user_id = excluded.user_id, heartbeat_ms = excluded.heartbeat_ms`,
			&sqlitex.ExecOptions{Args: []any{channel, peerID, userID, now.UnixMilli()}})
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("heartbeat for %s: %w", peerID, err)
	}
	return now, nil
}

// RemoveUser implements Database.
func (s *SQLite) RemoveUser(ctx context.Context, channel, peerID string) error {
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM users WHERE channel = ? AND peer_id = ?`,
			&sqlitex.ExecOptions{Args: []any{channel, peerID}})
	})
	if err != nil {
		return fmt.Errorf("removing user %s: %w", peerID, err)
	}
	return nil
}

// Users implements Database.
func (s *SQLite) Users(ctx context.Context, channel string) (map[string]UserRecord, error) {
	users := make(map[string]UserRecord)
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT peer_id, user_id, heartbeat_ms FROM users WHERE channel = ?`, &sqlitex.ExecOptions{
			Args: []any{channel},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				users[stmt.ColumnText(0)] = UserRecord{
					UserID:    stmt.ColumnText(1),
					Heartbeat: time.UnixMilli(stmt.ColumnInt64(2)),
				}
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing users of %s: %w", channel, err)
	}
	return users, nil
}

// Append implements Database.
func (s *SQLite) Append(ctx context.Context, channel string, log Log, record LogRecord) (string, error) {
	if err := checkLog(log); err != nil {
		return "", err
	}
	var sequence int64
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO log_entries (channel, log, json, from_client_id, to_client_id) VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{channel, string(log), record.JSON, record.FromClientID, record.ToClientID}})
		if err != nil {
			return err
		}
		sequence = conn.LastInsertRowID()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("appending to %s/%s: %w", channel, log, err)
	}
	return formatLogID(uint64(sequence)), nil
}

// Delete implements Database.
func (s *SQLite) Delete(ctx context.Context, channel string, log Log, ids []string) error {
	if err := checkLog(log); err != nil {
		return err
	}
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		for _, id := range ids {
			sequence, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				continue
			}
			if err := sqlitex.Execute(conn, `DELETE FROM log_entries WHERE channel = ? AND log = ? AND seq = ?`,
				&sqlitex.ExecOptions{Args: []any{channel, string(log), sequence}}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting from %s/%s: %w", channel, log, err)
	}
	return nil
}

// Entries implements Database.
func (s *SQLite) Entries(ctx context.Context, channel string, log Log) ([]Entry, error) {
	if err := checkLog(log); err != nil {
		return nil, err
	}
	var entries []Entry
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT seq, log, json, from_client_id, to_client_id FROM log_entries
			WHERE channel = ? AND log = ? ORDER BY seq`, &sqlitex.ExecOptions{
			Args: []any{channel, string(log)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				_, entry := scanEntry(stmt)
				entries = append(entries, entry)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", channel, log, err)
	}
	return entries, nil
}

// Watch implements Database by polling every PollInterval.
func (s *SQLite) Watch(ctx context.Context, channel string, options WatchOptions, watcher Watcher) (func(), error) {
	for _, log := range options.Logs {
		if err := checkLog(log); err != nil {
			return nil, err
		}
	}
	watchCtx, cancel := context.WithCancel(ctx)
	poller := &sqlitePoller{
		db:      s,
		channel: channel,
		logs:    options.Logs,
		watcher: watcher,
		users:   make(map[string]UserRecord),
	}
	// The first poll replays existing state before Watch returns.
	if err := poller.poll(watchCtx); err != nil {
		cancel()
		return nil, err
	}

	ticker := s.clock.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				if err := poller.poll(watchCtx); err != nil && watchCtx.Err() == nil {
					s.logger.Warn("realtime database poll failed", "channel", channel, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

type sqlitePoller struct {
	db      *SQLite
	channel string
	logs    []Log
	watcher Watcher

	users  map[string]UserRecord
	cursor int64
}

func (p *sqlitePoller) poll(ctx context.Context) error {
	users, err := p.db.Users(ctx, p.channel)
	if err != nil {
		return err
	}
	for peerID := range p.users {
		if _, ok := users[peerID]; !ok && ctx.Err() == nil {
			p.watcher.UserRemoved(peerID)
		}
	}
	for peerID, record := range users {
		if previous, ok := p.users[peerID]; (!ok || !previous.Heartbeat.Equal(record.Heartbeat) || previous.UserID != record.UserID) && ctx.Err() == nil {
			p.watcher.UserUpdated(peerID, record)
		}
	}
	p.users = users

	if len(p.logs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(p.logs)), ", ")
	args := []any{p.channel, p.cursor}
	for _, log := range p.logs {
		args = append(args, string(log))
	}
	type added struct {
		log   Log
		entry Entry
	}
	var batch []added
	err = p.db.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT seq, log, json, from_client_id, to_client_id FROM log_entries
			WHERE channel = ? AND seq > ? AND log IN (`+placeholders+`) ORDER BY seq`, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				log, entry := scanEntry(stmt)
				batch = append(batch, added{log: log, entry: entry})
				p.cursor = stmt.ColumnInt64(0)
				return nil
			},
		})
	})
	if err != nil {
		return fmt.Errorf("polling %s log: %w", p.channel, err)
	}
	for _, item := range batch {
		if ctx.Err() != nil {
			return nil
		}
		p.watcher.LogAdded(item.log, item.entry)
	}
	return nil
}

func scanEntry(stmt *sqlite.Stmt) (Log, Entry) {
	return Log(stmt.ColumnText(1)), Entry{
		ID: formatLogID(uint64(stmt.ColumnInt64(0))),
		Record: LogRecord{
			JSON:         stmt.ColumnText(2),
			FromClientID: stmt.ColumnText(3),
			ToClientID:   stmt.ColumnText(4),
		},
	}
}

func checkLog(log Log) error {
	if log != LogActions && log != LogGMActions {
		return fmt.Errorf("log %q: %w", log, ErrNotFound)
	}
	return nil
}
