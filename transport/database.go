// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/tabletop/lib/action"
	"github.com/bureau-foundation/tabletop/lib/clock"
	"github.com/bureau-foundation/tabletop/realtimedb"
)

// CleanupBatchSize is the number of log entries removed per delete.
const CleanupBatchSize = 20

// DatabaseConfig configures a Database node.
type DatabaseConfig struct {
	Options

	Database realtimedb.Database
	Channel  string

	// GM asks the node to claim the channel's GM slot. The GM reads
	// the GM-only log, evicts stale users and cleans up checkpointed
	// entries.
	GM bool

	// HeartbeatInterval defaults to DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
}

// Database uses a realtime database as both peer directory and
// message log. Audience routing is structural: GM-only messages go to
// a log only the GM reads, and Only/Except do not filter the log.
type Database struct {
	*node
	db       realtimedb.Database
	channel  string
	interval time.Duration
	wantGM   bool

	mu         sync.Mutex
	gm         bool
	serverTime time.Time
	peers      map[string]string
	observed   []observedEntry
	deletes    map[realtimedb.Log][]string
	heartbeat  *clock.Timer
	stopWatch  func()

	// cleanupMu serializes delete batches across ticks.
	cleanupMu sync.Mutex
}

// observedEntry is a log entry seen by the GM. The GM keeps one
// sequence across both logs, in channel append order. Queued entries
// stay in the sequence as positions while an older entry of the other
// log is still waiting.
type observedEntry struct {
	log      realtimedb.Log
	id       string
	actionID string
	queued   bool
}

// logPeek is the part of a log record the transport reads.
type logPeek struct {
	Type       string   `json:"type"`
	ActionID   *string  `json:"actionId"`
	GMOnly     bool     `json:"gmOnly"`
	SavedHeads []string `json:"savedHeadActionIds"`
}

// NewDatabase creates a database node.
func NewDatabase(config DatabaseConfig) (*Database, error) {
	if config.Database == nil {
		return nil, errors.New("database transport: database is required")
	}
	if config.Channel == "" {
		return nil, errors.New("database transport: empty channel")
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	base, err := newNode(config.Options, "database")
	if err != nil {
		return nil, err
	}
	return &Database{
		node:     base,
		db:       config.Database,
		channel:  config.Channel,
		interval: config.HeartbeatInterval,
		wantGM:   config.GM,
		peers:   make(map[string]string),
		deletes: make(map[realtimedb.Log][]string),
	}, nil
}

func (d *Database) Topology() Topology { return SharedLog }

// IsGM reports whether this node holds the channel's GM slot.
func (d *Database) IsGM() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gm
}

// Init claims the GM slot when asked, registers this peer and starts
// watching the channel. Failing to claim the slot is not an error;
// the node continues as a player.
func (d *Database) Init(ctx context.Context) error {
	if err := d.begin(); err != nil {
		return err
	}

	gm := false
	if d.wantGM {
		claimed, err := d.db.ClaimGM(ctx, d.channel, d.userID)
		switch {
		case err != nil:
			d.logger.Warn("claiming GM slot failed, continuing as player", "channel", d.channel, "error", err)
		case !claimed:
			d.logger.Warn("GM slot held by another user, continuing as player", "channel", d.channel)
		default:
			gm = true
		}
	}

	serverTime, err := d.db.Heartbeat(ctx, d.channel, d.peerID, d.userID)
	if err != nil {
		d.abort()
		return fmt.Errorf("registering in %s: %w", d.channel, err)
	}
	d.mu.Lock()
	d.gm = gm
	d.serverTime = serverTime
	d.mu.Unlock()

	logs := []realtimedb.Log{realtimedb.LogActions}
	if gm {
		logs = append(logs, realtimedb.LogGMActions)
	}
	stop, err := d.db.Watch(d.ctx, d.channel, realtimedb.WatchOptions{Logs: logs}, databaseWatcher{d})
	if err != nil {
		d.abort()
		return fmt.Errorf("watching %s: %w", d.channel, err)
	}

	d.mu.Lock()
	d.stopWatch = stop
	d.heartbeat = d.clock.AfterFunc(d.interval, d.tick)
	d.mu.Unlock()

	if err := d.activate(); err != nil {
		return err
	}
	d.logger.Info("database channel joined", "channel", d.channel, "gm", gm)
	return nil
}

// SendTo implements Node. The record lands in the GM-only log when
// the message is GM-only; recipients only feed OnSent.
func (d *Database) SendTo(ctx context.Context, data []byte, options SendOptions) error {
	return d.send(ctx, data, options, d.deliver)
}

func (d *Database) deliver(ctx context.Context, data []byte, options SendOptions) ([]string, error) {
	var peek logPeek
	if err := json.Unmarshal(data, &peek); err != nil {
		d.logger.Debug("outgoing payload is not JSON", "error", err)
	}
	log := realtimedb.LogActions
	if peek.GMOnly {
		log = realtimedb.LogGMActions
	}

	d.mu.Lock()
	recipients := selectRecipients(d.peerID, slices.Collect(maps.Keys(d.peers)), options)
	d.mu.Unlock()

	record := realtimedb.LogRecord{JSON: string(data), FromClientID: d.peerID}
	// Control messages for a single peer are addressed to it; actions
	// stay visible to every reader of the log.
	if len(options.Only) == 1 && action.IsControl(data) {
		record.ToClientID = options.Only[0]
	}
	_, err := d.db.Append(ctx, d.channel, log, record)
	if err != nil {
		return nil, fmt.Errorf("appending to %s: %w", log, err)
	}
	return recipients, nil
}

// Close implements Node. A non-empty reason is written as a close
// notice addressed to the peer alone.
func (d *Database) Close(peerID, reason string) {
	d.mu.Lock()
	_, known := d.peers[peerID]
	delete(d.peers, peerID)
	d.mu.Unlock()

	if reason != "" {
		if notice, err := action.EncodeControl(action.CloseNotice{Reason: reason}); err == nil {
			_, err := d.db.Append(d.ctx, d.channel, realtimedb.LogActions, realtimedb.LogRecord{
				JSON:         string(notice),
				FromClientID: d.peerID,
				ToClientID:   peerID,
			})
			if err != nil && d.ctx.Err() == nil {
				d.logger.Warn("writing close notice failed", "remote", peerID, "error", err)
			}
		}
	}
	if known {
		d.closed(peerID, reason)
	}
}

// DisconnectAll implements Node.
func (d *Database) DisconnectAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.peers)
}

// Destroy implements Node. Removing our user entry tells the others.
func (d *Database) Destroy() {
	if !d.finish() {
		return
	}
	d.mu.Lock()
	if d.heartbeat != nil {
		d.heartbeat.Stop()
		d.heartbeat = nil
	}
	stop := d.stopWatch
	d.stopWatch = nil
	clear(d.peers)
	d.mu.Unlock()
	if stop != nil {
		stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), departureTimeout)
	defer cancel()
	if err := d.db.RemoveUser(ctx, d.channel, d.peerID); err != nil {
		d.logger.Debug("removing own registration failed", "error", err)
	}
	d.logger.Info("database channel left", "channel", d.channel)
}

// tick rewrites our heartbeat. The GM then evicts stale users and
// drains queued deletions.
func (d *Database) tick() {
	if d.destroyed() {
		return
	}
	serverTime, err := d.db.Heartbeat(d.ctx, d.channel, d.peerID, d.userID)
	if err != nil {
		if d.ctx.Err() == nil {
			d.logger.Warn("heartbeat failed", "channel", d.channel, "error", err)
			d.signalError(fmt.Errorf("heartbeat: %w", err))
		}
	} else {
		d.mu.Lock()
		if serverTime.After(d.serverTime) {
			d.serverTime = serverTime
		}
		d.mu.Unlock()
		if d.IsGM() {
			d.evictStale(serverTime)
			d.drainCleanup()
		}
	}

	d.mu.Lock()
	if !d.destroyed() {
		d.heartbeat = d.clock.AfterFunc(d.interval, d.tick)
	}
	d.mu.Unlock()
}

// evictStale removes users whose heartbeat is older than two
// intervals before serverTime.
func (d *Database) evictStale(serverTime time.Time) {
	users, err := d.db.Users(d.ctx, d.channel)
	if err != nil {
		d.logger.Warn("listing users failed", "channel", d.channel, "error", err)
		return
	}
	cutoff := serverTime.Add(-2 * d.interval)
	for _, peerID := range slices.Sorted(maps.Keys(users)) {
		if peerID == d.peerID || !users[peerID].Heartbeat.Before(cutoff) {
			continue
		}
		if err := d.db.RemoveUser(d.ctx, d.channel, peerID); err != nil {
			d.logger.Warn("evicting stale user failed", "remote", peerID, "error", err)
			continue
		}
		d.logger.Info("evicted stale user", "remote", peerID, "heartbeat", users[peerID].Heartbeat)
		d.forget(peerID, "timeout")
	}
}

// drainCleanup deletes queued entries in CleanupBatchSize batches.
// Failures are logged and the entries are not retried.
func (d *Database) drainCleanup() {
	d.cleanupMu.Lock()
	defer d.cleanupMu.Unlock()
	for _, log := range []realtimedb.Log{realtimedb.LogActions, realtimedb.LogGMActions} {
		d.mu.Lock()
		ids := d.deletes[log]
		delete(d.deletes, log)
		d.mu.Unlock()

		for batch := range slices.Chunk(ids, CleanupBatchSize) {
			if err := d.db.Delete(d.ctx, d.channel, log, batch); err != nil {
				d.logger.Warn("log cleanup failed", "log", log, "entries", len(batch), "error", err)
			}
		}
	}
}

// pendingCleanup returns the number of entries queued for deletion.
func (d *Database) pendingCleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, ids := range d.deletes {
		total += len(ids)
	}
	return total
}

func (d *Database) forget(peerID, reason string) {
	d.mu.Lock()
	_, known := d.peers[peerID]
	delete(d.peers, peerID)
	d.mu.Unlock()
	if known {
		d.closed(peerID, reason)
	}
}

func (d *Database) userUpdated(peerID string, record realtimedb.UserRecord) {
	d.mu.Lock()
	if peerID == d.peerID {
		if record.Heartbeat.After(d.serverTime) {
			d.serverTime = record.Heartbeat
		}
		d.mu.Unlock()
		return
	}
	if _, known := d.peers[peerID]; known {
		d.mu.Unlock()
		return
	}
	// A registration older than the freshness window is left over
	// from a peer that went away without cleaning up.
	if record.Heartbeat.Before(d.serverTime.Add(-2 * d.interval)) {
		d.mu.Unlock()
		d.logger.Debug("ignoring stale registration", "remote", peerID, "heartbeat", record.Heartbeat)
		return
	}
	d.peers[peerID] = record.UserID
	d.mu.Unlock()
	d.logger.Info("database peer connected", "remote", peerID, "user", record.UserID)
	d.connected(peerID, PeerInfo{UserID: record.UserID})
}

func (d *Database) userRemoved(peerID string) {
	if peerID == d.peerID {
		if !d.destroyed() {
			d.logger.Warn("own registration removed, re-registering at next heartbeat", "channel", d.channel)
		}
		return
	}
	d.forget(peerID, "")
}

func (d *Database) logAdded(log realtimedb.Log, entry realtimedb.Entry) {
	var peek logPeek
	if err := json.Unmarshal([]byte(entry.Record.JSON), &peek); err != nil {
		d.logger.Debug("log entry is not JSON", "log", log, "id", entry.ID, "error", err)
	}

	d.mu.Lock()
	if d.gm {
		observed := observedEntry{log: log, id: entry.ID}
		if peek.ActionID != nil {
			observed.actionID = *peek.ActionID
		}
		d.observed = append(d.observed, observed)
		if peek.Type == action.KindLastSavedHeads || peek.Type == action.KindLastSavedPlayerHeads {
			d.queueCleanupLocked(log, peek.SavedHeads)
		}
	}
	d.mu.Unlock()

	record := entry.Record
	if record.FromClientID == d.peerID || (record.ToClientID != "" && record.ToClientID != d.peerID) {
		return
	}
	d.data(record.FromClientID, []byte(record.JSON))
}

// queueCleanupLocked queues every observed entry of log up to and
// including the last entry, in either log, carrying a saved head. A GM
// checkpoint usually names an action from the shared log, so heads are
// searched across both. Later entries, the checkpoint among them, are
// kept.
func (d *Database) queueCleanupLocked(log realtimedb.Log, heads []string) {
	position := -1
	for index, entry := range d.observed {
		if entry.actionID != "" && slices.Contains(heads, entry.actionID) {
			position = index
		}
	}
	if position < 0 {
		return
	}
	for index := range d.observed[:position+1] {
		entry := &d.observed[index]
		if entry.log == log && !entry.queued {
			d.deletes[log] = append(d.deletes[log], entry.id)
			entry.queued = true
		}
	}
	trimmed := 0
	for trimmed < len(d.observed) && d.observed[trimmed].queued {
		trimmed++
	}
	if trimmed > 0 {
		d.observed = slices.Clone(d.observed[trimmed:])
	}
}

// databaseWatcher keeps the Watcher methods off Database's API.
type databaseWatcher struct{ d *Database }

func (w databaseWatcher) UserUpdated(peerID string, record realtimedb.UserRecord) {
	w.d.userUpdated(peerID, record)
}

func (w databaseWatcher) UserRemoved(peerID string) { w.d.userRemoved(peerID) }

func (w databaseWatcher) LogAdded(log realtimedb.Log, entry realtimedb.Entry) {
	w.d.logAdded(log, entry)
}
