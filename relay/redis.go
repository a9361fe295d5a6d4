// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix   = "tabletop:mcast:"
	redisRecordField = "record"
	// redisInitialID is the stream id before any entry.
	redisInitialID = "0-0"
	// redisMaxBlock bounds one XREAD BLOCK so that cancellation is
	// noticed even when ctx carries no deadline.
	redisMaxBlock = 5 * time.Second
)

// Redis is a Relay backed by one Redis stream per channel. Cursors are
// stream entry ids.
type Redis struct {
	client    redis.UniversalClient
	retention int64
}

// NewRedis creates a Redis relay trimming each stream to about
// retention entries. Non-positive retention means DefaultRetention.
func NewRedis(client redis.UniversalClient, retention int) *Redis {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Redis{client: client, retention: int64(retention)}
}

// Publish implements Relay with XADD MAXLEN ~.
func (r *Redis) Publish(ctx context.Context, channel string, record []byte) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: redisKeyPrefix + channel,
		MaxLen: r.retention,
		Approx: true,
		Values: map[string]any{redisRecordField: record},
	}).Err()
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	return nil
}

// Poll implements Relay with XREAD BLOCK.
func (r *Redis) Poll(ctx context.Context, channel, cursor string) (Page, error) {
	key := redisKeyPrefix + channel
	if cursor == "" {
		return r.tail(ctx, key)
	}

	for {
		block := redisMaxBlock
		if deadline, ok := ctx.Deadline(); ok {
			block = min(block, time.Until(deadline))
		}
		if block < time.Millisecond {
			return Page{}, context.DeadlineExceeded
		}

		streams, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, cursor},
			Count:   DefaultPageSize,
			Block:   block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Page{}, ctxErr
			}
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Page{}, ctxErr
			}
			if isRedisInvalidID(err) {
				return Page{}, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
			}
			return Page{}, fmt.Errorf("polling %s: %w", channel, err)
		}

		page := Page{Cursor: cursor}
		for _, stream := range streams {
			for _, message := range stream.Messages {
				page.Cursor = message.ID
				if value, ok := message.Values[redisRecordField].(string); ok {
					page.Records = append(page.Records, []byte(value))
				}
			}
		}
		if len(page.Records) > 0 || page.Cursor != cursor {
			return page, nil
		}
	}
}

func (r *Redis) tail(ctx context.Context, key string) (Page, error) {
	latest, err := r.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Page{}, fmt.Errorf("reading tail of %s: %w", key, err)
	}
	if len(latest) == 0 {
		return Page{Cursor: redisInitialID}, nil
	}
	return Page{Cursor: latest[0].ID}, nil
}

func isRedisInvalidID(err error) bool {
	var redisErr redis.Error
	return errors.As(err, &redisErr) && strings.Contains(redisErr.Error(), "Invalid stream ID")
}
