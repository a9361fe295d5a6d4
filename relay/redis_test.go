// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bureau-foundation/tabletop/lib/testutil"
)

// newTestRedis connects to the server named by TABLETOP_TEST_REDIS, or
// skips the test.
func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	address := os.Getenv("TABLETOP_TEST_REDIS")
	if address == "" {
		t.Skip("TABLETOP_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: address})
	t.Cleanup(func() { client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("connecting to redis at %s: %v", address, err)
	}
	return NewRedis(client, 100)
}

func TestRedisPublishPoll(t *testing.T) {
	backend := newTestRedis(t)
	ctx := context.Background()
	channel := testutil.UniqueID("redis-relay")

	tail, err := backend.Poll(ctx, channel, "")
	if err != nil {
		t.Fatalf("tail Poll: %v", err)
	}
	for _, record := range []string{`{"n":1}`, `{"n":2}`} {
		if err := backend.Publish(ctx, channel, []byte(record)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	page, err := backend.Poll(ctx, channel, tail.Cursor)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(page.Records) != 2 || string(page.Records[1]) != `{"n":2}` {
		t.Fatalf("records = %q", page.Records)
	}
}

func TestRedisPollRespectsDeadline(t *testing.T) {
	backend := newTestRedis(t)
	channel := testutil.UniqueID("redis-relay")
	tail, err := backend.Poll(context.Background(), channel, "")
	if err != nil {
		t.Fatalf("tail Poll: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := backend.Poll(ctx, channel, tail.Cursor); err == nil {
		t.Fatal("Poll on an idle stream returned without error")
	}
}
