// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package stream wraps the durable Redis stream the ingestion service
// appends to and the evaluation worker consumes from as a consumer group,
// including the periodic XAUTOCLAIM reclaim loop for messages an earlier
// worker instance picked up but never acked.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/luxfi/fraudscreen/internal/ferrors"
)

// Message is one durable stream entry, its fields already decoded.
type Message struct {
	ID     string
	Fields map[string]interface{}
}

// Client wraps a redis.Client bound to one stream key and consumer group.
type Client struct {
	rdb    *redis.Client
	key    string
	group  string
	maxLen int64
}

func New(rdb *redis.Client, key, group string, maxLen int64) *Client {
	return &Client{rdb: rdb, key: key, group: group, maxLen: maxLen}
}

// EnsureGroup creates the stream and consumer group if they do not already
// exist, matching the worker's BUSYGROUP-tolerant startup.
func (c *Client) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.key, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("ensure consumer group: %w", err))
	}
	return nil
}

// Append adds one entry to the capped stream, approximate trimming to
// maxLen so XADD stays O(1) amortized.
func (c *Client) Append(ctx context.Context, fields map[string]interface{}) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.key,
		MaxLen: c.maxLen,
		Approx: true,
		Values: fields,
	}).Result()
	if err != nil {
		return "", ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("xadd: %w", err))
	}
	return id, nil
}

// ReadBatch reads up to count new entries for consumer, blocking up to
// block for at least one. An empty result is not an error.
func (c *Client) ReadBatch(ctx context.Context, consumer string, count int64, block int64) ([]Message, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: consumer,
		Streams:  []string{c.key, ">"},
		Count:    count,
		Block:    toMillis(block),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("xreadgroup: %w", err))
	}
	if len(res) == 0 {
		return nil, nil
	}

	msgs := make([]Message, 0, len(res[0].Messages))
	for _, m := range res[0].Messages {
		msgs = append(msgs, Message{ID: m.ID, Fields: m.Values})
	}
	return msgs, nil
}

// Ack acknowledges a batch of message ids in a single XACK call.
func (c *Client) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, c.key, c.group, ids...).Err(); err != nil {
		return ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("xack: %w", err))
	}
	return nil
}

// ReclaimStale pages through XAUTOCLAIM for entries idle longer than
// minIdleMillis, reassigning them to consumer, until the cursor returns to
// "0-0". It returns every reclaimed message across all pages.
func (c *Client) ReclaimStale(ctx context.Context, consumer string, minIdleMillis int64, pageSize int64) ([]Message, error) {
	var out []Message
	cursor := "0-0"
	for {
		ids, msgs, nextCursor, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.key,
			Group:    c.group,
			Consumer: consumer,
			MinIdle:  toDuration(minIdleMillis),
			Start:    cursor,
			Count:    pageSize,
		}).Result()
		if err != nil {
			if strings.Contains(err.Error(), "NOGROUP") {
				return out, nil
			}
			return out, ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("xautoclaim: %w", err))
		}
		_ = ids
		for _, m := range msgs {
			out = append(out, Message{ID: m.ID, Fields: m.Values})
		}
		if nextCursor == "" || nextCursor == "0-0" {
			break
		}
		cursor = nextCursor
	}
	return out, nil
}

func toMillis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

func toDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }
