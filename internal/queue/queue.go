// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package queue wraps the four auxiliary Redis channels the pipeline uses
// besides the main transaction stream: the alerts list the dispatcher
// drains, the capped Telegram fan-out stream, the ML scoring queue, and the
// rules_reload pub/sub channel the rule store's write handlers publish on.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/luxfi/fraudscreen/internal/ferrors"
)

// AlertQueue is a Redis list: producers LPush, the dispatcher BRPops.
type AlertQueue struct {
	rdb *redis.Client
	key string
}

func NewAlertQueue(rdb *redis.Client, key string) *AlertQueue {
	return &AlertQueue{rdb: rdb, key: key}
}

func (q *AlertQueue) Push(ctx context.Context, payload string) error {
	if err := q.rdb.LPush(ctx, q.key, payload).Err(); err != nil {
		return ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("alert queue push: %w", err))
	}
	return nil
}

// Pop blocks up to timeout for one item, returning ("", false, nil) on
// timeout rather than an error.
func (q *AlertQueue) Pop(ctx context.Context, timeout time.Duration) (string, bool, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("alert queue pop: %w", err))
	}
	if len(res) < 2 {
		return "", false, nil
	}
	return res[1], true, nil
}

// TelegramStream is a capped Redis stream the Telegram bot process tails;
// this service only ever produces to it.
type TelegramStream struct {
	rdb    *redis.Client
	key    string
	maxLen int64
}

func NewTelegramStream(rdb *redis.Client, key string, maxLen int64) *TelegramStream {
	return &TelegramStream{rdb: rdb, key: key, maxLen: maxLen}
}

func (t *TelegramStream) Publish(ctx context.Context, payload string) error {
	err := t.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: t.key,
		MaxLen: t.maxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}).Err()
	if err != nil {
		return ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("telegram stream publish: %w", err))
	}
	return nil
}

// MLQueue is a capped Redis stream the external ML scoring worker
// consumes; like TelegramStream, this service only produces to it.
type MLQueue struct {
	rdb    *redis.Client
	key    string
	maxLen int64
}

func NewMLQueue(rdb *redis.Client, key string, maxLen int64) *MLQueue {
	return &MLQueue{rdb: rdb, key: key, maxLen: maxLen}
}

func (m *MLQueue) Publish(ctx context.Context, payload string) error {
	err := m.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: m.key,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}).Err()
	if err != nil {
		return ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("ml queue publish: %w", err))
	}
	return nil
}

// RulesReload wraps the rules_reload pub/sub channel: rule-store writes
// Publish a no-payload ping, and the worker's cache Subscribes to mark
// itself dirty.
type RulesReload struct {
	rdb     *redis.Client
	channel string
}

func NewRulesReload(rdb *redis.Client, channel string) *RulesReload {
	return &RulesReload{rdb: rdb, channel: channel}
}

func (r *RulesReload) Publish(ctx context.Context) error {
	if err := r.rdb.Publish(ctx, r.channel, "reload").Err(); err != nil {
		return ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("rules reload publish: %w", err))
	}
	return nil
}

// Listen runs until ctx is canceled, invoking onReload for every message
// received on the channel. Intended to run in its own goroutine.
func (r *RulesReload) Listen(ctx context.Context, onReload func()) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg != nil {
				onReload()
			}
		}
	}
}
