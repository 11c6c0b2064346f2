// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package worker is the evaluation worker: the consumer-group loop that
// reads batches off the transaction stream, evaluates them against the
// active rule snapshot, bulk-inserts and promotes status, acks, and fans
// alerts out to the alerts queue and the Telegram stream.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/fraudscreen/internal/rules"
	"github.com/luxfi/fraudscreen/internal/rulestore"
)

// RuleCache is the worker's in-memory mirror of the active rule tables. It
// reloads from the Rule Store when its TTL elapses, when it has never been
// loaded, or when MarkDirty has been called since the last load — the
// rules_reload pub/sub channel drives the latter so a rule write takes
// effect well before the next TTL tick.
type RuleCache struct {
	store *rulestore.Store
	ttl   time.Duration

	dirty int32 // atomic bool

	mu       sync.Mutex
	items    []rules.Snapshot
	loadedAt time.Time

	// WarmupFn, if set, is called with the distinct ml_rules.model_name
	// values after every reload, letting the caller warm an external
	// scorer's cache without the cache itself knowing how.
	WarmupFn func(modelNames []string)
}

func NewRuleCache(store *rulestore.Store, ttl time.Duration) *RuleCache {
	return &RuleCache{store: store, ttl: ttl}
}

// MarkDirty flags the cache for reload on its next Snapshot call. Intended
// to be wired as the callback of queue.RulesReload.Listen.
func (c *RuleCache) MarkDirty() {
	atomic.StoreInt32(&c.dirty, 1)
}

// Snapshot returns the rules active as of cutoff: a reload happens first if
// needed, then the cached items are filtered to UpdatedAt <= cutoff so a
// rule written mid-batch cannot apply to transactions queued before it
// existed.
func (c *RuleCache) Snapshot(ctx context.Context, cutoff time.Time) ([]rules.Snapshot, error) {
	c.mu.Lock()
	needsReload := len(c.items) == 0 || atomic.LoadInt32(&c.dirty) == 1 || time.Since(c.loadedAt) >= c.ttl
	c.mu.Unlock()

	if needsReload {
		if err := c.reload(ctx); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]rules.Snapshot, 0, len(c.items))
	for _, s := range c.items {
		if !s.UpdatedAt.After(cutoff) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *RuleCache) reload(ctx context.Context) error {
	items, err := c.store.ListActive(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.items = items
	c.loadedAt = time.Now()
	c.mu.Unlock()
	atomic.StoreInt32(&c.dirty, 0)

	if c.WarmupFn != nil {
		c.WarmupFn(modelNames(items))
	}
	return nil
}

func modelNames(items []rules.Snapshot) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range items {
		if s.ML == nil {
			continue
		}
		if seen[s.ML.ModelName] {
			continue
		}
		seen[s.ML.ModelName] = true
		out = append(out, s.ML.ModelName)
	}
	return out
}
