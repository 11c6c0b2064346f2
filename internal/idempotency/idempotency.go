// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package idempotency implements the ingestion pipeline's replay cache,
// dedup token set, and batch fingerprinting, all backed by Redis.
package idempotency

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// BatchFingerprint hashes the sorted "transaction_id|correlation_id" pairs
// of a batch so a resubmission of the same logical batch, even reordered,
// hashes identically and can be auto-promoted to reprocess mode.
func BatchFingerprint(transactionIDs, correlationIDs []string) string {
	pairs := make([]string, len(transactionIDs))
	for i := range transactionIDs {
		cid := ""
		if i < len(correlationIDs) {
			cid = correlationIDs[i]
		}
		pairs[i] = transactionIDs[i] + "|" + cid
	}
	sort.Strings(pairs)
	sum := sha1.Sum([]byte(strings.Join(pairs, ",")))
	return hex.EncodeToString(sum[:])
}

// Cache is the idempotency reply cache keyed on (mode, key): a replayed
// request with the same key returns the cached response instead of
// reprocessing the batch.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

func (c *Cache) cacheKey(mode, key string) string {
	return fmt.Sprintf("idemp:%s:%s", mode, key)
}

// Get returns the cached response body for (mode, key), and whether it was
// present.
func (c *Cache) Get(ctx context.Context, mode, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, c.cacheKey(mode, key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("idempotency cache get: %w", err)
	}
	return val, true, nil
}

// Set stores body under (mode, key) with the cache's configured TTL.
func (c *Cache) Set(ctx context.Context, mode, key, body string) error {
	if err := c.rdb.SetEx(ctx, c.cacheKey(mode, key), body, c.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency cache set: %w", err)
	}
	return nil
}

// DedupSet is the shared Redis set of "field:value" tokens used to detect
// transactions already seen across batches, independent of idempotency
// keys. Tokens refresh their TTL only when new ones are added, so a steady
// stream of repeats does not keep extending a set that should expire.
type DedupSet struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

func NewDedupSet(rdb *redis.Client, key string, ttl time.Duration) *DedupSet {
	return &DedupSet{rdb: rdb, key: key, ttl: ttl}
}

// Partition splits tokens into those already present in the set (seen) and
// those that are not (fresh). It prefers SMISMEMBER (a single round trip);
// on a Redis version/cluster topology where that command is unavailable it
// falls back to a pipelined SISMEMBER per token.
func (d *DedupSet) Partition(ctx context.Context, tokens []string) (fresh, seen []string, err error) {
	if len(tokens) == 0 {
		return nil, nil, nil
	}

	members, err := d.rdb.SMIsMember(ctx, d.key, toAny(tokens)...).Result()
	if err != nil {
		return d.partitionPipelined(ctx, tokens)
	}
	for i, tok := range tokens {
		if i < len(members) && members[i] {
			seen = append(seen, tok)
		} else {
			fresh = append(fresh, tok)
		}
	}
	return fresh, seen, nil
}

func (d *DedupSet) partitionPipelined(ctx context.Context, tokens []string) (fresh, seen []string, err error) {
	pipe := d.rdb.Pipeline()
	cmds := make([]*redis.BoolCmd, len(tokens))
	for i, tok := range tokens {
		cmds[i] = pipe.SIsMember(ctx, d.key, tok)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, nil, fmt.Errorf("dedup set pipelined membership check: %w", err)
	}
	for i, cmd := range cmds {
		if cmd.Val() {
			seen = append(seen, tokens[i])
		} else {
			fresh = append(fresh, tokens[i])
		}
	}
	return fresh, seen, nil
}

// Register adds tokens to the set and refreshes its TTL. Call this only
// for genuinely new tokens; resubmitted/reprocessed items must not
// re-register.
func (d *DedupSet) Register(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	pipe := d.rdb.Pipeline()
	pipe.SAdd(ctx, d.key, toAny(tokens)...)
	pipe.Expire(ctx, d.key, d.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dedup set register: %w", err)
	}
	return nil
}

// SeenBatches is the "seen batches" set the ingestion pipeline's mode
// selection consults before dedup: a fingerprint
// already present auto-promotes an otherwise-normal-mode resubmission to
// auto mode, even though the caller never asked for reprocessing.
type SeenBatches struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

func NewSeenBatches(rdb *redis.Client, key string, ttl time.Duration) *SeenBatches {
	return &SeenBatches{rdb: rdb, key: key, ttl: ttl}
}

// Contains reports whether fingerprint has already been recorded.
func (s *SeenBatches) Contains(ctx context.Context, fingerprint string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, s.key, fingerprint).Result()
	if err != nil {
		return false, fmt.Errorf("seen batches membership: %w", err)
	}
	return ok, nil
}

// Mark records fingerprint and refreshes the set's TTL.
func (s *SeenBatches) Mark(ctx context.Context, fingerprint string) error {
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, s.key, fingerprint)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("seen batches mark: %w", err)
	}
	return nil
}

// Tokens builds the "field:value" dedup tokens for one record across the
// configured dedup fields.
func Tokens(fields []string, record map[string]interface{}) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		v, ok := record[f]
		if !ok {
			continue
		}
		out = append(out, fmt.Sprintf("%s:%v", f, v))
	}
	return out
}

func toAny(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
