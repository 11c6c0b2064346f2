// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/luxfi/fraudscreen/internal/metrics"
	"github.com/luxfi/fraudscreen/internal/models"
	"github.com/luxfi/fraudscreen/internal/queue"
	"github.com/luxfi/fraudscreen/internal/rules"
	"github.com/luxfi/fraudscreen/internal/stream"
	"github.com/luxfi/fraudscreen/internal/txstore"
	flog "github.com/luxfi/fraudscreen/log"
)

// Loop is the evaluation worker's main consumer-group loop: reclaim stale
// pending entries, read a batch, evaluate it against the active rule
// snapshot, bulk-insert and promote status, ack, and fan alerts out.
type Loop struct {
	Stream     *stream.Client
	TxStore    *txstore.Store
	RuleCache  *RuleCache
	Aggregator *Aggregator
	MLHook     *MLHook
	alerts     *alertDispatcher

	Consumer         string
	BatchSize        int64
	BlockTimeout     time.Duration
	ClaimIdleTimeout int64
	InsertChunk      int
	LookupChunk      int

	StopMode        rules.StopMode
	StopCriticality int

	Now func() time.Time
}

// NewLoop wires a Loop from its storage and queue dependencies.
func NewLoop(streamClient *stream.Client, txStore *txstore.Store, ruleCache *RuleCache, aggregator *Aggregator, mlHook *MLHook,
	rdb *redis.Client, alerts *queue.AlertQueue, telegram *queue.TelegramStream, alertDedupTTL time.Duration, frontendBaseURL string) *Loop {
	return &Loop{
		Stream:     streamClient,
		TxStore:    txStore,
		RuleCache:  ruleCache,
		Aggregator: aggregator,
		MLHook:     mlHook,
		alerts:     newAlertDispatcher(rdb, alerts, telegram, txStore, alertDedupTTL, frontendBaseURL),
	}
}

func (l *Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Run blocks until ctx is canceled, processing batches as they arrive.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.Stream.EnsureGroup(ctx); err != nil {
		return err
	}

	start := l.now()
	var totalProcessed, totalAlerted int64
	var lastClaim time.Time

	for {
		select {
		case <-ctx.Done():
			flog.Info("worker_stopped", "processed", totalProcessed, "alerted", totalAlerted,
				"elapsed_s", time.Since(start).Seconds())
			return nil
		default:
		}

		if l.ClaimIdleTimeout > 0 && time.Since(lastClaim) >= time.Duration(l.ClaimIdleTimeout)*time.Millisecond {
			if reclaimed, err := l.Stream.ReclaimStale(ctx, l.Consumer, l.ClaimIdleTimeout, 100); err != nil {
				flog.Warn("reclaim_failed", "error", err)
			} else if len(reclaimed) > 0 {
				flog.Info("reclaimed", "count", len(reclaimed))
			}
			lastClaim = time.Now()
		}

		msgs, err := l.Stream.ReadBatch(ctx, l.Consumer, l.BatchSize, l.BlockTimeout.Milliseconds())
		if err != nil {
			flog.Warn("read_batch_failed", "error", err)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		cutoff := l.now()
		t0 := time.Now()
		processed, alerted, err := l.processBatch(ctx, msgs, cutoff)
		metrics.BatchLatency.Observe(time.Since(t0).Seconds())
		if err != nil {
			flog.Error("process_batch_failed", "error", err)
			continue
		}
		totalProcessed += int64(processed)
		totalAlerted += int64(alerted)
		flog.Info("batch_done", "count", processed, "alerted", alerted, "elapsed_ms", time.Since(t0).Milliseconds())
	}
}

// processBatch evaluates and persists one read batch, returning how many
// transactions it processed and how many it alerted on.
func (l *Loop) processBatch(ctx context.Context, msgs []stream.Message, cutoff time.Time) (processed, alerted int, err error) {
	snapshot, err := l.RuleCache.Snapshot(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}
	l.MLHook.SetContext(ctx)

	var items []item
	var ackIDs []string
	for _, msg := range msgs {
		ackIDs = append(ackIDs, msg.ID)
		it, derr := decode(msg)
		if derr != nil {
			flog.Warn("decode_failed", "msg_id", msg.ID, "error", derr)
			continue
		}
		items = append(items, it)
	}

	var recalcCandidates, fresh []item
	for _, it := range items {
		if it.recalc {
			recalcCandidates = append(recalcCandidates, it)
			continue
		}
		fresh = append(fresh, it)
	}

	var recalcExisting, recalcNew []item
	if len(recalcCandidates) > 0 {
		ids := make([]string, len(recalcCandidates))
		for i, it := range recalcCandidates {
			ids[i] = it.tx.TransactionID
		}
		existing, eerr := l.TxStore.ExistsBatch(ctx, ids, l.LookupChunk)
		if eerr != nil {
			return 0, 0, eerr
		}
		for _, it := range recalcCandidates {
			if existing[it.tx.TransactionID] {
				recalcExisting = append(recalcExisting, it)
			} else {
				recalcNew = append(recalcNew, it)
			}
		}
	}

	toInsert := append(append([]item{}, fresh...), recalcNew...)

	var patternRules []models.PatternRule
	for _, s := range snapshot {
		if s.Kind == models.KindPattern && s.Pattern != nil {
			patternRules = append(patternRules, *s.Pattern)
		}
	}
	allRecs := make([]rules.Record, 0, len(toInsert)+len(recalcExisting))
	for _, it := range toInsert {
		allRecs = append(allRecs, it.rec)
	}
	for _, it := range recalcExisting {
		allRecs = append(allRecs, it.rec)
	}
	if err := l.Aggregator.Prepare(ctx, allRecs, patternRules); err != nil {
		return 0, 0, err
	}

	opts := rules.Options{
		StopMode:        l.StopMode,
		StopCriticality: l.StopCriticality,
		Patterns:        l.Aggregator,
		ML:              l.MLHook,
	}

	var toAlert []alertCandidate
	var promoteIDs []string

	insertRows := make([]models.Transaction, 0, len(toInsert))
	for _, it := range toInsert {
		res := rules.Evaluate(it.rec, snapshot, opts)
		for _, e := range res.Errors {
			flog.Warn("rule_error", "rule_id", e.RuleID, "kind", e.Kind, "error", e.Err)
		}
		for _, f := range res.Fired {
			metrics.RuleFires.WithLabelValues(string(f.Kind)).Inc()
		}
		tx := it.tx
		if res.Triggered {
			tx.Status = models.StatusAlerted
			toAlert = append(toAlert, alertCandidate{tx: tx, fired: firedTitles(res.Fired), level: res.MaxCritLevel})
		} else {
			tx.Status = models.StatusProcessed
		}
		insertRows = append(insertRows, tx)
	}

	for _, it := range recalcExisting {
		res := rules.Evaluate(it.rec, snapshot, opts)
		for _, e := range res.Errors {
			flog.Warn("rule_error", "rule_id", e.RuleID, "kind", e.Kind, "error", e.Err)
		}
		for _, f := range res.Fired {
			metrics.RuleFires.WithLabelValues(string(f.Kind)).Inc()
		}
		if res.Triggered {
			promoteIDs = append(promoteIDs, it.tx.TransactionID)
			toAlert = append(toAlert, alertCandidate{tx: it.tx, fired: firedTitles(res.Fired), level: res.MaxCritLevel})
		}
	}

	if err := l.bulkInsert(ctx, insertRows); err != nil {
		return 0, 0, err
	}

	if len(promoteIDs) > 0 {
		if err := l.TxStore.PromoteToAlerted(ctx, promoteIDs); err != nil {
			return 0, 0, err
		}
	}

	if err := l.Stream.Ack(ctx, ackIDs...); err != nil {
		flog.Warn("ack_failed", "error", err)
	}

	for _, a := range toAlert {
		if len(a.fired) == 0 {
			continue
		}
		if err := l.alerts.dispatch(ctx, a.tx, a.fired, models.CriticalityName(a.level)); err != nil {
			flog.Warn("alert_enqueue_failed", "transaction_id", a.tx.TransactionID, "error", err)
		}
	}

	return len(items), len(toAlert), nil
}

// bulkInsert inserts rows in InsertChunk-sized chunks. A chunk that fails
// (e.g. a lock/statement timeout under contention) is logged and skipped —
// the loop continues with the next chunk rather than aborting the whole
// batch, the corrected behavior for the original's mis-indented retry loop.
func (l *Loop) bulkInsert(ctx context.Context, rows []models.Transaction) error {
	chunk := l.InsertChunk
	if chunk <= 0 {
		chunk = len(rows)
	}
	if chunk == 0 {
		return nil
	}

chunks:
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		if err := l.TxStore.BulkInsertIgnoreDuplicates(ctx, rows[start:end]); err != nil {
			flog.Error("bulk_insert_chunk_failed", "start", start, "end", end, "error", err)
			continue chunks
		}
	}
	return nil
}

// alertCandidate is one transaction that fired at least one rule during
// processBatch, queued for dispatch after the batch's insert/promote/ack
// sequence completes.
type alertCandidate struct {
	tx    models.Transaction
	fired []string
	level int
}

func firedTitles(fired []rules.Fired) []string {
	out := make([]string, len(fired))
	for i, f := range fired {
		out[i] = f.Title
	}
	return out
}
