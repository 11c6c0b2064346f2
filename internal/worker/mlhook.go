// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/luxfi/fraudscreen/internal/models"
	"github.com/luxfi/fraudscreen/internal/queue"
	"github.com/luxfi/fraudscreen/internal/rules"
)

// MLHook implements rules.MLAdvisor by reading a pre-computed probability
// off "ml:<transaction_id>" and, when no score is cached yet, enqueueing
// the transaction onto the ML scoring queue for an external worker to fill
// in. It never blocks the evaluation loop waiting on a score.
type MLHook struct {
	rdb   *redis.Client
	queue *queue.MLQueue
	ctx   context.Context
}

func NewMLHook(rdb *redis.Client, q *queue.MLQueue) *MLHook {
	return &MLHook{rdb: rdb, queue: q, ctx: context.Background()}
}

// SetContext scopes the next Advise calls to ctx; the worker loop calls
// this once per batch so ML lookups share the batch's deadline.
func (h *MLHook) SetContext(ctx context.Context) {
	h.ctx = ctx
}

// Advise satisfies rules.MLAdvisor.
func (h *MLHook) Advise(rec rules.Record, rule models.MLRule) (float64, string, error) {
	txID := stringField(rec, "transaction_id")
	key := fmt.Sprintf("ml:%s", txID)

	val, err := h.rdb.Get(h.ctx, key).Result()
	if err == redis.Nil {
		h.enqueue(txID, rule)
		return 0, "probability pending", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("ml probability lookup: %w", err)
	}

	prob, perr := strconv.ParseFloat(val, 64)
	if perr != nil {
		return 0, "", fmt.Errorf("ml probability decode %q: %w", val, perr)
	}
	reason := fmt.Sprintf("probability %.4f vs threshold %.4f (%s)", prob, rule.Threshold, rule.ModelName)
	return prob, reason, nil
}

func (h *MLHook) enqueue(txID string, rule models.MLRule) {
	if h.queue == nil {
		return
	}
	body, err := json.Marshal(map[string]interface{}{
		"transaction_id": txID,
		"model_name":     rule.ModelName,
		"input_template": rule.InputTemplate,
	})
	if err != nil {
		return
	}
	_ = h.queue.Publish(h.ctx, string(body))
}
