// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package worker

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/luxfi/fraudscreen/internal/models"
	"github.com/luxfi/fraudscreen/internal/queue"
	"github.com/luxfi/fraudscreen/internal/txstore"
)

// alertDispatcher builds and enqueues one alert payload per fired
// transaction, deduplicating by the payload's content hash so a
// recalculated transaction that fires the same rules twice does not queue
// the webhook call twice within the dedup TTL window.
type alertDispatcher struct {
	rdb             *redis.Client
	alerts          *queue.AlertQueue
	telegram        *queue.TelegramStream
	txStore         *txstore.Store
	dedupTTL        time.Duration
	frontendBaseURL string
}

func newAlertDispatcher(rdb *redis.Client, alerts *queue.AlertQueue, telegram *queue.TelegramStream, txStore *txstore.Store, dedupTTL time.Duration, frontendBaseURL string) *alertDispatcher {
	return &alertDispatcher{rdb: rdb, alerts: alerts, telegram: telegram, txStore: txStore, dedupTTL: dedupTTL, frontendBaseURL: frontendBaseURL}
}

// dispatch builds the alert payload for tx and enqueues it to the alerts
// queue (for the dispatcher's webhook fan-out) and, best-effort, to the
// capped Telegram stream. A duplicate payload within the dedup window is
// silently dropped. Enqueue failures are logged by the caller but never
// fail the batch.
func (d *alertDispatcher) dispatch(ctx context.Context, tx models.Transaction, firedTitles []string, criticality string) error {
	payload := models.AlertPayload{
		TransactionID:   tx.TransactionID,
		CorrelationID:   tx.CorrelationID,
		SenderAccount:   tx.SenderAccount,
		ReceiverAccount: tx.ReceiverAccount,
		Amount:          tx.Amount,
		Timestamp:       tx.Timestamp,
		RulesTriggered:  firedTitles,
		MLProbability:   nil,
		TransactionLink: fmt.Sprintf("%s?correlation_id=%s", d.frontendBaseURL, tx.CorrelationID),
		Criticality:     criticality,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	hash := sha1.Sum(body)
	dedupKey := fmt.Sprintf("alert:sent:%s", hex.EncodeToString(hash[:]))

	exists, err := d.rdb.Exists(ctx, dedupKey).Result()
	if err != nil {
		return fmt.Errorf("alert dedup check: %w", err)
	}
	if exists > 0 {
		return nil
	}

	if err := d.alerts.Push(ctx, string(body)); err != nil {
		return err
	}
	if err := d.rdb.SetEx(ctx, dedupKey, "1", d.dedupTTL).Err(); err != nil {
		return fmt.Errorf("alert dedup mark: %w", err)
	}
	if d.txStore != nil {
		if err := d.txStore.RecordAlertRules(ctx, tx.TransactionID, firedTitles); err != nil {
			return fmt.Errorf("record alert rules: %w", err)
		}
	}

	if d.telegram != nil {
		_ = d.telegram.Publish(ctx, string(body))
	}
	return nil
}
