// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package dispatch is the alert dispatcher: a bounded worker pool that
// drains the alerts queue and POSTs each payload to the configured webhook,
// grounded on the original's ThreadPoolExecutor consumer — a semaphore
// caps in-flight requests the same way MAX_INFLIGHT did there, and a
// failed delivery is logged and dropped rather than retried.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/luxfi/fraudscreen/internal/metrics"
	"github.com/luxfi/fraudscreen/internal/queue"
	flog "github.com/luxfi/fraudscreen/log"
)

// Dispatcher pops JSON alert payloads off an AlertQueue and delivers each
// to WebhookBaseURL + "/api/alerts/<criticality>".
type Dispatcher struct {
	Queue          *queue.AlertQueue
	Client         *http.Client
	WebhookBaseURL string
	BRPopTimeout   time.Duration
	MaxInflight    int64

	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	initSem sync.Once
}

// New builds a Dispatcher with a 5-second HTTP client timeout, matching the
// original's per-request timeout (there is never a retry, so a slow
// webhook only costs one delivery, not a growing backlog).
func New(q *queue.AlertQueue, webhookBaseURL string, maxInflight int64, brpopTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		Queue:          q,
		Client:         &http.Client{Timeout: 5 * time.Second},
		WebhookBaseURL: webhookBaseURL,
		BRPopTimeout:   brpopTimeout,
		MaxInflight:    maxInflight,
	}
}

func (d *Dispatcher) semaphoreOnce() *semaphore.Weighted {
	d.initSem.Do(func() {
		n := d.MaxInflight
		if n <= 0 {
			n = 1
		}
		d.sem = semaphore.NewWeighted(n)
	})
	return d.sem
}

// Run blocks, draining the alerts queue, until ctx is canceled. On
// cancellation it waits for in-flight deliveries to finish before
// returning, matching the original's drain-then-shutdown on interrupt.
func (d *Dispatcher) Run(ctx context.Context) error {
	sem := d.semaphoreOnce()
	var lastIdleLog time.Time

	for {
		if ctx.Err() != nil {
			d.wg.Wait()
			return nil
		}

		payload, ok, err := d.Queue.Pop(ctx, d.BRPopTimeout)
		if err != nil {
			flog.Warn("alerts_pop_failed", "error", err)
			continue
		}
		if !ok {
			if time.Since(lastIdleLog) > 10*time.Second {
				flog.Debug("alerts_idle")
				lastIdleLog = time.Now()
			}
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			d.wg.Wait()
			return nil
		}
		d.wg.Add(1)
		go func(payload string) {
			defer d.wg.Done()
			defer sem.Release(1)
			d.sendOne(ctx, payload)
		}(payload)
	}
}

// sendOne POSTs one alert payload, logging the outcome. It never retries:
// a failed delivery is gone once this call returns.
func (d *Dispatcher) sendOne(ctx context.Context, payload string) {
	var task map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		flog.Warn("alert_decode_failed", "error", err)
		return
	}

	criticality, _ := task["criticality"].(string)
	if criticality == "" {
		criticality = "medium"
	}
	url := fmt.Sprintf("%s/api/alerts/%s", d.WebhookBaseURL, criticality)

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader([]byte(payload)))
	if err != nil {
		flog.Warn("alert_request_build_failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		metrics.AlertsDelivered.WithLabelValues("failed").Inc()
		flog.Warn("alert_send_failed", "transaction_id", task["transaction_id"], "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.AlertsDelivered.WithLabelValues("failed").Inc()
		flog.Warn("alert_send_failed", "transaction_id", task["transaction_id"], "status", resp.StatusCode)
		return
	}
	metrics.AlertsDelivered.WithLabelValues("ok").Inc()
	flog.Debug("alert_sent", "transaction_id", task["transaction_id"], "criticality", criticality)
}
