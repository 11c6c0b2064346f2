// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/luxfi/fraudscreen/internal/models"
	"github.com/luxfi/fraudscreen/internal/rules"
	"github.com/luxfi/fraudscreen/internal/txstore"
)

// Aggregator pre-computes pattern rule window statistics for one batch, in
// at most three queries (one per group mode actually in use among the
// batch's active pattern rules) rather than one query per transaction per
// rule. It implements rules.PatternLookup.
type Aggregator struct {
	store *txstore.Store
	now   func() time.Time

	sender   map[string]rules.GroupStats
	receiver map[string]rules.GroupStats
	pair     map[string]rules.GroupStats
}

func NewAggregator(store *txstore.Store, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{store: store, now: now}
}

// Prepare computes the window stats every pattern rule in the snapshot will
// need to evaluate against batch, storing them for subsequent Stats calls.
func (a *Aggregator) Prepare(ctx context.Context, batch []rules.Record, patternRules []models.PatternRule) error {
	a.sender = map[string]rules.GroupStats{}
	a.receiver = map[string]rules.GroupStats{}
	a.pair = map[string]rules.GroupStats{}
	if len(patternRules) == 0 {
		return nil
	}

	var maxWindow int
	needSender, needReceiver, needPair := false, false, false
	for _, r := range patternRules {
		if r.WindowSeconds > maxWindow {
			maxWindow = r.WindowSeconds
		}
		switch r.GroupMode {
		case models.GroupSender:
			needSender = true
		case models.GroupReceiver:
			needReceiver = true
		default:
			needPair = true
		}
	}
	if maxWindow <= 0 {
		return nil
	}
	since := a.now().Add(-time.Duration(maxWindow) * time.Second)

	senderSet := map[string]struct{}{}
	receiverSet := map[string]struct{}{}
	pairSet := map[string]struct{}{}
	for _, rec := range batch {
		sender := stringField(rec, "sender_account")
		receiver := stringField(rec, "receiver_account")
		if needSender && sender != "" {
			senderSet[sender] = struct{}{}
		}
		if needReceiver && receiver != "" {
			receiverSet[receiver] = struct{}{}
		}
		if needPair && sender != "" && receiver != "" {
			pairSet[sender+"->"+receiver] = struct{}{}
		}
	}

	if needSender {
		stats, err := a.store.AggregateWindow(ctx, models.GroupSender, keysOf(senderSet), since)
		if err != nil {
			return fmt.Errorf("aggregate sender window: %w", err)
		}
		a.sender = stats
	}
	if needReceiver {
		stats, err := a.store.AggregateWindow(ctx, models.GroupReceiver, keysOf(receiverSet), since)
		if err != nil {
			return fmt.Errorf("aggregate receiver window: %w", err)
		}
		a.receiver = stats
	}
	if needPair {
		stats, err := a.store.AggregateWindow(ctx, models.GroupPair, keysOf(pairSet), since)
		if err != nil {
			return fmt.Errorf("aggregate pair window: %w", err)
		}
		a.pair = stats
	}
	return nil
}

// Stats implements rules.PatternLookup against the maps Prepare built.
func (a *Aggregator) Stats(rule models.PatternRule, rec rules.Record) (rules.GroupStats, string) {
	sender := stringField(rec, "sender_account")
	receiver := stringField(rec, "receiver_account")
	label := rules.GroupLabel(rule, sender, receiver)

	switch rule.GroupMode {
	case models.GroupSender:
		return a.sender[sender], label
	case models.GroupReceiver:
		return a.receiver[receiver], label
	default:
		return a.pair[sender+"->"+receiver], label
	}
}

func keysOf(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func stringField(rec rules.Record, key string) string {
	v, ok := rec[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
