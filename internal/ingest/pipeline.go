// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ingest implements the ingestion pipeline as a pure-ish sequence
// of steps independent of the HTTP transport, so it can be exercised with
// plain table tests instead of spinning up gin:
// Normalize -> Fingerprint -> SelectMode -> IdempotencyLookup ->
// ValidateChunked -> Sanitize -> Route -> Append -> Bookkeep.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/luxfi/fraudscreen/internal/idempotency"
	"github.com/luxfi/fraudscreen/internal/stream"
)

// Mode selects how the pipeline routes transaction ids it has already
// seen, either in the dedup set or in storage.
type Mode string

const (
	// ModeNormal drops any record whose dedup token was already seen and
	// counts it against dedup_dropped.
	ModeNormal Mode = "normal"
	// ModeReprocess tags every record for recalculation (recalc=1) and
	// appends the whole batch unconditionally, skipping dedup entirely.
	ModeReprocess Mode = "reprocess"
	// ModeAuto looks up which records already exist in storage (tagging
	// those recalc=1) and runs the remainder through the normal dedup
	// check, promoting a dedup hit to recalc=1 rather than dropping it.
	ModeAuto Mode = "auto"
)

// ExistenceChecker reports which of a set of transaction ids are already
// present in the transaction store. txstore.Store.ExistsBatch satisfies
// this.
type ExistenceChecker interface {
	ExistsBatch(ctx context.Context, transactionIDs []string, chunkSize int) (map[string]bool, error)
}

// BatchRequest is one raw ingestion request body.
type BatchRequest struct {
	Records        []map[string]interface{}
	Mode           Mode
	IdempotencyKey string
}

// Summary reports the per-record outcome counts of one batch.
type Summary struct {
	Received     int `json:"received"`
	Queued       int `json:"queued"`
	Invalid      int `json:"invalid"`
	DedupDropped int `json:"dedup_dropped"`
}

// IdempotencyInfo reports how the request's idempotency key and batch
// fingerprint were resolved.
type IdempotencyInfo struct {
	KeyUsed          bool   `json:"key_used"`
	Mode             string `json:"mode"`
	BatchFingerprint string `json:"batch_fingerprint"`
	Cached           bool   `json:"cached,omitempty"`
}

// ErrorPreview is one entry in the capped error preview returned alongside
// a batch result.
type ErrorPreview struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// maxErrorPreview caps how many per-record errors a batch response
// carries, matching the original's errors_preview cap.
const maxErrorPreview = 100

// BatchResult is what the HTTP layer renders back to the caller.
type BatchResult struct {
	Summary     Summary         `json:"summary"`
	Idempotency IdempotencyInfo `json:"idempotency"`
	Errors      []ErrorPreview  `json:"errors,omitempty"`
}

// Pipeline wires the ingestion steps to their storage dependencies.
type Pipeline struct {
	Cache       *idempotency.Cache
	Dedup       *idempotency.DedupSet
	SeenBatches *idempotency.SeenBatches
	Existence   ExistenceChecker
	Stream      *stream.Client
	DedupFields []string
	ValChunk    int
	XaddChunk   int
	LookupChunk int
	Now         func() time.Time
}

// Run executes the full pipeline for one batch request.
func (p *Pipeline) Run(ctx context.Context, req BatchRequest) (*BatchResult, int, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	totalReceived := len(req.Records)
	fp := fingerprint(req.Records)

	mode := req.Mode
	if mode == "" {
		mode = ModeNormal
		if p.SeenBatches != nil {
			if seen, err := p.SeenBatches.Contains(ctx, fp); err == nil && seen {
				mode = ModeAuto
			}
		}
	}

	if req.IdempotencyKey != "" {
		if cached, ok, err := p.Cache.Get(ctx, string(mode), req.IdempotencyKey); err != nil {
			return nil, 0, fmt.Errorf("idempotency lookup: %w", err)
		} else if ok {
			var result BatchResult
			if err := json.Unmarshal([]byte(cached), &result); err != nil {
				return nil, 0, fmt.Errorf("decode cached reply: %w", err)
			}
			// The cache-hit path is a replay: its fingerprint is
			// overwritten with the replaying request's own, not the
			// fingerprint of whatever batch originally populated the
			// cache entry.
			result.Idempotency.BatchFingerprint = fp
			result.Idempotency.Cached = true
			return &result, 200, nil
		}
	}

	records, parseErrs := normalizeAll(req.Records)
	valid, validationErrs := ValidateChunked(records, p.ValChunk, now())

	rawByIdx := make([]map[string]interface{}, 0, len(valid))
	for _, r := range valid {
		rawByIdx = append(rawByIdx, Sanitize(toRaw(r)))
	}

	toAppend, freshTokens, dropped, err := p.route(ctx, mode, rawByIdx)
	if err != nil {
		return nil, 0, err
	}

	if err := p.appendAll(ctx, toAppend); err != nil {
		return nil, 0, err
	}

	if err := p.bookkeep(ctx, freshTokens, fp); err != nil {
		return nil, 0, err
	}

	result := &BatchResult{
		Summary: Summary{
			Received:     totalReceived,
			Queued:       len(toAppend),
			Invalid:      totalReceived - len(valid),
			DedupDropped: dropped,
		},
		Idempotency: IdempotencyInfo{
			KeyUsed:          req.IdempotencyKey != "",
			Mode:             string(mode),
			BatchFingerprint: fp,
		},
		Errors: mergeErrorPreviews(parseErrs, validationErrs),
	}

	if req.IdempotencyKey != "" {
		body, err := json.Marshal(result)
		if err == nil {
			_ = p.Cache.Set(ctx, string(mode), req.IdempotencyKey, string(body))
		}
	}

	return result, 202, nil
}

// route dispatches to the per-mode routing strategy.
func (p *Pipeline) route(ctx context.Context, mode Mode, records []map[string]interface{}) (toAppend []map[string]interface{}, freshTokens []string, dropped int, err error) {
	switch mode {
	case ModeReprocess:
		for _, r := range records {
			r["recalc"] = "1"
		}
		return records, nil, 0, nil
	case ModeAuto:
		return p.routeAuto(ctx, records)
	default:
		return p.routeNormal(ctx, records)
	}
}

// routeNormal drops any record whose dedup token set already has a member
// present, counting it against dropped, and registers tokens only for the
// records that survive.
func (p *Pipeline) routeNormal(ctx context.Context, records []map[string]interface{}) (toAppend []map[string]interface{}, freshTokens []string, dropped int, err error) {
	for _, rec := range records {
		tokens := idempotency.Tokens(p.DedupFields, rec)
		_, seenToks, perr := p.Dedup.Partition(ctx, tokens)
		if perr != nil {
			return nil, nil, 0, fmt.Errorf("dedup partition: %w", perr)
		}
		if len(seenToks) > 0 {
			dropped++
			continue
		}
		toAppend = append(toAppend, rec)
		freshTokens = append(freshTokens, tokens...)
	}
	return toAppend, freshTokens, dropped, nil
}

// routeAuto splits records into those that already exist in storage
// (tagged recalc=1, always appended) and genuinely new ones. The new side
// runs the usual dedup check, but a hit there is promoted to recalc=1
// instead of being dropped: auto mode never rejects a record outright.
func (p *Pipeline) routeAuto(ctx context.Context, records []map[string]interface{}) (toAppend []map[string]interface{}, freshTokens []string, dropped int, err error) {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if id, ok := rec["transaction_id"].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}

	existing, eerr := p.Existence.ExistsBatch(ctx, ids, p.LookupChunk)
	if eerr != nil {
		return nil, nil, 0, fmt.Errorf("existence lookup: %w", eerr)
	}

	var newSide []map[string]interface{}
	for _, rec := range records {
		id, _ := rec["transaction_id"].(string)
		if existing[id] {
			rec["recalc"] = "1"
			toAppend = append(toAppend, rec)
			continue
		}
		newSide = append(newSide, rec)
	}

	for _, rec := range newSide {
		tokens := idempotency.Tokens(p.DedupFields, rec)
		_, seenToks, perr := p.Dedup.Partition(ctx, tokens)
		if perr != nil {
			return nil, nil, 0, fmt.Errorf("dedup partition: %w", perr)
		}
		if len(seenToks) > 0 {
			rec["recalc"] = "1"
			toAppend = append(toAppend, rec)
			continue
		}
		toAppend = append(toAppend, rec)
		freshTokens = append(freshTokens, tokens...)
	}
	return toAppend, freshTokens, 0, nil
}

func (p *Pipeline) appendAll(ctx context.Context, records []map[string]interface{}) error {
	chunk := p.XaddChunk
	if chunk <= 0 {
		chunk = len(records)
	}
	for start := 0; start < len(records); start += chunk {
		end := start + chunk
		if end > len(records) {
			end = len(records)
		}
		for _, rec := range records[start:end] {
			if _, err := p.Stream.Append(ctx, rec); err != nil {
				return fmt.Errorf("append chunk starting at %d: %w", start, err)
			}
		}
	}
	return nil
}

// bookkeep registers the freshly-seen dedup tokens and marks the batch
// fingerprint as seen, regardless of mode.
func (p *Pipeline) bookkeep(ctx context.Context, freshTokens []string, fp string) error {
	if err := p.Dedup.Register(ctx, freshTokens); err != nil {
		return err
	}
	if p.SeenBatches != nil {
		if err := p.SeenBatches.Mark(ctx, fp); err != nil {
			return fmt.Errorf("mark seen batch: %w", err)
		}
	}
	return nil
}

func mergeErrorPreviews(parseErrs, validationErrs map[int]error) []ErrorPreview {
	if len(parseErrs) == 0 && len(validationErrs) == 0 {
		return nil
	}
	out := make([]ErrorPreview, 0, len(parseErrs)+len(validationErrs))
	for i, e := range parseErrs {
		out = append(out, ErrorPreview{Index: i, Error: e.Error()})
	}
	for i, e := range validationErrs {
		out = append(out, ErrorPreview{Index: i, Error: e.Error()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	if len(out) > maxErrorPreview {
		out = out[:maxErrorPreview]
	}
	return out
}

func fingerprint(records []map[string]interface{}) string {
	tids := make([]string, len(records))
	cids := make([]string, len(records))
	for i, r := range records {
		tids[i] = fmt.Sprintf("%v", r["transaction_id"])
		cids[i] = fmt.Sprintf("%v", r["correlation_id"])
	}
	return idempotency.BatchFingerprint(tids, cids)
}

func toRaw(r Record) map[string]interface{} {
	m := map[string]interface{}{
		"transaction_id":              r.TransactionID,
		"correlation_id":              r.CorrelationID,
		"timestamp":                   r.Timestamp.UTC().Format(time.RFC3339Nano),
		"sender_account":              r.SenderAccount,
		"receiver_account":            r.ReceiverAccount,
		"amount":                      r.Amount,
		"transaction_type":            r.TransactionType,
		"merchant_category":           r.MerchantCategory,
		"location":                    r.Location,
		"device_used":                 r.DeviceUsed,
		"ip_address":                  r.IPAddress,
		"time_since_last_transaction": r.TimeSinceLastTransaction,
		"payment_channel":             r.PaymentChannel,
		"device_hash":                 r.DeviceHash,
	}
	if r.SpendingDeviationScore != nil {
		m["spending_deviation_score"] = *r.SpendingDeviationScore
	}
	if r.VelocityScore != nil {
		m["velocity_score"] = *r.VelocityScore
	}
	if r.GeoAnomalyScore != nil {
		m["geo_anomaly_score"] = *r.GeoAnomalyScore
	}
	return m
}

func normalizeAll(raw []map[string]interface{}) ([]Record, map[int]error) {
	records := make([]Record, 0, len(raw))
	errs := make(map[int]error)
	for i, m := range raw {
		r, err := normalizeOne(m)
		if err != nil {
			errs[i] = err
			continue
		}
		records = append(records, r)
	}
	return records, errs
}

func normalizeOne(m map[string]interface{}) (Record, error) {
	ts, _ := m["timestamp"].(string)
	parsed, err := ParseTimestamp(ts)
	if err != nil {
		return Record{}, err
	}

	amount, _ := toFloatAny(m["amount"])

	r := Record{
		TransactionID:     str(m["transaction_id"]),
		CorrelationID:     str(m["correlation_id"]),
		Timestamp:         parsed,
		SenderAccount:     str(m["sender_account"]),
		ReceiverAccount:   str(m["receiver_account"]),
		Amount:            amount,
		TransactionType:   str(m["transaction_type"]),
		MerchantCategory:  str(m["merchant_category"]),
		Location:          str(m["location"]),
		DeviceUsed:        str(m["device_used"]),
		IPAddress:         str(m["ip_address"]),
		PaymentChannel:    str(m["payment_channel"]),
		DeviceHash:        str(m["device_hash"]),
	}
	if v, ok := toFloatAny(m["time_since_last_transaction"]); ok {
		r.TimeSinceLastTransaction = v
	}
	if v, ok := toFloatAny(m["spending_deviation_score"]); ok {
		r.SpendingDeviationScore = &v
	}
	if v, ok := toFloatAny(m["velocity_score"]); ok {
		r.VelocityScore = &v
	}
	if v, ok := toFloatAny(m["geo_anomaly_score"]); ok {
		r.GeoAnomalyScore = &v
	}
	return r, nil
}

func str(v interface{}) string {
	if v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func toFloatAny(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case nil:
		return 0, false
	default:
		return 0, false
	}
}
