// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package txstore is the Postgres-backed Transaction Store: bulk ingestion,
// one-directional status promotion, existence lookups for the auto-mode
// recalc split, and the windowed aggregation queries the pattern rule
// kernel's batch pre-aggregation depends on.
package txstore

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/luxfi/fraudscreen/internal/ferrors"
	"github.com/luxfi/fraudscreen/internal/models"
	"github.com/luxfi/fraudscreen/internal/rules"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BulkInsertIgnoreDuplicates inserts a chunk of transactions, skipping rows
// whose transaction_id already exists rather than erroring the whole
// chunk. Callers are expected to pass chunks already sized to VAL_CHUNK.
func (s *Store) BulkInsertIgnoreDuplicates(ctx context.Context, txs []models.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const stmt = `
		INSERT INTO transactions (
			transaction_id, correlation_id, timestamp, sender_account, receiver_account, amount,
			transaction_type, merchant_category, location, device_used,
			time_since_last_transaction, spending_deviation_score, velocity_score, geo_anomaly_score,
			payment_channel, ip_address, device_hash, is_fraud, is_reviewed, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (transaction_id) DO NOTHING`

	for _, t := range txs {
		batch.Queue(stmt,
			t.TransactionID, t.CorrelationID, t.Timestamp, t.SenderAccount, t.ReceiverAccount, t.Amount,
			t.TransactionType, t.MerchantCategory, t.Location, t.DeviceUsed,
			t.TimeSinceLastTransaction, t.SpendingDeviationScore, t.VelocityScore, t.GeoAnomalyScore,
			t.PaymentChannel, t.IPAddress, t.DeviceHash, t.IsFraud, t.IsReviewed, status(t.Status),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range txs {
		if _, err := br.Exec(); err != nil {
			return ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("bulk insert transaction: %w", err))
		}
	}
	return nil
}

// status defaults an unset Transaction.Status to "processed", so callers
// that build rows without threading a status through (ad hoc inserts)
// still land in the right state.
func status(s string) string {
	if s == "" {
		return models.StatusProcessed
	}
	return s
}

// PromoteToAlerted flips status to "alerted" for the given transaction
// ids, one-directional: a row already alerted is left untouched, it is
// never demoted back to "processed".
func (s *Store) PromoteToAlerted(ctx context.Context, transactionIDs []string) error {
	if len(transactionIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE transactions SET status = $1
		WHERE transaction_id = ANY($2) AND status IS DISTINCT FROM $1`,
		models.StatusAlerted, transactionIDs)
	if err != nil {
		return ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("promote to alerted: %w", err))
	}
	return nil
}

// ExistsBatch reports which of transactionIDs already have a row, chunked
// by chunkSize so a 90000-row auto-mode batch never builds a single
// unbounded IN clause.
func (s *Store) ExistsBatch(ctx context.Context, transactionIDs []string, chunkSize int) (map[string]bool, error) {
	out := make(map[string]bool, len(transactionIDs))
	if chunkSize <= 0 {
		chunkSize = len(transactionIDs)
	}
	for i := 0; i < len(transactionIDs); i += chunkSize {
		end := i + chunkSize
		if end > len(transactionIDs) {
			end = len(transactionIDs)
		}
		chunk := transactionIDs[i:end]

		rows, err := s.pool.Query(ctx, `SELECT transaction_id FROM transactions WHERE transaction_id = ANY($1)`, chunk)
		if err != nil {
			return nil, ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("exists batch lookup chunk %d: %w", i, err))
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("scan exists lookup: %w", err))
			}
			out[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, ferrors.New(ferrors.CategoryTransientInfra, err)
		}
	}
	return out, nil
}

// AggregateWindow computes count/sum/max amount for every distinct key in
// keys, grouped per mode, over [since, now). One query per batch rather
// than one per transaction keeps pattern-rule evaluation's DB cost
// O(unique groups), not O(batch size).
func (s *Store) AggregateWindow(ctx context.Context, mode models.GroupMode, keys []string, since time.Time) (map[string]rules.GroupStats, error) {
	out := make(map[string]rules.GroupStats, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	var query string
	switch mode {
	case models.GroupSender:
		query = `
			SELECT sender_account, COUNT(*), COALESCE(SUM(amount),0), COALESCE(MAX(amount),0)
			FROM transactions WHERE timestamp >= $1 AND sender_account = ANY($2)
			GROUP BY sender_account`
	case models.GroupReceiver:
		query = `
			SELECT receiver_account, COUNT(*), COALESCE(SUM(amount),0), COALESCE(MAX(amount),0)
			FROM transactions WHERE timestamp >= $1 AND receiver_account = ANY($2)
			GROUP BY receiver_account`
	case models.GroupPair:
		return s.aggregatePairWindow(ctx, keys, since)
	default:
		return nil, ferrors.Newf(ferrors.CategoryValidation, "unknown group_mode %q", mode)
	}

	rows, err := s.pool.Query(ctx, query, since, keys)
	if err != nil {
		return nil, ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("aggregate window: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var stats rules.GroupStats
		if err := rows.Scan(&key, &stats.Count, &stats.Total, &stats.MaxAmount); err != nil {
			return nil, ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("scan aggregate window: %w", err))
		}
		out[key] = stats
	}
	return out, rows.Err()
}

// aggregatePairWindow handles GroupPair, whose keys are "sender->receiver"
// composites that do not map onto a single ANY($n) column filter.
func (s *Store) aggregatePairWindow(ctx context.Context, keys []string, since time.Time) (map[string]rules.GroupStats, error) {
	out := make(map[string]rules.GroupStats, len(keys))
	senders := make([]string, 0, len(keys))
	receivers := make([]string, 0, len(keys))
	for _, k := range keys {
		parts := strings.SplitN(k, "->", 2)
		if len(parts) != 2 {
			continue
		}
		senders = append(senders, parts[0])
		receivers = append(receivers, parts[1])
	}

	rows, err := s.pool.Query(ctx, `
		SELECT sender_account, receiver_account, COUNT(*), COALESCE(SUM(amount),0), COALESCE(MAX(amount),0)
		FROM transactions
		WHERE timestamp >= $1 AND sender_account = ANY($2) AND receiver_account = ANY($3)
		GROUP BY sender_account, receiver_account`, since, senders, receivers)
	if err != nil {
		return nil, ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("aggregate pair window: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var sender, receiver string
		var stats rules.GroupStats
		if err := rows.Scan(&sender, &receiver, &stats.Count, &stats.Total, &stats.MaxAmount); err != nil {
			return nil, ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("scan aggregate pair window: %w", err))
		}
		out[sender+"->"+receiver] = stats
	}
	return out, rows.Err()
}

// GetByCorrelationID returns the first transaction matching correlationID;
// correlation_id is not unique, so this is "first by timestamp".
func (s *Store) GetByCorrelationID(ctx context.Context, correlationID string) (*models.Transaction, error) {
	var t models.Transaction
	err := s.pool.QueryRow(ctx, `
		SELECT transaction_id, correlation_id, timestamp, sender_account, receiver_account, amount,
		       transaction_type, merchant_category, location, device_used,
		       time_since_last_transaction, spending_deviation_score, velocity_score, geo_anomaly_score,
		       payment_channel, ip_address, device_hash, is_fraud, is_reviewed, status
		FROM transactions WHERE correlation_id = $1 ORDER BY timestamp ASC LIMIT 1`, correlationID,
	).Scan(&t.TransactionID, &t.CorrelationID, &t.Timestamp, &t.SenderAccount, &t.ReceiverAccount, &t.Amount,
		&t.TransactionType, &t.MerchantCategory, &t.Location, &t.DeviceUsed,
		&t.TimeSinceLastTransaction, &t.SpendingDeviationScore, &t.VelocityScore, &t.GeoAnomalyScore,
		&t.PaymentChannel, &t.IPAddress, &t.DeviceHash, &t.IsFraud, &t.IsReviewed, &t.Status)
	if err == pgx.ErrNoRows {
		return nil, ferrors.New(ferrors.CategoryNotFound, ferrors.ErrTransactionNotFound)
	}
	if err != nil {
		return nil, ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("get by correlation id: %w", err))
	}
	return &t, nil
}

// UpdateStatusFlags updates only is_fraud/is_reviewed for correlationID,
// never status, matching the invariant that review actions cannot move a
// row between "processed" and "alerted".
func (s *Store) UpdateStatusFlags(ctx context.Context, correlationID string, isFraud, isReviewed *bool) error {
	if isFraud == nil && isReviewed == nil {
		return nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE transactions SET
			is_fraud = COALESCE($2, is_fraud),
			is_reviewed = COALESCE($3, is_reviewed)
		WHERE correlation_id = $1`, correlationID, isFraud, isReviewed)
	if err != nil {
		return ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("update status flags: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ferrors.New(ferrors.CategoryNotFound, ferrors.ErrTransactionNotFound)
	}
	return nil
}

// RecordAlertRules logs which rule titles fired for transactionID, so a CSV
// export can later reconstruct rules_triggered via a join instead of the
// transactions table carrying a denormalized copy.
func (s *Store) RecordAlertRules(ctx context.Context, transactionID string, titles []string) error {
	if len(titles) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, title := range titles {
		batch.Queue(`
			INSERT INTO alert_log (transaction_id, rule_title) VALUES ($1, $2)
			ON CONFLICT (transaction_id, rule_title) DO NOTHING`, transactionID, title)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range titles {
		if _, err := br.Exec(); err != nil {
			return ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("record alert rule: %w", err))
		}
	}
	return nil
}

// ExportFilter narrows the CSV export, mirroring the subset of ListFilter
// the original export endpoint accepted.
type ExportFilter struct {
	Status    string
	Type      string
	StartDate time.Time
	EndDate   time.Time
}

var csvHeader = []string{
	"transaction_id", "correlation_id", "timestamp", "sender_account", "receiver_account", "amount",
	"transaction_type", "merchant_category", "location", "device_used", "payment_channel", "device_hash",
	"ip_address", "time_since_last_transaction", "spending_deviation_score", "velocity_score",
	"geo_anomaly_score", "status", "is_fraud", "is_reviewed", "rules_triggered",
}

// ExportCSV streams every matching transaction to w as UTF-8 BOM, ';'
// delimited CSV, rules_triggered reconstructed from alert_log via a join
// rather than read off a denormalized column. Rows stream straight off the
// query cursor so an export never buffers the whole result set in memory.
func (s *Store) ExportCSV(ctx context.Context, f ExportFilter, w io.Writer) error {
	where := []string{"1=1"}
	args := []interface{}{}
	argN := 1

	if f.Status != "" {
		where = append(where, fmt.Sprintf("t.status = $%d", argN))
		args = append(args, f.Status)
		argN++
	}
	if f.Type != "" {
		where = append(where, fmt.Sprintf("t.transaction_type = $%d", argN))
		args = append(args, f.Type)
		argN++
	}
	if !f.StartDate.IsZero() {
		where = append(where, fmt.Sprintf("t.timestamp >= $%d", argN))
		args = append(args, f.StartDate)
		argN++
	}
	if !f.EndDate.IsZero() {
		where = append(where, fmt.Sprintf("t.timestamp < $%d", argN))
		args = append(args, f.EndDate)
		argN++
	}

	query := fmt.Sprintf(`
		SELECT t.transaction_id, t.correlation_id, t.timestamp, t.sender_account, t.receiver_account, t.amount,
		       t.transaction_type, t.merchant_category, t.location, t.device_used, t.payment_channel,
		       t.device_hash, t.ip_address, t.time_since_last_transaction, t.spending_deviation_score,
		       t.velocity_score, t.geo_anomaly_score, t.status, t.is_fraud, t.is_reviewed,
		       COALESCE(array_agg(al.rule_title) FILTER (WHERE al.rule_title IS NOT NULL), '{}')
		FROM transactions t
		LEFT JOIN alert_log al ON al.transaction_id = t.transaction_id
		WHERE %s
		GROUP BY t.transaction_id
		ORDER BY t.timestamp`, strings.Join(where, " AND "))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("export transactions: %w", err))
	}
	defer rows.Close()

	if _, err := w.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return fmt.Errorf("write csv bom: %w", err)
	}
	cw := csv.NewWriter(w)
	cw.Comma = ';'
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for rows.Next() {
		var t models.Transaction
		var rulesTriggered []string
		if err := rows.Scan(&t.TransactionID, &t.CorrelationID, &t.Timestamp, &t.SenderAccount, &t.ReceiverAccount,
			&t.Amount, &t.TransactionType, &t.MerchantCategory, &t.Location, &t.DeviceUsed, &t.PaymentChannel,
			&t.DeviceHash, &t.IPAddress, &t.TimeSinceLastTransaction, &t.SpendingDeviationScore,
			&t.VelocityScore, &t.GeoAnomalyScore, &t.Status, &t.IsFraud, &t.IsReviewed, &rulesTriggered); err != nil {
			return ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("scan export row: %w", err))
		}
		record := []string{
			t.TransactionID, t.CorrelationID, t.Timestamp.UTC().Format(time.RFC3339),
			t.SenderAccount, t.ReceiverAccount, fmt.Sprintf("%.2f", t.Amount),
			t.TransactionType, t.MerchantCategory, t.Location, t.DeviceUsed, t.PaymentChannel,
			t.DeviceHash, t.IPAddress, fmt.Sprintf("%g", t.TimeSinceLastTransaction),
			optionalFloatStr(t.SpendingDeviationScore), optionalFloatStr(t.VelocityScore), optionalFloatStr(t.GeoAnomalyScore),
			t.Status, fmt.Sprintf("%t", t.IsFraud), fmt.Sprintf("%t", t.IsReviewed),
			strings.Join(rulesTriggered, "|"),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return ferrors.New(ferrors.CategoryTransientInfra, err)
	}
	cw.Flush()
	return cw.Error()
}

func optionalFloatStr(v *float64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%g", *v)
}

// ListFilter narrows a transaction listing by the fields the HTTP layer
// exposes as query parameters.
type ListFilter struct {
	Status string
	Type   string
	Search string
	Sort   string
	Page   int
	PageSize int
}

// List returns one page of transactions matching filter, plus the total
// row count for the pagination envelope.
func (s *Store) List(ctx context.Context, f ListFilter) ([]models.Transaction, int64, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	argN := 1

	if f.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", argN))
		args = append(args, f.Status)
		argN++
	}
	if f.Type != "" {
		where = append(where, fmt.Sprintf("transaction_type = $%d", argN))
		args = append(args, f.Type)
		argN++
	}
	if f.Search != "" {
		where = append(where, fmt.Sprintf("(transaction_id ILIKE $%d OR correlation_id ILIKE $%d)", argN, argN))
		args = append(args, "%"+f.Search+"%")
		argN++
	}

	order := "timestamp DESC"
	switch f.Sort {
	case "amount":
		order = "amount DESC"
	case "amount_asc":
		order = "amount ASC"
	case "timestamp_asc":
		order = "timestamp ASC"
	}

	page, pageSize := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}

	var total int64
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM transactions WHERE %s`, strings.Join(where, " AND "))
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("count transactions: %w", err))
	}

	args = append(args, pageSize, (page-1)*pageSize)
	listQuery := fmt.Sprintf(`
		SELECT transaction_id, correlation_id, timestamp, sender_account, receiver_account, amount,
		       transaction_type, merchant_category, location, device_used,
		       time_since_last_transaction, spending_deviation_score, velocity_score, geo_anomaly_score,
		       payment_channel, ip_address, device_hash, is_fraud, is_reviewed, status
		FROM transactions WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		strings.Join(where, " AND "), order, argN, argN+1)

	rows, err := s.pool.Query(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("list transactions: %w", err))
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.TransactionID, &t.CorrelationID, &t.Timestamp, &t.SenderAccount, &t.ReceiverAccount, &t.Amount,
			&t.TransactionType, &t.MerchantCategory, &t.Location, &t.DeviceUsed,
			&t.TimeSinceLastTransaction, &t.SpendingDeviationScore, &t.VelocityScore, &t.GeoAnomalyScore,
			&t.PaymentChannel, &t.IPAddress, &t.DeviceHash, &t.IsFraud, &t.IsReviewed, &t.Status); err != nil {
			return nil, 0, ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("scan transaction: %w", err))
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}
