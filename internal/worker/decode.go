// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package worker

import (
	"fmt"
	"strconv"
	"time"

	"github.com/luxfi/fraudscreen/internal/models"
	"github.com/luxfi/fraudscreen/internal/rules"
	"github.com/luxfi/fraudscreen/internal/stream"
)

// item is one stream message decoded into both the typed Transaction the
// store needs and the map-shaped Record the rule kernel evaluates against.
type item struct {
	msgID  string
	tx     models.Transaction
	rec    rules.Record
	recalc bool
}

// decode turns a raw stream message's string-typed fields back into a
// typed Transaction, mirroring fraud_worker.py's _coerce_types().
func decode(msg stream.Message) (item, error) {
	f := msg.Fields

	ts, err := time.Parse(time.RFC3339Nano, fieldStr(f, "timestamp"))
	if err != nil {
		return item{}, fmt.Errorf("decode timestamp: %w", err)
	}

	amount, err := fieldFloat(f, "amount")
	if err != nil {
		return item{}, fmt.Errorf("decode amount: %w", err)
	}

	tx := models.Transaction{
		TransactionID:    fieldStr(f, "transaction_id"),
		CorrelationID:    fieldStr(f, "correlation_id"),
		Timestamp:        ts,
		SenderAccount:    fieldStr(f, "sender_account"),
		ReceiverAccount:  fieldStr(f, "receiver_account"),
		Amount:           amount,
		TransactionType:  fieldStr(f, "transaction_type"),
		MerchantCategory: fieldStr(f, "merchant_category"),
		Location:         fieldStr(f, "location"),
		DeviceUsed:       fieldStr(f, "device_used"),
		PaymentChannel:   fieldStr(f, "payment_channel"),
		IPAddress:        fieldStr(f, "ip_address"),
		DeviceHash:       fieldStr(f, "device_hash"),
	}
	if v, ok := fieldFloatOpt(f, "time_since_last_transaction"); ok {
		tx.TimeSinceLastTransaction = v
	}
	if v, ok := fieldFloatOpt(f, "spending_deviation_score"); ok {
		tx.SpendingDeviationScore = &v
	}
	if v, ok := fieldFloatOpt(f, "velocity_score"); ok {
		tx.VelocityScore = &v
	}
	if v, ok := fieldFloatOpt(f, "geo_anomaly_score"); ok {
		tx.GeoAnomalyScore = &v
	}

	rec := rules.Record{
		"transaction_id":              tx.TransactionID,
		"correlation_id":              tx.CorrelationID,
		"sender_account":              tx.SenderAccount,
		"receiver_account":            tx.ReceiverAccount,
		"amount":                      tx.Amount,
		"transaction_type":            tx.TransactionType,
		"merchant_category":           tx.MerchantCategory,
		"location":                    tx.Location,
		"device_used":                 tx.DeviceUsed,
		"payment_channel":             tx.PaymentChannel,
		"ip_address":                  tx.IPAddress,
		"device_hash":                 tx.DeviceHash,
		"time_since_last_transaction": tx.TimeSinceLastTransaction,
	}
	if tx.SpendingDeviationScore != nil {
		rec["spending_deviation_score"] = *tx.SpendingDeviationScore
	}
	if tx.VelocityScore != nil {
		rec["velocity_score"] = *tx.VelocityScore
	}
	if tx.GeoAnomalyScore != nil {
		rec["geo_anomaly_score"] = *tx.GeoAnomalyScore
	}

	return item{msgID: msg.ID, tx: tx, rec: rec, recalc: fieldStr(f, "recalc") == "1"}, nil
}

func fieldStr(f map[string]interface{}, key string) string {
	v, ok := f[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func fieldFloat(f map[string]interface{}, key string) (float64, error) {
	s := fieldStr(f, key)
	if s == "" {
		return 0, fmt.Errorf("field %q missing", key)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", key, err)
	}
	return v, nil
}

func fieldFloatOpt(f map[string]interface{}, key string) (float64, bool) {
	s := fieldStr(f, key)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
