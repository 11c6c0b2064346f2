// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package models holds the shared data types that flow through ingestion,
// storage, rule evaluation, and the HTTP surface.
package models

import (
	"time"
)

// Status values a Transaction row can carry. Promotion only ever moves
// Processed -> Alerted, never the reverse.
const (
	StatusProcessed = "processed"
	StatusAlerted   = "alerted"
)

// Transaction is one row of the transactions table, amount expressed in
// minor-unit-free decimal form (12 digits, 2 fractional, matching the
// DecimalField(max_digits=12, decimal_places=2) it was modeled on).
type Transaction struct {
	TransactionID            string    `json:"transaction_id" db:"transaction_id"`
	CorrelationID            string    `json:"correlation_id" db:"correlation_id"`
	Timestamp                time.Time `json:"timestamp" db:"timestamp"`
	SenderAccount             string    `json:"sender_account" db:"sender_account"`
	ReceiverAccount           string    `json:"receiver_account" db:"receiver_account"`
	Amount                    float64   `json:"amount" db:"amount"`
	TransactionType           string    `json:"transaction_type" db:"transaction_type"`
	MerchantCategory          string    `json:"merchant_category,omitempty" db:"merchant_category"`
	Location                  string    `json:"location,omitempty" db:"location"`
	DeviceUsed                string    `json:"device_used,omitempty" db:"device_used"`
	TimeSinceLastTransaction  float64   `json:"time_since_last_transaction" db:"time_since_last_transaction"`
	SpendingDeviationScore    *float64  `json:"spending_deviation_score,omitempty" db:"spending_deviation_score"`
	VelocityScore             *float64  `json:"velocity_score,omitempty" db:"velocity_score"`
	GeoAnomalyScore           *float64  `json:"geo_anomaly_score,omitempty" db:"geo_anomaly_score"`
	PaymentChannel            string    `json:"payment_channel,omitempty" db:"payment_channel"`
	IPAddress                 string    `json:"ip_address,omitempty" db:"ip_address"`
	DeviceHash                string    `json:"device_hash,omitempty" db:"device_hash"`
	IsFraud                   bool      `json:"is_fraud" db:"is_fraud"`
	IsReviewed                bool      `json:"is_reviewed" db:"is_reviewed"`
	Status                    string    `json:"status" db:"status"`
}

// Criticality levels, ordered low to critical. Unset rules are level 0.
const (
	CritUnset    = 0
	CritLow      = 1
	CritMedium   = 2
	CritHigh     = 3
	CritCritical = 4
)

// CriticalityLevel maps a rule's criticality string to its numeric level,
// defaulting to CritUnset for anything unrecognized.
func CriticalityLevel(s string) int {
	switch s {
	case "low":
		return CritLow
	case "medium":
		return CritMedium
	case "high":
		return CritHigh
	case "critical":
		return CritCritical
	default:
		return CritUnset
	}
}

// CriticalityName is CriticalityLevel's inverse, used to label an alert
// payload with the highest criticality that fired for a transaction.
// Anything at or below CritUnset defaults to "medium", matching the
// webhook router's fallback for an unrecognized criticality.
func CriticalityName(level int) string {
	switch level {
	case CritLow:
		return "low"
	case CritMedium:
		return "medium"
	case CritHigh:
		return "high"
	case CritCritical:
		return "critical"
	default:
		return "medium"
	}
}

// RuleKind distinguishes the four rule families that share one evaluation
// pass over a batch.
type RuleKind string

const (
	KindThreshold RuleKind = "threshold"
	KindComposite RuleKind = "composite"
	KindPattern   RuleKind = "pattern"
	KindML        RuleKind = "ml"
)

// RuleBase holds the columns common to all four rule tables.
type RuleBase struct {
	ID          int64     `json:"id" db:"id"`
	Title       string    `json:"title" db:"title"`
	Description string    `json:"description,omitempty" db:"description"`
	CreatedBy   string    `json:"created_by,omitempty" db:"username"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	Criticality string    `json:"criticality" db:"criticality"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// ThresholdRule fires when column_name's value compares true against Value
// under Operator (one of >, >=, <, <=, ==, !=).
type ThresholdRule struct {
	RuleBase
	ColumnName string  `json:"column_name" db:"column_name"`
	Operator   string  `json:"operator" db:"operator"`
	Value      float64 `json:"value" db:"value"`
}

// CompositeCondition is one node of a CompositeRule's boolean tree: either a
// leaf comparison (Column/Operator/Value set, Conditions empty) or an
// internal AND/OR/NOT node (Logic/Conditions set, Column empty).
type CompositeCondition struct {
	Logic      string               `json:"logic,omitempty"`
	Column     string               `json:"column,omitempty"`
	Operator   string               `json:"operator,omitempty"`
	Value      interface{}          `json:"value,omitempty"`
	Conditions []CompositeCondition `json:"conditions,omitempty"`
}

// CompositeRule fires when its boolean tree of threshold comparisons
// evaluates true.
type CompositeRule struct {
	RuleBase
	Rule CompositeCondition `json:"rule" db:"-"`
}

// GroupMode selects which side of a transaction a PatternRule aggregates
// over when counting repeated activity in a time window.
type GroupMode string

const (
	GroupSender   GroupMode = "sender"
	GroupReceiver GroupMode = "receiver"
	GroupPair     GroupMode = "pair"
)

// PatternRule fires when a sender/receiver/pair reaches at least MinCount
// transactions (counting the triggering one) within WindowSeconds and,
// when TotalAmountLimit is set, their summed amount stays at or below that
// limit. MinAmountLimit, when set, caps the window's largest
// single transaction; PerTxMinLimit, when set, additionally requires the
// triggering transaction itself to be at least that large.
type PatternRule struct {
	RuleBase
	WindowSeconds    int       `json:"window_seconds" db:"window_seconds"`
	MinCount         int       `json:"min_count" db:"min_count"`
	TotalAmountLimit *float64  `json:"total_amount_limit,omitempty" db:"total_amount_limit"`
	MinAmountLimit   *float64  `json:"min_amount_limit,omitempty" db:"min_amount_limit"`
	PerTxMinLimit    *float64  `json:"per_tx_min_limit,omitempty" db:"per_tx_min_limit"`
	GroupMode        GroupMode `json:"group_mode" db:"group_mode"`
}

// MLRule names an external classifier consulted advisory-only: it never
// sets IsFraud or contributes to a batch's triggered/stop accounting.
type MLRule struct {
	RuleBase
	Threshold     float64 `json:"threshold" db:"threshold"`
	ModelName     string  `json:"model_name" db:"model_name"`
	InputTemplate string  `json:"input_template" db:"input_template"`
}

// Pagination is the query-side paging request shared by every list
// endpoint.
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// PaginatedResponse envelopes a page of results with the total row count,
// grounded on the PaginatedResponse shape used across the retrieval pack's
// other Go services.
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Total    int64       `json:"total"`
}

// AlertPayload is what gets enqueued to the alerts queue and, downstream,
// POSTed to the webhook by the dispatcher.
type AlertPayload struct {
	TransactionID    string    `json:"transaction_id"`
	CorrelationID    string    `json:"correlation_id"`
	SenderAccount    string    `json:"sender_account"`
	ReceiverAccount  string    `json:"receiver_account"`
	Amount           float64   `json:"amount"`
	Timestamp        time.Time `json:"timestamp"`
	RulesTriggered   []string  `json:"rules_triggered"`
	MLProbability    *float64  `json:"ml_probability"`
	TransactionLink  string    `json:"transaction_link"`
	Criticality      string    `json:"criticality"`
}
