// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ferrors defines the typed error taxonomy shared by every stage of
// the fraud-screening pipeline, so callers can errors.Is/errors.As instead of
// matching on log strings.
package ferrors

import (
	"errors"
	"fmt"
)

// Category distinguishes the six error classes a batch or transaction can
// fail with, mirroring how the ingestion and worker loops decide whether to
// retry, skip, or abort.
type Category int

const (
	// CategoryValidation covers malformed or out-of-range record fields.
	CategoryValidation Category = iota
	// CategoryDuplicate covers idempotent replays and dedup-set hits.
	CategoryDuplicate
	// CategoryTransientInfra covers recoverable Redis/Postgres failures.
	CategoryTransientInfra
	// CategoryRuleEvaluation covers a single rule raising during Evaluate.
	CategoryRuleEvaluation
	// CategoryConfiguration covers missing or invalid environment settings.
	CategoryConfiguration
	// CategoryNotFound covers lookups against a missing transaction or rule.
	CategoryNotFound
)

func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation_error"
	case CategoryDuplicate:
		return "duplicate"
	case CategoryTransientInfra:
		return "transient_infra_error"
	case CategoryRuleEvaluation:
		return "rule_evaluation_error"
	case CategoryConfiguration:
		return "configuration_error"
	case CategoryNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a categorized, wrapped error. Field is optional and names the
// record field that failed validation, when known.
type Error struct {
	Category Category
	Field    string
	Err      error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err under category with no field context.
func New(category Category, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: category, Err: err}
}

// NewField wraps err under category, naming the offending field.
func NewField(category Category, field string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: category, Field: field, Err: err}
}

// Newf builds a new categorized error from a format string.
func Newf(category Category, format string, args ...interface{}) error {
	return &Error{Category: category, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err is a *Error of the given category.
func Is(err error, category Category) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category == category
	}
	return false
}

var (
	// ErrDuplicateIdempotencyKey is returned when a (mode, key) pair has
	// already been processed and the cached response is being replayed.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already processed")
	// ErrRuleNotFound is returned when a rule id has no matching row.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrTransactionNotFound is returned when a correlation id has no
	// matching row.
	ErrTransactionNotFound = errors.New("transaction not found")
)
