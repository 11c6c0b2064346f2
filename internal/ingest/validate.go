// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ingest

import (
	"fmt"
	"net"
	"regexp"
	"time"

	"github.com/luxfi/fraudscreen/internal/ferrors"
)

var accountPattern = regexp.MustCompile(`^ACC\d+$`)

var timestampLayouts = []string{
	"02.01.2006 15:04",
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

var validTransactionTypes = map[string]bool{
	"withdrawal": true, "deposit": true, "transfer": true, "payment": true,
}

var validDevicesUsed = map[string]bool{
	"mobile": true, "atm": true, "pos": true, "web": true,
}

// ParseTimestamp tries every accepted input layout in order, matching the
// original serializer's multi-format DateTimeField.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("could not parse timestamp: %q", s)
}

// Record is one normalized, not-yet-validated transaction as decoded from
// the ingestion request body.
type Record struct {
	TransactionID            string
	CorrelationID             string
	Timestamp                 time.Time
	SenderAccount             string
	ReceiverAccount           string
	Amount                    float64
	TransactionType           string
	MerchantCategory          string
	Location                  string
	DeviceUsed                string
	IPAddress                 string
	TimeSinceLastTransaction  float64
	SpendingDeviationScore    *float64
	VelocityScore             *float64
	GeoAnomalyScore           *float64
	PaymentChannel            string
	DeviceHash                string
}

// Validate enforces the field-level constraints the ingestion serializer
// carried: a positive amount, a non-future timestamp, ACC-prefixed
// accounts, an enumerated transaction type and device, and (when present)
// a non-unspecified, non-broadcast IPv4 address.
func Validate(r Record, now time.Time) error {
	if r.TransactionID == "" {
		return ferrors.NewField(ferrors.CategoryValidation, "transaction_id", fmt.Errorf("required"))
	}
	if r.CorrelationID == "" {
		return ferrors.NewField(ferrors.CategoryValidation, "correlation_id", fmt.Errorf("required"))
	}
	if r.Amount < 0.01 {
		return ferrors.NewField(ferrors.CategoryValidation, "amount", fmt.Errorf("must be positive"))
	}
	if r.Timestamp.After(now) {
		return ferrors.NewField(ferrors.CategoryValidation, "timestamp", fmt.Errorf("cannot be in the future"))
	}
	if !accountPattern.MatchString(r.SenderAccount) {
		return ferrors.NewField(ferrors.CategoryValidation, "sender_account", fmt.Errorf("must match ACC\\d+"))
	}
	if !accountPattern.MatchString(r.ReceiverAccount) {
		return ferrors.NewField(ferrors.CategoryValidation, "receiver_account", fmt.Errorf("must match ACC\\d+"))
	}
	if !validTransactionTypes[r.TransactionType] {
		return ferrors.NewField(ferrors.CategoryValidation, "transaction_type", fmt.Errorf("unrecognized value %q", r.TransactionType))
	}
	if !validDevicesUsed[r.DeviceUsed] {
		return ferrors.NewField(ferrors.CategoryValidation, "device_used", fmt.Errorf("unrecognized value %q", r.DeviceUsed))
	}
	if r.IPAddress != "" {
		ip := net.ParseIP(r.IPAddress).To4()
		if ip == nil {
			return ferrors.NewField(ferrors.CategoryValidation, "ip_address", fmt.Errorf("not a valid IPv4 address"))
		}
		if ip.IsUnspecified() {
			return ferrors.NewField(ferrors.CategoryValidation, "ip_address", fmt.Errorf("unspecified IPv4 address"))
		}
		if ip.String() == "255.255.255.255" {
			return ferrors.NewField(ferrors.CategoryValidation, "ip_address", fmt.Errorf("broadcast IPv4 address"))
		}
	}
	return nil
}

// ValidateChunked validates records in fixed-size chunks; it returns the
// records that passed, and one error per record that failed, keyed by the
// record's index in the original slice. Every failure is kept in that map.
func ValidateChunked(records []Record, chunkSize int, now time.Time) (valid []Record, failed map[int]error) {
	failed = make(map[int]error)
	if chunkSize <= 0 {
		chunkSize = len(records)
	}
	for start := 0; start < len(records); start += chunkSize {
		end := start + chunkSize
		if end > len(records) {
			end = len(records)
		}
		for i := start; i < end; i++ {
			if err := Validate(records[i], now); err != nil {
				failed[i] = err
				continue
			}
			valid = append(valid, records[i])
		}
	}
	return valid, failed
}
