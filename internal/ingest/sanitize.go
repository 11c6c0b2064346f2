// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ingest

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

var controlChars = regexp.MustCompile(`[\x00-\x1f\x7f-\x9f]`)

var safeTextFields = map[string]bool{
	"location":          true,
	"merchant_category": true,
}

var scoreFields = map[string]bool{
	"time_since_last_transaction": true,
	"spending_deviation_score":    true,
	"velocity_score":              true,
	"geo_anomaly_score":           true,
}

// Sanitize cleans one record's string fields in place: trims whitespace,
// strips control characters, HTML-escapes and truncates the "safe text"
// fields (location, merchant_category), and coerces the four numeric score
// fields to float64. A blank time_since_last_transaction becomes 0.0; a
// blank/unparseable value on the other three scores becomes nil rather
// than zero, since a missing deviation score is not the same claim as a
// measured score of zero.
func Sanitize(rec map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(rec))
	for k, v := range rec {
		if s, ok := v.(string); ok {
			s = strings.TrimSpace(s)
			s = controlChars.ReplaceAllString(s, "")
			if safeTextFields[k] {
				s = html.EscapeString(s)
				if len(s) > 255 {
					s = s[:255]
				}
			}
			if s == "" && k == "time_since_last_transaction" {
				v = 0.0
			} else {
				v = s
			}
		}

		if scoreFields[k] && v != nil {
			v = coerceScore(v, k)
		}

		out[k] = v
	}
	return out
}

func coerceScore(v interface{}, field string) interface{} {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		if x == "" {
			if field == "time_since_last_transaction" {
				return 0.0
			}
			return nil
		}
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			if field == "time_since_last_transaction" {
				return 0.0
			}
			return nil
		}
		return f
	default:
		return v
	}
}
