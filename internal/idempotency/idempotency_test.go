// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package idempotency

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBatchFingerprint_OrderIndependent(t *testing.T) {
	a := BatchFingerprint([]string{"t1", "t2"}, []string{"c1", "c2"})
	b := BatchFingerprint([]string{"t2", "t1"}, []string{"c2", "c1"})
	require.Equal(t, a, b)
}

func TestBatchFingerprint_DiffersOnContent(t *testing.T) {
	a := BatchFingerprint([]string{"t1"}, []string{"c1"})
	b := BatchFingerprint([]string{"t1"}, []string{"c2"})
	require.NotEqual(t, a, b)
}

func TestTokens(t *testing.T) {
	toks := Tokens([]string{"transaction_id", "correlation_id", "missing"}, map[string]interface{}{
		"transaction_id": "TX1",
		"correlation_id": "C1",
	})
	require.ElementsMatch(t, []string{"transaction_id:TX1", "correlation_id:C1"}, toks)
}
