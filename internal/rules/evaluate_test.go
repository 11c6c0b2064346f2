// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rules

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/fraudscreen/internal/models"
)

type stubPatterns struct {
	stats GroupStats
	label string
}

func (s stubPatterns) Stats(models.PatternRule, Record) (GroupStats, string) {
	return s.stats, s.label
}

type stubML struct {
	calls []int64
	err   error
}

func (s *stubML) Advise(rec Record, rule models.MLRule) (float64, string, error) {
	s.calls = append(s.calls, rule.ID)
	if s.err != nil {
		return 0, "", s.err
	}
	return 0.1, "advisory only", nil
}

func TestEvalThreshold(t *testing.T) {
	rec := Record{"amount": 1500.0}
	ok, reason, err := EvalThreshold(rec, "amount", ">", 1000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, reason, "amount")

	ok, _, err = EvalThreshold(rec, "amount", "<", 1000)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvalThreshold_MissingColumnIsZero(t *testing.T) {
	ok, _, err := EvalThreshold(Record{}, "amount", "==", 0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvalThreshold_BadValueErrors(t *testing.T) {
	_, _, err := EvalThreshold(Record{"amount": "not-a-number"}, "amount", ">", 0)
	require.Error(t, err)
}

func TestEvalComposite_ANDShortCircuitless(t *testing.T) {
	tree := models.CompositeCondition{
		Logic: "AND",
		Conditions: []models.CompositeCondition{
			{Column: "amount", Operator: ">", Value: 1000.0},
			{Column: "velocity_score", Operator: ">=", Value: 0.8},
		},
	}
	rec := Record{"amount": 2000.0, "velocity_score": 0.9}
	ok, _ := EvalComposite(rec, &tree)
	require.True(t, ok)

	rec2 := Record{"amount": 500.0, "velocity_score": 0.9}
	ok, _ = EvalComposite(rec2, &tree)
	require.False(t, ok)
}

func TestEvalComposite_NOT(t *testing.T) {
	tree := models.CompositeCondition{
		Logic: "NOT",
		Conditions: []models.CompositeCondition{
			{Column: "amount", Operator: ">", Value: 1000.0},
		},
	}
	ok, _ := EvalComposite(Record{"amount": 500.0}, &tree)
	require.True(t, ok)
}

func TestEvalComposite_EmptyLeafSkipsNotErrors(t *testing.T) {
	tree := models.CompositeCondition{Column: "location", Operator: "==", Value: "NY"}
	ok, reason := EvalComposite(Record{}, &tree)
	require.False(t, ok)
	require.Contains(t, reason, "пустое")
}

func TestEvalComposite_DeepTreeDoesNotRecurse(t *testing.T) {
	// Build a chain of 5000 nested NOT nodes; an implementation using
	// recursion over it would risk a stack overflow.
	leaf := models.CompositeCondition{Column: "amount", Operator: ">", Value: 0.0}
	node := leaf
	for i := 0; i < 5000; i++ {
		node = models.CompositeCondition{Logic: "NOT", Conditions: []models.CompositeCondition{node}}
	}
	ok, _ := EvalComposite(Record{"amount": 10.0}, &node)
	// 5000 NOTs is even, so the innermost true flips back to true.
	require.True(t, ok)
}

func TestEvalPattern(t *testing.T) {
	limit := 5000.0
	rule := models.PatternRule{MinCount: 3, TotalAmountLimit: &limit, GroupMode: models.GroupSender}
	stats := GroupStats{Count: 2, Total: 1000, MaxAmount: 600}
	rec := Record{"amount": 400.0}
	ok, reason := EvalPattern(rec, rule, stats, "sender=ACC1")
	require.True(t, ok)
	require.Contains(t, reason, "sender=ACC1")
}

func TestEvalPattern_PerTxMinLimit(t *testing.T) {
	floor := 100.0
	rule := models.PatternRule{MinCount: 1, PerTxMinLimit: &floor, GroupMode: models.GroupSender}
	ok, _ := EvalPattern(Record{"amount": 50.0}, rule, GroupStats{}, "sender=ACC1")
	require.False(t, ok)

	ok, _ = EvalPattern(Record{"amount": 150.0}, rule, GroupStats{}, "sender=ACC1")
	require.True(t, ok)
}

func TestEvalPattern_MinAmountLimitIsACeiling(t *testing.T) {
	ceiling := 1000.0
	rule := models.PatternRule{MinCount: 1, MinAmountLimit: &ceiling, GroupMode: models.GroupSender}

	ok, _ := EvalPattern(Record{"amount": 1500.0}, rule, GroupStats{MaxAmount: 200}, "sender=ACC1")
	require.False(t, ok)

	ok, _ = EvalPattern(Record{"amount": 500.0}, rule, GroupStats{MaxAmount: 200}, "sender=ACC1")
	require.True(t, ok)
}

func TestEvalPattern_ReasonIsRussian(t *testing.T) {
	rule := models.PatternRule{MinCount: 1, WindowSeconds: 300, GroupMode: models.GroupSender}
	_, reason := EvalPattern(Record{"amount": 50.0}, rule, GroupStats{}, "sender=ACC9")
	require.Contains(t, reason, "1 операций за 5 мин")
}

func TestEvaluate_EarlyStopStillRunsML(t *testing.T) {
	snapshot := []Snapshot{
		{Kind: models.KindThreshold, ID: 1, Criticality: "critical",
			Threshold: &models.ThresholdRule{ColumnName: "amount", Operator: ">", Value: 100}},
		{Kind: models.KindThreshold, ID: 2, Criticality: "low",
			Threshold: &models.ThresholdRule{ColumnName: "amount", Operator: ">", Value: 100}},
		{Kind: models.KindML, ID: 3, ML: &models.MLRule{RuleBase: models.RuleBase{ID: 3}, ModelName: "m", Threshold: 0.8}},
	}
	ml := &stubML{}
	res := Evaluate(Record{"amount": 5000.0}, snapshot, Options{
		StopMode:        StopModeCritical,
		StopCriticality: models.CritCritical,
		ML:              ml,
	})

	require.True(t, res.Triggered)
	require.Len(t, res.Fired, 1, "second threshold rule must not run after the critical stop")
	require.Equal(t, []int64{3}, ml.calls, "ML rules must still run after an early stop")
}

func TestEvaluate_NoStopRunsEveryRule(t *testing.T) {
	snapshot := []Snapshot{
		{Kind: models.KindThreshold, ID: 1, Criticality: "critical",
			Threshold: &models.ThresholdRule{ColumnName: "amount", Operator: ">", Value: 100}},
		{Kind: models.KindThreshold, ID: 2, Criticality: "low",
			Threshold: &models.ThresholdRule{ColumnName: "amount", Operator: ">", Value: 100}},
	}
	res := Evaluate(Record{"amount": 5000.0}, snapshot, Options{StopMode: StopModeNone})
	require.Len(t, res.Fired, 2)
}

func TestEvaluate_PatternUsesLookup(t *testing.T) {
	snapshot := []Snapshot{
		{Kind: models.KindPattern, ID: 7, Criticality: "medium",
			Pattern: &models.PatternRule{MinCount: 2, GroupMode: models.GroupSender}},
	}
	res := Evaluate(Record{"amount": 10.0}, snapshot, Options{
		Patterns: stubPatterns{stats: GroupStats{Count: 5}, label: "sender=ACC9"},
	})
	require.True(t, res.Triggered)
	require.Contains(t, res.Fired[0].Reason, "ACC9")
}

func TestEvaluate_RuleErrorDoesNotAbortBatch(t *testing.T) {
	snapshot := []Snapshot{
		{Kind: models.KindThreshold, ID: 1,
			Threshold: &models.ThresholdRule{ColumnName: "amount", Operator: ">", Value: 100}},
		{Kind: models.KindThreshold, ID: 2,
			Threshold: &models.ThresholdRule{ColumnName: "amount", Operator: "bogus", Value: 100}},
	}
	res := Evaluate(Record{"amount": 5000.0}, snapshot, Options{})
	require.True(t, res.Triggered)
	require.Len(t, res.Errors, 1)
	require.Equal(t, int64(2), res.Errors[0].RuleID)
}
