// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rules is the rule-evaluation kernel shared by the rule store's
// merged snapshot (Snapshot, SortSnapshots) and the evaluation worker's
// per-transaction scoring.
// Trees are walked iteratively (an explicit stack, not recursion) so a
// malformed or adversarially deep composite rule cannot blow the goroutine
// stack mid-batch.
package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/luxfi/fraudscreen/internal/models"
)

// Record is a transaction projected to its column values, the shape every
// rule function compares against. Column lookups on a missing key behave
// like an empty value, not a panic.
type Record map[string]interface{}

func (r Record) get(column string) interface{} {
	v, ok := r[column]
	if !ok {
		return nil
	}
	return v
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func compareOp(op string, a, b float64) (bool, error) {
	switch op {
	case ">":
		return a > b, nil
	case ">=":
		return a >= b, nil
	case "<":
		return a < b, nil
	case "<=":
		return a <= b, nil
	case "==":
		return a == b, nil
	case "!=":
		return a != b, nil
	default:
		return false, fmt.Errorf("Неизвестный оператор: %s", op)
	}
}

// EvalThreshold reports whether rec[column] compares true against value
// under op. A value that cannot coerce to float64 is an error, matching the
// strict float(data.get(column, 0)) coercion thresholds were modeled on;
// a missing column is treated as zero, not an error.
func EvalThreshold(rec Record, column, op string, value float64) (bool, string, error) {
	raw := rec.get(column)
	if raw == nil {
		raw = 0.0
	}
	left, ok := toFloat(raw)
	if !ok {
		return false, "", fmt.Errorf("Некорректное значение поля %q: %v", column, raw)
	}
	result, err := compareOp(op, left, value)
	if err != nil {
		return false, "", err
	}
	reason := fmt.Sprintf("%s %s %v → %v → %v", column, op, value, left, result)
	return result, reason, nil
}

// compositeResult is the memoized outcome of evaluating one node of a
// composite tree, keyed by the node's address.
type compositeResult struct {
	ok     bool
	reason string
}

// EvalComposite walks a boolean tree of threshold leaves iteratively: a
// first pass collects every node in preorder with an explicit stack, then a
// second pass folds results bottom-up by consuming that list in reverse,
// which guarantees every descendant has already been scored before its
// ancestor is combined.
func EvalComposite(rec Record, root *models.CompositeCondition) (bool, string) {
	if root == nil {
		return false, "empty rule"
	}

	var order []*models.CompositeCondition
	stack := []*models.CompositeCondition{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, n)
		for i := range n.Conditions {
			stack = append(stack, &n.Conditions[i])
		}
	}

	results := make(map[*models.CompositeCondition]compositeResult, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		results[node] = evalCompositeNode(rec, node, results)
	}
	res := results[root]
	return res.ok, res.reason
}

func evalCompositeNode(rec Record, node *models.CompositeCondition, results map[*models.CompositeCondition]compositeResult) compositeResult {
	if node.Column != "" {
		return evalCompositeLeaf(rec, node)
	}

	logic := strings.ToUpper(node.Logic)
	if logic == "" {
		logic = "AND"
	}
	if len(node.Conditions) == 0 {
		return compositeResult{false, fmt.Sprintf("Нет подусловий в блоке %s", logic)}
	}

	childResults := make([]bool, len(node.Conditions))
	reasons := make([]string, len(node.Conditions))
	for i := range node.Conditions {
		r := results[&node.Conditions[i]]
		childResults[i] = r.ok
		reasons[i] = r.reason
	}

	var ok bool
	switch logic {
	case "AND":
		ok = true
		for _, c := range childResults {
			ok = ok && c
		}
	case "OR":
		ok = false
		for _, c := range childResults {
			ok = ok || c
		}
	case "NOT":
		if len(childResults) != 1 {
			return compositeResult{false, "'NOT' должен иметь одно подусловие"}
		}
		ok = !childResults[0]
	default:
		return compositeResult{false, fmt.Sprintf("Недопустимый логический оператор %s", logic)}
	}

	return compositeResult{ok, fmt.Sprintf("%s(%s) → %v", logic, strings.Join(reasons, "; "), ok)}
}

func evalCompositeLeaf(rec Record, node *models.CompositeCondition) compositeResult {
	actual := rec.get(node.Column)
	if actual == nil || actual == "" {
		return compositeResult{false, fmt.Sprintf("Поле %q пустое — пропуск", node.Column)}
	}

	actualF, aok := toFloat(actual)
	expectedF, eok := toFloat(node.Value)
	if aok && eok {
		result, err := compareOp(node.Operator, actualF, expectedF)
		if err != nil {
			return compositeResult{false, fmt.Sprintf("Ошибка при сравнении %q: %v", node.Column, err)}
		}
		return compositeResult{result, fmt.Sprintf("%s %s %v → %v → %v", node.Column, node.Operator, expectedF, actualF, result)}
	}

	// Coercion failed on one side: fall back to string comparison, only
	// meaningful for equality operators.
	as := fmt.Sprintf("%v", actual)
	es := fmt.Sprintf("%v", node.Value)
	var result bool
	switch node.Operator {
	case "==":
		result = as == es
	case "!=":
		result = as != es
	default:
		return compositeResult{false, fmt.Sprintf("Ошибка при сравнении %q: нечисловые операнды для %s", node.Column, node.Operator)}
	}
	return compositeResult{result, fmt.Sprintf("%s %s %s → %s → %v", node.Column, node.Operator, es, as, result)}
}

// GroupStats is the pre-aggregated window statistics for one sender,
// receiver, or sender/receiver pair, computed once per unique group per
// batch rather than once per transaction.
type GroupStats struct {
	Count     int
	Total     float64
	MaxAmount float64
}

// EvalPattern reports whether a PatternRule fires for rec, given the
// pre-aggregated stats for its group (sender/receiver/pair) over the
// rule's window, not counting rec itself.
func EvalPattern(rec Record, rule models.PatternRule, stats GroupStats, groupLabel string) (bool, string) {
	amount, _ := toFloat(rec.get("amount"))

	count := stats.Count + 1
	total := stats.Total + amount
	maxAmount := stats.MaxAmount
	if amount > maxAmount {
		maxAmount = amount
	}

	triggered := count >= rule.MinCount
	if rule.TotalAmountLimit != nil {
		triggered = triggered && total <= *rule.TotalAmountLimit
	}
	if rule.MinAmountLimit != nil {
		triggered = triggered && maxAmount <= *rule.MinAmountLimit
	}
	if rule.PerTxMinLimit != nil {
		triggered = triggered && amount >= *rule.PerTxMinLimit
	}

	mm := float64(rule.WindowSeconds) / 60
	var mmTxt string
	if rule.WindowSeconds%60 == 0 {
		mmTxt = fmt.Sprintf("%d", rule.WindowSeconds/60)
	} else {
		mmTxt = fmt.Sprintf("%.1f", mm)
	}
	reason := fmt.Sprintf("%d операций за %s мин, сумма=%.2f, max_amount=%.2f (%s)",
		count, mmTxt, total, maxAmount, groupLabel)
	return triggered, reason
}

// GroupLabel formats the group identity a PatternRule aggregated over, for
// the evaluation reason string.
func GroupLabel(rule models.PatternRule, sender, receiver string) string {
	switch rule.GroupMode {
	case models.GroupSender:
		return fmt.Sprintf("sender=%s", sender)
	case models.GroupReceiver:
		return fmt.Sprintf("receiver=%s", receiver)
	default:
		return fmt.Sprintf("pair=%s->%s", sender, receiver)
	}
}
