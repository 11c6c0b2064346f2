// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rulestore

import (
	"errors"
	"strings"

	"github.com/luxfi/fraudscreen/internal/ferrors"
	"github.com/luxfi/fraudscreen/internal/models"
)

var allowedOperators = map[string]bool{
	">": true, ">=": true, "<": true, "<=": true, "==": true, "!=": true,
}

var (
	errEmptyColumn         = errors.New("Поле 'column_name' не может быть пустым")
	errBadOperator         = errors.New("Недопустимый оператор")
	errMissingLeafField    = errors.New("Отсутствует обязательное поле в листе правила")
	errBadLogic            = errors.New("Недопустимый logic")
	errEmptyConditions     = errors.New("Поле 'conditions' должно быть непустым списком")
	errNotArity            = errors.New("Оператор 'NOT' должен иметь ровно одно подусловие")
	errNonPositiveWindow   = errors.New("Длительность окна должна быть больше 0 секунд")
	errNonPositiveMinCount = errors.New("Количество операций (min_count) должно быть > 0")
	errThresholdRange      = errors.New("Порог должен быть между 0 и 1")
	errEmptyModelName      = errors.New("Название модели обязательно")
)

// ValidateThreshold mirrors ThresholdRule.clean(): a non-empty column, a
// recognized operator, and a numeric value.
func ValidateThreshold(r *models.ThresholdRule) error {
	if strings.TrimSpace(r.ColumnName) == "" {
		return ferrors.NewField(ferrors.CategoryValidation, "column_name", errEmptyColumn)
	}
	if !allowedOperators[r.Operator] {
		return ferrors.NewField(ferrors.CategoryValidation, "operator", errBadOperator)
	}
	return nil
}

// ValidateComposite walks the condition tree iteratively (an explicit
// stack, matching the non-recursive validation the original model used)
// and requires every leaf to carry column/operator/value and every NOT
// node to have exactly one subcondition.
func ValidateComposite(root *models.CompositeCondition) error {
	stack := []*models.CompositeCondition{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if n.Column != "" {
			if n.Operator == "" {
				return ferrors.NewField(ferrors.CategoryValidation, "operator", errMissingLeafField)
			}
			if !allowedOperators[n.Operator] {
				return ferrors.NewField(ferrors.CategoryValidation, "operator", errBadOperator)
			}
			if n.Value == nil {
				return ferrors.NewField(ferrors.CategoryValidation, "value", errMissingLeafField)
			}
			continue
		}

		logic := strings.ToUpper(n.Logic)
		if logic != "AND" && logic != "OR" && logic != "NOT" {
			return ferrors.NewField(ferrors.CategoryValidation, "logic", errBadLogic)
		}
		if len(n.Conditions) == 0 {
			return ferrors.NewField(ferrors.CategoryValidation, "conditions", errEmptyConditions)
		}
		if logic == "NOT" && len(n.Conditions) != 1 {
			return ferrors.NewField(ferrors.CategoryValidation, "conditions", errNotArity)
		}
		for i := range n.Conditions {
			stack = append(stack, &n.Conditions[i])
		}
	}
	return nil
}

// ValidatePattern mirrors PatternRule.clean(): a positive window and a
// positive minimum count.
func ValidatePattern(r *models.PatternRule) error {
	if r.WindowSeconds <= 0 {
		return ferrors.NewField(ferrors.CategoryValidation, "window_seconds", errNonPositiveWindow)
	}
	if r.MinCount <= 0 {
		return ferrors.NewField(ferrors.CategoryValidation, "min_count", errNonPositiveMinCount)
	}
	return nil
}

// ValidateML mirrors MLRule.clean(): a threshold in [0,1] and a non-empty
// model name.
func ValidateML(r *models.MLRule) error {
	if r.Threshold < 0 || r.Threshold > 1 {
		return ferrors.NewField(ferrors.CategoryValidation, "threshold", errThresholdRange)
	}
	if strings.TrimSpace(r.ModelName) == "" {
		return ferrors.NewField(ferrors.CategoryValidation, "model_name", errEmptyModelName)
	}
	return nil
}
