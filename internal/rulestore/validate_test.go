// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rulestore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/fraudscreen/internal/ferrors"
	"github.com/luxfi/fraudscreen/internal/models"
)

func TestValidateThreshold(t *testing.T) {
	require.NoError(t, ValidateThreshold(&models.ThresholdRule{ColumnName: "amount", Operator: ">"}))

	err := ValidateThreshold(&models.ThresholdRule{ColumnName: "", Operator: ">"})
	require.True(t, ferrors.Is(err, ferrors.CategoryValidation))

	err = ValidateThreshold(&models.ThresholdRule{ColumnName: "amount", Operator: "~="})
	require.Error(t, err)
}

func TestValidateComposite_DeepTreeNoRecursion(t *testing.T) {
	node := models.CompositeCondition{Column: "amount", Operator: ">", Value: 0.0}
	for i := 0; i < 2000; i++ {
		node = models.CompositeCondition{Logic: "AND", Conditions: []models.CompositeCondition{node}}
	}
	require.NoError(t, ValidateComposite(&node))
}

func TestValidateComposite_NOTArity(t *testing.T) {
	tree := models.CompositeCondition{
		Logic: "NOT",
		Conditions: []models.CompositeCondition{
			{Column: "amount", Operator: ">", Value: 1.0},
			{Column: "amount", Operator: "<", Value: 2.0},
		},
	}
	require.Error(t, ValidateComposite(&tree))
}

func TestValidatePattern(t *testing.T) {
	require.Error(t, ValidatePattern(&models.PatternRule{WindowSeconds: 0, MinCount: 1}))
	require.Error(t, ValidatePattern(&models.PatternRule{WindowSeconds: 60, MinCount: 0}))
	require.NoError(t, ValidatePattern(&models.PatternRule{WindowSeconds: 60, MinCount: 1}))
}

func TestValidateML(t *testing.T) {
	require.Error(t, ValidateML(&models.MLRule{Threshold: 1.5, ModelName: "m"}))
	require.Error(t, ValidateML(&models.MLRule{Threshold: 0.5, ModelName: ""}))
	require.NoError(t, ValidateML(&models.MLRule{Threshold: 0.5, ModelName: "m"}))
}
