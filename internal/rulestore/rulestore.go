// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rulestore is the Postgres-backed Rule Store: CRUD over the four
// rule tables, and the merged active-rule snapshot the evaluation worker's
// cache reloads from.
package rulestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/luxfi/fraudscreen/internal/ferrors"
	"github.com/luxfi/fraudscreen/internal/models"
	"github.com/luxfi/fraudscreen/internal/rules"
)

// Store is the Rule Store, backed by one pgx connection pool shared across
// the four rule tables.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ListActive returns every is_active rule across all four tables, merged
// into evaluation snapshots, sorted by (UpdatedAt, ID).
func (s *Store) ListActive(ctx context.Context) ([]rules.Snapshot, error) {
	var out []rules.Snapshot

	thresholds, err := s.listThreshold(ctx, true)
	if err != nil {
		return nil, err
	}
	for i := range thresholds {
		r := thresholds[i]
		out = append(out, rules.Snapshot{
			Kind: models.KindThreshold, ID: r.ID, Title: r.Title, Criticality: r.Criticality,
			CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, Threshold: &r,
		})
	}

	composites, err := s.listComposite(ctx, true)
	if err != nil {
		return nil, err
	}
	for i := range composites {
		r := composites[i]
		out = append(out, rules.Snapshot{
			Kind: models.KindComposite, ID: r.ID, Title: r.Title, Criticality: r.Criticality,
			CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, Composite: &r,
		})
	}

	patterns, err := s.listPattern(ctx, true)
	if err != nil {
		return nil, err
	}
	for i := range patterns {
		r := patterns[i]
		out = append(out, rules.Snapshot{
			Kind: models.KindPattern, ID: r.ID, Title: r.Title, Criticality: r.Criticality,
			CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, Pattern: &r,
		})
	}

	mlRules, err := s.listML(ctx, true)
	if err != nil {
		return nil, err
	}
	for i := range mlRules {
		r := mlRules[i]
		out = append(out, rules.Snapshot{
			Kind: models.KindML, ID: r.ID, Title: r.Title, Criticality: r.Criticality,
			CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, ML: &r,
		})
	}

	rules.SortSnapshots(out)
	return out, nil
}

// ListThreshold returns every threshold rule, active or not, newest update
// first, for the rule management surface.
func (s *Store) ListThreshold(ctx context.Context) ([]models.ThresholdRule, error) {
	return s.listThreshold(ctx, false)
}

// ListComposite returns every composite rule, active or not.
func (s *Store) ListComposite(ctx context.Context) ([]models.CompositeRule, error) {
	return s.listComposite(ctx, false)
}

// ListPattern returns every pattern rule, active or not.
func (s *Store) ListPattern(ctx context.Context) ([]models.PatternRule, error) {
	return s.listPattern(ctx, false)
}

// ListML returns every ML rule, active or not.
func (s *Store) ListML(ctx context.Context) ([]models.MLRule, error) {
	return s.listML(ctx, false)
}

func (s *Store) listThreshold(ctx context.Context, activeOnly bool) ([]models.ThresholdRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, description, username, is_active, criticality, created_at, updated_at,
		       column_name, operator, value
		FROM threshold_rules
		WHERE (NOT $1) OR is_active
		ORDER BY updated_at DESC`, activeOnly)
	if err != nil {
		return nil, ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("list threshold rules: %w", err))
	}
	defer rows.Close()

	var out []models.ThresholdRule
	for rows.Next() {
		var r models.ThresholdRule
		if err := rows.Scan(&r.ID, &r.Title, &r.Description, &r.CreatedBy, &r.IsActive, &r.Criticality,
			&r.CreatedAt, &r.UpdatedAt, &r.ColumnName, &r.Operator, &r.Value); err != nil {
			return nil, ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("scan threshold rule: %w", err))
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) listComposite(ctx context.Context, activeOnly bool) ([]models.CompositeRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, description, username, is_active, criticality, created_at, updated_at, rule
		FROM composite_rules
		WHERE (NOT $1) OR is_active
		ORDER BY updated_at DESC`, activeOnly)
	if err != nil {
		return nil, ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("list composite rules: %w", err))
	}
	defer rows.Close()

	var out []models.CompositeRule
	for rows.Next() {
		var r models.CompositeRule
		var raw []byte
		if err := rows.Scan(&r.ID, &r.Title, &r.Description, &r.CreatedBy, &r.IsActive, &r.Criticality,
			&r.CreatedAt, &r.UpdatedAt, &raw); err != nil {
			return nil, ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("scan composite rule: %w", err))
		}
		if err := json.Unmarshal(raw, &r.Rule); err != nil {
			return nil, ferrors.NewField(ferrors.CategoryValidation, "rule", fmt.Errorf("decode composite rule %d: %w", r.ID, err))
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) listPattern(ctx context.Context, activeOnly bool) ([]models.PatternRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, description, username, is_active, criticality, created_at, updated_at,
		       window_seconds, min_count, total_amount_limit, min_amount_limit, per_tx_min_limit, group_mode
		FROM pattern_rules
		WHERE (NOT $1) OR is_active
		ORDER BY updated_at DESC`, activeOnly)
	if err != nil {
		return nil, ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("list pattern rules: %w", err))
	}
	defer rows.Close()

	var out []models.PatternRule
	for rows.Next() {
		var r models.PatternRule
		if err := rows.Scan(&r.ID, &r.Title, &r.Description, &r.CreatedBy, &r.IsActive, &r.Criticality,
			&r.CreatedAt, &r.UpdatedAt, &r.WindowSeconds, &r.MinCount, &r.TotalAmountLimit,
			&r.MinAmountLimit, &r.PerTxMinLimit, &r.GroupMode); err != nil {
			return nil, ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("scan pattern rule: %w", err))
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) listML(ctx context.Context, activeOnly bool) ([]models.MLRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, description, username, is_active, criticality, created_at, updated_at,
		       threshold, model_name, input_template
		FROM ml_rules
		WHERE (NOT $1) OR is_active
		ORDER BY updated_at DESC`, activeOnly)
	if err != nil {
		return nil, ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("list ml rules: %w", err))
	}
	defer rows.Close()

	var out []models.MLRule
	for rows.Next() {
		var r models.MLRule
		if err := rows.Scan(&r.ID, &r.Title, &r.Description, &r.CreatedBy, &r.IsActive, &r.Criticality,
			&r.CreatedAt, &r.UpdatedAt, &r.Threshold, &r.ModelName, &r.InputTemplate); err != nil {
			return nil, ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("scan ml rule: %w", err))
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateThreshold validates and inserts a new threshold rule.
func (s *Store) CreateThreshold(ctx context.Context, r *models.ThresholdRule) error {
	if err := ValidateThreshold(r); err != nil {
		return err
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO threshold_rules (title, description, username, is_active, criticality, column_name, operator, value)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id, created_at, updated_at`,
		r.Title, r.Description, r.CreatedBy, r.IsActive, r.Criticality, r.ColumnName, r.Operator, r.Value,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
}

// CreateComposite validates and inserts a new composite rule.
func (s *Store) CreateComposite(ctx context.Context, r *models.CompositeRule) error {
	if err := ValidateComposite(&r.Rule); err != nil {
		return err
	}
	raw, err := json.Marshal(r.Rule)
	if err != nil {
		return ferrors.NewField(ferrors.CategoryValidation, "rule", err)
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO composite_rules (title, description, username, is_active, criticality, rule)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id, created_at, updated_at`,
		r.Title, r.Description, r.CreatedBy, r.IsActive, r.Criticality, raw,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
}

// CreatePattern validates and inserts a new pattern rule.
func (s *Store) CreatePattern(ctx context.Context, r *models.PatternRule) error {
	if err := ValidatePattern(r); err != nil {
		return err
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO pattern_rules (title, description, username, is_active, criticality,
			window_seconds, min_count, total_amount_limit, min_amount_limit, per_tx_min_limit, group_mode)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id, created_at, updated_at`,
		r.Title, r.Description, r.CreatedBy, r.IsActive, r.Criticality,
		r.WindowSeconds, r.MinCount, r.TotalAmountLimit, r.MinAmountLimit, r.PerTxMinLimit, r.GroupMode,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
}

// CreateML validates and inserts a new ML rule.
func (s *Store) CreateML(ctx context.Context, r *models.MLRule) error {
	if err := ValidateML(r); err != nil {
		return err
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO ml_rules (title, description, username, is_active, criticality, threshold, model_name, input_template)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id, created_at, updated_at`,
		r.Title, r.Description, r.CreatedBy, r.IsActive, r.Criticality, r.Threshold, r.ModelName, r.InputTemplate,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
}

// GetThreshold fetches one threshold rule by id.
func (s *Store) GetThreshold(ctx context.Context, id int64) (*models.ThresholdRule, error) {
	var r models.ThresholdRule
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, description, username, is_active, criticality, created_at, updated_at,
		       column_name, operator, value
		FROM threshold_rules WHERE id = $1`, id,
	).Scan(&r.ID, &r.Title, &r.Description, &r.CreatedBy, &r.IsActive, &r.Criticality,
		&r.CreatedAt, &r.UpdatedAt, &r.ColumnName, &r.Operator, &r.Value)
	if err != nil {
		return nil, notFoundOrInfra(err, "get threshold rule")
	}
	return &r, nil
}

// UpdateThreshold validates and overwrites an existing threshold rule.
func (s *Store) UpdateThreshold(ctx context.Context, r *models.ThresholdRule) error {
	if err := ValidateThreshold(r); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE threshold_rules SET
			title=$2, description=$3, username=$4, is_active=$5, criticality=$6,
			column_name=$7, operator=$8, value=$9, updated_at=now()
		WHERE id=$1`,
		r.ID, r.Title, r.Description, r.CreatedBy, r.IsActive, r.Criticality, r.ColumnName, r.Operator, r.Value)
	if err != nil {
		return ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("update threshold rule: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ferrors.New(ferrors.CategoryNotFound, ferrors.ErrRuleNotFound)
	}
	return s.pool.QueryRow(ctx, `SELECT updated_at FROM threshold_rules WHERE id=$1`, r.ID).Scan(&r.UpdatedAt)
}

// GetComposite fetches one composite rule by id.
func (s *Store) GetComposite(ctx context.Context, id int64) (*models.CompositeRule, error) {
	var r models.CompositeRule
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, description, username, is_active, criticality, created_at, updated_at, rule
		FROM composite_rules WHERE id = $1`, id,
	).Scan(&r.ID, &r.Title, &r.Description, &r.CreatedBy, &r.IsActive, &r.Criticality,
		&r.CreatedAt, &r.UpdatedAt, &raw)
	if err != nil {
		return nil, notFoundOrInfra(err, "get composite rule")
	}
	if err := json.Unmarshal(raw, &r.Rule); err != nil {
		return nil, ferrors.NewField(ferrors.CategoryValidation, "rule", fmt.Errorf("decode composite rule %d: %w", r.ID, err))
	}
	return &r, nil
}

// UpdateComposite validates and overwrites an existing composite rule.
func (s *Store) UpdateComposite(ctx context.Context, r *models.CompositeRule) error {
	if err := ValidateComposite(&r.Rule); err != nil {
		return err
	}
	raw, err := json.Marshal(r.Rule)
	if err != nil {
		return ferrors.NewField(ferrors.CategoryValidation, "rule", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE composite_rules SET
			title=$2, description=$3, username=$4, is_active=$5, criticality=$6, rule=$7, updated_at=now()
		WHERE id=$1`,
		r.ID, r.Title, r.Description, r.CreatedBy, r.IsActive, r.Criticality, raw)
	if err != nil {
		return ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("update composite rule: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ferrors.New(ferrors.CategoryNotFound, ferrors.ErrRuleNotFound)
	}
	return s.pool.QueryRow(ctx, `SELECT updated_at FROM composite_rules WHERE id=$1`, r.ID).Scan(&r.UpdatedAt)
}

// GetPattern fetches one pattern rule by id.
func (s *Store) GetPattern(ctx context.Context, id int64) (*models.PatternRule, error) {
	var r models.PatternRule
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, description, username, is_active, criticality, created_at, updated_at,
		       window_seconds, min_count, total_amount_limit, min_amount_limit, per_tx_min_limit, group_mode
		FROM pattern_rules WHERE id = $1`, id,
	).Scan(&r.ID, &r.Title, &r.Description, &r.CreatedBy, &r.IsActive, &r.Criticality,
		&r.CreatedAt, &r.UpdatedAt, &r.WindowSeconds, &r.MinCount, &r.TotalAmountLimit, &r.MinAmountLimit, &r.PerTxMinLimit, &r.GroupMode)
	if err != nil {
		return nil, notFoundOrInfra(err, "get pattern rule")
	}
	return &r, nil
}

// UpdatePattern validates and overwrites an existing pattern rule.
func (s *Store) UpdatePattern(ctx context.Context, r *models.PatternRule) error {
	if err := ValidatePattern(r); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE pattern_rules SET
			title=$2, description=$3, username=$4, is_active=$5, criticality=$6,
			window_seconds=$7, min_count=$8, total_amount_limit=$9, min_amount_limit=$10,
			per_tx_min_limit=$11, group_mode=$12,
			updated_at=now()
		WHERE id=$1`,
		r.ID, r.Title, r.Description, r.CreatedBy, r.IsActive, r.Criticality,
		r.WindowSeconds, r.MinCount, r.TotalAmountLimit, r.MinAmountLimit, r.PerTxMinLimit, r.GroupMode)
	if err != nil {
		return ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("update pattern rule: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ferrors.New(ferrors.CategoryNotFound, ferrors.ErrRuleNotFound)
	}
	return s.pool.QueryRow(ctx, `SELECT updated_at FROM pattern_rules WHERE id=$1`, r.ID).Scan(&r.UpdatedAt)
}

// GetML fetches one ML rule by id.
func (s *Store) GetML(ctx context.Context, id int64) (*models.MLRule, error) {
	var r models.MLRule
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, description, username, is_active, criticality, created_at, updated_at,
		       threshold, model_name, input_template
		FROM ml_rules WHERE id = $1`, id,
	).Scan(&r.ID, &r.Title, &r.Description, &r.CreatedBy, &r.IsActive, &r.Criticality,
		&r.CreatedAt, &r.UpdatedAt, &r.Threshold, &r.ModelName, &r.InputTemplate)
	if err != nil {
		return nil, notFoundOrInfra(err, "get ml rule")
	}
	return &r, nil
}

// UpdateML validates and overwrites an existing ML rule.
func (s *Store) UpdateML(ctx context.Context, r *models.MLRule) error {
	if err := ValidateML(r); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE ml_rules SET
			title=$2, description=$3, username=$4, is_active=$5, criticality=$6,
			threshold=$7, model_name=$8, input_template=$9, updated_at=now()
		WHERE id=$1`,
		r.ID, r.Title, r.Description, r.CreatedBy, r.IsActive, r.Criticality, r.Threshold, r.ModelName, r.InputTemplate)
	if err != nil {
		return ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("update ml rule: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ferrors.New(ferrors.CategoryNotFound, ferrors.ErrRuleNotFound)
	}
	return s.pool.QueryRow(ctx, `SELECT updated_at FROM ml_rules WHERE id=$1`, r.ID).Scan(&r.UpdatedAt)
}

func notFoundOrInfra(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ferrors.New(ferrors.CategoryNotFound, ferrors.ErrRuleNotFound)
	}
	return ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("%s: %w", op, err))
}

// Delete removes a rule of the given kind by id.
func (s *Store) Delete(ctx context.Context, kind models.RuleKind, id int64) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
	if err != nil {
		return ferrors.New(ferrors.CategoryTransientInfra, fmt.Errorf("delete %s rule: %w", kind, err))
	}
	if tag.RowsAffected() == 0 {
		return ferrors.New(ferrors.CategoryNotFound, ferrors.ErrRuleNotFound)
	}
	return nil
}

func tableFor(kind models.RuleKind) (string, error) {
	switch kind {
	case models.KindThreshold:
		return "threshold_rules", nil
	case models.KindComposite:
		return "composite_rules", nil
	case models.KindPattern:
		return "pattern_rules", nil
	case models.KindML:
		return "ml_rules", nil
	default:
		return "", ferrors.Newf(ferrors.CategoryValidation, "unknown rule kind %q", kind)
	}
}
