// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rules

import (
	"sort"
	"time"

	"github.com/luxfi/fraudscreen/internal/models"
)

// Snapshot is one active rule merged into the kind-agnostic tuple the
// worker's main loop iterates, sortable by (UpdatedAt, ID) so reload
// ordering is stable regardless of which table a rule lives in.
type Snapshot struct {
	Kind        models.RuleKind
	ID          int64
	Title       string
	Criticality string
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Threshold *models.ThresholdRule
	Composite *models.CompositeRule
	Pattern   *models.PatternRule
	ML        *models.MLRule
}

// SortSnapshots orders a cache reload's merged rule list by (UpdatedAt, ID)
// ascending, matching the load order the cutoff-windowed
// load_rules_snapshot comparison depends on.
func SortSnapshots(items []Snapshot) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.Before(items[j].UpdatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

// StopMode controls whether the evaluation loop breaks out early once a
// rule at or above StopCriticality has fired.
type StopMode string

const (
	StopModeNone     StopMode = ""
	StopModeCritical StopMode = "critical"
)

// Fired describes one rule that matched during Evaluate.
type Fired struct {
	ID          int64
	Kind        models.RuleKind
	Title       string
	Criticality string
	Reason      string
}

// PatternLookup resolves the pre-aggregated window stats for a pattern
// rule's group, letting Evaluate stay free of any storage dependency.
// Implementations come from the worker's per-batch Aggregator.
type PatternLookup interface {
	Stats(rule models.PatternRule, rec Record) (stats GroupStats, label string)
}

// MLAdvisor runs (or enqueues) an ML rule's advisory scoring. It never
// contributes to Result.Triggered: per spec, ML rules are advisory-only.
type MLAdvisor interface {
	Advise(rec Record, rule models.MLRule) (probability float64, reason string, err error)
}

// RuleError is surfaced for observability when a single rule raises during
// Evaluate; the loop logs it and continues rather than aborting the batch.
type RuleError struct {
	RuleID int64
	Kind   models.RuleKind
	Err    error
}

// Result is what Evaluate returns for one transaction.
type Result struct {
	Triggered    bool
	Fired        []Fired
	MaxCritLevel int
	Errors       []RuleError
}

// Options configures a single Evaluate call; StopMode/StopCriticality are
// per-deployment settings read once at worker startup (TX_STOP_MODE /
// TX_STOP_CRITICALITY).
type Options struct {
	StopMode         StopMode
	StopCriticality  int
	Patterns         PatternLookup
	ML               MLAdvisor
}

// Evaluate runs every active rule against rec in (UpdatedAt, ID) order.
// Threshold/composite/pattern rules are the blocking pass: a match at or
// above Options.StopCriticality under StopModeCritical ends that pass
// early. ML rules are then run unconditionally in a second, separate pass
// regardless of whether the blocking pass stopped early — they are
// advisory-only and can never flip Result.Triggered, so running them after
// an early stop cannot violate the early-stop invariant on the rules that
// do matter for blocking.
func Evaluate(rec Record, snapshot []Snapshot, opts Options) Result {
	var res Result

	for _, s := range snapshot {
		if s.Kind == models.KindML {
			continue
		}

		triggered, reason, err := evalOne(rec, s, opts.Patterns)
		if err != nil {
			res.Errors = append(res.Errors, RuleError{RuleID: s.ID, Kind: s.Kind, Err: err})
			continue
		}
		if !triggered {
			continue
		}

		res.Triggered = true
		res.Fired = append(res.Fired, Fired{
			ID:          s.ID,
			Kind:        s.Kind,
			Title:       s.Title,
			Criticality: s.Criticality,
			Reason:      reason,
		})

		lvl := models.CriticalityLevel(s.Criticality)
		if lvl > res.MaxCritLevel {
			res.MaxCritLevel = lvl
		}

		if opts.StopMode == StopModeCritical && lvl >= opts.StopCriticality {
			break
		}
	}

	if opts.ML != nil {
		for _, s := range snapshot {
			if s.Kind != models.KindML || s.ML == nil {
				continue
			}
			if _, _, err := opts.ML.Advise(rec, *s.ML); err != nil {
				res.Errors = append(res.Errors, RuleError{RuleID: s.ID, Kind: s.Kind, Err: err})
			}
		}
	}

	return res
}

func evalOne(rec Record, s Snapshot, patterns PatternLookup) (bool, string, error) {
	switch s.Kind {
	case models.KindThreshold:
		if s.Threshold == nil {
			return false, "", nil
		}
		return EvalThreshold(rec, s.Threshold.ColumnName, s.Threshold.Operator, s.Threshold.Value)
	case models.KindComposite:
		if s.Composite == nil {
			return false, "", nil
		}
		ok, reason := EvalComposite(rec, &s.Composite.Rule)
		return ok, reason, nil
	case models.KindPattern:
		if s.Pattern == nil || patterns == nil {
			return false, "", nil
		}
		stats, label := patterns.Stats(*s.Pattern, rec)
		ok, reason := EvalPattern(rec, *s.Pattern, stats, label)
		return ok, reason, nil
	default:
		return false, "", nil
	}
}
