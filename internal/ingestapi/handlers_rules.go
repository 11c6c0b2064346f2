// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ingestapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/luxfi/fraudscreen/internal/models"
	flog "github.com/luxfi/fraudscreen/log"
)

// handleListRules returns all four rule families keyed by table name,
// matching get_rules' no-argument branch; it has no single-family form.
func (s *Server) handleListRules(c *gin.Context) {
	ctx := c.Request.Context()

	thresholds, err := s.RuleStore.ListThreshold(ctx)
	if err != nil {
		abortWithError(c, err)
		return
	}
	composites, err := s.RuleStore.ListComposite(ctx)
	if err != nil {
		abortWithError(c, err)
		return
	}
	patterns, err := s.RuleStore.ListPattern(ctx)
	if err != nil {
		abortWithError(c, err)
		return
	}
	mlRules, err := s.RuleStore.ListML(ctx)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"threshold_rules": thresholds,
		"composite_rules": composites,
		"pattern_rules":   patterns,
		"ml_rules":        mlRules,
	})
}

func (s *Server) handleGetRule(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule id"})
		return
	}

	ctx := c.Request.Context()
	switch models.RuleKind(c.Param("rule")) {
	case models.KindThreshold:
		r, err := s.RuleStore.GetThreshold(ctx, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, r)
	case models.KindComposite:
		r, err := s.RuleStore.GetComposite(ctx, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, r)
	case models.KindPattern:
		r, err := s.RuleStore.GetPattern(ctx, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, r)
	case models.KindML:
		r, err := s.RuleStore.GetML(ctx, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, r)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown rule type"})
	}
}

type ruleEnvelope struct {
	Type string `json:"type"`
}

// createdBy defaults to "api" when the caller does not identify itself,
// matching views.py's username field having no session-based auth to
// populate it from.
func createdBy(c *gin.Context) string {
	if v := c.GetHeader("X-Requested-By"); v != "" {
		return v
	}
	return "api"
}

func (s *Server) handleCreateRule(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	var env ruleEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "field 'type' is required (threshold/composite/pattern/ml)"})
		return
	}

	ctx := c.Request.Context()
	switch models.RuleKind(env.Type) {
	case models.KindThreshold:
		var r models.ThresholdRule
		if err := json.Unmarshal(body, &r); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		r.CreatedBy = createdBy(c)
		if err := s.RuleStore.CreateThreshold(ctx, &r); err != nil {
			abortWithError(c, err)
			return
		}
		s.publishReload(ctx)
		c.JSON(http.StatusCreated, r)
	case models.KindComposite:
		var r models.CompositeRule
		if err := json.Unmarshal(body, &r); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		r.CreatedBy = createdBy(c)
		if err := s.RuleStore.CreateComposite(ctx, &r); err != nil {
			abortWithError(c, err)
			return
		}
		s.publishReload(ctx)
		c.JSON(http.StatusCreated, r)
	case models.KindPattern:
		var r models.PatternRule
		if err := json.Unmarshal(body, &r); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		r.CreatedBy = createdBy(c)
		if err := s.RuleStore.CreatePattern(ctx, &r); err != nil {
			abortWithError(c, err)
			return
		}
		s.publishReload(ctx)
		c.JSON(http.StatusCreated, r)
	case models.KindML:
		var r models.MLRule
		if err := json.Unmarshal(body, &r); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		r.CreatedBy = createdBy(c)
		if err := s.RuleStore.CreateML(ctx, &r); err != nil {
			abortWithError(c, err)
			return
		}
		s.publishReload(ctx)
		c.JSON(http.StatusCreated, r)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown rule type"})
	}
}

func (s *Server) handleUpdateRule(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule id"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	ctx := c.Request.Context()
	switch models.RuleKind(c.Param("rule")) {
	case models.KindThreshold:
		r, err := s.RuleStore.GetThreshold(ctx, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if err := json.Unmarshal(body, r); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		r.ID = id
		if err := s.RuleStore.UpdateThreshold(ctx, r); err != nil {
			abortWithError(c, err)
			return
		}
		s.publishReload(ctx)
		c.JSON(http.StatusOK, r)
	case models.KindComposite:
		r, err := s.RuleStore.GetComposite(ctx, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if err := json.Unmarshal(body, r); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		r.ID = id
		if err := s.RuleStore.UpdateComposite(ctx, r); err != nil {
			abortWithError(c, err)
			return
		}
		s.publishReload(ctx)
		c.JSON(http.StatusOK, r)
	case models.KindPattern:
		r, err := s.RuleStore.GetPattern(ctx, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if err := json.Unmarshal(body, r); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		r.ID = id
		if err := s.RuleStore.UpdatePattern(ctx, r); err != nil {
			abortWithError(c, err)
			return
		}
		s.publishReload(ctx)
		c.JSON(http.StatusOK, r)
	case models.KindML:
		r, err := s.RuleStore.GetML(ctx, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if err := json.Unmarshal(body, r); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		r.ID = id
		if err := s.RuleStore.UpdateML(ctx, r); err != nil {
			abortWithError(c, err)
			return
		}
		s.publishReload(ctx)
		c.JSON(http.StatusOK, r)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown rule type"})
	}
}

func (s *Server) handleDeleteRule(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule id"})
		return
	}

	kind := models.RuleKind(c.Param("rule"))
	switch kind {
	case models.KindThreshold, models.KindComposite, models.KindPattern, models.KindML:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown rule type"})
		return
	}

	ctx := c.Request.Context()
	if err := s.RuleStore.Delete(ctx, kind, id); err != nil {
		abortWithError(c, err)
		return
	}
	s.publishReload(ctx)
	c.JSON(http.StatusOK, gin.H{"message": "rule deleted"})
}

// publishReload notifies workers to refresh their rule snapshot. A publish
// failure is logged, not returned: the write already committed and the
// worker's rule cache picks it up on its next TTL reload.
func (s *Server) publishReload(ctx context.Context) {
	if s.RulesReload == nil {
		return
	}
	if err := s.RulesReload.Publish(ctx); err != nil {
		flog.Error("rules_reload_publish_failed", "error", err)
	}
}
