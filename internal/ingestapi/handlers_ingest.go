// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ingestapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/luxfi/fraudscreen/internal/ingest"
	"github.com/luxfi/fraudscreen/internal/metrics"
)

// handleIngest accepts a single transaction object, {"transactions": [...]},
// or a bare list, and runs it through the ingestion pipeline. Mode is
// selected by the X-Reprocess header or ?reprocess query param ("1"/"true"/
// "yes" for reprocess, "auto" for auto), defaulting to normal.
func (s *Server) handleIngest(c *gin.Context) {
	ct := strings.ToLower(c.ContentType())
	if !strings.HasPrefix(ct, "application/json") {
		metrics.IngestRequests.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only application/json is supported"})
		return
	}

	var body interface{}
	if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil {
		metrics.IngestRequests.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	records := ensureList(body)
	if len(records) == 0 {
		metrics.IngestRequests.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "no transactions to process"})
		return
	}
	if s.MaxBatch > 0 && len(records) > s.MaxBatch {
		metrics.IngestRequests.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": "batch too large, split it across multiple requests",
		})
		return
	}

	req := ingest.BatchRequest{
		Records:        records,
		Mode:           resolveMode(c),
		IdempotencyKey: idempotencyKey(c),
	}

	result, status, err := s.Pipeline.Run(c.Request.Context(), req)
	if err != nil {
		metrics.IngestRequests.WithLabelValues("error").Inc()
		abortWithError(c, err)
		return
	}
	metrics.IngestRequests.WithLabelValues("ok").Inc()
	c.JSON(status, result)
}

// ensureList mirrors the original's _ensure_list: a dict carrying a
// "transactions" key unwraps to that list, a bare list passes through, any
// other object becomes a one-element list.
func ensureList(body interface{}) []map[string]interface{} {
	switch v := body.(type) {
	case map[string]interface{}:
		if txs, ok := v["transactions"].([]interface{}); ok {
			return toMapSlice(txs)
		}
		return []map[string]interface{}{v}
	case []interface{}:
		return toMapSlice(v)
	default:
		return nil
	}
}

func toMapSlice(items []interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

func resolveMode(c *gin.Context) ingest.Mode {
	v := strings.ToLower(strings.TrimSpace(c.Query("reprocess")))
	if v == "" {
		v = strings.ToLower(strings.TrimSpace(c.GetHeader("X-Reprocess")))
	}
	switch v {
	case "auto":
		return ingest.ModeAuto
	case "1", "true", "yes":
		return ingest.ModeReprocess
	default:
		return ""
	}
}

func idempotencyKey(c *gin.Context) string {
	if k := c.GetHeader("Idempotency-Key"); k != "" {
		return k
	}
	return c.Query("idempotency_key")
}
