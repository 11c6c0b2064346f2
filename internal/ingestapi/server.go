// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ingestapi is the gin-based HTTP surface: batch ingestion,
// transaction listing/lookup/status/export, rule CRUD, and the ML
// probability lookup, all thin wrappers over internal/ingest,
// internal/txstore, and internal/rulestore.
package ingestapi

import (
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/luxfi/fraudscreen/internal/ingest"
	"github.com/luxfi/fraudscreen/internal/queue"
	"github.com/luxfi/fraudscreen/internal/rulestore"
	"github.com/luxfi/fraudscreen/internal/txstore"
	flog "github.com/luxfi/fraudscreen/log"
)

// accessLogger carries the per-request structured fields (method, path,
// status, latency) that flog's simpler key/value sink doesn't chain as
// cleanly; it sits alongside luxfi/log rather than replacing it.
var accessLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Server wires the HTTP handlers to their storage and pipeline
// dependencies.
type Server struct {
	Pipeline    *ingest.Pipeline
	TxStore     *txstore.Store
	RuleStore   *rulestore.Store
	RulesReload *queue.RulesReload
	Redis       *redis.Client
	MaxBatch    int
}

// Router builds the gin.Engine exposing every ingestion, transaction,
// rule, and ML route the service serves.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), accessLog())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.POST("/transactions/stream/", s.handleIngest)
		api.GET("/transactions/", s.handleListTransactions)
		api.GET("/transactions/export/", s.handleExportTransactions)
		api.GET("/transactions/:correlation_id/", s.handleGetTransaction)
		api.PUT("/transactions/:correlation_id/status/", s.handleUpdateTransactionStatus)

		api.GET("/rules/", s.handleListRules)
		api.GET("/rules/:rule/:id/", s.handleGetRule)
		api.POST("/rules/create/", s.handleCreateRule)
		api.PUT("/rules/update/:rule/:id/", s.handleUpdateRule)
		api.DELETE("/rules/delete/:rule/:id/", s.handleDeleteRule)

		api.GET("/ml/:tx_id/", s.handleMLProbability)
	}
	return r
}

// accessLog logs one structured line per request through a dedicated
// logger rather than gin's default writer. A 5xx response also gets an
// flog.Warn so it shows up in the process's usual event stream, not just
// the access log.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()

		accessLogger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http_request")

		if status >= 500 {
			flog.Warn("http_request_failed", "method", c.Request.Method, "path", c.Request.URL.Path, "status", status)
		}
	}
}
