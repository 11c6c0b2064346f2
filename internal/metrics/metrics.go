// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics is the process-wide prometheus.Registry and the counters/
// histograms each service registers against it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// IngestRequests counts ingestion requests by outcome (ok/rejected/error).
var IngestRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fraudscreen_ingest_requests_total",
	Help: "Ingestion requests handled, by outcome.",
}, []string{"outcome"})

// BatchLatency measures one worker batch's evaluate+persist+ack duration.
var BatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "fraudscreen_batch_process_seconds",
	Help:    "Time to evaluate, persist, and ack one worker batch.",
	Buckets: prometheus.DefBuckets,
})

// RuleFires counts rule evaluations that fired, by rule kind.
var RuleFires = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fraudscreen_rule_fires_total",
	Help: "Rule evaluations that fired, by rule kind.",
}, []string{"kind"})

// AlertsDelivered counts webhook delivery attempts by outcome.
var AlertsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fraudscreen_alerts_delivered_total",
	Help: "Alert webhook delivery attempts, by outcome (ok/failed).",
}, []string{"outcome"})
