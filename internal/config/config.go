// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config centralizes the environment-variable-driven settings
// shared by cmd/ingestion, cmd/worker, and cmd/dispatcher, following the
// teacher's spf13/viper convention (AutomaticEnv + SetDefault) rather than
// scattering os.Getenv calls through the code.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the pipeline reads from its environment. Each
// field is read in Load from the upper-cased form of its viper key.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PostgresDSN string

	StreamKey      string
	ConsumerGroup  string
	ConsumerName   string
	StreamMaxLen   int64

	AlertsQueue    string
	TelegramStream string
	TGQueueMaxLen  int64
	MLQueueKey     string
	MLQueueMaxLen  int64
	RulesReloadChannel string

	ValChunk    int
	DedupChunk  int
	XaddChunk   int
	MaxBatch    int
	LookupChunk int

	IdempotencyTTL time.Duration
	FingerprintTTL time.Duration
	AlertDedupTTL  time.Duration

	DedupFieldsCSV string
	FPGNamespace   string

	StopMode        string
	StopCriticality string

	RuleCacheTTL time.Duration

	WebhookBaseURL  string
	FrontendBaseURL string

	WorkerBatchSize    int
	WorkerBlockTimeout time.Duration
	ClaimIdleTimeout   time.Duration

	DispatcherWorkers    int
	DispatcherMaxInflight int
	DispatcherBRPopTimeout time.Duration

	HTTPAddr string

	LogFile  string
	LogLevel string
}

// Load populates a Config from the process environment, applying the
// documented defaults for anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("redis_host", "localhost")
	v.SetDefault("redis_port", 6379)
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("database_url", "postgres://localhost:5432/fraudscreen?sslmode=disable")

	v.SetDefault("stream_key", "transactions_stream")
	v.SetDefault("consumer_group", "fraud_workers")
	v.SetDefault("consumer_name", "")
	v.SetDefault("stream_maxlen", 2_000_000)

	v.SetDefault("alerts_queue", "alerts_queue")
	v.SetDefault("tg_alert_queue", "tg_alert_queue")
	v.SetDefault("tg_queue_maxlen", 2000)
	v.SetDefault("ml_eval_queue", "ml_eval_queue")
	v.SetDefault("ml_queue_maxlen", 5000)
	v.SetDefault("rules_reload_channel", "rules_reload")

	v.SetDefault("val_chunk", 10000)
	v.SetDefault("dedup_chunk", 50000)
	v.SetDefault("xadd_chunk", 5000)
	v.SetDefault("max_batch", 90000)
	v.SetDefault("lookup_chunk", 5000)

	v.SetDefault("idemp_ttl", "86400s")
	v.SetDefault("fpg_ttl", "604800s")
	v.SetDefault("webhook_dedup_ttl", "600s")

	v.SetDefault("dedup_fields", "transaction_id,correlation_id")
	v.SetDefault("fpg_namespace", "fpg")

	v.SetDefault("tx_stop_mode", "")
	v.SetDefault("tx_stop_criticality", "critical")

	v.SetDefault("rule_cache_ttl", "5s")

	v.SetDefault("notify_webhook_url", "http://127.0.0.1:8001/api/alerts")
	v.SetDefault("frontend_base_url", "http://127.0.0.1:8001/transaction-details.html")

	v.SetDefault("worker_batch_size", 500)
	v.SetDefault("worker_block_timeout", "2s")
	v.SetDefault("claim_idle_timeout", "30s")

	v.SetDefault("webhook_workers", 4)
	v.SetDefault("alerts_brpop_timeout", "5s")

	v.SetDefault("http_addr", ":8080")

	v.SetDefault("log_file", "")
	v.SetDefault("log_level", "info")

	cfg := &Config{
		RedisAddr:     fmt.Sprintf("%s:%d", v.GetString("redis_host"), v.GetInt("redis_port")),
		RedisPassword: v.GetString("redis_password"),
		RedisDB:       v.GetInt("redis_db"),

		PostgresDSN: v.GetString("database_url"),

		StreamKey:          v.GetString("stream_key"),
		ConsumerGroup:      v.GetString("consumer_group"),
		ConsumerName:       v.GetString("consumer_name"),
		StreamMaxLen:       v.GetInt64("stream_maxlen"),
		AlertsQueue:        v.GetString("alerts_queue"),
		TelegramStream:     v.GetString("tg_alert_queue"),
		TGQueueMaxLen:      v.GetInt64("tg_queue_maxlen"),
		MLQueueKey:         v.GetString("ml_eval_queue"),
		MLQueueMaxLen:      v.GetInt64("ml_queue_maxlen"),
		RulesReloadChannel: v.GetString("rules_reload_channel"),

		ValChunk:    v.GetInt("val_chunk"),
		DedupChunk:  v.GetInt("dedup_chunk"),
		XaddChunk:   v.GetInt("xadd_chunk"),
		MaxBatch:    v.GetInt("max_batch"),
		LookupChunk: v.GetInt("lookup_chunk"),

		IdempotencyTTL: v.GetDuration("idemp_ttl"),
		FingerprintTTL: v.GetDuration("fpg_ttl"),
		AlertDedupTTL:  v.GetDuration("webhook_dedup_ttl"),

		DedupFieldsCSV: v.GetString("dedup_fields"),
		FPGNamespace:   v.GetString("fpg_namespace"),

		StopMode:        v.GetString("tx_stop_mode"),
		StopCriticality: v.GetString("tx_stop_criticality"),

		RuleCacheTTL: v.GetDuration("rule_cache_ttl"),

		WebhookBaseURL:  v.GetString("notify_webhook_url"),
		FrontendBaseURL: v.GetString("frontend_base_url"),

		WorkerBatchSize:    v.GetInt("worker_batch_size"),
		WorkerBlockTimeout: v.GetDuration("worker_block_timeout"),
		ClaimIdleTimeout:   v.GetDuration("claim_idle_timeout"),

		DispatcherWorkers:     v.GetInt("webhook_workers"),
		DispatcherBRPopTimeout: v.GetDuration("alerts_brpop_timeout"),

		HTTPAddr: v.GetString("http_addr"),

		LogFile:  v.GetString("log_file"),
		LogLevel: v.GetString("log_level"),
	}
	cfg.DispatcherMaxInflight = cfg.DispatcherWorkers * 4

	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("config: DATABASE_URL must be set")
	}
	return cfg, nil
}

// DedupFields splits DedupFieldsCSV into the ordered field list the
// idempotency dedup set keys on.
func (c *Config) DedupFields() []string {
	return strings.Split(c.DedupFieldsCSV, ",")
}

// SeenBatchesKey is the Redis key of the set of already-submitted batch
// fingerprints, namespaced the way the original's FPG_SEEN_KEY was.
func (c *Config) SeenBatchesKey() string {
	return fmt.Sprintf("%s:seen", c.FPGNamespace)
}
