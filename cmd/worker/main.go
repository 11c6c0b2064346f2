// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// worker runs the evaluation loop: consume the transaction stream,
// evaluate batches against the active rule snapshot, persist and promote
// status, and fan alerts out.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/luxfi/fraudscreen/internal/bootstrap"
	"github.com/luxfi/fraudscreen/internal/config"
	"github.com/luxfi/fraudscreen/internal/models"
	"github.com/luxfi/fraudscreen/internal/queue"
	"github.com/luxfi/fraudscreen/internal/rules"
	"github.com/luxfi/fraudscreen/internal/rulestore"
	"github.com/luxfi/fraudscreen/internal/stream"
	"github.com/luxfi/fraudscreen/internal/txstore"
	"github.com/luxfi/fraudscreen/internal/worker"
	flog "github.com/luxfi/fraudscreen/log"
)

var app = &cli.App{
	Name:  "worker",
	Usage: "fraud screening evaluation worker",
}

func init() {
	app.Action = run
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	bootstrap.SetupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()

	txStore := txstore.New(pool)
	ruleStore := rulestore.New(pool)
	streamClient := stream.New(rdb, cfg.StreamKey, cfg.ConsumerGroup, cfg.StreamMaxLen)
	if err := streamClient.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	ruleCache := worker.NewRuleCache(ruleStore, cfg.RuleCacheTTL)
	mlQueue := queue.NewMLQueue(rdb, cfg.MLQueueKey, cfg.MLQueueMaxLen)
	mlHook := worker.NewMLHook(rdb, mlQueue)
	aggregator := worker.NewAggregator(txStore, nil)

	alertsQueue := queue.NewAlertQueue(rdb, cfg.AlertsQueue)
	telegram := queue.NewTelegramStream(rdb, cfg.TelegramStream, cfg.TGQueueMaxLen)

	consumer := cfg.ConsumerName
	if consumer == "" {
		hostname, _ := os.Hostname()
		// Appending a uuid, not just the pid, keeps the consumer name
		// unique across restarts on the same host within the claim-idle
		// window, so a crashed consumer's pending entries are reclaimed
		// by ReclaimStale rather than confused with a same-pid respawn.
		consumer = fmt.Sprintf("worker-%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
	}

	loop := worker.NewLoop(streamClient, txStore, ruleCache, aggregator, mlHook,
		rdb, alertsQueue, telegram, cfg.AlertDedupTTL, cfg.FrontendBaseURL)
	loop.Consumer = consumer
	loop.BatchSize = int64(cfg.WorkerBatchSize)
	loop.BlockTimeout = cfg.WorkerBlockTimeout
	loop.ClaimIdleTimeout = cfg.ClaimIdleTimeout.Milliseconds()
	loop.InsertChunk = cfg.ValChunk
	loop.LookupChunk = cfg.LookupChunk
	loop.StopMode = rules.StopMode(cfg.StopMode)
	loop.StopCriticality = models.CriticalityLevel(cfg.StopCriticality)

	reload := queue.NewRulesReload(rdb, cfg.RulesReloadChannel)
	go func() {
		if err := reload.Listen(ctx, ruleCache.MarkDirty); err != nil {
			flog.Warn("rules_reload_listen_stopped", "error", err)
		}
	}()

	flog.Info("worker_started", "consumer", consumer, "stream", cfg.StreamKey, "group", cfg.ConsumerGroup)
	if err := loop.Run(ctx); err != nil {
		return fmt.Errorf("worker loop: %w", err)
	}
	flog.Info("worker_stopped")
	return nil
}
