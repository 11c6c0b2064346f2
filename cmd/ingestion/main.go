// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// ingestion runs the HTTP ingestion surface: batch transaction intake,
// transaction listing/lookup/status/export, and rule CRUD.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/luxfi/fraudscreen/internal/bootstrap"
	"github.com/luxfi/fraudscreen/internal/config"
	"github.com/luxfi/fraudscreen/internal/idempotency"
	"github.com/luxfi/fraudscreen/internal/ingest"
	"github.com/luxfi/fraudscreen/internal/ingestapi"
	"github.com/luxfi/fraudscreen/internal/queue"
	"github.com/luxfi/fraudscreen/internal/rulestore"
	"github.com/luxfi/fraudscreen/internal/stream"
	"github.com/luxfi/fraudscreen/internal/txstore"
	flog "github.com/luxfi/fraudscreen/log"
)

var app = &cli.App{
	Name:  "ingestion",
	Usage: "fraud screening transaction ingestion API",
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

	pipeline := &ingest.Pipeline{
		Cache:       idempotency.NewCache(rdb, cfg.IdempotencyTTL),
		Dedup:       idempotency.NewDedupSet(rdb, fmt.Sprintf("%s:dedup", cfg.FPGNamespace), cfg.FingerprintTTL),
		SeenBatches: idempotency.NewSeenBatches(rdb, cfg.SeenBatchesKey(), cfg.FingerprintTTL),
		Existence:   txStore,
		Stream:      streamClient,
		DedupFields: cfg.DedupFields(),
		ValChunk:    cfg.ValChunk,
		XaddChunk:   cfg.XaddChunk,
		LookupChunk: cfg.LookupChunk,
	}

	srv := &ingestapi.Server{
		Pipeline:    pipeline,
		TxStore:     txStore,
		RuleStore:   ruleStore,
		RulesReload: queue.NewRulesReload(rdb, cfg.RulesReloadChannel),
		Redis:       rdb,
		MaxBatch:    cfg.MaxBatch,
	}

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Router()}

	errCh := make(chan error, 1)
	go func() {
		flog.Info("ingestion_listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	flog.Info("ingestion_shutting_down")
	return httpServer.Shutdown(shutdownCtx)
}
