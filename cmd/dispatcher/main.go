// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// dispatcher drains the alerts queue and delivers each alert to the
// configured webhook through a bounded worker pool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/luxfi/fraudscreen/internal/bootstrap"
	"github.com/luxfi/fraudscreen/internal/config"
	"github.com/luxfi/fraudscreen/internal/dispatch"
	"github.com/luxfi/fraudscreen/internal/queue"
	flog "github.com/luxfi/fraudscreen/log"
)

var app = &cli.App{
	Name:  "dispatcher",
	Usage: "fraud screening alert dispatcher",
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

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()

	alertsQueue := queue.NewAlertQueue(rdb, cfg.AlertsQueue)
	d := dispatch.New(alertsQueue, cfg.WebhookBaseURL, int64(cfg.DispatcherMaxInflight), cfg.DispatcherBRPopTimeout)

	flog.Info("dispatcher_started", "queue", cfg.AlertsQueue, "max_inflight", cfg.DispatcherMaxInflight)
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("dispatcher run: %w", err)
	}
	flog.Info("dispatcher_stopped")
	return nil
}
