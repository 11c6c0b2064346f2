// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bootstrap holds the process-startup wiring shared by
// cmd/ingestion, cmd/worker, and cmd/dispatcher: logging setup today,
// since config.Load and the storage/queue constructors already cover
// everything else a main needs.
package bootstrap

import (
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/luxfi/fraudscreen/internal/config"
	flog "github.com/luxfi/fraudscreen/log"
)

// SetupLogging points the process-wide logger at stderr and, when
// cfg.LogFile is set, a size-rotated log file alongside it.
func SetupLogging(cfg *config.Config) {
	level, err := flog.LvlFromString(cfg.LogLevel)
	if err != nil {
		level = flog.LevelInfo
	}

	useColor := isatty.IsTerminal(os.Stderr.Fd()) && cfg.LogFile == ""
	var w io.Writer = os.Stderr
	if useColor {
		w = colorable.NewColorable(os.Stderr)
	}
	if cfg.LogFile != "" {
		w = io.MultiWriter(w, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	handler := flog.NewTerminalHandler(w, useColor)
	flog.SetDefault(flog.NewLogger(flog.LvlFilterHandler(level, handler)))
}
