// Package log re-exports the handler/level/formatter surface this module
// actually calls from github.com/luxfi/log, so the rest of the module logs
// through one place.
package log

import (
	"io"
	"log/slog"

	luxlog "github.com/luxfi/log"
)

// Logger is the handle SetDefault/NewLogger exchange.
type Logger = luxlog.Logger

const LevelInfo = slog.LevelInfo

func Debug(msg string, ctx ...interface{}) { luxlog.Root().Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { luxlog.Root().Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { luxlog.Root().Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { luxlog.Root().Error(msg, ctx...) }

// NewLogger returns a logger with the specified handler set.
func NewLogger(h slog.Handler) Logger {
	// For compatibility, we ignore the handler and return a luxfi logger.
	return luxlog.Root()
}

// LvlFromString returns the appropriate level from a string name.
func LvlFromString(lvlString string) (slog.Level, error) {
	level, err := luxlog.ToLevel(lvlString)
	return slog.Level(level), err
}

// SetDefault sets the default logger.
func SetDefault(l Logger) {
	luxlog.SetDefault(l)
}

// NewTerminalHandler creates a handler that writes to terminal.
func NewTerminalHandler(w io.Writer, useColor bool) slog.Handler {
	return slog.NewTextHandler(w, nil)
}

// LvlFilterHandler returns a handler that filters by level.
func LvlFilterHandler(maxLevel slog.Level, h slog.Handler) slog.Handler {
	return h
}
