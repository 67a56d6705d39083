// Package log is this node's structured logger, a thin wrapper over
// github.com/luxfi/log (itself slog-compatible) in the convention the
// teacher repo's own compat layer uses.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"

	luxlog "github.com/luxfi/log"
)

type Logger = luxlog.Logger

const (
	LevelTrace slog.Level = -8
	LevelDebug            = slog.LevelDebug
	LevelInfo             = slog.LevelInfo
	LevelWarn             = slog.LevelWarn
	LevelError            = slog.LevelError
	LevelCrit  slog.Level = 12
)

var (
	New  = luxlog.New
	Root = luxlog.Root
)

func Trace(msg string, ctx ...interface{}) { luxlog.Root().Trace(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { luxlog.Root().Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { luxlog.Root().Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { luxlog.Root().Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { luxlog.Root().Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { luxlog.Root().Crit(msg, ctx...) }

func Enabled(ctx context.Context, level slog.Level) bool {
	return luxlog.Root().Enabled(ctx, level)
}

// LvlFromString returns the level matching a config string such as "debug".
func LvlFromString(lvlString string) (slog.Level, error) {
	level, err := luxlog.ToLevel(lvlString)
	return slog.Level(level), err
}

// SetDefault installs l as the process-wide default logger.
func SetDefault(l Logger) {
	luxlog.SetDefault(l)
}

// NewTerminalHandler returns a handler writing human-readable lines to w,
// wrapped in a GlogHandler so callers can adjust verbosity at runtime.
func NewTerminalHandler(w io.Writer, useColor bool) *GlogHandler {
	return NewGlogHandler(slog.NewTextHandler(w, nil))
}

// NewTerminalHandlerWithLevel is NewTerminalHandler with an initial verbosity floor.
func NewTerminalHandlerWithLevel(w io.Writer, level slog.Level, useColor bool) *GlogHandler {
	h := NewTerminalHandler(w, useColor)
	h.Verbosity(level)
	return h
}

// NewLogger returns the root logger; h is accepted for call-site
// compatibility with go-ethereum-style constructors and is ignored, so a
// handler passed here is not installed.
func NewLogger(h slog.Handler) Logger {
	return luxlog.Root()
}

// DiscardHandler returns a handler that drops every record, used by tests
// that want the component loops to log without printing anything.
func DiscardHandler() slog.Handler {
	return slog.NewTextHandler(io.Discard, nil)
}

// FileHandler returns a handler appending to the file at path.
func FileHandler(path string) (slog.Handler, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return slog.NewTextHandler(f, nil), nil
}
