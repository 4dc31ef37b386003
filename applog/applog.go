// Package applog provides the bootstrap logging configuration used by both
// client binaries. It wraps log/slog rather than inventing a bespoke logger:
// see DESIGN.md for why no third-party structured logger is used here.
package applog

import (
	"io"
	"log/slog"
	"os"
)

// New builds a text-handler slog.Logger writing to w (stderr if nil) at the
// given level. quiet, when true, suppresses everything below Warn so that
// quiet mode still surfaces failures.
func New(w io.Writer, level slog.Level, quiet bool) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if quiet && level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// Fatal logs a single high-severity record summarizing the first error on a
// non-zero exit path, per the core's error-handling design: progress state
// on disk is never removed on error, only reported.
func Fatal(logger *slog.Logger, msg string, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error(msg, "error", err)
}
