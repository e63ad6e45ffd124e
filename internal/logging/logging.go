// Package logging provides structured logging for the collector.
//
// This package wraps the standard library's log/slog package so every
// pipeline component logs the same way. Components obtain a named logger once
// and attach per-item attributes (category, file, app id) at the call site.
//
// Usage:
//
//	logging.Init(slog.LevelInfo, false)
//
//	log := logging.Component("promotion")
//	log.Warn("fan-out failed", "processor", p.Name(), "file", path, "error", err)
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Logger is the global logger instance.
var Logger *slog.Logger

var initOnce sync.Once

func ensure() {
	initOnce.Do(func() {
		if Logger == nil {
			Init(slog.LevelInfo, false)
		}
	})
}

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	InitWithHandler(handler)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel maps a config string to a slog level. Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component returns a logger for a specific component.
//
//	log := logging.Component("queue")
//	log.Info("started") // time=... level=INFO component=queue msg=started
func Component(name string) *slog.Logger {
	ensure()
	return Logger.With("component", name)
}

type contextKey int

const (
	contextKeyCategory contextKey = iota
	contextKeyAppID
)

// ContextWithCategory tags the context with an event category.
func ContextWithCategory(ctx context.Context, category string) context.Context {
	return context.WithValue(ctx, contextKeyCategory, category)
}

// ContextWithAppID tags the context with a counter subscription app id.
func ContextWithAppID(ctx context.Context, appID string) context.Context {
	return context.WithValue(ctx, contextKeyAppID, appID)
}

// WithContext returns base, or the global logger when base is nil, carrying
// the pipeline identity found in ctx.
func WithContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	logger := base
	if logger == nil {
		ensure()
		logger = Logger
	}

	if category, ok := ctx.Value(contextKeyCategory).(string); ok {
		logger = logger.With("category", category)
	}
	if appID, ok := ctx.Value(contextKeyAppID).(string); ok {
		logger = logger.With("app_id", appID)
	}
	return logger
}
