// Package logger configures the process-wide slog logger and provides
// helpers for component- and task-scoped loggers.
package logger

import (
	"context"
	"log/slog"
	"os"
)

type contextKey struct{}

// Setup installs the default slog handler with the given level and format
// ("json" or "text").
func Setup(level string, format string) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithTaskID stores a task id in the context for log correlation across a
// task's handler call chain.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, contextKey{}, taskID)
}

// FromContext returns the default logger, annotated with the task id from
// ctx when present.
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if taskID, ok := ctx.Value(contextKey{}).(string); ok {
		logger = logger.With("task_id", taskID)
	}
	return logger
}

// WithComponent returns a logger scoped to a named component.
func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
