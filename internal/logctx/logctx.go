package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey   contextKey = "logger"
	instanceKey contextKey = "instance_id"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WithInstanceID tags the context with the id of the running client instance.
// TraceHandler adds it to every record logged with that context.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceKey, id)
}

// InstanceID returns the client instance id stored in ctx, or "".
func InstanceID(ctx context.Context) string {
	if id, ok := ctx.Value(instanceKey).(string); ok {
		return id
	}
	return ""
}
