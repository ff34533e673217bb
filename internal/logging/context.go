package logging

import (
	"context"
	"log/slog"
)

type contextKey int

const (
	channelKey contextKey = iota
	connectionKey
)

// WithChannel records the channel key on ctx for later log enrichment.
func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, channelKey, channel)
}

// WithConnection records a connection id on ctx for later log enrichment.
func WithConnection(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connectionKey, id)
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 2)
	if channel, ok := ctx.Value(channelKey).(string); ok && channel != "" {
		fields = append(fields, slog.String(FieldChannel, channel))
	}
	if id, ok := ctx.Value(connectionKey).(string); ok && id != "" {
		fields = append(fields, slog.String(FieldConnection, id))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(attrsToArgs(fields)...)
}
