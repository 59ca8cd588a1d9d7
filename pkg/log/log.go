package log

import (
	"context"
	"log/slog"
	"os"
)

var (
	defaultLogLevel slog.LevelVar
	defaultLogger   = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     &defaultLogLevel,
	})).With(slog.String("service", "optimshine"))
)

func init() {
	defaultLogLevel.Set(slog.LevelInfo)
}

type contextKey struct{}

var loggerKey = contextKey{}

// Ctx returns the logger from the context. If no logger is found, it returns the default logger.
func Ctx(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// With returns a new context with the given logger.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithAttrs returns a new context whose logger carries the given attributes.
func WithAttrs(ctx context.Context, attrs ...any) context.Context {
	return With(ctx, Ctx(ctx).With(attrs...))
}

// WithJob tags every line logged through ctx with the scheduler job id.
func WithJob(ctx context.Context, id string) context.Context {
	return WithAttrs(ctx, slog.String("jobID", id))
}

// WithInverter tags every line logged through ctx with the inverter serial.
func WithInverter(ctx context.Context, serial string) context.Context {
	return WithAttrs(ctx, slog.String("inverter", serial))
}

func SetDefaultLogLevel(level slog.Level) {
	defaultLogLevel.Set(level)
}
