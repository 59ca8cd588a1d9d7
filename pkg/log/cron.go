package log

import (
	"context"
	"log/slog"
)

// CronLogger adapts the context logger to the cron.Logger interface so the
// timer's own messages end up in the same JSON stream.
type CronLogger struct {
	ctx context.Context
}

// NewCronLogger returns a CronLogger that logs through Ctx(ctx).
func NewCronLogger(ctx context.Context) CronLogger {
	return CronLogger{ctx: ctx}
}

// Info logs routine timer messages (wake, run, schedule) at debug level
// because cron emits one per tick.
func (l CronLogger) Info(msg string, keysAndValues ...interface{}) {
	Ctx(l.ctx).DebugContext(l.ctx, "cron: "+msg, keysAndValues...)
}

// Error logs timer failures.
func (l CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	args := append([]interface{}{slog.Any("error", err)}, keysAndValues...)
	Ctx(l.ctx).ErrorContext(l.ctx, "cron: "+msg, args...)
}
