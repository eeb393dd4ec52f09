package interceptor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Recover returns an interceptor that recovers from panics in the handler
// chain. Panics are converted to errors and logged with a stack trace, so
// the guard still observes them as activity failures and aborts.
func Recover(logger *slog.Logger) Interceptor {
	return func(ctx context.Context, inv *Invocation, next Handler) (result any, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("activity handler panicked",
					slog.String("activity_type", inv.ActivityType),
					slog.String("task_id", inv.TaskID.String()),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				result = nil
				retErr = fmt.Errorf("panic in activity %s: %v", inv.ActivityType, r)
			}
		}()
		return next(ctx, inv)
	}
}
