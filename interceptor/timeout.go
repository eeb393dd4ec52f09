package interceptor

import (
	"context"
	"log/slog"
)

// Timeout returns an interceptor that enforces a per-invocation execution
// deadline. If the invocation has a non-zero Timeout, a context.WithTimeout
// wraps the handler call. When the deadline is exceeded the context is
// cancelled and the handler should return context.DeadlineExceeded; the
// guard's abort and release steps still run during the unwind.
func Timeout(logger *slog.Logger) Interceptor {
	return func(ctx context.Context, inv *Invocation, next Handler) (any, error) {
		if inv.Timeout > 0 {
			logger.Debug("activity timeout set",
				slog.String("task_id", inv.TaskID.String()),
				slog.Duration("timeout", inv.Timeout),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
			defer cancel()
		}
		return next(ctx, inv)
	}
}
