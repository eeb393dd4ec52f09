package interceptor

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns an interceptor that logs invocation start and completion.
func Logging(logger *slog.Logger) Interceptor {
	return func(ctx context.Context, inv *Invocation, next Handler) (any, error) {
		logger.Info("activity started",
			slog.String("activity_type", inv.ActivityType),
			slog.String("task_id", inv.TaskID.String()),
			slog.String("queue", inv.Queue),
			slog.Int("attempt", inv.Attempt),
		)

		start := time.Now()
		result, err := next(ctx, inv)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("activity failed",
				slog.String("activity_type", inv.ActivityType),
				slog.String("task_id", inv.TaskID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("activity completed",
				slog.String("activity_type", inv.ActivityType),
				slog.String("task_id", inv.TaskID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return result, err
	}
}
