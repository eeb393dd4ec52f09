package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/veldtlabs/txwork"
	"github.com/veldtlabs/txwork/client"
	"github.com/veldtlabs/txwork/id"
	"github.com/veldtlabs/txwork/interceptor"
)

// execute runs one delivered task end to end and reports exactly one
// outcome to the scheduler.
func (w *Worker) execute(task *client.Task) {
	ctx, cancel := context.WithCancel(w.baseCtx)
	w.trackTask(task.ID.String(), cancel)
	defer func() {
		w.untrackTask(task.ID.String())
		cancel()
	}()

	start := time.Now()
	result, err := w.run(ctx, task)

	// Outcome reporting must survive shutdown cancellation; the
	// scheduler would otherwise redeliver a finished task.
	rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer rcancel()

	if err != nil {
		w.logger.Debug("activity failed",
			slog.String("task_id", task.ID.String()),
			slog.String("activity_type", task.ActivityType),
			slog.Int("attempt", task.Attempt),
			slog.String("error", err.Error()),
		)
		if repErr := w.client.FailActivityTask(rctx, task.ID, err); repErr != nil {
			w.logger.Error("failed to report activity failure",
				slog.String("task_id", task.ID.String()),
				slog.String("error", repErr.Error()),
			)
		}
		return
	}

	if repErr := w.client.CompleteActivityTask(rctx, task.ID, result); repErr != nil {
		w.logger.Error("failed to report activity completion",
			slog.String("task_id", task.ID.String()),
			slog.String("error", repErr.Error()),
		)
		return
	}

	w.logger.Debug("activity completed",
		slog.String("task_id", task.ID.String()),
		slog.String("activity_type", task.ActivityType),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// run dispatches the task to its registered activity through the
// interception chain.
func (w *Worker) run(ctx context.Context, task *client.Task) ([]byte, error) {
	def, ok := w.registry.Get(task.ActivityType)
	if !ok {
		return nil, fmt.Errorf("txwork/worker: %q: %w", task.ActivityType, txwork.ErrActivityNotFound)
	}

	inv := &interceptor.Invocation{
		TaskID:       task.ID,
		InvocationID: id.NewInvocationID(),
		ActivityType: task.ActivityType,
		Queue:        task.Queue,
		Attempt:      task.Attempt,
		Payload:      task.Input,
		Timeout:      def.Timeout(),
	}

	terminal := func(ctx context.Context, inv *interceptor.Invocation) (any, error) {
		return def.Invoke(ctx, inv.Resource, inv.Payload)
	}

	out, err := w.chain(ctx, inv, terminal)
	if err != nil {
		return nil, err
	}
	result, _ := out.([]byte)
	return result, nil
}
