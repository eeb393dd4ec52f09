// Package guard implements the transaction state machine wrapped around
// every activity invocation: begin, run the activity body, commit on
// success or abort on failure, and always release the resource scope.
//
// The guard gives activities the same visibility and rollback guarantee a
// web framework gives per-request: the transaction commits only after the
// body returns, never before, so activity authors write zero transaction
// code and cannot forget to roll back on an error.
package guard

import (
	"context"
	"log/slog"

	"github.com/veldtlabs/txwork/scope"
	"github.com/veldtlabs/txwork/tx"
)

// Body is the wrapped activity invocation: the next interceptor in the
// chain, ultimately the user function. It receives the invocation's
// resource scope explicitly.
type Body func(ctx context.Context, sc *scope.Scope) (any, error)

// Guard runs activity bodies inside a per-invocation transactional scope.
// A single Guard is shared by all concurrent invocations of a worker; all
// per-invocation state lives on the scope it acquires per run.
type Guard struct {
	scopes *scope.Factory
	logger *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the structured logger for the guard.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// New creates a Guard acquiring scopes from the given factory.
func New(scopes *scope.Factory, opts ...Option) *Guard {
	g := &Guard{
		scopes: scopes,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run executes one activity invocation under transaction management.
//
// Exactly one of {result, body error, begin error, commit error, scope
// acquisition error} is returned; abort and release failures are logged and
// never surface, so the scheduler always sees an accurate success/failure
// signal for its own retry policy.
func (g *Guard) Run(ctx context.Context, activityType string, body Body) (any, error) {
	g.logger.Info("starting activity with transaction management",
		slog.String("activity_type", activityType),
	)

	sc, err := g.scopes.Acquire(ctx)
	if err != nil {
		// Release whatever partial state exists before surfacing.
		if sc != nil {
			sc.Close()
		}
		g.logger.Error("failed to acquire resource scope",
			slog.String("activity_type", activityType),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	// Release is guaranteed: it runs on success, on failure, and when the
	// body unwinds due to external cancellation.
	defer sc.Close()

	mgr := sc.Tx()
	switch mgr.Status() {
	case tx.StatusActive, tx.StatusDoomed:
		// Shared/injected mode with a transaction already in flight.
		g.logger.Debug("transaction already active, reusing it",
			slog.String("activity_type", activityType),
			slog.String("session_id", sc.ID().String()),
		)
	default:
		if beginErr := mgr.Begin(ctx); beginErr != nil {
			g.logger.Error("failed to begin transaction",
				slog.String("activity_type", activityType),
				slog.String("error", beginErr.Error()),
			)
			return nil, beginErr
		}
		g.logger.Debug("began transaction",
			slog.String("activity_type", activityType),
			slog.String("session_id", sc.ID().String()),
		)
	}

	result, bodyErr := body(ctx, sc)
	if bodyErr != nil {
		g.logger.Warn("activity failed, aborting transaction",
			slog.String("activity_type", activityType),
			slog.String("error", bodyErr.Error()),
		)
		// Abort with cancellation stripped: cleanup must run even when the
		// body failed because the invocation was cancelled.
		g.safeAbort(context.WithoutCancel(ctx), activityType, mgr)
		return nil, bodyErr
	}

	if commitErr := g.safeCommit(ctx, activityType, mgr); commitErr != nil {
		return nil, commitErr
	}

	g.logger.Info("activity completed",
		slog.String("activity_type", activityType),
	)
	return result, nil
}

// safeCommit commits the transaction, handling doomed transactions.
//
// A doomed transaction (explicit status, or the legacy doomed-error
// sentinel surfaced at commit time) is rolled back instead of committed,
// and the invocation still reports success: an external supervisor vetoed
// persistence without failing the activity. Any other commit failure
// triggers a best-effort abort and is returned unchanged.
func (g *Guard) safeCommit(ctx context.Context, activityType string, mgr tx.Manager) error {
	if mgr.Status() == tx.StatusDoomed {
		g.logger.Info("transaction doomed, skipping commit",
			slog.String("activity_type", activityType),
		)
		g.safeAbort(context.WithoutCancel(ctx), activityType, mgr)
		return nil
	}

	if err := mgr.Commit(ctx); err != nil {
		if tx.IsDoomedError(err) {
			g.logger.Info("transaction doomed, skipping commit",
				slog.String("activity_type", activityType),
			)
			g.safeAbort(context.WithoutCancel(ctx), activityType, mgr)
			return nil
		}

		g.logger.Error("failed to commit transaction",
			slog.String("activity_type", activityType),
			slog.String("error", err.Error()),
		)
		g.safeAbort(context.WithoutCancel(ctx), activityType, mgr)
		return err
	}

	g.logger.Debug("transaction committed",
		slog.String("activity_type", activityType),
	)
	return nil
}

// safeAbort rolls the transaction back without raising: abort runs inside
// error handlers, and the original error must reach the scheduler
// unobscured.
func (g *Guard) safeAbort(ctx context.Context, activityType string, mgr tx.Manager) {
	if s := mgr.Status(); s == tx.StatusNone || s.Finished() {
		return
	}
	if err := mgr.Abort(ctx); err != nil {
		g.logger.Error("failed to abort transaction",
			slog.String("activity_type", activityType),
			slog.String("error", err.Error()),
		)
		return
	}
	g.logger.Debug("transaction aborted",
		slog.String("activity_type", activityType),
	)
}
