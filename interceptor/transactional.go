package interceptor

import (
	"context"

	"github.com/veldtlabs/txwork/guard"
	"github.com/veldtlabs/txwork/scope"
)

// Transactional returns the interceptor that wraps the rest of the chain
// in a per-invocation transactional scope. The worker always installs it
// first, so every further interceptor and ultimately the activity body
// execute inside the transactional window.
//
// The scope is published on the Invocation for the duration of the inner
// chain and cleared before the guard releases it, so bound activities
// resolve it freshly per call and a stale scope can never leak into a
// later invocation.
func Transactional(g *guard.Guard) Interceptor {
	return func(ctx context.Context, inv *Invocation, next Handler) (any, error) {
		return g.Run(ctx, inv.ActivityType, func(ctx context.Context, sc *scope.Scope) (any, error) {
			inv.Resource = sc
			defer func() { inv.Resource = nil }()
			return next(ctx, inv)
		})
	}
}
