// Package interceptor provides the composable interception chain invoked
// around every activity dispatch. Interceptors wrap activity execution
// synchronously and can modify it (manage transactions, recover from
// panics, log, add tracing, etc.).
package interceptor

import (
	"context"
	"time"

	"github.com/veldtlabs/txwork/id"
	"github.com/veldtlabs/txwork/scope"
)

// Invocation carries the per-invocation state flowing through the chain.
// A fresh Invocation is built for every task delivery; it is never shared
// across invocations.
type Invocation struct {
	// TaskID identifies the scheduler task being executed.
	TaskID id.TaskID
	// InvocationID identifies this execution attempt.
	InvocationID id.InvocationID
	// ActivityType names the registered activity. Diagnostics only —
	// dispatch happens by registry lookup before the chain runs.
	ActivityType string
	// Queue is the task queue the task was polled from.
	Queue string
	// Attempt is the 1-based delivery attempt count.
	Attempt int
	// Payload is the raw encoded activity input.
	Payload []byte
	// Timeout is the per-invocation execution deadline. Zero means none.
	Timeout time.Duration

	// Resource is the invocation's resource scope, set by the
	// transactional interceptor for the duration of the inner chain and
	// cleared afterwards. It is an explicit field rather than ambient
	// context state so concurrent invocations cannot cross-contaminate.
	Resource *scope.Scope
}

// Handler is the terminal function that executes the activity logic and
// returns its result.
type Handler func(ctx context.Context, inv *Invocation) (any, error)

// Interceptor wraps a Handler with cross-cutting logic. It receives the
// current context, the invocation being executed, and the next handler to
// call. Interceptors MUST call next to continue the chain (unless
// short-circuiting on error).
type Interceptor func(ctx context.Context, inv *Invocation, next Handler) (any, error)

// Chain composes multiple interceptors into a single Interceptor.
// Interceptors are applied right-to-left: the first interceptor in the
// list is the outermost wrapper.
//
// Example: Chain(transactional, logging, recover) executes as:
//
//	transactional → logging → recover → handler
func Chain(itcs ...Interceptor) Interceptor {
	return func(ctx context.Context, inv *Invocation, next Handler) (any, error) {
		// Build the chain from the end backwards.
		h := next
		for i := len(itcs) - 1; i >= 0; i-- {
			itc := itcs[i]
			prev := h
			h = func(ctx context.Context, inv *Invocation) (any, error) {
				return itc(ctx, inv, prev)
			}
		}
		return h(ctx, inv)
	}
}
