// Package interceptor provides the composable interception chain invoked
// around every activity dispatch.
//
// An [Interceptor] is a function that wraps an activity handler.
// Interceptors are composed into a chain using [Chain] and applied before
// each invocation executes. They are applied right-to-left: the first
// interceptor in the slice is the outermost wrapper.
//
//	// transactional → logging → handler
//	chain := interceptor.Chain(interceptor.Transactional(g), interceptor.Logging(logger))
//
// # Built-in Interceptors
//
//   - [Transactional] — wraps the inner chain in a per-invocation
//     transactional resource scope; the worker always installs it first
//   - [Logging] — logs activity type, queue, duration, and outcome
//   - [Recover] — catches panics and converts them to errors
//   - [Timeout] — cancels the invocation context after a configured duration
//   - [Tracing] — wraps execution in an OpenTelemetry span
//   - [Metrics] — records per-invocation duration and outcome counters
//
// # Writing Custom Interceptors
//
//	func MyInterceptor() interceptor.Interceptor {
//	    return func(ctx context.Context, inv *interceptor.Invocation, next interceptor.Handler) (any, error) {
//	        // pre-processing
//	        result, err := next(ctx, inv)
//	        // post-processing
//	        return result, err
//	    }
//	}
//
// Interceptors MUST call next to continue the chain unless intentionally
// short-circuiting (e.g., rate limiting).
package interceptor
