package interceptor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for txwork tracing.
const tracerName = "github.com/veldtlabs/txwork"

// Tracing returns an interceptor that wraps activity execution in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this interceptor becomes a pass-through
// with zero overhead.
//
// Span attributes include: txwork.activity.type, txwork.task.id,
// txwork.queue, txwork.attempt. On error, the span status is set to
// codes.Error with the error message.
func Tracing() Interceptor {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing interception using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Interceptor {
	return func(ctx context.Context, inv *Invocation, next Handler) (any, error) {
		ctx, span := tracer.Start(ctx, "txwork.activity.execute",
			trace.WithAttributes(
				attribute.String("txwork.activity.type", inv.ActivityType),
				attribute.String("txwork.task.id", inv.TaskID.String()),
				attribute.String("txwork.queue", inv.Queue),
				attribute.Int("txwork.attempt", inv.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		result, err := next(ctx, inv)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return result, err
	}
}
