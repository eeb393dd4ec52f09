package interceptor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for txwork metrics.
const meterName = "github.com/veldtlabs/txwork"

// Metrics returns an interceptor that records per-invocation execution
// metrics using the global OTel MeterProvider. If no MeterProvider is
// configured, noop instruments are used and this interceptor becomes a
// pass-through.
//
// Instruments:
//   - txwork.activity.duration (Float64Histogram): execution time in
//     seconds, with attributes: activity_type, queue, status ("ok" or "error")
//   - txwork.activity.executions (Int64Counter): total executions,
//     with attributes: activity_type, queue, status ("ok" or "error")
func Metrics() Interceptor {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics interception using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) Interceptor {
	// Create instruments once at interceptor construction time.
	// OTel instruments are safe for concurrent use. On error, the API
	// returns noop instruments so the interceptor degrades gracefully.
	duration, dErr := meter.Float64Histogram(
		"txwork.activity.duration",
		metric.WithDescription("Duration of activity execution in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	executions, eErr := meter.Int64Counter(
		"txwork.activity.executions",
		metric.WithDescription("Total number of activity executions"),
		metric.WithUnit("{execution}"),
	)
	_ = eErr // noop fallback guaranteed by OTel API contract

	return func(ctx context.Context, inv *Invocation, next Handler) (any, error) {
		start := time.Now()
		result, err := next(ctx, inv)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("activity_type", inv.ActivityType),
			attribute.String("queue", inv.Queue),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)

		return result, err
	}
}
