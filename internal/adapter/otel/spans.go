package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "beacon"

// StartRolloutSpan starts a span for a rollout lifecycle operation.
func StartRolloutSpan(ctx context.Context, op, rolloutID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, op,
		trace.WithAttributes(
			attribute.String("rollout.id", rolloutID),
		),
	)
}

// StartAdaptSpan starts a span for a triplet extraction pass.
func StartAdaptSpan(ctx context.Context, rolloutID, attemptID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "adapt",
		trace.WithAttributes(
			attribute.String("rollout.id", rolloutID),
			attribute.String("attempt.id", attemptID),
		),
	)
}
