package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "beacon"

// Metrics holds all Beacon metric instruments.
type Metrics struct {
	RolloutsEnqueued  metric.Int64Counter
	RolloutsDequeued  metric.Int64Counter
	RolloutsCompleted metric.Int64Counter
	SpansIngested     metric.Int64Counter
	TripletsExtracted metric.Int64Counter
	AttemptDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RolloutsEnqueued, err = meter.Int64Counter("beacon.rollouts.enqueued",
		metric.WithDescription("Number of rollouts enqueued"))
	if err != nil {
		return nil, err
	}

	m.RolloutsDequeued, err = meter.Int64Counter("beacon.rollouts.dequeued",
		metric.WithDescription("Number of rollout attempts claimed by workers"))
	if err != nil {
		return nil, err
	}

	m.RolloutsCompleted, err = meter.Int64Counter("beacon.rollouts.completed",
		metric.WithDescription("Number of rollouts reaching a terminal status"))
	if err != nil {
		return nil, err
	}

	m.SpansIngested, err = meter.Int64Counter("beacon.spans.ingested",
		metric.WithDescription("Number of spans accepted into the store"))
	if err != nil {
		return nil, err
	}

	m.TripletsExtracted, err = meter.Int64Counter("beacon.triplets.extracted",
		metric.WithDescription("Number of triplets produced by the adapter"))
	if err != nil {
		return nil, err
	}

	m.AttemptDuration, err = meter.Float64Histogram("beacon.attempt.duration_seconds",
		metric.WithDescription("Attempt duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
