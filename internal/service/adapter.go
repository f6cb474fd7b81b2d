package service

import (
	"context"

	"golang.org/x/sync/semaphore"

	beaconotel "github.com/beaconrl/beacon/internal/adapter/otel"
	tripletadapter "github.com/beaconrl/beacon/internal/adapter/triplet"
	"github.com/beaconrl/beacon/internal/domain/triplet"
)

// AdapterService turns stored span logs into training triplets. Extraction
// walks the whole span log of an attempt, so concurrent requests are bounded
// by a weighted semaphore to keep memory use flat under bursty trainers.
type AdapterService struct {
	spans   *SpanService
	adapter *tripletadapter.Adapter
	sem     *semaphore.Weighted
	metrics *beaconotel.Metrics
}

// NewAdapterService creates a new AdapterService allowing at most maxConcurrent
// extractions at a time.
func NewAdapterService(spans *SpanService, adapter *tripletadapter.Adapter, maxConcurrent int64, metrics *beaconotel.Metrics) *AdapterService {
	return &AdapterService{
		spans:   spans,
		adapter: adapter,
		sem:     semaphore.NewWeighted(maxConcurrent),
		metrics: metrics,
	}
}

// Adapt fetches the span log of the resolved attempt and extracts triplets
// from it.
func (s *AdapterService) Adapt(ctx context.Context, rolloutID, attemptID string) ([]triplet.Triplet, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	ctx, span := beaconotel.StartAdaptSpan(ctx, rolloutID, attemptID)
	defer span.End()

	spans, err := s.spans.Query(ctx, rolloutID, attemptID)
	if err != nil {
		return nil, err
	}

	triplets, err := s.adapter.Adapt(spans)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.TripletsExtracted.Add(ctx, int64(len(triplets)))
	}
	return triplets, nil
}
