package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	beaconotel "github.com/beaconrl/beacon/internal/adapter/otel"
	"github.com/beaconrl/beacon/internal/adapter/ws"
	"github.com/beaconrl/beacon/internal/domain/span"
	"github.com/beaconrl/beacon/internal/port/broadcast"
	"github.com/beaconrl/beacon/internal/port/cache"
	"github.com/beaconrl/beacon/internal/port/messagequeue"
	"github.com/beaconrl/beacon/internal/port/store"
)

// SpanService handles span ingestion and queries. Terminal-attempt query
// results are cached: once an attempt is terminal its span log can no longer
// grow, so the cached batch never goes stale within its TTL.
type SpanService struct {
	store   store.Store
	cache   cache.Cache
	queue   messagequeue.Queue
	hub     broadcast.Broadcaster
	metrics *beaconotel.Metrics
	ttl     time.Duration
}

// NewSpanService creates a new SpanService. cache, queue, hub and metrics
// may be nil.
func NewSpanService(st store.Store, c cache.Cache, queue messagequeue.Queue, hub broadcast.Broadcaster, metrics *beaconotel.Metrics, ttl time.Duration) *SpanService {
	return &SpanService{store: st, cache: c, queue: queue, hub: hub, metrics: metrics, ttl: ttl}
}

// AddMany appends a span batch to the store and notifies pollers. Spans are
// grouped per (rollout, attempt) pair for notification purposes.
func (s *SpanService) AddMany(ctx context.Context, spans []span.Span) ([]span.Span, error) {
	stored, err := s.store.AddManySpans(ctx, spans)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.SpansIngested.Add(ctx, int64(len(stored)))
	}

	type group struct {
		count int
		names []string
	}
	groups := make(map[[2]string]*group)
	for i := range stored {
		key := [2]string{stored[i].RolloutID, stored[i].AttemptID}
		g := groups[key]
		if g == nil {
			g = &group{}
			groups[key] = g
		}
		g.count++
		g.names = append(g.names, stored[i].Name)
	}

	for key, g := range groups {
		s.publish(ctx, messagequeue.SubjectSpansAdded, messagequeue.SpansAddedPayload{
			RolloutID: key[0],
			AttemptID: key[1],
			Count:     g.count,
		})
		if s.hub != nil {
			s.hub.BroadcastEvent(ctx, ws.EventSpanAdded, ws.SpanAddedEvent{
				RolloutID: key[0],
				AttemptID: key[1],
				Count:     g.count,
				Names:     g.names,
			})
		}
	}

	return stored, nil
}

// Query returns all spans of the resolved attempt in sequence order, serving
// terminal attempts from cache where possible.
func (s *SpanService) Query(ctx context.Context, rolloutID, attemptID string) ([]span.Span, error) {
	at, err := s.store.ResolveAttempt(ctx, rolloutID, attemptID)
	if err != nil {
		return nil, err
	}

	key := "spans:" + rolloutID + ":" + at.ID
	cacheable := s.cache != nil && at.Status.Terminal()

	if cacheable {
		if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var spans []span.Span
			if err := json.Unmarshal(data, &spans); err == nil {
				return spans, nil
			}
			// Corrupt entry; fall through to the store and overwrite it.
		}
	}

	spans, err := s.store.QuerySpans(ctx, rolloutID, at.ID)
	if err != nil {
		return nil, err
	}

	if cacheable {
		if data, err := json.Marshal(spans); err == nil {
			if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
				slog.Debug("cache span query", "key", key, "error", err)
			}
		}
	}

	return spans, nil
}

func (s *SpanService) publish(ctx context.Context, subject string, payload any) {
	if s.queue == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal queue payload", "subject", subject, "error", err)
		return
	}
	if err := s.queue.Publish(ctx, subject, data); err != nil {
		slog.Error("publish to queue", "subject", subject, "error", err)
	}
}
