package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	beaconotel "github.com/beaconrl/beacon/internal/adapter/otel"
	"github.com/beaconrl/beacon/internal/adapter/ws"
	"github.com/beaconrl/beacon/internal/domain"
	"github.com/beaconrl/beacon/internal/domain/attempt"
	"github.com/beaconrl/beacon/internal/domain/rollout"
	"github.com/beaconrl/beacon/internal/port/broadcast"
	"github.com/beaconrl/beacon/internal/port/messagequeue"
	"github.com/beaconrl/beacon/internal/port/store"
)

// RolloutService handles rollout lifecycle logic including NATS notifications
// and WebSocket broadcasts. Queue, hub and metrics are optional; a nil value
// disables that side channel without affecting store semantics.
type RolloutService struct {
	store   store.Store
	queue   messagequeue.Queue
	hub     broadcast.Broadcaster
	metrics *beaconotel.Metrics
}

// NewRolloutService creates a new RolloutService.
func NewRolloutService(st store.Store, queue messagequeue.Queue, hub broadcast.Broadcaster, metrics *beaconotel.Metrics) *RolloutService {
	return &RolloutService{store: st, queue: queue, hub: hub, metrics: metrics}
}

// Enqueue validates the request, creates the rollout, and notifies pollers.
func (s *RolloutService) Enqueue(ctx context.Context, req rollout.EnqueueRequest) (*rollout.Rollout, error) {
	if req.Mode == "" {
		req.Mode = rollout.ModeTrain
	}
	switch req.Mode {
	case rollout.ModeTrain, rollout.ModeVal, rollout.ModeTest:
	default:
		return nil, fmt.Errorf("unknown mode %q: %w", req.Mode, domain.ErrValidation)
	}

	ro, err := s.store.EnqueueRollout(ctx, req)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RolloutsEnqueued.Add(ctx, 1)
	}
	s.publish(ctx, messagequeue.SubjectRolloutEnqueued, messagequeue.RolloutEnqueuedPayload{
		RolloutID: ro.ID,
		Mode:      string(ro.Mode),
	})
	s.broadcastStatus(ctx, ro.ID, "", "", ro.Status)

	return ro, nil
}

// Dequeue claims the next queued rollout for workerID. It returns (nil, nil)
// when the queue is empty.
func (s *RolloutService) Dequeue(ctx context.Context, workerID string) (*store.Dequeued, error) {
	d, err := s.store.DequeueRollout(ctx, workerID)
	if err != nil || d == nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RolloutsDequeued.Add(ctx, 1)
	}
	s.publish(ctx, messagequeue.SubjectRolloutDequeued, messagequeue.RolloutDequeuedPayload{
		RolloutID: d.Rollout.ID,
		AttemptID: d.Attempt.ID,
		WorkerID:  workerID,
	})
	s.broadcastStatus(ctx, d.Rollout.ID, d.Attempt.ID, workerID, d.Rollout.Status)

	return d, nil
}

// Get returns a rollout by ID.
func (s *RolloutService) Get(ctx context.Context, id string) (*rollout.Rollout, error) {
	return s.store.GetRollout(ctx, id)
}

// List returns rollouts, optionally filtered by mode.
func (s *RolloutService) List(ctx context.Context, mode rollout.Mode) ([]rollout.Rollout, error) {
	return s.store.ListRollouts(ctx, mode)
}

// ListAttempts returns the attempt ledger of a rollout.
func (s *RolloutService) ListAttempts(ctx context.Context, rolloutID string) ([]attempt.Attempt, error) {
	return s.store.ListAttempts(ctx, rolloutID)
}

// Report records a worker's terminal report for an attempt and notifies
// pollers when the rollout reaches a terminal status.
func (s *RolloutService) Report(ctx context.Context, rolloutID, attemptID string, status attempt.Status) (*attempt.Attempt, error) {
	ctx, span := beaconotel.StartRolloutSpan(ctx, "rollout.report", rolloutID)
	defer span.End()

	at, err := s.store.ReportAttempt(ctx, rolloutID, attemptID, status)
	if err != nil {
		return nil, err
	}

	ro, err := s.store.GetRollout(ctx, rolloutID)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		if at.FinishedAt != nil {
			s.metrics.AttemptDuration.Record(ctx, at.FinishedAt.Sub(at.StartedAt).Seconds())
		}
		if ro.Status.Terminal() {
			s.metrics.RolloutsCompleted.Add(ctx, 1)
		}
	}
	if ro.Status.Terminal() {
		s.publish(ctx, messagequeue.SubjectRolloutCompleted, messagequeue.RolloutCompletedPayload{
			RolloutID: rolloutID,
			AttemptID: at.ID,
			Status:    string(ro.Status),
		})
	}
	s.broadcastStatus(ctx, rolloutID, at.ID, at.WorkerID, ro.Status)

	return at, nil
}

// Requeue places a rollout back on the queue tail for a fresh attempt.
func (s *RolloutService) Requeue(ctx context.Context, rolloutID string) (*rollout.Rollout, error) {
	ctx, span := beaconotel.StartRolloutSpan(ctx, "rollout.requeue", rolloutID)
	defer span.End()

	ro, err := s.store.RequeueRollout(ctx, rolloutID)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, messagequeue.SubjectRolloutEnqueued, messagequeue.RolloutEnqueuedPayload{
		RolloutID: ro.ID,
		Mode:      string(ro.Mode),
	})
	s.broadcastStatus(ctx, ro.ID, "", "", ro.Status)

	return ro, nil
}

// ResolveAttempt resolves attemptID (or attempt.Latest) for the rollout.
func (s *RolloutService) ResolveAttempt(ctx context.Context, rolloutID, attemptID string) (*attempt.Attempt, error) {
	return s.store.ResolveAttempt(ctx, rolloutID, attemptID)
}

// Wait blocks until a rollout is available or the context is done, polling
// the queue at the given interval. A zero interval uses 100ms.
func (s *RolloutService) Wait(ctx context.Context, workerID string, interval time.Duration) (*store.Dequeued, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d, err := s.Dequeue(ctx, workerID)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *RolloutService) publish(ctx context.Context, subject string, payload any) {
	if s.queue == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal queue payload", "subject", subject, "error", err)
		return
	}
	if err := s.queue.Publish(ctx, subject, data); err != nil {
		// The store write already succeeded; pollers fall back to HTTP.
		slog.Error("publish to queue", "subject", subject, "error", err)
	}
}

func (s *RolloutService) broadcastStatus(ctx context.Context, rolloutID, attemptID, workerID string, status rollout.Status) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEvent(ctx, ws.EventRolloutStatus, ws.RolloutStatusEvent{
		RolloutID: rolloutID,
		AttemptID: attemptID,
		Status:    string(status),
		WorkerID:  workerID,
	})
}
