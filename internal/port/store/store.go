// Package store defines the rollout store port (interface).
package store

import (
	"context"

	"github.com/beaconrl/beacon/internal/domain/attempt"
	"github.com/beaconrl/beacon/internal/domain/rollout"
	"github.com/beaconrl/beacon/internal/domain/span"
)

// Dequeued pairs a rollout handed to a worker with the attempt minted for it.
type Dequeued struct {
	Rollout *rollout.Rollout `json:"rollout"`
	Attempt *attempt.Attempt `json:"attempt"`
}

// Store is the port interface for rollout, attempt and span operations.
//
// All implementations must be safe for concurrent use: two concurrent
// DequeueRollout calls never return the same rollout, and QuerySpans observes
// every AddManySpans call that returned before the query began.
type Store interface {
	// EnqueueRollout creates a rollout with status "queued" and places it at
	// the tail of the FIFO work queue.
	EnqueueRollout(ctx context.Context, req rollout.EnqueueRequest) (*rollout.Rollout, error)

	// DequeueRollout atomically pops the next queued rollout, mints a new
	// attempt bound to workerID, and marks the rollout "running".
	// It returns (nil, nil) when the queue is empty; callers poll.
	DequeueRollout(ctx context.Context, workerID string) (*Dequeued, error)

	// GetRollout returns a rollout by ID.
	GetRollout(ctx context.Context, id string) (*rollout.Rollout, error)

	// ListRollouts returns all rollouts, optionally filtered by mode
	// (empty mode means no filter), ordered by creation time.
	ListRollouts(ctx context.Context, mode rollout.Mode) ([]rollout.Rollout, error)

	// RequeueRollout places an existing rollout back on the queue tail for a
	// fresh attempt. The rollout keeps its identity and attempt lineage.
	RequeueRollout(ctx context.Context, id string) (*rollout.Rollout, error)

	// ResolveAttempt resolves attemptID for the given rollout. attempt.Latest
	// resolves to the attempt with the greatest ordinal.
	ResolveAttempt(ctx context.Context, rolloutID, attemptID string) (*attempt.Attempt, error)

	// ListAttempts returns all attempts of a rollout ordered by ordinal.
	ListAttempts(ctx context.Context, rolloutID string) ([]attempt.Attempt, error)

	// ReportAttempt records a worker's completion report, marking the attempt
	// terminal and propagating the outcome to the rollout status.
	ReportAttempt(ctx context.Context, rolloutID, attemptID string, status attempt.Status) (*attempt.Attempt, error)

	// AddManySpans validates that every span references a known
	// (rollout, attempt) pair, assigns store-level sequence numbers where
	// unset, and appends the spans to the per-attempt log. The whole call
	// fails without side effects if any span references an unknown pair.
	AddManySpans(ctx context.Context, spans []span.Span) ([]span.Span, error)

	// QuerySpans returns all spans stored against the resolved attempt,
	// ordered by ascending sequence number. A valid attempt with no spans
	// yields an empty slice, not an error.
	QuerySpans(ctx context.Context, rolloutID, attemptID string) ([]span.Span, error)
}
