// Package memory implements the store port with mutex-guarded in-process
// maps. It is the reference implementation used by tests and single-process
// training loops; the postgres adapter provides the same contract across
// processes.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/beaconrl/beacon/internal/domain"
	"github.com/beaconrl/beacon/internal/domain/attempt"
	"github.com/beaconrl/beacon/internal/domain/rollout"
	"github.com/beaconrl/beacon/internal/domain/span"
	"github.com/beaconrl/beacon/internal/id"
	"github.com/beaconrl/beacon/internal/port/store"
)

// attemptKey addresses the span log of one (rollout, attempt) pair.
type attemptKey struct {
	rolloutID string
	attemptID string
}

// Store is the in-memory store implementation. All state is guarded by a
// single mutex; every operation is short and releases the lock before
// returning, so the contention profile stays flat under concurrent workers.
type Store struct {
	mu          sync.Mutex
	rollouts    map[string]*rollout.Rollout
	order       []string // rollout IDs in creation order
	queue       []string // FIFO of queued rollout IDs
	attempts    map[string][]*attempt.Attempt
	attemptByID map[string]*attempt.Attempt
	spans       map[attemptKey][]span.Span
	nextSeq     map[string]int64 // per-rollout monotonic sequence counter
	now         func() time.Time
}

var _ store.Store = (*Store)(nil)

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		rollouts:    make(map[string]*rollout.Rollout),
		attempts:    make(map[string][]*attempt.Attempt),
		attemptByID: make(map[string]*attempt.Attempt),
		spans:       make(map[attemptKey][]span.Span),
		nextSeq:     make(map[string]int64),
		now:         time.Now,
	}
}

// EnqueueRollout creates a rollout with status "queued" and appends it to the
// FIFO queue tail.
func (s *Store) EnqueueRollout(_ context.Context, req rollout.EnqueueRequest) (*rollout.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ro := &rollout.Rollout{
		ID:        id.New("ro"),
		Input:     append([]byte(nil), req.Input...),
		Mode:      req.Mode,
		Status:    rollout.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.rollouts[ro.ID] = ro
	s.order = append(s.order, ro.ID)
	s.queue = append(s.queue, ro.ID)

	out := *ro
	return &out, nil
}

// DequeueRollout pops the next queued rollout and mints a new attempt for
// workerID. It returns (nil, nil) when the queue is empty.
func (s *Store) DequeueRollout(_ context.Context, workerID string) (*store.Dequeued, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 {
		roID := s.queue[0]
		s.queue = s.queue[1:]

		ro, ok := s.rollouts[roID]
		if !ok || (ro.Status != rollout.StatusQueued && ro.Status != rollout.StatusRequeuing) {
			// Stale queue entry (e.g. cancelled while queued); skip it.
			continue
		}

		now := s.now()
		at := &attempt.Attempt{
			ID:        id.New("at"),
			RolloutID: roID,
			WorkerID:  workerID,
			Ordinal:   len(s.attempts[roID]) + 1,
			Status:    attempt.StatusRunning,
			StartedAt: now,
		}
		s.attempts[roID] = append(s.attempts[roID], at)
		s.attemptByID[at.ID] = at

		ro.Status = rollout.StatusRunning
		ro.UpdatedAt = now

		roCopy := *ro
		atCopy := *at
		return &store.Dequeued{Rollout: &roCopy, Attempt: &atCopy}, nil
	}
	return nil, nil
}

// GetRollout returns a rollout by ID.
func (s *Store) GetRollout(_ context.Context, rolloutID string) (*rollout.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ro, ok := s.rollouts[rolloutID]
	if !ok {
		return nil, fmt.Errorf("rollout %s: %w", rolloutID, domain.ErrNotFound)
	}
	out := *ro
	return &out, nil
}

// ListRollouts returns all rollouts in creation order, optionally filtered
// by mode.
func (s *Store) ListRollouts(_ context.Context, mode rollout.Mode) ([]rollout.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]rollout.Rollout, 0, len(s.order))
	for _, roID := range s.order {
		ro := s.rollouts[roID]
		if mode != "" && ro.Mode != mode {
			continue
		}
		out = append(out, *ro)
	}
	return out, nil
}

// RequeueRollout places an existing rollout back on the queue tail. A still
// running latest attempt is marked abandoned first so that exactly one
// attempt per rollout is ever non-terminal.
func (s *Store) RequeueRollout(_ context.Context, rolloutID string) (*rollout.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ro, ok := s.rollouts[rolloutID]
	if !ok {
		return nil, fmt.Errorf("rollout %s: %w", rolloutID, domain.ErrNotFound)
	}
	if ro.Status == rollout.StatusQueued || ro.Status == rollout.StatusRequeuing {
		out := *ro
		return &out, nil
	}

	now := s.now()
	if ats := s.attempts[rolloutID]; len(ats) > 0 {
		last := ats[len(ats)-1]
		if !last.Status.Terminal() {
			last.Status = attempt.StatusAbandoned
			finished := now
			last.FinishedAt = &finished
		}
	}

	ro.Status = rollout.StatusRequeuing
	ro.UpdatedAt = now
	s.queue = append(s.queue, rolloutID)

	out := *ro
	return &out, nil
}

// ResolveAttempt resolves attemptID (or attempt.Latest) for the rollout.
func (s *Store) ResolveAttempt(_ context.Context, rolloutID, attemptID string) (*attempt.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, err := s.resolveAttemptLocked(rolloutID, attemptID)
	if err != nil {
		return nil, err
	}
	out := *at
	return &out, nil
}

// ListAttempts returns all attempts of the rollout ordered by ordinal.
func (s *Store) ListAttempts(_ context.Context, rolloutID string) ([]attempt.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rollouts[rolloutID]; !ok {
		return nil, fmt.Errorf("rollout %s: %w", rolloutID, domain.ErrNotFound)
	}
	ats := s.attempts[rolloutID]
	out := make([]attempt.Attempt, 0, len(ats))
	for _, at := range ats {
		out = append(out, *at)
	}
	return out, nil
}

// ReportAttempt records a worker's completion report. The attempt becomes
// terminal and the outcome propagates to the rollout status when the report
// concerns the latest attempt.
func (s *Store) ReportAttempt(_ context.Context, rolloutID, attemptID string, status attempt.Status) (*attempt.Attempt, error) {
	if !status.Valid() || !status.Terminal() {
		return nil, fmt.Errorf("report status %q: %w", status, domain.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	at, err := s.resolveAttemptLocked(rolloutID, attemptID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !at.Status.Terminal() {
		at.Status = status
		finished := now
		at.FinishedAt = &finished
	}

	ats := s.attempts[rolloutID]
	if len(ats) > 0 && ats[len(ats)-1].ID == at.ID {
		ro := s.rollouts[rolloutID]
		switch status {
		case attempt.StatusSucceeded:
			ro.Status = rollout.StatusCompleted
		default:
			ro.Status = rollout.StatusFailed
		}
		ro.UpdatedAt = now
	}

	out := *at
	return &out, nil
}

// AddManySpans validates every span against the attempt ledger, resolves
// pseudo attempt IDs to the concrete attempt, assigns sequence numbers where
// unset, and appends the batch. Validation runs before any write so a bad
// span rejects the whole call without side effects.
func (s *Store) AddManySpans(_ context.Context, spans []span.Span) ([]span.Span, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resolved := make(map[attemptKey]string)
	for i := range spans {
		key := attemptKey{rolloutID: spans[i].RolloutID, attemptID: spans[i].AttemptID}
		if _, ok := resolved[key]; ok {
			continue
		}
		at, err := s.resolveAttemptLocked(spans[i].RolloutID, spans[i].AttemptID)
		if err != nil {
			return nil, fmt.Errorf("span %s: %w", spans[i].SpanID, err)
		}
		resolved[key] = at.ID
	}

	stored := make([]span.Span, 0, len(spans))
	for i := range spans {
		sp := spans[i]
		sp.AttemptID = resolved[attemptKey{rolloutID: sp.RolloutID, attemptID: sp.AttemptID}]
		sp.Attributes = copyAttrs(sp.Attributes)
		if sp.Sequence < 0 {
			sp.Sequence = s.nextSeq[sp.RolloutID]
			s.nextSeq[sp.RolloutID]++
		} else if sp.Sequence >= s.nextSeq[sp.RolloutID] {
			s.nextSeq[sp.RolloutID] = sp.Sequence + 1
		}
		key := attemptKey{rolloutID: sp.RolloutID, attemptID: sp.AttemptID}
		s.spans[key] = append(s.spans[key], sp)
		stored = append(stored, sp)
	}
	return stored, nil
}

// QuerySpans returns all spans of the resolved attempt ordered by ascending
// sequence number.
func (s *Store) QuerySpans(_ context.Context, rolloutID, attemptID string) ([]span.Span, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, err := s.resolveAttemptLocked(rolloutID, attemptID)
	if err != nil {
		return nil, err
	}

	stored := s.spans[attemptKey{rolloutID: rolloutID, attemptID: at.ID}]
	out := make([]span.Span, len(stored))
	copy(out, stored)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// resolveAttemptLocked resolves attemptID for rolloutID. Callers hold s.mu.
func (s *Store) resolveAttemptLocked(rolloutID, attemptID string) (*attempt.Attempt, error) {
	if _, ok := s.rollouts[rolloutID]; !ok {
		return nil, fmt.Errorf("rollout %s: %w", rolloutID, domain.ErrNotFound)
	}

	if attemptID == attempt.Latest {
		ats := s.attempts[rolloutID]
		if len(ats) == 0 {
			return nil, fmt.Errorf("rollout %s has no attempts: %w", rolloutID, domain.ErrNotFound)
		}
		return ats[len(ats)-1], nil
	}

	at, ok := s.attemptByID[attemptID]
	if !ok || at.RolloutID != rolloutID {
		return nil, fmt.Errorf("attempt %s of rollout %s: %w", attemptID, rolloutID, domain.ErrNotFound)
	}
	return at, nil
}

func copyAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
