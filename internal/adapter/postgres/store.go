package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beaconrl/beacon/internal/domain"
	"github.com/beaconrl/beacon/internal/domain/attempt"
	"github.com/beaconrl/beacon/internal/domain/rollout"
	"github.com/beaconrl/beacon/internal/domain/span"
	"github.com/beaconrl/beacon/internal/id"
	"github.com/beaconrl/beacon/internal/port/store"
)

const (
	rolloutCols = `id, input, mode, status, created_at, updated_at`
	attemptCols = `id, rollout_id, worker_id, ordinal, status, started_at, finished_at`
	spanCols    = `rollout_id, attempt_id, span_id, trace_id, parent_id, name, sequence, attributes, start_time, end_time`
)

// Store implements store.Store using PostgreSQL. Queue claims rely on
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers never receive the
// same rollout.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnqueueRollout creates a rollout with status "queued" and appends it to the
// FIFO queue tail.
func (s *Store) EnqueueRollout(ctx context.Context, req rollout.EnqueueRequest) (*rollout.Rollout, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	input := req.Input
	if input == nil {
		input = json.RawMessage(`null`)
	}

	row := tx.QueryRow(ctx,
		`INSERT INTO rollouts (id, input, mode) VALUES ($1, $2, $3)
		 RETURNING `+rolloutCols,
		id.New("ro"), input, req.Mode)
	ro, err := scanRollout(row)
	if err != nil {
		return nil, fmt.Errorf("enqueue rollout: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO rollout_queue (rollout_id) VALUES ($1)`, ro.ID); err != nil {
		return nil, fmt.Errorf("enqueue rollout %s: %w", ro.ID, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO span_sequences (rollout_id, next_seq) VALUES ($1, 0)`, ro.ID); err != nil {
		return nil, fmt.Errorf("init sequence for rollout %s: %w", ro.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit enqueue: %w", err)
	}
	return &ro, nil
}

// DequeueRollout pops the next queued rollout and mints a new attempt for
// workerID. It returns (nil, nil) when the queue is empty.
func (s *Store) DequeueRollout(ctx context.Context, workerID string) (*store.Dequeued, error) {
	for {
		d, empty, err := s.tryDequeue(ctx, workerID)
		if err != nil {
			return nil, err
		}
		if empty {
			return nil, nil
		}
		if d != nil {
			return d, nil
		}
		// Stale queue entry was discarded; try the next one.
	}
}

// tryDequeue claims one queue entry. It returns (nil, false, nil) when the
// entry was stale (rollout no longer queued) and the caller should retry.
func (s *Store) tryDequeue(ctx context.Context, workerID string) (*store.Dequeued, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin dequeue: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var rolloutID string
	err = tx.QueryRow(ctx,
		`DELETE FROM rollout_queue WHERE seq = (
		     SELECT seq FROM rollout_queue ORDER BY seq
		     FOR UPDATE SKIP LOCKED LIMIT 1
		 ) RETURNING rollout_id`).Scan(&rolloutID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim queue entry: %w", err)
	}

	row := tx.QueryRow(ctx,
		`UPDATE rollouts SET status = 'running', updated_at = now()
		 WHERE id = $1 AND status IN ('queued', 'requeuing')
		 RETURNING `+rolloutCols, rolloutID)
	ro, err := scanRollout(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Rollout left the queued state while the entry sat in the queue;
		// drop the entry and let the caller retry.
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("commit stale dequeue: %w", err)
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("mark rollout %s running: %w", rolloutID, err)
	}

	row = tx.QueryRow(ctx,
		`INSERT INTO attempts (id, rollout_id, worker_id, ordinal)
		 VALUES ($1, $2, $3,
		     (SELECT COALESCE(MAX(ordinal), 0) + 1 FROM attempts WHERE rollout_id = $2))
		 RETURNING `+attemptCols,
		id.New("at"), rolloutID, workerID)
	at, err := scanAttempt(row)
	if err != nil {
		return nil, false, fmt.Errorf("mint attempt for rollout %s: %w", rolloutID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit dequeue: %w", err)
	}
	return &store.Dequeued{Rollout: &ro, Attempt: &at}, false, nil
}

// GetRollout returns a rollout by ID.
func (s *Store) GetRollout(ctx context.Context, rolloutID string) (*rollout.Rollout, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+rolloutCols+` FROM rollouts WHERE id = $1`, rolloutID)
	ro, err := scanRollout(row)
	if err != nil {
		return nil, notFoundWrap(err, "rollout %s", rolloutID)
	}
	return &ro, nil
}

// ListRollouts returns all rollouts in creation order, optionally filtered
// by mode.
func (s *Store) ListRollouts(ctx context.Context, mode rollout.Mode) ([]rollout.Rollout, error) {
	query := `SELECT ` + rolloutCols + ` FROM rollouts ORDER BY created_at, id`
	args := []any{}
	if mode != "" {
		query = `SELECT ` + rolloutCols + ` FROM rollouts WHERE mode = $1 ORDER BY created_at, id`
		args = append(args, mode)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rollouts: %w", err)
	}
	defer rows.Close()

	out := []rollout.Rollout{}
	for rows.Next() {
		ro, err := scanRollout(rows)
		if err != nil {
			return nil, fmt.Errorf("list rollouts: %w", err)
		}
		out = append(out, ro)
	}
	return out, rows.Err()
}

// RequeueRollout places an existing rollout back on the queue tail. A still
// running latest attempt is marked abandoned first.
func (s *Store) RequeueRollout(ctx context.Context, rolloutID string) (*rollout.Rollout, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin requeue: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+rolloutCols+` FROM rollouts WHERE id = $1 FOR UPDATE`, rolloutID)
	ro, err := scanRollout(row)
	if err != nil {
		return nil, notFoundWrap(err, "rollout %s", rolloutID)
	}

	if ro.Status == rollout.StatusQueued || ro.Status == rollout.StatusRequeuing {
		return &ro, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE attempts SET status = 'abandoned', finished_at = now()
		 WHERE rollout_id = $1 AND status = 'running'
		   AND ordinal = (SELECT MAX(ordinal) FROM attempts WHERE rollout_id = $1)`,
		rolloutID); err != nil {
		return nil, fmt.Errorf("abandon attempt of rollout %s: %w", rolloutID, err)
	}

	row = tx.QueryRow(ctx,
		`UPDATE rollouts SET status = 'requeuing', updated_at = now()
		 WHERE id = $1 RETURNING `+rolloutCols, rolloutID)
	ro, err = scanRollout(row)
	if err != nil {
		return nil, fmt.Errorf("requeue rollout %s: %w", rolloutID, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO rollout_queue (rollout_id) VALUES ($1)`, rolloutID); err != nil {
		return nil, fmt.Errorf("requeue rollout %s: %w", rolloutID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit requeue: %w", err)
	}
	return &ro, nil
}

// ResolveAttempt resolves attemptID (or attempt.Latest) for the rollout.
func (s *Store) ResolveAttempt(ctx context.Context, rolloutID, attemptID string) (*attempt.Attempt, error) {
	at, err := s.resolveAttempt(ctx, s.pool, rolloutID, attemptID)
	if err != nil {
		return nil, err
	}
	return at, nil
}

// ListAttempts returns all attempts of the rollout ordered by ordinal.
func (s *Store) ListAttempts(ctx context.Context, rolloutID string) ([]attempt.Attempt, error) {
	if _, err := s.GetRollout(ctx, rolloutID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+attemptCols+` FROM attempts WHERE rollout_id = $1 ORDER BY ordinal`,
		rolloutID)
	if err != nil {
		return nil, fmt.Errorf("list attempts of rollout %s: %w", rolloutID, err)
	}
	defer rows.Close()

	out := []attempt.Attempt{}
	for rows.Next() {
		at, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("list attempts of rollout %s: %w", rolloutID, err)
		}
		out = append(out, at)
	}
	return out, rows.Err()
}

// ReportAttempt records a worker's completion report. The outcome propagates
// to the rollout status when the report concerns the latest attempt.
func (s *Store) ReportAttempt(ctx context.Context, rolloutID, attemptID string, status attempt.Status) (*attempt.Attempt, error) {
	if !status.Valid() || !status.Terminal() {
		return nil, fmt.Errorf("report status %q: %w", status, domain.ErrInvalidArgument)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin report: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	at, err := s.resolveAttempt(ctx, tx, rolloutID, attemptID)
	if err != nil {
		return nil, err
	}

	if !at.Status.Terminal() {
		row := tx.QueryRow(ctx,
			`UPDATE attempts SET status = $2, finished_at = now()
			 WHERE id = $1 RETURNING `+attemptCols, at.ID, status)
		*at, err = scanAttempt(row)
		if err != nil {
			return nil, fmt.Errorf("report attempt %s: %w", at.ID, err)
		}
	}

	var latestID string
	err = tx.QueryRow(ctx,
		`SELECT id FROM attempts WHERE rollout_id = $1 ORDER BY ordinal DESC LIMIT 1`,
		rolloutID).Scan(&latestID)
	if err != nil {
		return nil, fmt.Errorf("resolve latest attempt of rollout %s: %w", rolloutID, err)
	}

	if latestID == at.ID {
		roStatus := rollout.StatusFailed
		if status == attempt.StatusSucceeded {
			roStatus = rollout.StatusCompleted
		}
		if _, err := tx.Exec(ctx,
			`UPDATE rollouts SET status = $2, updated_at = now() WHERE id = $1`,
			rolloutID, roStatus); err != nil {
			return nil, fmt.Errorf("propagate report to rollout %s: %w", rolloutID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit report: %w", err)
	}
	return at, nil
}

// AddManySpans validates every span against the attempt ledger, assigns
// sequence numbers where unset, and appends the batch in one transaction.
func (s *Store) AddManySpans(ctx context.Context, spans []span.Span) ([]span.Span, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin add spans: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Resolve every (rollout, attempt) pair up front; a bad span rejects the
	// whole batch before anything is written.
	resolved := make(map[string]string) // "rolloutID/attemptID" -> attempt ID
	for i := range spans {
		key := spans[i].RolloutID + "/" + spans[i].AttemptID
		if _, ok := resolved[key]; ok {
			continue
		}
		at, err := s.resolveAttempt(ctx, tx, spans[i].RolloutID, spans[i].AttemptID)
		if err != nil {
			return nil, fmt.Errorf("span %s: %w", spans[i].SpanID, err)
		}
		resolved[key] = at.ID
	}

	stored := make([]span.Span, 0, len(spans))
	seqCache := make(map[string]int64)
	for i := range spans {
		sp := spans[i]
		sp.AttemptID = resolved[sp.RolloutID+"/"+sp.AttemptID]

		next, ok := seqCache[sp.RolloutID]
		if !ok {
			err := tx.QueryRow(ctx,
				`SELECT next_seq FROM span_sequences WHERE rollout_id = $1 FOR UPDATE`,
				sp.RolloutID).Scan(&next)
			if err != nil {
				return nil, fmt.Errorf("lock sequence of rollout %s: %w", sp.RolloutID, err)
			}
		}
		if sp.Sequence < 0 {
			sp.Sequence = next
			next++
		} else if sp.Sequence >= next {
			next = sp.Sequence + 1
		}
		seqCache[sp.RolloutID] = next

		attrs, err := json.Marshal(sp.Attributes)
		if err != nil {
			return nil, fmt.Errorf("encode attributes of span %s: %w", sp.SpanID, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO spans (`+spanCols+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			sp.RolloutID, sp.AttemptID, sp.SpanID, sp.TraceID, sp.ParentID,
			sp.Name, sp.Sequence, attrs, nullTime(sp.StartTime), nullTime(sp.EndTime)); err != nil {
			return nil, fmt.Errorf("insert span %s: %w", sp.SpanID, err)
		}
		stored = append(stored, sp)
	}

	for rolloutID, next := range seqCache {
		if _, err := tx.Exec(ctx,
			`UPDATE span_sequences SET next_seq = $2 WHERE rollout_id = $1`,
			rolloutID, next); err != nil {
			return nil, fmt.Errorf("advance sequence of rollout %s: %w", rolloutID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit add spans: %w", err)
	}
	return stored, nil
}

// QuerySpans returns all spans of the resolved attempt ordered by ascending
// sequence number.
func (s *Store) QuerySpans(ctx context.Context, rolloutID, attemptID string) ([]span.Span, error) {
	at, err := s.resolveAttempt(ctx, s.pool, rolloutID, attemptID)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+spanCols+` FROM spans WHERE attempt_id = $1 ORDER BY sequence`,
		at.ID)
	if err != nil {
		return nil, fmt.Errorf("query spans of attempt %s: %w", at.ID, err)
	}
	defer rows.Close()

	out := []span.Span{}
	for rows.Next() {
		sp, err := scanSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("query spans of attempt %s: %w", at.ID, err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// querier abstracts pgxpool.Pool and pgx.Tx for shared resolution logic.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) resolveAttempt(ctx context.Context, q querier, rolloutID, attemptID string) (*attempt.Attempt, error) {
	var exists bool
	if err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM rollouts WHERE id = $1)`, rolloutID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("resolve rollout %s: %w", rolloutID, err)
	}
	if !exists {
		return nil, fmt.Errorf("rollout %s: %w", rolloutID, domain.ErrNotFound)
	}

	if attemptID == attempt.Latest {
		row := q.QueryRow(ctx,
			`SELECT `+attemptCols+` FROM attempts WHERE rollout_id = $1
			 ORDER BY ordinal DESC LIMIT 1`, rolloutID)
		at, err := scanAttempt(row)
		if err != nil {
			return nil, notFoundWrap(err, "rollout %s has no attempts", rolloutID)
		}
		return &at, nil
	}

	row := q.QueryRow(ctx,
		`SELECT `+attemptCols+` FROM attempts WHERE id = $1 AND rollout_id = $2`,
		attemptID, rolloutID)
	at, err := scanAttempt(row)
	if err != nil {
		return nil, notFoundWrap(err, "attempt %s of rollout %s", attemptID, rolloutID)
	}
	return &at, nil
}

// nullTime converts a zero time to nil for nullable DB columns.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
