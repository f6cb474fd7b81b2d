package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/beaconrl/beacon/internal/domain"
	"github.com/beaconrl/beacon/internal/domain/attempt"
	"github.com/beaconrl/beacon/internal/domain/rollout"
	"github.com/beaconrl/beacon/internal/domain/span"
)

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

// notFoundWrap checks whether err is pgx.ErrNoRows and, if so, wraps
// domain.ErrNotFound with the given message. Otherwise it wraps the
// original error.
func notFoundWrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func scanRollout(row scannable) (rollout.Rollout, error) {
	var r rollout.Rollout
	err := row.Scan(&r.ID, &r.Input, &r.Mode, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func scanAttempt(row scannable) (attempt.Attempt, error) {
	var a attempt.Attempt
	err := row.Scan(&a.ID, &a.RolloutID, &a.WorkerID, &a.Ordinal, &a.Status, &a.StartedAt, &a.FinishedAt)
	return a, err
}

func scanSpan(row scannable) (span.Span, error) {
	var (
		sp         span.Span
		attrs      []byte
		start, end *time.Time
	)
	err := row.Scan(&sp.RolloutID, &sp.AttemptID, &sp.SpanID, &sp.TraceID, &sp.ParentID,
		&sp.Name, &sp.Sequence, &attrs, &start, &end)
	if err != nil {
		return sp, err
	}
	if start != nil {
		sp.StartTime = *start
	}
	if end != nil {
		sp.EndTime = *end
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &sp.Attributes); err != nil {
			return sp, fmt.Errorf("decode span attributes: %w", err)
		}
	}
	return sp, nil
}
