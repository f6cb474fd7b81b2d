// Package rollout defines the Rollout domain entity.
package rollout

import (
	"encoding/json"
	"time"
)

// Status represents the current state of a rollout.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRequeuing Status = "requeuing" // Taken off a failed attempt, waiting to re-enter the queue
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions
// other than an explicit requeue.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Mode tags a rollout with the dataset split it belongs to.
type Mode string

const (
	ModeTrain Mode = "train"
	ModeVal   Mode = "val"
	ModeTest  Mode = "test"
)

// Rollout represents one unit of agent work with a stable identity across
// retries. Each execution of a rollout is a separate Attempt.
type Rollout struct {
	ID        string          `json:"id"`
	Input     json.RawMessage `json:"input"`
	Mode      Mode            `json:"mode,omitempty"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EnqueueRequest holds the fields needed to enqueue a new rollout.
type EnqueueRequest struct {
	Input json.RawMessage `json:"input"`
	Mode  Mode            `json:"mode,omitempty"`
}
