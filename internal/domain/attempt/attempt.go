// Package attempt defines the Attempt domain entity for rollout executions.
package attempt

import "time"

// Latest is the pseudo attempt ID resolving to the most recently minted
// attempt of a rollout.
const Latest = "latest"

// Status represents the current state of an attempt.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned" // Caller declared the worker gone; rollout may be requeued
)

// Terminal reports whether the attempt can no longer change.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAbandoned
}

// Valid reports whether s is a known attempt status.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusSucceeded, StatusFailed, StatusAbandoned:
		return true
	}
	return false
}

// Attempt represents one concrete execution of a rollout by a worker.
// A rollout can have several attempts (retries); the one with the highest
// ordinal is the "latest". Attempt IDs are never reused.
type Attempt struct {
	ID         string     `json:"id"`
	RolloutID  string     `json:"rollout_id"`
	WorkerID   string     `json:"worker_id"`
	Ordinal    int        `json:"ordinal"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
