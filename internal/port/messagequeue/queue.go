// Package messagequeue defines the message queue port (interface) used to
// notify pollers about store activity.
package messagequeue

import "context"

// Handler processes a message received from the queue.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for beacon store notifications. Workers and trainers
// subscribe to these instead of busy-polling the HTTP API.
const (
	SubjectRolloutEnqueued  = "rollouts.enqueued"  // a rollout entered the queue
	SubjectRolloutDequeued  = "rollouts.dequeued"  // a worker picked a rollout up
	SubjectRolloutCompleted = "rollouts.completed" // terminal attempt reported
	SubjectSpansAdded       = "spans.added"        // a span batch was ingested
)
