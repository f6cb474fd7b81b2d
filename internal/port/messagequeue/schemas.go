package messagequeue

// RolloutEnqueuedPayload is the schema for rollouts.enqueued messages.
type RolloutEnqueuedPayload struct {
	RolloutID string `json:"rollout_id"`
	Mode      string `json:"mode,omitempty"`
}

// RolloutDequeuedPayload is the schema for rollouts.dequeued messages.
type RolloutDequeuedPayload struct {
	RolloutID string `json:"rollout_id"`
	AttemptID string `json:"attempt_id"`
	WorkerID  string `json:"worker_id"`
}

// RolloutCompletedPayload is the schema for rollouts.completed messages.
type RolloutCompletedPayload struct {
	RolloutID string `json:"rollout_id"`
	AttemptID string `json:"attempt_id"`
	Status    string `json:"status"`
}

// SpansAddedPayload is the schema for spans.added messages.
type SpansAddedPayload struct {
	RolloutID string `json:"rollout_id"`
	AttemptID string `json:"attempt_id"`
	Count     int    `json:"count"`
}
