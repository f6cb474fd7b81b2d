package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventRolloutStatus = "rollout.status"
	EventSpanAdded     = "span.added"
)

// RolloutStatusEvent is broadcast when a rollout's status changes.
type RolloutStatusEvent struct {
	RolloutID string `json:"rollout_id"`
	AttemptID string `json:"attempt_id,omitempty"`
	Status    string `json:"status"`
	WorkerID  string `json:"worker_id,omitempty"`
}

// SpanAddedEvent is broadcast when a span batch is ingested.
type SpanAddedEvent struct {
	RolloutID string   `json:"rollout_id"`
	AttemptID string   `json:"attempt_id"`
	Count     int      `json:"count"`
	Names     []string `json:"names,omitempty"`
}

// BroadcastEvent marshals a typed event and broadcasts it to all clients.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
