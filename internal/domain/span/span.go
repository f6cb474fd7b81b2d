// Package span defines the immutable telemetry Span entity and helpers for
// reading its heterogeneous attribute bag.
package span

import "time"

// SequenceUnassigned marks a span whose store-level sequence number has not
// been assigned yet. The store replaces it on ingestion.
const SequenceUnassigned int64 = -1

// Span is one immutable telemetry record emitted by a worker during an
// attempt. Spans form a forest per trace via ParentID; a span with an empty
// ParentID is a root. Attribute values are scalars, lists, or JSON-encoded
// strings depending on the producer.
type Span struct {
	RolloutID  string         `json:"rollout_id"`
	AttemptID  string         `json:"attempt_id"`
	SpanID     string         `json:"span_id"`
	TraceID    string         `json:"trace_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	Name       string         `json:"name"`
	Sequence   int64          `json:"sequence_id"`
	Attributes map[string]any `json:"attributes,omitempty"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
}
