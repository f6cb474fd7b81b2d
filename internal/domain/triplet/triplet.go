// Package triplet defines the derived (prompt, response, reward) training
// sample entity. Triplets are produced fresh by the adapter on every
// conversion and are never persisted by the store.
package triplet

// Message is one chat turn reconstructed from indexed span attributes.
type Message struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

// Segment is one side of a triplet (the prompt or the response). Raw always
// carries the unprocessed textual content so a caller can re-tokenize later,
// independent of whether token IDs were recoverable.
type Segment struct {
	Messages []Message `json:"messages,omitempty"`
	Raw      string    `json:"raw"`
	TokenIDs []int     `json:"token_ids"`
}

// Triplet is one training sample derived from a matched LLM call span.
// Reward is nil when no reward span was associated with the call.
type Triplet struct {
	Prompt   Segment  `json:"prompt"`
	Response Segment  `json:"response"`
	Reward   *float64 `json:"reward,omitempty"`
	SpanID   string   `json:"span_id,omitempty"`
}
