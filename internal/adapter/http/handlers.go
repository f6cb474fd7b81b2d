package http

import (
	"net/http"
	"time"

	"github.com/beaconrl/beacon/internal/adapter/ws"
	"github.com/beaconrl/beacon/internal/domain/attempt"
	"github.com/beaconrl/beacon/internal/domain/rollout"
	"github.com/beaconrl/beacon/internal/domain/span"
	"github.com/beaconrl/beacon/internal/service"
)

const (
	maxRequestBodySize = 1 << 20  // 1 MB
	maxSpanBatchSize   = 16 << 20 // 16 MB; span batches carry full prompt text
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	rollouts *service.RolloutService
	spans    *service.SpanService
	adapter  *service.AdapterService
	hub      *ws.Hub
}

// NewHandlers creates the handler set.
func NewHandlers(rollouts *service.RolloutService, spans *service.SpanService, adapter *service.AdapterService, hub *ws.Hub) *Handlers {
	return &Handlers{rollouts: rollouts, spans: spans, adapter: adapter, hub: hub}
}

// --- Rollouts ---

// EnqueueRollout handles POST /api/rollouts.
func (h *Handlers) EnqueueRollout(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[rollout.EnqueueRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}

	ro, err := h.rollouts.Enqueue(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "rollout not found")
		return
	}
	writeJSON(w, http.StatusCreated, ro)
}

type dequeueRequest struct {
	WorkerID string `json:"worker_id"`
}

// DequeueRollout handles POST /api/rollouts/dequeue. It responds 204 when
// the queue is empty; workers poll or subscribe to rollouts.enqueued.
func (h *Handlers) DequeueRollout(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[dequeueRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}

	d, err := h.rollouts.Dequeue(r.Context(), req.WorkerID)
	if err != nil {
		writeDomainError(w, err, "rollout not found")
		return
	}
	if d == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ListRollouts handles GET /api/rollouts?mode=train.
func (h *Handlers) ListRollouts(w http.ResponseWriter, r *http.Request) {
	mode := rollout.Mode(r.URL.Query().Get("mode"))

	rollouts, err := h.rollouts.List(r.Context(), mode)
	if err != nil {
		writeDomainError(w, err, "rollouts not found")
		return
	}
	writeJSON(w, http.StatusOK, rollouts)
}

// GetRollout handles GET /api/rollouts/{id}.
func (h *Handlers) GetRollout(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	ro, err := h.rollouts.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "rollout not found")
		return
	}
	writeJSON(w, http.StatusOK, ro)
}

// RequeueRollout handles POST /api/rollouts/{id}/requeue.
func (h *Handlers) RequeueRollout(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	ro, err := h.rollouts.Requeue(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "rollout not found")
		return
	}
	writeJSON(w, http.StatusOK, ro)
}

// --- Attempts ---

// ListAttempts handles GET /api/rollouts/{id}/attempts.
func (h *Handlers) ListAttempts(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	attempts, err := h.rollouts.ListAttempts(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "rollout not found")
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

type reportRequest struct {
	Status attempt.Status `json:"status"`
}

// ReportAttempt handles POST /api/rollouts/{id}/attempts/{attemptID}/report.
func (h *Handlers) ReportAttempt(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	attemptID := urlParam(r, "attemptID")

	req, ok := readJSON[reportRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}

	at, err := h.rollouts.Report(r.Context(), id, attemptID, req.Status)
	if err != nil {
		writeDomainError(w, err, "attempt not found")
		return
	}
	writeJSON(w, http.StatusOK, at)
}

// --- Spans ---

// spanInput mirrors span.Span on the wire with an optional sequence; absent
// means the store assigns one.
type spanInput struct {
	RolloutID  string         `json:"rollout_id"`
	AttemptID  string         `json:"attempt_id"`
	SpanID     string         `json:"span_id"`
	TraceID    string         `json:"trace_id"`
	ParentID   string         `json:"parent_id"`
	Name       string         `json:"name"`
	Sequence   *int64         `json:"sequence_id"`
	Attributes map[string]any `json:"attributes"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
}

func (in spanInput) toDomain() span.Span {
	seq := span.SequenceUnassigned
	if in.Sequence != nil {
		seq = *in.Sequence
	}
	return span.Span{
		RolloutID:  in.RolloutID,
		AttemptID:  in.AttemptID,
		SpanID:     in.SpanID,
		TraceID:    in.TraceID,
		ParentID:   in.ParentID,
		Name:       in.Name,
		Sequence:   seq,
		Attributes: in.Attributes,
		StartTime:  in.StartTime,
		EndTime:    in.EndTime,
	}
}

type addSpansRequest struct {
	Spans []spanInput `json:"spans"`
}

// AddSpans handles POST /api/spans.
func (h *Handlers) AddSpans(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[addSpansRequest](w, r, maxSpanBatchSize)
	if !ok {
		return
	}
	if len(req.Spans) == 0 {
		writeError(w, http.StatusBadRequest, "spans is required")
		return
	}

	spans := make([]span.Span, 0, len(req.Spans))
	for _, in := range req.Spans {
		spans = append(spans, in.toDomain())
	}

	stored, err := h.spans.AddMany(r.Context(), spans)
	if err != nil {
		writeDomainError(w, err, "rollout or attempt not found")
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// QuerySpans handles GET /api/rollouts/{id}/spans?attempt=latest.
func (h *Handlers) QuerySpans(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	attemptID := r.URL.Query().Get("attempt")
	if attemptID == "" {
		attemptID = attempt.Latest
	}

	spans, err := h.spans.Query(r.Context(), id, attemptID)
	if err != nil {
		writeDomainError(w, err, "rollout or attempt not found")
		return
	}
	writeJSON(w, http.StatusOK, spans)
}

// --- Triplets ---

// AdaptTriplets handles POST /api/rollouts/{id}/triplets?attempt=latest.
func (h *Handlers) AdaptTriplets(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	attemptID := r.URL.Query().Get("attempt")
	if attemptID == "" {
		attemptID = attempt.Latest
	}

	triplets, err := h.adapter.Adapt(r.Context(), id, attemptID)
	if err != nil {
		writeDomainError(w, err, "rollout or attempt not found")
		return
	}
	writeJSON(w, http.StatusOK, triplets)
}

// --- Infra ---

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// WebSocket handles GET /ws, upgrading to a live event stream.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	h.hub.HandleWS(w, r)
}
