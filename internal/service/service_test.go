package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/beaconrl/beacon/internal/adapter/memory"
	tripletadapter "github.com/beaconrl/beacon/internal/adapter/triplet"
	"github.com/beaconrl/beacon/internal/domain"
	"github.com/beaconrl/beacon/internal/domain/attempt"
	"github.com/beaconrl/beacon/internal/domain/rollout"
	"github.com/beaconrl/beacon/internal/domain/span"
	"github.com/beaconrl/beacon/internal/port/messagequeue"
	"github.com/beaconrl/beacon/internal/service"
)

// --- Mocks ---

type mockQueue struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newMockQueue() *mockQueue {
	return &mockQueue{messages: make(map[string][][]byte)}
}

func (m *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[subject] = append(m.messages[subject], data)
	return nil
}
func (m *mockQueue) Subscribe(_ context.Context, _ string, _ messagequeue.Handler) (func(), error) {
	return func() {}, nil
}
func (m *mockQueue) Drain() error      { return nil }
func (m *mockQueue) Close() error      { return nil }
func (m *mockQueue) IsConnected() bool { return true }

func (m *mockQueue) count(subject string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages[subject])
}

type mockBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (m *mockBroadcaster) BroadcastEvent(_ context.Context, eventType string, _ any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType)
}

func (m *mockBroadcaster) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type mockCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	gets    int
	hits    int
	sets    int
}

func newMockCache() *mockCache {
	return &mockCache{entries: make(map[string][]byte)}
}

func (m *mockCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	v, ok := m.entries[key]
	if ok {
		m.hits++
	}
	return v, ok, nil
}

func (m *mockCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	m.entries[key] = value
	return nil
}

func (m *mockCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func newRolloutService() (*service.RolloutService, *mockQueue, *mockBroadcaster) {
	q := newMockQueue()
	bc := &mockBroadcaster{}
	return service.NewRolloutService(memory.NewStore(), q, bc, nil), q, bc
}

// --- Rollout lifecycle ---

func TestEnqueueNotifies(t *testing.T) {
	svc, q, bc := newRolloutService()

	ro, err := svc.Enqueue(context.Background(), rollout.EnqueueRequest{
		Input: json.RawMessage(`{"task":"navigate"}`),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if ro.Status != rollout.StatusQueued {
		t.Errorf("status = %q, want %q", ro.Status, rollout.StatusQueued)
	}
	if ro.Mode != rollout.ModeTrain {
		t.Errorf("mode = %q, want default %q", ro.Mode, rollout.ModeTrain)
	}
	if got := q.count(messagequeue.SubjectRolloutEnqueued); got != 1 {
		t.Errorf("enqueued messages = %d, want 1", got)
	}
	if bc.count() != 1 {
		t.Errorf("broadcast events = %d, want 1", bc.count())
	}
}

func TestEnqueueRejectsUnknownMode(t *testing.T) {
	svc, q, _ := newRolloutService()

	_, err := svc.Enqueue(context.Background(), rollout.EnqueueRequest{
		Input: json.RawMessage(`{}`),
		Mode:  "production",
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if got := q.count(messagequeue.SubjectRolloutEnqueued); got != 0 {
		t.Errorf("enqueued messages = %d, want 0", got)
	}
}

func TestDequeueEmptyIsSilent(t *testing.T) {
	svc, q, bc := newRolloutService()

	d, err := svc.Dequeue(context.Background(), "w1")
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if d != nil {
		t.Fatalf("expected nil on empty queue, got %+v", d)
	}
	if got := q.count(messagequeue.SubjectRolloutDequeued); got != 0 {
		t.Errorf("dequeued messages = %d, want 0", got)
	}
	if bc.count() != 0 {
		t.Errorf("broadcast events = %d, want 0", bc.count())
	}
}

func TestReportPublishesCompletion(t *testing.T) {
	svc, q, _ := newRolloutService()
	ctx := context.Background()

	ro, err := svc.Enqueue(ctx, rollout.EnqueueRequest{Input: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	d, err := svc.Dequeue(ctx, "w1")
	if err != nil || d == nil {
		t.Fatalf("Dequeue: %v, %v", d, err)
	}

	at, err := svc.Report(ctx, ro.ID, d.Attempt.ID, attempt.StatusSucceeded)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if at.Status != attempt.StatusSucceeded {
		t.Errorf("attempt status = %q, want succeeded", at.Status)
	}
	got, err := svc.Get(ctx, ro.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != rollout.StatusCompleted {
		t.Errorf("rollout status = %q, want completed", got.Status)
	}
	if n := q.count(messagequeue.SubjectRolloutCompleted); n != 1 {
		t.Errorf("completed messages = %d, want 1", n)
	}
}

func TestReportNonTerminalStatusRejected(t *testing.T) {
	svc, _, _ := newRolloutService()
	ctx := context.Background()

	ro, _ := svc.Enqueue(ctx, rollout.EnqueueRequest{Input: json.RawMessage(`{}`)})
	if _, err := svc.Dequeue(ctx, "w1"); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	_, err := svc.Report(ctx, ro.ID, attempt.Latest, attempt.StatusRunning)
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestWaitReturnsOnEnqueue(t *testing.T) {
	svc, _, _ := newRolloutService()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ro, err := svc.Enqueue(ctx, rollout.EnqueueRequest{Input: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d, err := svc.Wait(ctx, "w1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if d.Rollout.ID != ro.ID {
		t.Errorf("claimed rollout %q, want %q", d.Rollout.ID, ro.ID)
	}
}

func TestWaitRespectsContext(t *testing.T) {
	svc, _, _ := newRolloutService()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := svc.Wait(ctx, "w1", 10*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

// --- Span ingestion ---

func seedAttempt(t *testing.T, st *memory.Store) (string, string) {
	t.Helper()
	ctx := context.Background()
	ro, err := st.EnqueueRollout(ctx, rollout.EnqueueRequest{Input: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("EnqueueRollout: %v", err)
	}
	d, err := st.DequeueRollout(ctx, "w1")
	if err != nil || d == nil {
		t.Fatalf("DequeueRollout: %v, %v", d, err)
	}
	return ro.ID, d.Attempt.ID
}

func TestAddManyGroupsNotifications(t *testing.T) {
	st := memory.NewStore()
	q := newMockQueue()
	bc := &mockBroadcaster{}
	svc := service.NewSpanService(st, nil, q, bc, nil, time.Minute)

	roID, atID := seedAttempt(t, st)

	spans := []span.Span{
		{RolloutID: roID, AttemptID: atID, SpanID: "s1", Name: "agent", Sequence: span.SequenceUnassigned},
		{RolloutID: roID, AttemptID: atID, SpanID: "s2", Name: "reward", Sequence: span.SequenceUnassigned},
	}
	stored, err := svc.AddMany(context.Background(), spans)
	if err != nil {
		t.Fatalf("AddMany: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored %d spans, want 2", len(stored))
	}
	// Both spans belong to the same attempt: one notification for the batch.
	if n := q.count(messagequeue.SubjectSpansAdded); n != 1 {
		t.Errorf("spans.added messages = %d, want 1", n)
	}
	if bc.count() != 1 {
		t.Errorf("broadcast events = %d, want 1", bc.count())
	}
}

func TestQueryCachesTerminalAttempt(t *testing.T) {
	st := memory.NewStore()
	c := newMockCache()
	svc := service.NewSpanService(st, c, nil, nil, nil, time.Minute)
	ctx := context.Background()

	roID, atID := seedAttempt(t, st)
	if _, err := st.AddManySpans(ctx, []span.Span{
		{RolloutID: roID, AttemptID: atID, SpanID: "s1", Name: "agent", Sequence: span.SequenceUnassigned},
	}); err != nil {
		t.Fatalf("AddManySpans: %v", err)
	}

	// Attempt still running: nothing must be cached.
	if _, err := svc.Query(ctx, roID, attempt.Latest); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if c.sets != 0 {
		t.Fatalf("cache sets while running = %d, want 0", c.sets)
	}

	if _, err := st.ReportAttempt(ctx, roID, atID, attempt.StatusSucceeded); err != nil {
		t.Fatalf("ReportAttempt: %v", err)
	}

	first, err := svc.Query(ctx, roID, attempt.Latest)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if c.sets != 1 {
		t.Fatalf("cache sets = %d, want 1", c.sets)
	}

	second, err := svc.Query(ctx, roID, attempt.Latest)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if c.hits != 1 {
		t.Errorf("cache hits = %d, want 1", c.hits)
	}
	if len(first) != len(second) || len(first) != 1 {
		t.Errorf("span counts differ: %d vs %d", len(first), len(second))
	}
	if second[0].SpanID != "s1" {
		t.Errorf("cached span ID = %q, want s1", second[0].SpanID)
	}
}

// --- Triplet extraction ---

func TestAdaptExtractsTriplets(t *testing.T) {
	st := memory.NewStore()
	spanSvc := service.NewSpanService(st, nil, nil, nil, nil, time.Minute)
	ad, err := tripletadapter.New("")
	if err != nil {
		t.Fatalf("New adapter: %v", err)
	}
	svc := service.NewAdapterService(spanSvc, ad, 2, nil)
	ctx := context.Background()

	roID, atID := seedAttempt(t, st)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if _, err := st.AddManySpans(ctx, []span.Span{{
		RolloutID: roID,
		AttemptID: atID,
		SpanID:    "call-1",
		TraceID:   "tr-1",
		Name:      "openai.chat.completion",
		Sequence:  span.SequenceUnassigned,
		StartTime: base,
		EndTime:   base.Add(time.Second),
		Attributes: map[string]any{
			"gen_ai.prompt.0.role":        "user",
			"gen_ai.prompt.0.content":     "pick an action",
			"gen_ai.completion.0.role":    "assistant",
			"gen_ai.completion.0.content": "click[buy]",
			"prompt_token_ids":            []any{float64(1), float64(2)},
			"response_token_ids":          []any{float64(3)},
		},
	}}); err != nil {
		t.Fatalf("AddManySpans: %v", err)
	}

	triplets, err := svc.Adapt(ctx, roID, attempt.Latest)
	if err != nil {
		t.Fatalf("Adapt: %v", err)
	}
	if len(triplets) != 1 {
		t.Fatalf("got %d triplets, want 1", len(triplets))
	}
	tr := triplets[0]
	if tr.SpanID != "call-1" {
		t.Errorf("triplet span ID = %q, want call-1", tr.SpanID)
	}
	if len(tr.Prompt.Messages) != 1 || tr.Prompt.Messages[0].Content != "pick an action" {
		t.Errorf("unexpected prompt messages: %+v", tr.Prompt.Messages)
	}
	if len(tr.Response.TokenIDs) != 1 || tr.Response.TokenIDs[0] != 3 {
		t.Errorf("unexpected response token IDs: %v", tr.Response.TokenIDs)
	}
}

func TestAdaptNoSpansFails(t *testing.T) {
	st := memory.NewStore()
	spanSvc := service.NewSpanService(st, nil, nil, nil, nil, time.Minute)
	ad, err := tripletadapter.New("")
	if err != nil {
		t.Fatalf("New adapter: %v", err)
	}
	svc := service.NewAdapterService(spanSvc, ad, 1, nil)

	roID, _ := seedAttempt(t, st)
	_, err = svc.Adapt(context.Background(), roID, attempt.Latest)
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}
