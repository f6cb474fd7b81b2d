//go:build integration

package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/beaconrl/beacon/internal/domain/attempt"
	"github.com/beaconrl/beacon/internal/domain/rollout"
	"github.com/beaconrl/beacon/internal/domain/span"
	"github.com/beaconrl/beacon/internal/port/store"
)

func postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(testServer.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestRolloutLifecycle(t *testing.T) {
	resp := postJSON(t, "/api/rollouts", rollout.EnqueueRequest{Input: json.RawMessage(`{"task":"t1"}`)})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue status = %d", resp.StatusCode)
	}
	ro := decode[rollout.Rollout](t, resp)

	resp = postJSON(t, "/api/rollouts/dequeue", map[string]string{"worker_id": "itw-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dequeue status = %d", resp.StatusCode)
	}
	d := decode[store.Dequeued](t, resp)
	if d.Rollout.Status != rollout.StatusRunning {
		t.Errorf("status = %q, want running", d.Rollout.Status)
	}

	spans := map[string]any{"spans": []map[string]any{
		{"rollout_id": ro.ID, "attempt_id": d.Attempt.ID, "span_id": "s1", "name": "agent"},
	}}
	resp = postJSON(t, "/api/spans", spans)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add spans status = %d", resp.StatusCode)
	}
	stored := decode[[]span.Span](t, resp)
	if stored[0].Sequence != 0 {
		t.Errorf("sequence = %d, want 0", stored[0].Sequence)
	}

	url := fmt.Sprintf("/api/rollouts/%s/attempts/%s/report", ro.ID, d.Attempt.ID)
	resp = postJSON(t, url, map[string]string{"status": "succeeded"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("report status = %d", resp.StatusCode)
	}
	at := decode[attempt.Attempt](t, resp)
	if at.Status != attempt.StatusSucceeded {
		t.Errorf("attempt status = %q", at.Status)
	}

	getResp, err := http.Get(testServer.URL + "/api/rollouts/" + ro.ID)
	if err != nil {
		t.Fatalf("get rollout: %v", err)
	}
	got := decode[rollout.Rollout](t, getResp)
	if got.Status != rollout.StatusCompleted {
		t.Errorf("rollout status = %q, want completed", got.Status)
	}
}

// TestConcurrentDequeueUnique verifies SKIP LOCKED claims: many workers
// racing on the queue never receive the same rollout twice.
func TestConcurrentDequeueUnique(t *testing.T) {
	const n = 20
	for range n {
		resp := postJSON(t, "/api/rollouts", rollout.EnqueueRequest{Input: json.RawMessage(`{}`)})
		resp.Body.Close()
	}

	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	wg.Add(n * 2)
	for i := range n * 2 {
		go func(worker int) {
			defer wg.Done()
			resp := postJSON(t, "/api/rollouts/dequeue", map[string]string{
				"worker_id": fmt.Sprintf("itw-%d", worker),
			})
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return
			}
			var d store.Dequeued
			if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
				t.Errorf("decode: %v", err)
				return
			}
			mu.Lock()
			claimed[d.Rollout.ID]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	for id, count := range claimed {
		if count > 1 {
			t.Errorf("rollout %s claimed %d times", id, count)
		}
	}
}
