package triplet

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/beaconrl/beacon/internal/domain"
	"github.com/beaconrl/beacon/internal/domain/span"
)

var testSeq int64

func at(sec float64) time.Time {
	return time.Unix(0, int64(sec*float64(time.Second)))
}

func makeSpan(name string, attrs map[string]any, parentID string, start, end float64) span.Span {
	testSeq++
	return span.Span{
		RolloutID:  "ro-test",
		AttemptID:  "at-test",
		SpanID:     fmt.Sprintf("span-%04d", testSeq),
		TraceID:    "trace-test",
		ParentID:   parentID,
		Name:       name,
		Sequence:   testSeq,
		Attributes: attrs,
		StartTime:  at(start),
		EndTime:    at(end),
	}
}

func makeCallSpan(name, prompt, response string, promptIDs, responseIDs any, parentID string, start, end float64) span.Span {
	attrs := map[string]any{
		"gen_ai.prompt.0.role":        "user",
		"gen_ai.prompt.0.content":     prompt,
		"gen_ai.completion.0.role":    "assistant",
		"gen_ai.completion.0.content": response,
	}
	if promptIDs != nil {
		attrs["prompt_token_ids"] = promptIDs
	}
	if responseIDs != nil {
		attrs["response_token_ids"] = responseIDs
	}
	return makeSpan(name, attrs, parentID, start, end)
}

func makeRewardSpan(value any, parentID string, start, end float64) span.Span {
	payload, _ := json.Marshal(map[string]any{"type": "reward", "value": value})
	return makeSpan(rewardSpanName, map[string]any{attrRewardOutput: string(payload)}, parentID, start, end)
}

func makeSessionSpan() span.Span {
	return makeSpan("agent.session", map[string]any{"agent.name": "webshop-agent"}, "", 0, 10)
}

func newVercelAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(VercelAICallPattern)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a
}

func TestAdapterMatchesVercelSpanNames(t *testing.T) {
	a := newVercelAdapter(t)

	for _, name := range []string{
		"ai.generateText",
		"ai.streamText",
		"ai.generateObject",
		"ai.generateText.doGenerate",
		"ai.streamText.doStream",
	} {
		sp := makeCallSpan(name, "Test prompt", "Test response", []int{1, 2, 3}, []int{4, 5, 6}, "", 0, 1)
		triplets, err := a.Adapt([]span.Span{sp})
		if err != nil {
			t.Fatalf("adapt %s: %v", name, err)
		}
		if len(triplets) != 1 {
			t.Fatalf("expected 1 triplet for span name %q, got %d", name, len(triplets))
		}
	}
}

func TestDefaultPatternMatchesOpenAICompletion(t *testing.T) {
	a, err := New("")
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if !a.IsLLMCall("openai.chat.completion") {
		t.Fatal("default pattern should match openai.chat.completion")
	}
	if a.IsLLMCall("ai.generateText") {
		t.Fatal("default pattern should not match Vercel AI SDK names")
	}
}

func TestAdapterIgnoresNonCallSpans(t *testing.T) {
	a := newVercelAdapter(t)

	spans := []span.Span{
		makeSpan("http.request", map[string]any{"http.method": "GET"}, "", 0, 1),
		makeSpan("db.query", map[string]any{"db.statement": "SELECT *"}, "", 1, 2),
	}
	triplets, err := a.Adapt(spans)
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}
	if len(triplets) != 0 {
		t.Fatalf("expected no triplets, got %d", len(triplets))
	}
}

func TestTokenIDExtraction(t *testing.T) {
	a := newVercelAdapter(t)

	session := makeSessionSpan()
	call := makeCallSpan("ai.generateText", "Buy shoes", "search[shoes]", []int{1, 2, 3}, []int{4, 5}, session.SpanID, 0, 1)

	triplets, err := a.Adapt([]span.Span{session, call})
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}
	if len(triplets) != 1 {
		t.Fatalf("expected 1 triplet, got %d", len(triplets))
	}
	assertInts(t, triplets[0].Prompt.TokenIDs, []int{1, 2, 3})
	assertInts(t, triplets[0].Response.TokenIDs, []int{4, 5})
}

func TestEmptyTokenIDsWithRawContentPreserved(t *testing.T) {
	a := newVercelAdapter(t)

	call := makeCallSpan("ai.generateText", "Hello world", "Hi there", nil, nil, "", 0, 1)
	triplets, err := a.Adapt([]span.Span{call})
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}
	if len(triplets) != 1 {
		t.Fatalf("expected 1 triplet, got %d", len(triplets))
	}

	got := triplets[0]
	if len(got.Prompt.TokenIDs) != 0 || len(got.Response.TokenIDs) != 0 {
		t.Fatalf("expected empty token id lists, got %v / %v", got.Prompt.TokenIDs, got.Response.TokenIDs)
	}
	if got.Prompt.Raw != "Hello world" || got.Response.Raw != "Hi there" {
		t.Fatalf("raw content not preserved: %q / %q", got.Prompt.Raw, got.Response.Raw)
	}
	if len(got.Prompt.Messages) != 1 || got.Prompt.Messages[0].Role != "user" {
		t.Fatalf("unexpected prompt messages: %+v", got.Prompt.Messages)
	}
}

func TestStringTokenIDsParsed(t *testing.T) {
	a := newVercelAdapter(t)

	call := makeCallSpan("ai.generateText", "Test", "Response", "[1, 2, 3]", "[4, 5, 6]", "", 0, 1)
	triplets, err := a.Adapt([]span.Span{call})
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}
	assertInts(t, triplets[0].Prompt.TokenIDs, []int{1, 2, 3})
	assertInts(t, triplets[0].Response.TokenIDs, []int{4, 5, 6})
}

func TestMalformedTokenIDsDegradeToEmpty(t *testing.T) {
	a := newVercelAdapter(t)

	call := makeCallSpan("ai.generateText", "Test", "Response", "not json at all", map[string]any{"nested": true}, "", 0, 1)
	triplets, err := a.Adapt([]span.Span{call})
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}
	if len(triplets[0].Prompt.TokenIDs) != 0 || len(triplets[0].Response.TokenIDs) != 0 {
		t.Fatalf("malformed token ids should degrade to empty, got %v / %v",
			triplets[0].Prompt.TokenIDs, triplets[0].Response.TokenIDs)
	}
}

func TestMultipleCallsOrderedByStartTime(t *testing.T) {
	a := newVercelAdapter(t)

	session := makeSessionSpan()
	second := makeCallSpan("ai.generateText", "Click on first result", "click[item-1]", []int{4, 5}, []int{6}, session.SpanID, 3, 4)
	first := makeCallSpan("ai.generateText", "Search for shoes", "search[shoes]", []int{1, 2}, []int{3}, session.SpanID, 1, 2)

	// Deliberately pass the later call first; output order follows start time.
	triplets, err := a.Adapt([]span.Span{session, second, first})
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}
	if len(triplets) != 2 {
		t.Fatalf("expected 2 triplets, got %d", len(triplets))
	}
	if triplets[0].Prompt.Raw != "Search for shoes" || triplets[1].Prompt.Raw != "Click on first result" {
		t.Fatalf("triplets out of order: %q, %q", triplets[0].Prompt.Raw, triplets[1].Prompt.Raw)
	}
}

func TestAdaptEmptyFails(t *testing.T) {
	a := newVercelAdapter(t)

	if _, err := a.Adapt(nil); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestRewardAttachesToLatestPrecedingCall(t *testing.T) {
	a := newVercelAdapter(t)

	session := makeSessionSpan()
	call1 := makeCallSpan("ai.generateText", "p1", "r1", nil, nil, session.SpanID, 1, 2)
	call2 := makeCallSpan("ai.generateText", "p2", "r2", nil, nil, session.SpanID, 3, 4)
	reward := makeRewardSpan(0.75, session.SpanID, 5, 5.1)

	triplets, err := a.Adapt([]span.Span{session, call1, call2, reward})
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}
	if len(triplets) != 2 {
		t.Fatalf("expected 2 triplets, got %d", len(triplets))
	}
	if triplets[0].Reward != nil {
		t.Fatalf("first triplet should be unrewarded, got %v", *triplets[0].Reward)
	}
	if triplets[1].Reward == nil || *triplets[1].Reward != 0.75 {
		t.Fatalf("second triplet should carry reward 0.75, got %v", triplets[1].Reward)
	}
}

func TestRewardBetweenCallsAttachesToEarlierCall(t *testing.T) {
	a := newVercelAdapter(t)

	session := makeSessionSpan()
	call1 := makeCallSpan("ai.generateText", "p1", "r1", nil, nil, session.SpanID, 1, 2)
	reward := makeRewardSpan(0.25, session.SpanID, 3, 3.1)
	call2 := makeCallSpan("ai.generateText", "p2", "r2", nil, nil, session.SpanID, 3.5, 4)

	triplets, err := a.Adapt([]span.Span{session, call1, reward, call2})
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}
	if triplets[0].Reward == nil || *triplets[0].Reward != 0.25 {
		t.Fatalf("first triplet should carry reward 0.25, got %v", triplets[0].Reward)
	}
	if triplets[1].Reward != nil {
		t.Fatalf("second triplet should be unrewarded, got %v", *triplets[1].Reward)
	}
}

func TestRewardBeforeAllCallsAttachesToFirst(t *testing.T) {
	a := newVercelAdapter(t)

	session := makeSessionSpan()
	reward := makeRewardSpan(1.0, session.SpanID, 0.5, 0.6)
	call := makeCallSpan("ai.generateText", "p1", "r1", nil, nil, session.SpanID, 1, 2)

	triplets, err := a.Adapt([]span.Span{session, reward, call})
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}
	if triplets[0].Reward == nil || *triplets[0].Reward != 1.0 {
		t.Fatalf("reward before all calls should land on the first triplet, got %v", triplets[0].Reward)
	}
}

func TestMalformedRewardIgnored(t *testing.T) {
	a := newVercelAdapter(t)

	session := makeSessionSpan()
	call := makeCallSpan("ai.generateText", "p1", "r1", nil, nil, session.SpanID, 1, 2)
	badReward := makeSpan(rewardSpanName, map[string]any{attrRewardOutput: `{"type":"reward","value":"high"}`}, session.SpanID, 3, 3.1)
	notJSON := makeSpan(rewardSpanName, map[string]any{attrRewardOutput: `{{{`}, session.SpanID, 4, 4.1)

	triplets, err := a.Adapt([]span.Span{session, call, badReward, notJSON})
	if err != nil {
		t.Fatalf("adapt must not fail on malformed reward payloads: %v", err)
	}
	if len(triplets) != 1 {
		t.Fatalf("expected 1 triplet, got %d", len(triplets))
	}
	if triplets[0].Reward != nil {
		t.Fatalf("malformed reward should leave triplet unrewarded, got %v", *triplets[0].Reward)
	}
}

func TestRewardInSeparateTraceNotAssociated(t *testing.T) {
	a := newVercelAdapter(t)

	call := makeCallSpan("ai.generateText", "p1", "r1", nil, nil, "", 1, 2)
	reward := makeRewardSpan(0.9, "", 3, 3.1)
	reward.TraceID = "trace-other"

	triplets, err := a.Adapt([]span.Span{call, reward})
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}
	if len(triplets) != 1 {
		t.Fatalf("expected 1 triplet, got %d", len(triplets))
	}
	if triplets[0].Reward != nil {
		t.Fatalf("reward from another trace must not attach, got %v", *triplets[0].Reward)
	}
}

func assertInts(t *testing.T, got, want []int) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
