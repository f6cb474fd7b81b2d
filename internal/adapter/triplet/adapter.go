// Package triplet converts flat span telemetry into (prompt, response,
// reward) training triplets. The conversion is pure and side-effect free:
// it reconstructs the trace forest, classifies LLM call spans by a
// configurable name pattern, extracts chat content and token IDs from the
// attribute bag, and associates reward spans with the call they score.
package triplet

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/beaconrl/beacon/internal/domain"
	"github.com/beaconrl/beacon/internal/domain/span"
	"github.com/beaconrl/beacon/internal/domain/triplet"
)

// DefaultCallPattern matches the generic OpenAI-style completion span name
// emitted by most Python-side tracers.
const DefaultCallPattern = `openai\.chat\.completion`

// VercelAICallPattern matches the span names the Vercel AI SDK emits for LLM
// calls through its experimental telemetry.
const VercelAICallPattern = `ai\.(generateText|streamText|generateObject)(\.do(Generate|Stream))?`

// Span attribute conventions producers must honor for extraction to work.
const (
	attrPromptTokenIDs   = "prompt_token_ids"
	attrResponseTokenIDs = "response_token_ids"
	attrRewardOutput     = "agentops.task.output"

	rewardSpanName = "reward"
)

var (
	promptAttrRe     = regexp.MustCompile(`^gen_ai\.prompt\.(\d+)\.(role|content)$`)
	completionAttrRe = regexp.MustCompile(`^gen_ai\.completion\.(\d+)\.(role|content)$`)
)

// Adapter converts span batches into training triplets. The zero value is
// not usable; create one with New. An Adapter is immutable and safe for
// concurrent use.
type Adapter struct {
	callRe *regexp.Regexp
}

// New creates an Adapter classifying LLM call spans by callPattern.
// An empty pattern selects DefaultCallPattern.
func New(callPattern string) (*Adapter, error) {
	if callPattern == "" {
		callPattern = DefaultCallPattern
	}
	re, err := regexp.Compile(callPattern)
	if err != nil {
		return nil, fmt.Errorf("compile call pattern %q: %w", callPattern, err)
	}
	return &Adapter{callRe: re}, nil
}

// IsLLMCall reports whether a span name identifies an LLM call. It is pure
// and total; unmatched names simply report false.
func (a *Adapter) IsLLMCall(name string) bool {
	return a.callRe.MatchString(name)
}

// Adapt converts the span set of one rollout attempt into triplets, one per
// matched LLM call span, ordered by ascending call start time (ties broken
// by sequence number). It fails only on an empty batch; incomplete or
// malformed attribute data degrades to empty fields instead.
func (a *Adapter) Adapt(spans []span.Span) ([]triplet.Triplet, error) {
	if len(spans) == 0 {
		return nil, fmt.Errorf("no spans provided: %w", domain.ErrInvalidArgument)
	}

	out := make([]triplet.Triplet, 0)
	for _, tree := range BuildTrees(spans) {
		out = append(out, a.adaptTree(tree)...)
	}
	return out, nil
}

// callSample pairs an extracted triplet with its source span for reward
// association.
type callSample struct {
	sp span.Span
	tr triplet.Triplet
}

// adaptTree extracts the triplets of one trace and attaches its rewards.
func (a *Adapter) adaptTree(tree *Tree) []triplet.Triplet {
	var calls []callSample
	var rewards []span.Span
	for _, node := range tree.Nodes {
		switch {
		case a.IsLLMCall(node.Span.Name):
			calls = append(calls, callSample{sp: node.Span, tr: a.extract(node.Span)})
		case node.Span.Name == rewardSpanName:
			rewards = append(rewards, node.Span)
		}
	}
	if len(calls) == 0 {
		return nil
	}

	sort.SliceStable(calls, func(i, j int) bool {
		if !calls[i].sp.StartTime.Equal(calls[j].sp.StartTime) {
			return calls[i].sp.StartTime.Before(calls[j].sp.StartTime)
		}
		return calls[i].sp.Sequence < calls[j].sp.Sequence
	})

	for _, rw := range rewards {
		value, ok := parseReward(rw.Attributes)
		if !ok {
			continue
		}
		idx := associateReward(calls, rw)
		v := value
		calls[idx].tr.Reward = &v
	}

	out := make([]triplet.Triplet, len(calls))
	for i, c := range calls {
		out[i] = c.tr
	}
	return out
}

// extract builds one triplet from a matched call span. Missing attributes
// yield empty messages and raw text; malformed token IDs yield empty lists.
func (a *Adapter) extract(sp span.Span) triplet.Triplet {
	promptMsgs, promptRaw := collectMessages(sp.Attributes, promptAttrRe)
	responseMsgs, responseRaw := collectMessages(sp.Attributes, completionAttrRe)

	return triplet.Triplet{
		SpanID: sp.SpanID,
		Prompt: triplet.Segment{
			Messages: promptMsgs,
			Raw:      promptRaw,
			TokenIDs: tokenIDs(sp.Attributes, attrPromptTokenIDs),
		},
		Response: triplet.Segment{
			Messages: responseMsgs,
			Raw:      responseRaw,
			TokenIDs: tokenIDs(sp.Attributes, attrResponseTokenIDs),
		},
	}
}

// collectMessages gathers indexed role/content attributes matching re,
// groups them by index and returns the messages in ascending index order
// along with the concatenated raw content.
func collectMessages(attrs map[string]any, re *regexp.Regexp) ([]triplet.Message, string) {
	byIndex := make(map[int]*triplet.Message)
	var indexes []int
	for key := range attrs {
		m := re.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		value, ok := span.StringAttr(attrs, key)
		if !ok {
			continue
		}
		msg := byIndex[idx]
		if msg == nil {
			msg = &triplet.Message{}
			byIndex[idx] = msg
			indexes = append(indexes, idx)
		}
		switch m[2] {
		case "role":
			msg.Role = value
		case "content":
			msg.Content = value
		}
	}
	if len(indexes) == 0 {
		return nil, ""
	}

	sort.Ints(indexes)
	msgs := make([]triplet.Message, 0, len(indexes))
	var contents []string
	for _, idx := range indexes {
		msgs = append(msgs, *byIndex[idx])
		if byIndex[idx].Content != "" {
			contents = append(contents, byIndex[idx].Content)
		}
	}
	return msgs, strings.Join(contents, "\n")
}

// tokenIDs reads a token ID attribute, degrading to an empty list when the
// attribute is absent or malformed.
func tokenIDs(attrs map[string]any, key string) []int {
	ids := span.IntSliceAttr(attrs, key)
	if ids == nil {
		return []int{}
	}
	return ids
}

// rewardPayload is the JSON shape carried by reward span output attributes.
type rewardPayload struct {
	Type  string   `json:"type"`
	Value *float64 `json:"value"`
}

// parseReward extracts the numeric reward value from a reward span's
// attribute bag. Unparseable payloads report false and are skipped.
func parseReward(attrs map[string]any) (float64, bool) {
	raw, ok := span.StringAttr(attrs, attrRewardOutput)
	if !ok {
		return 0, false
	}
	var payload rewardPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return 0, false
	}
	if payload.Type != "reward" || payload.Value == nil {
		return 0, false
	}
	return *payload.Value, true
}

// associateReward picks the call that receives a reward span's value: the
// most recent call (by end time, ties by sequence) that ended at or before
// the reward span started, within the same trace. A reward preceding every
// call lands on the first call. calls must be sorted by start time.
func associateReward(calls []callSample, rw span.Span) int {
	best := -1
	for i, c := range calls {
		if c.sp.EndTime.After(rw.StartTime) {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		b := calls[best].sp
		if c.sp.EndTime.After(b.EndTime) ||
			(c.sp.EndTime.Equal(b.EndTime) && c.sp.Sequence > b.Sequence) {
			best = i
		}
	}
	if best == -1 {
		return 0
	}
	return best
}
