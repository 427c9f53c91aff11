package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	ctxengine "github.com/user/tablemate/internal/context"
	"github.com/user/tablemate/internal/gateway"
	"github.com/user/tablemate/internal/state"
	"github.com/user/tablemate/internal/types"
	"github.com/user/tablemate/pkg/llm"
)

// mockProvider returns pre-configured responses, or errors when errs has an
// entry for the call index.
type mockProvider struct {
	mu        sync.Mutex
	responses []*llm.Response
	errs      map[int]error
	callCount int
}

func (m *mockProvider) Complete(_ context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.callCount
	m.callCount++
	if err, ok := m.errs[idx]; ok {
		return nil, err
	}
	if idx < len(m.responses) {
		return m.responses[idx], nil
	}
	return &llm.Response{Content: "fallback"}, nil
}

func (m *mockProvider) Stream(_ context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.Delta, error) {
	return nil, nil
}

func (m *mockProvider) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

type harness struct {
	sessions  *state.SessionStore
	events    *state.EventStore
	artifacts *state.ArtifactStore
	registry  *Registry
	sid       types.SessionID
	key       types.SessionKey
}

func newHarness(t *testing.T, tools ...Tool) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		sessions:  state.NewSessionStore(dir),
		events:    state.NewEventStore(dir),
		artifacts: state.NewArtifactStore(dir),
		registry:  NewRegistry(WithRetryPolicy(fastRetry())),
		key:       types.NewSessionKey("test", "user1"),
	}
	for _, tool := range tools {
		if err := h.registry.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	sid, err := h.sessions.ResolveOrCreate(context.Background(), h.key, "default")
	if err != nil {
		t.Fatal(err)
	}
	h.sid = sid
	return h
}

func (h *harness) runtime(t *testing.T, provider llm.Provider, maxRounds int) *Runtime {
	t.Helper()
	engine, err := ctxengine.New("gpt-4", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}
	rt := New(provider, engine, h.sessions, h.events, h.artifacts, h.registry, maxRounds)
	rt.SetRetryPolicy(fastRetry())
	return rt
}

// process runs text through the loop and returns the replies delivered.
func (h *harness) process(t *testing.T, rt *Runtime, text string) []string {
	t.Helper()
	var mu sync.Mutex
	var replies []string
	run := gateway.NewRun(h.sid, &types.InboundEvent{
		Source:     "test",
		SessionKey: h.key,
		UserID:     "user1",
		Text:       text,
	})
	run.OnComplete = func(resp string) {
		mu.Lock()
		replies = append(replies, resp)
		mu.Unlock()
	}
	if err := rt.ProcessRun(run); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	return replies
}

func (h *harness) eventTypes(t *testing.T) []string {
	t.Helper()
	events, err := h.events.Tail(context.Background(), h.sid, 0)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func (h *harness) results(t *testing.T) []types.ToolResultPayload {
	t.Helper()
	events, err := h.events.Tail(context.Background(), h.sid, 0)
	if err != nil {
		t.Fatal(err)
	}
	var out []types.ToolResultPayload
	for _, e := range events {
		if e.Type != types.EventToolResult {
			continue
		}
		var p types.ToolResultPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			t.Fatal(err)
		}
		out = append(out, p)
	}
	return out
}

func (h *harness) session(t *testing.T) *types.SessionIndex {
	t.Helper()
	s, err := h.sessions.Get(context.Background(), h.sid)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func toolCalls(calls ...llm.ToolCall) *llm.Response {
	return &llm.Response{ToolCalls: calls}
}

func assertTypes(t *testing.T, got []string, want ...string) {
	t.Helper()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("event types = %v, want %v", got, want)
	}
}

func TestProcessRunSimpleResponse(t *testing.T) {
	h := newHarness(t)
	provider := &mockProvider{responses: []*llm.Response{{Content: "Hello! How can I help?"}}}
	rt := h.runtime(t, provider, 8)

	replies := h.process(t, rt, "hi")
	if len(replies) != 1 || replies[0] != "Hello! How can I help?" {
		t.Errorf("unexpected replies %v", replies)
	}
	assertTypes(t, h.eventTypes(t), types.EventUserMessage, types.EventAssistantMessage)

	s := h.session(t)
	if s.State != types.StateIdle || len(s.PendingCalls) != 0 {
		t.Errorf("expected idle with no pending calls, got %s %v", s.State, s.PendingCalls)
	}
	if s.LastEventSeq != 2 {
		t.Errorf("expected last event seq 2, got %d", s.LastEventSeq)
	}
}

func TestProcessRunEmptyModelReply(t *testing.T) {
	h := newHarness(t)
	provider := &mockProvider{responses: []*llm.Response{{Content: "  \n"}}}
	rt := h.runtime(t, provider, 8)

	replies := h.process(t, rt, "hi")
	if len(replies) != 1 || replies[0] != emptyReply {
		t.Errorf("expected fallback reply, got %q", replies)
	}
	assertTypes(t, h.eventTypes(t), types.EventUserMessage, types.EventAssistantMessage)
}

func TestProcessRunWithToolCall(t *testing.T) {
	h := newHarness(t, &echoTool{})
	provider := &mockProvider{responses: []*llm.Response{
		toolCalls(call("tc1", "echo", `{"text":"world"}`)),
		{Content: "The echo returned: world"},
	}}
	rt := h.runtime(t, provider, 8)

	replies := h.process(t, rt, "echo world")
	if len(replies) != 1 || replies[0] != "The echo returned: world" {
		t.Errorf("unexpected replies %v", replies)
	}
	assertTypes(t, h.eventTypes(t),
		types.EventUserMessage, types.EventToolCalls, types.EventToolResult, types.EventAssistantMessage)

	results := h.results(t)
	if results[0].CallID != "tc1" || results[0].Result != "world" {
		t.Errorf("unexpected tool result %+v", results[0])
	}
}

func TestProcessRunRoundCap(t *testing.T) {
	h := newHarness(t, &echoTool{})
	provider := &mockProvider{}
	for i := 0; i < 20; i++ {
		provider.responses = append(provider.responses, toolCalls(call(fmt.Sprintf("tc%d", i), "echo", `{"text":"loop"}`)))
	}
	rt := h.runtime(t, provider, 3)

	replies := h.process(t, rt, "loop forever")

	if provider.calls() != 4 {
		t.Errorf("expected 3 tool rounds and 4 model calls, got %d calls", provider.calls())
	}
	if len(replies) != 1 || replies[0] != roundLimitReply {
		t.Errorf("expected synthetic reply, got %v", replies)
	}
	assertTypes(t, h.eventTypes(t),
		types.EventUserMessage,
		types.EventToolCalls, types.EventToolResult,
		types.EventToolCalls, types.EventToolResult,
		types.EventToolCalls, types.EventToolResult,
		types.EventError, types.EventAssistantMessage)
	if s := h.session(t); s.State != types.StateIdle {
		t.Errorf("expected idle after round cap, got %s", s.State)
	}
}

func TestProcessRunSingleToolRound(t *testing.T) {
	h := newHarness(t, &echoTool{})
	provider := &mockProvider{responses: []*llm.Response{
		toolCalls(call("tc1", "echo", `{"text":"hi"}`)),
		{Content: "Booked."},
	}}
	rt := h.runtime(t, provider, 1)

	replies := h.process(t, rt, "book it")

	if len(replies) != 1 || replies[0] != "Booked." {
		t.Errorf("one allowed round should run the tool and answer, got %v", replies)
	}
	assertTypes(t, h.eventTypes(t),
		types.EventUserMessage, types.EventToolCalls, types.EventToolResult, types.EventAssistantMessage)
}

func TestProcessRunResultsInCallOrder(t *testing.T) {
	fastDone := make(chan struct{})
	slow := &funcTool{name: "slow", fn: func(ctx context.Context, _ json.RawMessage) (string, error) {
		// Finish only after the second call has completed.
		select {
		case <-fastDone:
		case <-time.After(2 * time.Second):
			return "", fmt.Errorf("fast tool never ran concurrently")
		}
		return "slow result", nil
	}}
	fast := &funcTool{name: "fast", fn: func(context.Context, json.RawMessage) (string, error) {
		defer close(fastDone)
		return "fast result", nil
	}}
	h := newHarness(t, slow, fast)
	provider := &mockProvider{responses: []*llm.Response{
		toolCalls(call("a", "slow", `{}`), call("b", "fast", `{}`)),
		{Content: "done"},
	}}
	rt := h.runtime(t, provider, 8)

	h.process(t, rt, "both please")

	results := h.results(t)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].CallID != "a" || results[0].Result != "slow result" {
		t.Errorf("first result should answer the first call, got %+v", results[0])
	}
	if results[1].CallID != "b" || results[1].Result != "fast result" {
		t.Errorf("second result should answer the second call, got %+v", results[1])
	}
}

func TestProcessRunCapsCallsPerRound(t *testing.T) {
	h := newHarness(t, &echoTool{})
	var calls []llm.ToolCall
	for i := 0; i < MaxCallsPerRound+2; i++ {
		calls = append(calls, call(fmt.Sprintf("c%d", i), "echo", `{"text":"x"}`))
	}
	provider := &mockProvider{responses: []*llm.Response{toolCalls(calls...), {Content: "ok"}}}
	rt := h.runtime(t, provider, 8)

	h.process(t, rt, "many")

	results := h.results(t)
	if len(results) != MaxCallsPerRound+2 {
		t.Fatalf("every call must be answered, got %d results", len(results))
	}
	for i, r := range results {
		if r.CallID != fmt.Sprintf("c%d", i) {
			t.Errorf("result %d answers %s", i, r.CallID)
		}
		if wantErr := i >= MaxCallsPerRound; r.IsError != wantErr {
			t.Errorf("result %d: IsError = %v, want %v", i, r.IsError, wantErr)
		}
	}
}

func TestProcessRunFillsMissingCallIDs(t *testing.T) {
	h := newHarness(t, &echoTool{})
	provider := &mockProvider{responses: []*llm.Response{
		toolCalls(call("", "echo", `{"text":"a"}`), call("dup", "echo", `{"text":"b"}`), call("dup", "echo", `{"text":"c"}`)),
		{Content: "ok"},
	}}
	rt := h.runtime(t, provider, 8)

	h.process(t, rt, "ids")

	seen := map[string]bool{}
	for _, r := range h.results(t) {
		if r.CallID == "" || seen[r.CallID] {
			t.Errorf("call id %q missing or repeated", r.CallID)
		}
		seen[r.CallID] = true
	}
}

func TestProcessRunUpstreamUnavailable(t *testing.T) {
	h := newHarness(t)
	provider := &mockProvider{errs: map[int]error{0: fmt.Errorf("dial: %w", llm.ErrUnavailable)}}
	rt := h.runtime(t, provider, 8)

	replies := h.process(t, rt, "hello?")

	if provider.calls() != 1 {
		t.Errorf("unavailable upstream must not be retried, got %d calls", provider.calls())
	}
	if len(replies) != 1 || replies[0] != unavailableReply {
		t.Errorf("expected apology, got %v", replies)
	}
	assertTypes(t, h.eventTypes(t), types.EventUserMessage, types.EventError, types.EventAssistantMessage)
	if s := h.session(t); s.State != types.StateIdle {
		t.Errorf("expected idle after failure, got %s", s.State)
	}
}

func TestProcessRunTimeoutRetriedOnce(t *testing.T) {
	h := newHarness(t)
	provider := &mockProvider{
		errs:      map[int]error{0: llm.ErrTimeout},
		responses: []*llm.Response{nil, {Content: "second time lucky"}},
	}
	rt := h.runtime(t, provider, 8)

	replies := h.process(t, rt, "hi")
	if provider.calls() != 2 {
		t.Errorf("expected one retry, got %d calls", provider.calls())
	}
	if len(replies) != 1 || replies[0] != "second time lucky" {
		t.Errorf("unexpected replies %v", replies)
	}
}

func TestProcessRunTimeoutTwiceFails(t *testing.T) {
	h := newHarness(t)
	provider := &mockProvider{errs: map[int]error{0: llm.ErrTimeout, 1: llm.ErrTimeout}}
	rt := h.runtime(t, provider, 8)

	replies := h.process(t, rt, "hi")
	if provider.calls() != 2 {
		t.Errorf("expected 2 calls, got %d", provider.calls())
	}
	if len(replies) != 1 || replies[0] != unavailableReply {
		t.Errorf("expected apology, got %v", replies)
	}
}

func TestProcessRunResetStopsAtBoundary(t *testing.T) {
	var h *harness
	resetting := &funcTool{name: "reserve", fn: func(ctx context.Context, _ json.RawMessage) (string, error) {
		// The user resets while the call is in flight.
		if err := h.sessions.Close(context.Background(), h.sid, "reset"); err != nil {
			return "", err
		}
		return "booked TM-1", nil
	}}
	h = newHarness(t, resetting)
	provider := &mockProvider{responses: []*llm.Response{
		toolCalls(call("r1", "reserve", `{}`)),
		{Content: "should never be produced"},
	}}
	rt := h.runtime(t, provider, 8)

	replies := h.process(t, rt, "book it")

	if len(replies) != 0 {
		t.Errorf("interrupted run must not reply, got %v", replies)
	}
	if provider.calls() != 1 {
		t.Errorf("expected no model call after reset, got %d", provider.calls())
	}
	// The in-flight call completes and is recorded before the loop stops.
	assertTypes(t, h.eventTypes(t),
		types.EventUserMessage, types.EventToolCalls, types.EventToolResult, types.EventRunInterrupted)

	s := h.session(t)
	if !s.Closed() || s.State != types.StateIdle || len(s.PendingCalls) != 0 {
		t.Errorf("expected closed idle session, got %+v", s)
	}
}

func TestProcessRunHandsBackClosedConversation(t *testing.T) {
	h := newHarness(t)
	if err := h.sessions.Close(context.Background(), h.sid, "idle timeout"); err != nil {
		t.Fatal(err)
	}
	provider := &mockProvider{}
	rt := h.runtime(t, provider, 8)

	run := gateway.NewRun(h.sid, &types.InboundEvent{Source: "test", SessionKey: h.key, Text: "anyone there?"})
	err := rt.ProcessRun(run)
	if !errors.Is(err, gateway.ErrConversationClosed) {
		t.Fatalf("expected ErrConversationClosed, got %v", err)
	}
	if provider.calls() != 0 {
		t.Errorf("closed conversation should not reach the model, got %d calls", provider.calls())
	}
	if got := h.eventTypes(t); len(got) != 0 {
		t.Errorf("nothing should be recorded in the closed conversation, got %v", got)
	}
}

func TestProcessRunToolStateTransitions(t *testing.T) {
	var h *harness
	var observed types.LoopState
	var pending []string
	probe := &funcTool{name: "probe", fn: func(context.Context, json.RawMessage) (string, error) {
		s, err := h.sessions.Get(context.Background(), h.sid)
		if err != nil {
			return "", err
		}
		observed, pending = s.State, s.PendingCalls
		return "ok", nil
	}}
	h = newHarness(t, probe)
	provider := &mockProvider{responses: []*llm.Response{toolCalls(call("p1", "probe", `{}`)), {Content: "done"}}}
	rt := h.runtime(t, provider, 8)

	h.process(t, rt, "probe")

	if observed != types.StateExecutingTool {
		t.Errorf("expected executing_tool during dispatch, got %s", observed)
	}
	if len(pending) != 1 || pending[0] != "p1" {
		t.Errorf("expected pending call p1, got %v", pending)
	}
}

func TestProcessRunCallInfo(t *testing.T) {
	var got types.CallInfo
	who := &funcTool{name: "whoami", fn: func(ctx context.Context, _ json.RawMessage) (string, error) {
		got, _ = types.CallInfoFrom(ctx)
		return got.UserID, nil
	}}
	h := newHarness(t, who)
	provider := &mockProvider{responses: []*llm.Response{toolCalls(call("w", "whoami", `{}`)), {Content: "ok"}}}
	rt := h.runtime(t, provider, 8)

	h.process(t, rt, "who am i")

	if got.UserID != "user1" || got.SessionID != h.sid || got.SessionKey != h.key {
		t.Errorf("unexpected call info %+v", got)
	}
}
