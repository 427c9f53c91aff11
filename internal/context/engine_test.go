package context

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/user/tablemate/internal/types"
)

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestNewEngine(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil {
		t.Fatal("expected non-nil engine")
	}
}

func TestBuildPromptBasic(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}

	session := &types.SessionIndex{
		SessionID:  "test-session",
		SessionKey: "telegram:42",
		Agent:      "default",
		Status:     types.SessionActive,
	}

	events := []*types.Event{
		{ID: "e1", SessionID: "test-session", Seq: 1, Type: types.EventUserMessage, Source: "telegram", At: time.Now(), Payload: payload(t, types.MessagePayload{Text: "hello"})},
		{ID: "e2", SessionID: "test-session", Seq: 2, Type: types.EventAssistantMessage, Source: "runtime", At: time.Now(), Payload: payload(t, types.MessagePayload{Text: "hi there"})},
	}

	messages, err := e.BuildPrompt(context.Background(), session, events, nil, []string{"search_restaurants"})
	if err != nil {
		t.Fatal(err)
	}

	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	if messages[0].Role != "system" {
		t.Errorf("expected system message first, got %q", messages[0].Role)
	}
	if !strings.Contains(messages[0].Content, "over telegram") || !strings.Contains(messages[0].Content, "search_restaurants") {
		t.Errorf("system prompt missing channel or tools: %q", messages[0].Content)
	}
	if messages[1].Role != "user" || messages[1].Content != "hello" {
		t.Errorf("unexpected user message %+v", messages[1])
	}
	if messages[2].Role != "assistant" {
		t.Errorf("expected assistant message, got %q", messages[2].Role)
	}
}

func TestBuildPromptToolCallEvents(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}

	session := &types.SessionIndex{SessionID: "test-session", Agent: "default", Status: types.SessionActive}

	calls := types.ToolCallsPayload{Calls: []types.ToolCallRecord{
		{ID: "tc1", Name: "search_restaurants", Arguments: json.RawMessage(`{"cuisine":"italian"}`)},
		{ID: "tc2", Name: "split_bill", Arguments: json.RawMessage(`{"mode":"equal"}`)},
	}}

	events := []*types.Event{
		{ID: "e1", Seq: 1, Type: types.EventUserMessage, Payload: payload(t, types.MessagePayload{Text: "find pasta and split 30"})},
		{ID: "e2", Seq: 2, Type: types.EventToolCalls, Payload: payload(t, calls)},
		{ID: "e3", Seq: 3, Type: types.EventToolResult, Payload: payload(t, types.ToolResultPayload{CallID: "tc1", Tool: "search_restaurants", Result: "[]"})},
		{ID: "e4", Seq: 4, Type: types.EventToolResult, Payload: payload(t, types.ToolResultPayload{CallID: "tc2", Tool: "split_bill", Result: "{}"})},
		{ID: "e5", Seq: 5, Type: types.EventAssistantMessage, Payload: payload(t, types.MessagePayload{Text: "done"})},
	}

	messages, err := e.BuildPrompt(context.Background(), session, events, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	// system + user + assistant(2 calls) + 2 tool results + assistant
	if len(messages) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(messages))
	}
	if len(messages[2].Tools) != 2 {
		t.Errorf("expected both calls on one assistant message, got %d", len(messages[2].Tools))
	}
	if messages[3].Tools[0].ID != "tc1" || messages[4].Tools[0].ID != "tc2" {
		t.Error("tool results out of call order")
	}
}

func TestBuildPromptAnswersDanglingCalls(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}
	session := &types.SessionIndex{SessionID: "s"}

	events := []*types.Event{
		{Seq: 1, Type: types.EventUserMessage, Payload: payload(t, types.MessagePayload{Text: "book it"})},
		{Seq: 2, Type: types.EventToolCalls, Payload: payload(t, types.ToolCallsPayload{Calls: []types.ToolCallRecord{
			{ID: "a", Name: "reserve_slot", Arguments: json.RawMessage(`{}`)},
			{ID: "b", Name: "reserve_slot", Arguments: json.RawMessage(`{}`)},
		}})},
		{Seq: 3, Type: types.EventToolResult, Payload: payload(t, types.ToolResultPayload{CallID: "a", Result: "ok"})},
		{Seq: 4, Type: types.EventRunInterrupted, Payload: payload(t, types.InterruptedPayload{Reason: "reset"})},
		// A stray result for an unknown call is ignored.
		{Seq: 5, Type: types.EventToolResult, Payload: payload(t, types.ToolResultPayload{CallID: "zzz", Result: "?"})},
	}

	messages, err := e.BuildPrompt(context.Background(), session, events, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	// system + user + assistant + result a + synthetic result b
	if len(messages) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(messages))
	}
	if messages[4].Tools[0].ID != "b" || !strings.HasPrefix(messages[4].Content, "error:") {
		t.Errorf("expected synthetic error result for b, got %+v", messages[4])
	}
}

func TestBuildPromptAttachments(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}
	events := []*types.Event{{Seq: 1, Type: types.EventUserMessage, Payload: payload(t, types.MessagePayload{
		Text:        "split this",
		Attachments: []types.AttachmentRef{{Handle: "sha256:abc", Name: "r.jpg", MimeType: "image/jpeg", Size: 10}},
	})}}

	messages, err := e.BuildPrompt(context.Background(), &types.SessionIndex{SessionID: "s"}, events, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(messages[1].Content, "[attachment sha256:abc: r.jpg, image/jpeg, 10 bytes]") {
		t.Errorf("attachment handle missing from %q", messages[1].Content)
	}
}

func TestBuildPromptBudgetTruncation(t *testing.T) {
	// Tiny budget: only 500 tokens total, 100 reserve
	e, err := New("gpt-4", 500, 100)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.SetPrompt("You are terse."); err != nil {
		t.Fatal(err)
	}

	session := &types.SessionIndex{SessionID: "test-session", Agent: "default", Status: types.SessionActive}

	// Create many events that exceed the budget
	events := make([]*types.Event, 50)
	for i := range events {
		events[i] = &types.Event{
			ID: types.EventID(fmt.Sprintf("e%d", i)), Seq: int64(i + 1),
			Type: types.EventUserMessage, Source: "test",
			Payload: payload(t, types.MessagePayload{Text: fmt.Sprintf("message %d takes up tokens in the context window budget.", i)}),
		}
	}

	messages, err := e.BuildPrompt(context.Background(), session, events, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(messages) >= 51 {
		t.Errorf("expected truncation, got %d messages for 50 events", len(messages))
	}
	// The newest message always survives.
	last := messages[len(messages)-1]
	if !strings.HasPrefix(last.Content, "message 49 ") {
		t.Errorf("expected newest message last, got %q", last.Content)
	}
}

func TestLoadPrompt(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}
	path := t.TempDir() + "/prompt.tmpl"
	if err := os.WriteFile(path, []byte("Concierge for {{.SessionKey}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := e.LoadPrompt(path); err != nil {
		t.Fatal(err)
	}
	messages, err := e.BuildPrompt(context.Background(), &types.SessionIndex{SessionID: "s", SessionKey: "http:bob"}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if messages[0].Content != "Concierge for http:bob" {
		t.Errorf("unexpected prompt %q", messages[0].Content)
	}

	if err := e.SetPrompt("{{.Nope"); err == nil {
		t.Error("expected parse error for malformed template")
	}
}
