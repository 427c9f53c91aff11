package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/user/tablemate/pkg/llm"
)

// capture records the last decoded request body and answers with reply.
func capture(t *testing.T, reply map[string]any) (*httptest.Server, *map[string]any, *http.Header) {
	t.Helper()
	var body map[string]any
	var header http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		header = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(server.Close)
	return server, &body, &header
}

func textReply(content string) map[string]any {
	return map[string]any{
		"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": content}}},
		"usage":   map[string]any{"prompt_tokens": 42, "completion_tokens": 7, "total_tokens": 49},
	}
}

func TestCompleteText(t *testing.T) {
	server, body, header := capture(t, textReply("Sakura has a table at 19:30."))
	client := New(&llm.Config{
		BaseURL:     server.URL + "/v1",
		APIKey:      "test-key",
		Model:       "gpt-4o-mini",
		MaxTokens:   1000,
		Temperature: 0.3,
	})

	resp, err := client.Complete(context.Background(), []llm.Message{
		{Role: "system", Content: "You are a restaurant concierge."},
		{Role: "user", Content: "sushi tonight?"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Sakura has a table at 19:30." || len(resp.ToolCalls) != 0 {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Usage != (llm.Usage{InputTokens: 42, OutputTokens: 7, TotalTokens: 49}) {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}

	if got := header.Get("Authorization"); got != "Bearer test-key" {
		t.Errorf("unexpected auth header %q", got)
	}
	if header.Get("Content-Type") != "application/json" {
		t.Errorf("unexpected content type %q", header.Get("Content-Type"))
	}
	req := *body
	if req["model"] != "gpt-4o-mini" || req["max_tokens"] != float64(1000) {
		t.Errorf("unexpected request %v", req)
	}
	if temp, ok := req["temperature"].(float64); !ok || temp < 0.29 || temp > 0.31 {
		t.Errorf("expected temperature 0.3, got %v", req["temperature"])
	}
	if _, ok := req["tools"]; ok {
		t.Error("tools must be omitted when none are offered")
	}
	if msgs, ok := req["messages"].([]any); !ok || len(msgs) != 2 {
		t.Errorf("expected 2 messages, got %v", req["messages"])
	}
}

func TestCompleteToolCalls(t *testing.T) {
	server, body, _ := capture(t, map[string]any{
		"choices": []map[string]any{{
			"message": map[string]any{
				"role":    "assistant",
				"content": nil,
				"tool_calls": []map[string]any{
					{"id": "call_1", "type": "function", "function": map[string]any{"name": "search_restaurants", "arguments": `{"cuisine":"sushi","party_size":2}`}},
					{"id": "call_2", "type": "function", "function": map[string]any{"name": "split_bill", "arguments": ""}},
				},
			},
		}},
	})
	client := New(&llm.Config{BaseURL: server.URL + "/v1", Model: "gpt-4o-mini"})

	// Keys sorted so the schema survives the handler's map round trip.
	schema := `{"properties":{"cuisine":{"type":"string"}},"type":"object"}`
	tools := []llm.Tool{{Type: "function", Function: llm.Function{
		Name:        "search_restaurants",
		Description: "Find restaurants with open tables",
		Parameters:  json.RawMessage(schema),
	}}}

	resp, err := client.Complete(context.Background(), []llm.Message{{Role: "user", Content: "sushi for two"}}, tools)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(resp.ToolCalls))
	}
	if c := resp.ToolCalls[0]; c.ID != "call_1" || c.Function.Name != "search_restaurants" || string(c.Function.Arguments) != `{"cuisine":"sushi","party_size":2}` {
		t.Errorf("unexpected first call %+v", c)
	}
	if string(resp.ToolCalls[1].Function.Arguments) != "{}" {
		t.Errorf("empty arguments should become {}, got %s", resp.ToolCalls[1].Function.Arguments)
	}

	sent, _ := (*body)["tools"].([]any)
	if len(sent) != 1 {
		t.Fatalf("expected 1 tool in request, got %v", (*body)["tools"])
	}
	params, _ := json.Marshal(sent[0].(map[string]any)["function"].(map[string]any)["parameters"])
	if string(params) != schema {
		t.Errorf("schema not passed through: %s", params)
	}
}

func TestCompleteEncodesToolHistory(t *testing.T) {
	server, body, header := capture(t, textReply("Booked."))
	client := New(&llm.Config{BaseURL: server.URL + "/v1", Model: "gpt-4o-mini"})

	call := llm.ToolCall{
		ID:       "call_1",
		Type:     "function",
		Function: llm.FunctionCall{Name: "reserve_slot", Arguments: json.RawMessage(`{"party_size":2}`)},
	}
	_, err := client.Complete(context.Background(), []llm.Message{
		{Role: "user", Content: "book it"},
		{Role: "assistant", Tools: []llm.ToolCall{call}},
		{Role: "tool", Content: `{"code":"TM-01J9"}`, Tools: []llm.ToolCall{{ID: "call_1"}}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if header.Get("Authorization") != "" {
		t.Error("no auth header expected without an API key")
	}
	msgs := (*body)["messages"].([]any)
	assistant := msgs[1].(map[string]any)
	args := assistant["tool_calls"].([]any)[0].(map[string]any)["function"].(map[string]any)["arguments"]
	if s, ok := args.(string); !ok || s != `{"party_size":2}` {
		t.Errorf("expected arguments as a JSON string, got %#v", args)
	}
	tool := msgs[2].(map[string]any)
	if tool["tool_call_id"] != "call_1" || tool["tool_calls"] != nil {
		t.Errorf("tool result must reference its call only, got %v", tool)
	}
}

func TestCompleteClassifiesFailures(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusGatewayTimeout, llm.ErrTimeout},
		{http.StatusRequestTimeout, llm.ErrTimeout},
		{http.StatusServiceUnavailable, llm.ErrUnavailable},
		{http.StatusTooManyRequests, llm.ErrUnavailable},
		{http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		client := New(&llm.Config{BaseURL: server.URL, APIKey: "key", Model: "gpt-4"})
		_, err := client.Complete(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil)
		server.Close()

		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != tt.status {
			t.Fatalf("status %d: expected APIError, got %v", tt.status, err)
		}
		if tt.want == nil {
			if errors.Is(err, llm.ErrTimeout) || errors.Is(err, llm.ErrUnavailable) {
				t.Errorf("status %d: expected request error, got %v", tt.status, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: expected %v, got %v", tt.status, tt.want, err)
		}
	}
}

func TestCompleteAPIErrorMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "bad-key", Model: "gpt-4"})
	_, err := client.Complete(context.Background(), []llm.Message{{Role: "user", Content: "hello"}}, nil)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Type != "invalid_request_error" || apiErr.Message != "Incorrect API key provided" {
		t.Errorf("unexpected error fields %+v", apiErr)
	}
	if !strings.Contains(err.Error(), "status 401") {
		t.Errorf("expected status in message, got %q", err.Error())
	}
}

func TestCompleteTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "key", Model: "gpt-4", Timeout: 20 * time.Millisecond})
	_, err := client.Complete(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil)
	if !errors.Is(err, llm.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCompleteNoChoices(t *testing.T) {
	server, _, _ := capture(t, map[string]any{"choices": []any{}})
	client := New(&llm.Config{BaseURL: server.URL + "/v1", Model: "gpt-4"})
	if _, err := client.Complete(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestStreamSingleDelta(t *testing.T) {
	server, _, _ := capture(t, textReply("streamed response"))
	client := New(&llm.Config{BaseURL: server.URL + "/v1", Model: "gpt-4"})

	stream, err := client.Stream(context.Background(), []llm.Message{{Role: "user", Content: "hello"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	var deltas []llm.Delta
	for d := range stream {
		deltas = append(deltas, d)
	}
	if len(deltas) != 1 || deltas[0].Content != "streamed response" {
		t.Errorf("unexpected deltas %+v", deltas)
	}
}

var _ llm.Provider = (*Client)(nil)
