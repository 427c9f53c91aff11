package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/user/tablemate/pkg/llm"
)

// Client implements the llm.Provider interface for OpenAI-compatible APIs.
type Client struct {
	config     *llm.Config
	httpClient *http.Client
}

// New creates a new OpenAI-compatible client with the given configuration.
func New(config *llm.Config) *Client {
	cfg := config.WithDefaults()
	return &Client{
		config:     &cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []requestMessage `json:"messages"`
	Tools       []llm.Tool       `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float32         `json:"temperature,omitempty"`
}

// requestMessage is the OpenAI message format for requests.
type requestMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// wireToolCall is a tool call as OpenAI encodes it: arguments travel as a
// JSON document inside a string.
type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func toWire(calls []llm.ToolCall) []wireToolCall {
	out := make([]wireToolCall, len(calls))
	for i, tc := range calls {
		out[i].ID = tc.ID
		out[i].Type = "function"
		out[i].Function.Name = tc.Function.Name
		out[i].Function.Arguments = string(tc.Function.Arguments)
		if len(tc.Function.Arguments) == 0 {
			out[i].Function.Arguments = "{}"
		}
	}
	return out
}

// fromWire keeps malformed argument text as-is; the registry rejects it
// during validation.
func fromWire(calls []wireToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i, wc := range calls {
		args := json.RawMessage(wc.Function.Arguments)
		if wc.Function.Arguments == "" {
			args = json.RawMessage("{}")
		}
		out[i] = llm.ToolCall{
			ID:   wc.ID,
			Type: "function",
			Function: llm.FunctionCall{
				Name:      wc.Function.Name,
				Arguments: args,
			},
		}
	}
	return out
}

// chatResponse is the OpenAI chat completions response body.
type chatResponse struct {
	Choices []choice      `json:"choices"`
	Usage   responseUsage `json:"usage"`
}

// choice represents a single completion choice.
type choice struct {
	Message responseMessage `json:"message"`
}

// responseMessage is the OpenAI message format in responses.
type responseMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

// responseUsage is the OpenAI token usage format.
type responseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 4 << 20

// APIError is a non-2xx answer from the completions endpoint.
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("API error (status %d, %s): %s", e.Status, e.Type, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s", e.Status, e.Message)
}

// Unwrap lets callers match retryable statuses with llm.ErrTimeout and
// llm.ErrUnavailable. Other 4xx answers are the caller's fault and match
// neither.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusRequestTimeout || e.Status == http.StatusGatewayTimeout:
		return llm.ErrTimeout
	case e.Status == http.StatusTooManyRequests || e.Status >= 500:
		return llm.ErrUnavailable
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		e.Message, e.Type = envelope.Error.Message, envelope.Error.Type
		return e
	}
	e.Message = string(body)
	if len(e.Message) > 512 {
		e.Message = e.Message[:512] + "..."
	}
	return e
}

func (c *Client) buildRequest(messages []llm.Message, tools []llm.Tool) chatRequest {
	req := chatRequest{
		Model:     c.config.Model,
		Messages:  make([]requestMessage, len(messages)),
		Tools:     tools,
		MaxTokens: c.config.MaxTokens,
	}
	for i, msg := range messages {
		rm := requestMessage{Role: msg.Role, Content: msg.Content}
		switch {
		case msg.CallID() != "":
			// A tool result answers exactly one call.
			rm.ToolCallID = msg.CallID()
		case len(msg.Tools) > 0:
			rm.ToolCalls = toWire(msg.Tools)
		}
		req.Messages[i] = rm
	}
	if c.config.Temperature != 0 {
		temp := c.config.Temperature
		req.Temperature = &temp
	}
	return req
}

// Complete runs one chat completion. Tool schemas travel unchanged as
// tools[].function.parameters.
func (c *Client) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	body, err := json.Marshal(c.buildRequest(messages, tools))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	respBody, err := c.send(ctx, body)
	if err != nil {
		return nil, err
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, errors.New("no choices in response")
	}

	msg := chatResp.Choices[0].Message
	return &llm.Response{
		Content:   msg.Content,
		ToolCalls: fromWire(msg.ToolCalls),
		Usage: llm.Usage{
			InputTokens:  chatResp.Usage.PromptTokens,
			OutputTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:  chatResp.Usage.TotalTokens,
		},
	}, nil
}

func (c *Client) send(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", classify(err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", classify(err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newAPIError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// classify maps transport failures onto llm.ErrTimeout or llm.ErrUnavailable.
func classify(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", llm.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", llm.ErrUnavailable, err)
}

// Stream delivers the whole completion as a single delta. The agent loop
// only uses Complete.
func (c *Client) Stream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.Delta, error) {
	resp, err := c.Complete(ctx, messages, tools)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Delta, 1)
	ch <- llm.Delta{
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	}
	close(ch)

	return ch, nil
}
