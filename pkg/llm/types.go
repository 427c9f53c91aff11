package llm

import "encoding/json"

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the prompt sent to a model. An assistant message
// may carry the tool calls it requested; a tool message carries exactly one
// entry in Tools naming the call it answers.
type Message struct {
	Role    string     `json:"role"`
	Content string     `json:"content"`
	Tools   []ToolCall `json:"tool_calls,omitempty"`
}

// ToolResultMessage answers the call with the given id.
func ToolResultMessage(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, Tools: []ToolCall{{ID: callID}}}
}

// CallID returns the id of the call a tool message answers, or "" for any
// other message.
func (m Message) CallID() string {
	if m.Role != RoleTool || len(m.Tools) == 0 {
		return ""
	}
	return m.Tools[0].ID
}

// ToolCall is a function invocation requested by the model. Arguments hold
// the raw JSON object the model produced.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// NewToolCall builds a function call with the given id.
func NewToolCall(id, name string, args json.RawMessage) ToolCall {
	return ToolCall{ID: id, Type: "function", Function: FunctionCall{Name: name, Arguments: args}}
}

type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Tool advertises a callable function to the model.
type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

// Function is a tool's name, description and JSON Schema for its arguments.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Response is one completed model call. A response with tool calls asks the
// caller to run them and call the model again; otherwise Content is the
// final answer.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// WantsTools reports whether the model asked for tool calls.
func (r *Response) WantsTools() bool {
	return len(r.ToolCalls) > 0
}

// Usage counts tokens for one or more model calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.TotalTokens += o.TotalTokens
}

// Delta is an incremental piece of a streamed response.
type Delta struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}
