package context

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/tablemate/internal/types"
	"github.com/user/tablemate/pkg/llm"
)

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
	prompt    *template.Template
	now       func() time.Time
}

// PromptData is the data the system prompt template is rendered with.
type PromptData struct {
	Time       string
	SessionID  string
	SessionKey string
	Channel    string
	Tools      string
	ToolList   []string
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	e := &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
		now:       time.Now,
	}
	if err := e.SetPrompt(DefaultPrompt); err != nil {
		return nil, err
	}
	return e, nil
}

// SetPrompt replaces the system prompt template.
func (e *Engine) SetPrompt(text string) error {
	tmpl, err := template.New("system").Parse(text)
	if err != nil {
		return fmt.Errorf("parse prompt template: %w", err)
	}
	e.prompt = tmpl
	return nil
}

// LoadPrompt reads a prompt template from path. An empty path keeps the
// built-in prompt.
func (e *Engine) LoadPrompt(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read prompt file: %w", err)
	}
	return e.SetPrompt(string(data))
}

// countTokens returns the token count for a string.
func (e *Engine) countTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

func (e *Engine) messageTokens(msg llm.Message) int {
	// Per-message framing overhead in the chat format.
	n := 4 + e.countTokens(msg.Content)
	for _, tc := range msg.Tools {
		n += e.countTokens(tc.Function.Name)
		n += e.countTokens(string(tc.Function.Arguments))
	}
	return n
}

// BuildPrompt assembles a token-budgeted prompt from session history.
// Events are grouped so an assistant tool-call message is always followed
// by one tool message per call id; groups are kept newest first until the
// budget runs out. artifacts can be nil when artifact excerpts are not
// needed.
func (e *Engine) BuildPrompt(
	ctx context.Context,
	session *types.SessionIndex,
	events []*types.Event,
	artifacts types.ArtifactStore,
	toolNames []string,
) ([]llm.Message, error) {
	inputBudget := e.maxTokens - e.reserve

	sysPrompt, err := e.renderSystemPrompt(session, toolNames)
	if err != nil {
		return nil, err
	}
	remaining := inputBudget - e.countTokens(sysPrompt)

	groups := groupEvents(events)

	// Walk back from the newest group. The latest group is always kept so
	// the model sees the message it must answer.
	start := len(groups)
	used := 0
	for i := len(groups) - 1; i >= 0; i-- {
		cost := 0
		for _, msg := range groups[i] {
			cost += e.messageTokens(msg)
		}
		if used+cost > remaining && start < len(groups) {
			break
		}
		used += cost
		start = i
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: sysPrompt}}
	for _, g := range groups[start:] {
		messages = append(messages, g...)
	}
	return messages, nil
}

func (e *Engine) renderSystemPrompt(session *types.SessionIndex, toolNames []string) (string, error) {
	data := PromptData{
		Time:       e.now().Format(time.RFC3339),
		SessionID:  string(session.SessionID),
		SessionKey: string(session.SessionKey),
		Channel:    session.SessionKey.Source(),
		Tools:      strings.Join(toolNames, ", "),
		ToolList:   toolNames,
	}
	var buf bytes.Buffer
	if err := e.prompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

// groupEvents converts the event log into message groups. Tool calls left
// without a result (an interrupted run) get a synthetic error result.
func groupEvents(events []*types.Event) [][]llm.Message {
	var groups [][]llm.Message
	var open []llm.Message
	answered := map[string]bool{}

	flush := func() {
		if open == nil {
			return
		}
		for _, tc := range open[0].Tools {
			if !answered[tc.ID] {
				open = append(open, llm.ToolResultMessage(tc.ID, "error: call was not completed"))
			}
		}
		groups = append(groups, open)
		open = nil
		clear(answered)
	}

	for _, event := range events {
		switch event.Type {
		case types.EventUserMessage, types.EventAssistantMessage:
			var p types.MessagePayload
			if err := json.Unmarshal(event.Payload, &p); err != nil {
				continue
			}
			flush()
			role := llm.RoleUser
			if event.Type == types.EventAssistantMessage {
				role = llm.RoleAssistant
			}
			groups = append(groups, []llm.Message{{Role: role, Content: messageText(p)}})

		case types.EventToolCalls:
			var p types.ToolCallsPayload
			if err := json.Unmarshal(event.Payload, &p); err != nil || len(p.Calls) == 0 {
				continue
			}
			flush()
			calls := make([]llm.ToolCall, len(p.Calls))
			for i, c := range p.Calls {
				calls[i] = llm.NewToolCall(c.ID, c.Name, c.Arguments)
			}
			open = []llm.Message{{Role: llm.RoleAssistant, Tools: calls}}

		case types.EventToolResult:
			var p types.ToolResultPayload
			if err := json.Unmarshal(event.Payload, &p); err != nil || open == nil {
				continue
			}
			if answered[p.CallID] || !hasCall(open[0].Tools, p.CallID) {
				continue
			}
			answered[p.CallID] = true
			open = append(open, llm.ToolResultMessage(p.CallID, p.Result))
		}
	}
	flush()
	return groups
}

func hasCall(calls []llm.ToolCall, id string) bool {
	for _, c := range calls {
		if c.ID == id {
			return true
		}
	}
	return false
}

// messageText renders attachments as handle lines the model can pass to tools.
func messageText(p types.MessagePayload) string {
	if len(p.Attachments) == 0 {
		return p.Text
	}
	var b strings.Builder
	b.WriteString(p.Text)
	for _, a := range p.Attachments {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[attachment %s: %s, %s, %d bytes]", a.Handle, a.Name, a.MimeType, a.Size)
	}
	return b.String()
}
