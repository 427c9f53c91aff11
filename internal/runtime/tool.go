package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/user/tablemate/internal/gateway"
	"github.com/user/tablemate/internal/types"
	"github.com/user/tablemate/pkg/llm"
)

const (
	// DefaultMaxOutput bounds tool output in characters when a tool does not
	// set its own limit.
	DefaultMaxOutput = 4000
	// DefaultToolTimeout bounds a single tool invocation.
	DefaultToolTimeout = 15 * time.Second
)

// Tool defines the interface for an executable tool.
type Tool interface {
	Name() string
	Description() string
	// Parameters is the JSON schema of the arguments object.
	Parameters() json.RawMessage
	// MaxOutput is the output bound in characters; 0 uses the registry default.
	MaxOutput() int
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds registered tools and provides lookup and dispatch. Tools are
// registered once at startup; the registry is read-only afterwards.
type Registry struct {
	tools     map[string]*entry
	order     []string
	maxOutput int
	timeout   time.Duration
	retry     *gateway.RetryPolicy
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxOutput sets the default output bound in characters.
func WithMaxOutput(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.maxOutput = n
		}
	}
}

// WithToolTimeout sets the per-call timeout.
func WithToolTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRetryPolicy sets how tool calls that time out are retried.
func WithRetryPolicy(p *gateway.RetryPolicy) RegistryOption {
	return func(r *Registry) { r.retry = p }
}

// NewRegistry creates an empty tool registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:     make(map[string]*entry),
		maxOutput: DefaultMaxOutput,
		timeout:   DefaultToolTimeout,
		retry:     gateway.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register compiles the tool's argument schema and adds it to the registry.
// Duplicate names and schemas that do not compile are rejected.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return errors.New("tool has no name")
	}
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tool %q already registered", name)
	}

	raw := t.Parameters()
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("add schema resource for %q: %w", name, err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", name, err)
	}

	r.tools[name] = &entry{tool: t, schema: schema}
	r.order = append(r.order, name)
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// All returns all registered tools in registration order.
func (r *Registry) All() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].tool)
	}
	return out
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// AsLLMTools converts registered tools to the LLM provider format.
func (r *Registry) AsLLMTools() []llm.Tool {
	out := make([]llm.Tool, 0, len(r.order))
	for _, t := range r.All() {
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.Function{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return out
}

// DispatchEnv identifies where a call runs and where oversized output goes.
type DispatchEnv struct {
	SessionID types.SessionID
	RunID     types.RunID
	Artifacts types.ArtifactStore
}

// Result is the outcome of one tool call as it re-enters the conversation.
type Result struct {
	CallID     string
	Tool       string
	Content    string
	IsError    bool
	Truncated  bool
	ArtifactID types.ArtifactID
}

// Payload converts the result to its event payload.
func (res Result) Payload() types.ToolResultPayload {
	return types.ToolResultPayload{
		CallID:     res.CallID,
		Tool:       res.Tool,
		Result:     res.Content,
		IsError:    res.IsError,
		Truncated:  res.Truncated,
		ArtifactID: res.ArtifactID,
	}
}

func errorResult(call llm.ToolCall, err error) Result {
	return Result{
		CallID:  call.ID,
		Tool:    call.Function.Name,
		Content: "error: " + err.Error(),
		IsError: true,
	}
}

// Dispatch validates and executes one tool call. Unknown tools, malformed
// arguments and business failures come back as error results for the
// model; only infrastructure failures (types.IsInfrastructure) are returned
// as errors. Every result, error text included, is bounded by the tool's
// output limit before it is returned.
func (r *Registry) Dispatch(ctx context.Context, call llm.ToolCall, env DispatchEnv) (Result, error) {
	bound := r.maxOutput
	if e, ok := r.tools[call.Function.Name]; ok && e.tool.MaxOutput() > 0 {
		bound = e.tool.MaxOutput()
	}
	res, err := r.execute(ctx, call)
	if err != nil {
		return Result{}, err
	}
	r.truncate(ctx, &res, bound, env)
	return res, nil
}

func (r *Registry) execute(ctx context.Context, call llm.ToolCall) (Result, error) {
	e, ok := r.tools[call.Function.Name]
	if !ok {
		return errorResult(call, fmt.Errorf("unknown tool %q: %w", call.Function.Name, types.ErrInvalidToolArguments)), nil
	}

	args := call.Function.Arguments
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return errorResult(call, fmt.Errorf("%w: arguments are not valid JSON: %v", types.ErrInvalidToolArguments, err)), nil
	}
	if err := e.schema.Validate(v); err != nil {
		return errorResult(call, fmt.Errorf("%w: %v", types.ErrInvalidToolArguments, err)), nil
	}

	out, err := gateway.Do(ctx, r.retry, func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		out, err := e.tool.Execute(withCallID(callCtx, call.ID), args)
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("%s: %w: %v", call.Function.Name, types.ErrUpstreamTimeout, err)
		}
		return out, err
	})
	if err != nil {
		if types.IsInfrastructure(err) || ctx.Err() != nil {
			return Result{}, err
		}
		slog.Debug("tool returned error", "tool", call.Function.Name, "error", err)
		return errorResult(call, err), nil
	}
	return Result{CallID: call.ID, Tool: call.Function.Name, Content: out}, nil
}

// withCallID adds the model's call id to the CallInfo in ctx.
func withCallID(ctx context.Context, id string) context.Context {
	info, _ := types.CallInfoFrom(ctx)
	info.CallID = id
	return types.WithCallInfo(ctx, info)
}

// truncate bounds res.Content to bound characters. Longer output is cut at
// a character boundary, saved in full as an artifact and marked.
func (r *Registry) truncate(ctx context.Context, res *Result, bound int, env DispatchEnv) {
	total := utf8.RuneCountInString(res.Content)
	if total <= bound {
		return
	}

	full := res.Content
	n, end := 0, len(full)
	for i := range full {
		if n == bound {
			end = i
			break
		}
		n++
	}
	res.Content = full[:end]
	res.Truncated = true

	if env.Artifacts == nil {
		res.Content += fmt.Sprintf("\n[truncated: showing %d of %d characters]", bound, total)
		return
	}
	id, err := env.Artifacts.Put(ctx, env.SessionID, env.RunID, res.Tool, full)
	if err != nil {
		slog.Warn("save truncated output", "tool", res.Tool, "error", err)
		res.Content += fmt.Sprintf("\n[truncated: showing %d of %d characters]", bound, total)
		return
	}
	res.ArtifactID = id
	res.Content += fmt.Sprintf("\n[truncated: showing %d of %d characters, full output saved as artifact %s]", bound, total, id)
}
