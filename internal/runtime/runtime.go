package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	ctxengine "github.com/user/tablemate/internal/context"
	"github.com/user/tablemate/internal/gateway"
	"github.com/user/tablemate/internal/types"
	"github.com/user/tablemate/pkg/llm"
)

const (
	// MaxCallsPerRound caps the tool calls executed from one model response.
	MaxCallsPerRound = 8
	// DefaultModelTimeout bounds a single model call.
	DefaultModelTimeout = 60 * time.Second

	historyLimit = 200

	roundLimitReply  = "Sorry, I couldn't finish that request. Could you try asking in a simpler way?"
	unavailableReply = "Sorry, I can't reach one of the services I need right now. Please try again in a moment."
	failureReply     = "Sorry, something went wrong processing your message."
	emptyReply       = "Sorry, I don't have an answer for that. Could you rephrase?"
)

// Runtime implements the agentic turn loop.
type Runtime struct {
	provider     llm.Provider
	engine       *ctxengine.Engine
	sessions     types.SessionStore
	events       types.EventStore
	artifacts    types.ArtifactStore
	registry     *Registry
	maxRounds    int
	modelTimeout time.Duration
	retry        *gateway.RetryPolicy
}

// New creates a Runtime with the given dependencies. maxRounds is the
// number of tool rounds allowed per inbound message; the model is called at
// most maxRounds+1 times.
func New(
	provider llm.Provider,
	engine *ctxengine.Engine,
	sessions types.SessionStore,
	events types.EventStore,
	artifacts types.ArtifactStore,
	registry *Registry,
	maxRounds int,
) *Runtime {
	if maxRounds <= 0 {
		maxRounds = 8
	}
	return &Runtime{
		provider:     provider,
		engine:       engine,
		sessions:     sessions,
		events:       events,
		artifacts:    artifacts,
		registry:     registry,
		maxRounds:    maxRounds,
		modelTimeout: DefaultModelTimeout,
		retry:        gateway.DefaultRetryPolicy(),
	}
}

// SetModelTimeout sets the per-call model timeout.
func (rt *Runtime) SetModelTimeout(d time.Duration) {
	if d > 0 {
		rt.modelTimeout = d
	}
}

// SetRetryPolicy sets how timed out model calls are retried.
func (rt *Runtime) SetRetryPolicy(p *gateway.RetryPolicy) {
	rt.retry = p
}

// errInterrupted stops a loop whose conversation was closed under it.
var errInterrupted = errors.New("conversation closed")

// turn carries the per-run state of one pass through the loop.
type turn struct {
	run     *gateway.Run
	session types.SessionID
	env     DispatchEnv
	usage   llm.Usage
}

// ProcessRun executes the agentic turn loop for a single run.
// This is the function passed to Queue.SetProcessor.
//
// The conversation moves idle -> awaiting_model -> (executing_tool ->
// awaiting_model)* -> idle, and the position is persisted on the session
// index at every transition. A reset is noticed at the next boundary: before
// a model call or after a dispatch has fully completed.
func (rt *Runtime) ProcessRun(run *gateway.Run) error {
	ctx := run.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	session, err := rt.sessions.Get(ctx, run.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session.Closed() {
		// Nothing is recorded in the closed conversation; the queue moves
		// the run to the key's current one.
		return fmt.Errorf("session %s: %w", run.SessionID, gateway.ErrConversationClosed)
	}

	t := &turn{
		run:     run,
		session: run.SessionID,
		env:     DispatchEnv{SessionID: run.SessionID, RunID: run.ID, Artifacts: rt.artifacts},
	}
	ctx = types.WithCallInfo(ctx, types.CallInfo{
		SessionID:  run.SessionID,
		SessionKey: session.SessionKey,
		RunID:      run.ID,
		UserID:     run.Event.UserID,
	})

	// idle -> awaiting_model
	if err := rt.append(ctx, t, types.EventUserMessage, run.Event.Source, types.MessagePayload{
		Text:        run.Event.Text,
		Attachments: run.Event.Attachments,
	}); err != nil {
		return fmt.Errorf("record user message: %w", err)
	}
	if err := rt.setState(ctx, t, types.StateAwaitingModel, nil); err != nil {
		return err
	}

	err = rt.loop(ctx, t)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errInterrupted):
		return rt.interrupt(ctx, t)
	case ctx.Err() != nil:
		return err
	default:
		return rt.fail(ctx, t, err)
	}
}

func (rt *Runtime) loop(ctx context.Context, t *turn) error {
	toolNames := rt.registry.Names()
	tools := rt.registry.AsLLMTools()

	for round := 0; ; round++ {
		session, err := rt.sessions.Get(ctx, t.session)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if session.Closed() {
			return errInterrupted
		}

		events, err := rt.events.Tail(ctx, t.session, historyLimit)
		if err != nil {
			return fmt.Errorf("load events: %w", err)
		}
		messages, err := rt.engine.BuildPrompt(ctx, session, events, rt.artifacts, toolNames)
		if err != nil {
			return fmt.Errorf("build prompt: %w", err)
		}

		resp, err := rt.complete(ctx, messages, tools)
		if err != nil {
			return err
		}
		t.usage.Add(resp.Usage)

		if !resp.WantsTools() {
			return rt.reply(ctx, t, resp.Content)
		}

		// Every permitted tool round has run; the model still wants more.
		if round == rt.maxRounds {
			slog.Warn("tool round limit reached", "run_id", string(t.run.ID), "session_id", string(t.session), "rounds", rt.maxRounds, "dropped_calls", len(resp.ToolCalls))
			break
		}

		if err := rt.executeRound(ctx, t, sanitizeCalls(resp.ToolCalls)); err != nil {
			return err
		}
	}

	// Round cap: synthetic reply plus an error event, back to idle.
	if err := rt.append(ctx, t, types.EventError, "runtime", types.ErrorPayload{
		Error: fmt.Sprintf("%v after %d tool rounds", types.ErrToolRoundLimitExceeded, rt.maxRounds),
		Kind:  "tool_round_limit",
	}); err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	return rt.reply(ctx, t, roundLimitReply)
}

// complete calls the model under the per-call timeout, retrying a timeout
// once per the retry policy.
func (rt *Runtime) complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	resp, err := gateway.Do(ctx, rt.retry, func() (*llm.Response, error) {
		callCtx, cancel := context.WithTimeout(ctx, rt.modelTimeout)
		defer cancel()
		r, err := rt.provider.Complete(callCtx, messages, tools)
		if err != nil {
			return nil, classifyModelError(ctx, err)
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("LLM call: %w", err)
	}
	return resp, nil
}

// classifyModelError maps provider failures onto the upstream sentinels.
func classifyModelError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return err
	case errors.Is(err, llm.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", types.ErrUpstreamTimeout, err)
	case errors.Is(err, llm.ErrUnavailable):
		return fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, err)
	default:
		return err
	}
}

// sanitizeCalls fills in missing or duplicate call ids so every call can be
// answered exactly once.
func sanitizeCalls(calls []llm.ToolCall) []llm.ToolCall {
	seen := make(map[string]bool, len(calls))
	out := make([]llm.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" || seen[c.ID] {
			c.ID = "call_" + uuid.NewString()[:8]
		}
		seen[c.ID] = true
		out[i] = c
	}
	return out
}

// executeRound records the calls, dispatches them concurrently and records
// their results in call order.
func (rt *Runtime) executeRound(ctx context.Context, t *turn, calls []llm.ToolCall) error {
	records := make([]types.ToolCallRecord, len(calls))
	pending := make([]string, len(calls))
	for i, c := range calls {
		records[i] = types.ToolCallRecord{ID: c.ID, Name: c.Function.Name, Arguments: c.Function.Arguments}
		pending[i] = c.ID
	}
	if err := rt.append(ctx, t, types.EventToolCalls, "runtime", types.ToolCallsPayload{Calls: records}); err != nil {
		return fmt.Errorf("record tool calls: %w", err)
	}
	if err := rt.setState(ctx, t, types.StateExecutingTool, pending); err != nil {
		return err
	}

	results := make([]Result, len(calls))
	done := make([]bool, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		if i >= MaxCallsPerRound {
			results[i] = errorResult(call, fmt.Errorf("%w: more than %d tool calls in one response", types.ErrInvalidToolArguments, MaxCallsPerRound))
			done[i] = true
			continue
		}
		g.Go(func() error {
			res, err := rt.registry.Dispatch(gctx, call, t.env)
			if err != nil {
				return fmt.Errorf("tool %s: %w", call.Function.Name, err)
			}
			results[i] = res
			done[i] = true
			return nil
		})
	}
	dispatchErr := g.Wait()

	for i, res := range results {
		if !done[i] {
			res = errorResult(calls[i], errors.New("call aborted"))
		}
		slog.Debug("tool result", "session_id", string(t.session), "tool", res.Tool, "call_id", res.CallID, "error", res.IsError, "truncated", res.Truncated)
		if err := rt.append(ctx, t, types.EventToolResult, "runtime", res.Payload()); err != nil {
			return fmt.Errorf("record tool result: %w", err)
		}
	}
	if dispatchErr != nil {
		return dispatchErr
	}

	// executing_tool -> awaiting_model
	return rt.setState(ctx, t, types.StateAwaitingModel, nil)
}

// reply records the assistant message, returns the conversation to idle and
// delivers the text. A blank answer from the model is replaced so the user
// always hears back.
func (rt *Runtime) reply(ctx context.Context, t *turn, text string) error {
	if strings.TrimSpace(text) == "" {
		slog.Warn("model returned an empty reply", "run_id", string(t.run.ID), "session_id", string(t.session))
		text = emptyReply
	}
	if err := rt.append(ctx, t, types.EventAssistantMessage, "runtime", types.MessagePayload{Text: text}); err != nil {
		return fmt.Errorf("record assistant message: %w", err)
	}
	if err := rt.setState(ctx, t, types.StateIdle, nil); err != nil {
		return err
	}
	slog.Debug("run answered", "run_id", string(t.run.ID), "session_id", string(t.session),
		"input_tokens", t.usage.InputTokens, "output_tokens", t.usage.OutputTokens)
	if t.run.OnComplete != nil {
		t.run.OnComplete(text)
	}
	return nil
}

// fail records an error event and an apology, leaving the conversation idle.
func (rt *Runtime) fail(ctx context.Context, t *turn, cause error) error {
	kind, text := "internal", failureReply
	if types.IsInfrastructure(cause) {
		kind, text = "upstream", unavailableReply
	}
	slog.Error("run failed", "run_id", string(t.run.ID), "session_id", string(t.session), "kind", kind, "error", cause)

	if err := rt.append(ctx, t, types.EventError, "runtime", types.ErrorPayload{Error: cause.Error(), Kind: kind}); err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	return rt.reply(ctx, t, text)
}

// interrupt records that a reset stopped the loop. No reply is sent.
func (rt *Runtime) interrupt(ctx context.Context, t *turn) error {
	session, err := rt.sessions.Get(ctx, t.session)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	slog.Info("run interrupted", "run_id", string(t.run.ID), "session_id", string(t.session), "state", string(session.State))
	if err := rt.append(ctx, t, types.EventRunInterrupted, "runtime", types.InterruptedPayload{
		Reason: session.CloseReason,
		State:  session.State,
	}); err != nil {
		return fmt.Errorf("record interruption: %w", err)
	}
	return rt.setState(ctx, t, types.StateIdle, nil)
}

func (rt *Runtime) append(ctx context.Context, t *turn, eventType, source string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return rt.events.Append(ctx, &types.Event{
		ID:        types.NewEventID(),
		SessionID: t.session,
		RunID:     t.run.ID,
		Type:      eventType,
		Source:    source,
		At:        time.Now(),
		Payload:   data,
	})
}

// setState persists the loop position. The store keeps a concurrently
// closed session closed.
func (rt *Runtime) setState(ctx context.Context, t *turn, state types.LoopState, pending []string) error {
	session, err := rt.sessions.Get(ctx, t.session)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	session.State = state
	session.PendingCalls = pending
	session.LastRunID = t.run.ID
	if n, err := rt.events.Count(ctx, t.session); err == nil {
		session.LastEventSeq = n
	}
	if err := rt.sessions.Update(ctx, session); err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	return nil
}
