package types

import "context"

// CallInfo identifies the conversation a tool call is made on behalf of.
type CallInfo struct {
	SessionID  SessionID
	SessionKey SessionKey
	RunID      RunID
	UserID     string

	// CallID is the model's id for the tool call being executed. It is
	// stable across retries of that call.
	CallID string
}

type callInfoKey struct{}

// WithCallInfo returns a context carrying info for tool handlers.
func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

// CallInfoFrom returns the CallInfo stored in ctx, if any.
func CallInfoFrom(ctx context.Context) (CallInfo, bool) {
	info, ok := ctx.Value(callInfoKey{}).(CallInfo)
	return info, ok
}
