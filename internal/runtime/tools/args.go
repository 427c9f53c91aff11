// Package tools holds the concierge's tool handlers. Each tool validates its
// own arguments beyond what the JSON schema expresses and returns compact
// text for the model.
package tools

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/tablemate/internal/types"
)

func parseArgs(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: parse args: %v", types.ErrInvalidToolArguments, err)
	}
	return nil
}

func parseTime(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC3339, got %q", types.ErrInvalidToolArguments, field, s)
	}
	return t, nil
}

func compactJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(data), nil
}

// userID is who a booking is made for: the transport's user when known,
// otherwise the conversation key.
func userID(info types.CallInfo) string {
	if info.UserID != "" {
		return info.UserID
	}
	return string(info.SessionKey)
}

// idempotencyKey identifies one model tool call within its conversation, so
// retries of that call reuse it.
func idempotencyKey(info types.CallInfo) string {
	if info.CallID == "" {
		return ""
	}
	return string(info.SessionID) + ":" + info.CallID
}
