package llm

import "errors"

// Providers wrap transport failures in one of these so callers can tell a
// slow upstream from a dead one.
var (
	ErrTimeout     = errors.New("llm request timed out")
	ErrUnavailable = errors.New("llm provider unavailable")
)
