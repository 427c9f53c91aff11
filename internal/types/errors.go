package types

import "errors"

// Tool and booking failures the model can recover from. These are fed back
// into the conversation as tool results.
var (
	ErrInvalidToolArguments = errors.New("invalid tool arguments")
	ErrSlotUnavailable      = errors.New("slot unavailable")
	ErrAlreadyCancelled     = errors.New("reservation already cancelled")
	ErrNotFound             = errors.New("not found")
	ErrPartyTooLarge        = errors.New("party size exceeds slot capacity")
)

// Infrastructure failures. These end the current loop iteration with an
// apology reply.
var (
	ErrUpstreamTimeout        = errors.New("upstream timeout")
	ErrUpstreamUnavailable    = errors.New("upstream unavailable")
	ErrToolRoundLimitExceeded = errors.New("tool round limit exceeded")
)

// IsInfrastructure reports whether err should abort the agent loop instead of
// being reported back to the model.
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, ErrUpstreamUnavailable)
}
