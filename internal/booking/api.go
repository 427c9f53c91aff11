package booking

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/user/tablemate/internal/types"
)

// APIVersion is carried in every reservation API envelope.
const APIVersion = "v1"

// IdempotencyHeader names the request header that makes a reservation
// request safe to retry.
const IdempotencyHeader = "Idempotency-Key"

// Error codes of the reservation HTTP API.
const (
	CodeInvalidArgument  = "invalid_argument"
	CodeNotFound         = "not_found"
	CodeSlotUnavailable  = "slot_unavailable"
	CodeAlreadyCancelled = "already_cancelled"
	CodePartyTooLarge    = "party_too_large"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal"
)

// Envelope wraps every reservation API response body.
type Envelope struct {
	Version string          `json:"version"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ErrorCode maps a booking error to its API code and HTTP status.
func ErrorCode(err error) (string, int) {
	switch {
	case errors.Is(err, types.ErrInvalidToolArguments):
		return CodeInvalidArgument, http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return CodeNotFound, http.StatusNotFound
	case errors.Is(err, types.ErrSlotUnavailable):
		return CodeSlotUnavailable, http.StatusConflict
	case errors.Is(err, types.ErrAlreadyCancelled):
		return CodeAlreadyCancelled, http.StatusConflict
	case errors.Is(err, types.ErrPartyTooLarge):
		return CodePartyTooLarge, http.StatusUnprocessableEntity
	default:
		return CodeInternal, http.StatusInternalServerError
	}
}

// errorFromAPI turns an API error back into the matching sentinel so callers
// can classify it with errors.Is.
func errorFromAPI(e *APIError) error {
	var sentinel error
	switch e.Code {
	case CodeInvalidArgument:
		sentinel = types.ErrInvalidToolArguments
	case CodeNotFound:
		sentinel = types.ErrNotFound
	case CodeSlotUnavailable:
		sentinel = types.ErrSlotUnavailable
	case CodeAlreadyCancelled:
		sentinel = types.ErrAlreadyCancelled
	case CodePartyTooLarge:
		sentinel = types.ErrPartyTooLarge
	default:
		sentinel = types.ErrUpstreamUnavailable
	}
	return fmt.Errorf("%s: %w", e.Message, sentinel)
}
