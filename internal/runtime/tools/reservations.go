package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/user/tablemate/internal/booking"
	"github.com/user/tablemate/internal/types"
)

// ReserveSlot books an open slot for the user in the conversation.
type ReserveSlot struct {
	svc booking.Service
}

func NewReserveSlot(svc booking.Service) *ReserveSlot { return &ReserveSlot{svc: svc} }

func (r *ReserveSlot) Name() string { return "reserve_slot" }
func (r *ReserveSlot) Description() string {
	return "Reserve an open slot for a party. Returns the confirmation code. Only call this once the user has confirmed the restaurant, time and party size."
}
func (r *ReserveSlot) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"slot_id": {"type": "string", "minLength": 1, "description": "Slot id from search_restaurants or restaurant_details"},
			"party_size": {"type": "integer", "minimum": 1}
		},
		"required": ["slot_id", "party_size"],
		"additionalProperties": false
	}`)
}
func (r *ReserveSlot) MaxOutput() int { return 0 }

func (r *ReserveSlot) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		SlotID    string `json:"slot_id"`
		PartySize int    `json:"party_size"`
	}
	if err := parseArgs(args, &params); err != nil {
		return "", err
	}
	info, _ := types.CallInfoFrom(ctx)

	res, err := r.svc.Reserve(ctx, booking.ReserveRequest{
		SlotID:         params.SlotID,
		UserID:         userID(info),
		PartySize:      params.PartySize,
		IdempotencyKey: idempotencyKey(info),
	})
	if err != nil {
		return "", fmt.Errorf("reserve %s: %w", params.SlotID, err)
	}
	return compactJSON(reservationView(res))
}

// CancelReservation cancels a reservation by confirmation code.
type CancelReservation struct {
	svc booking.Service
}

func NewCancelReservation(svc booking.Service) *CancelReservation {
	return &CancelReservation{svc: svc}
}

func (c *CancelReservation) Name() string        { return "cancel_reservation" }
func (c *CancelReservation) Description() string { return "Cancel a reservation by its confirmation code" }
func (c *CancelReservation) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"code": {"type": "string", "minLength": 1, "description": "Confirmation code, e.g. TM-7K2M9QXA"}
		},
		"required": ["code"],
		"additionalProperties": false
	}`)
}
func (c *CancelReservation) MaxOutput() int { return 0 }

func (c *CancelReservation) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Code string `json:"code"`
	}
	if err := parseArgs(args, &params); err != nil {
		return "", err
	}
	res, err := c.svc.Cancel(ctx, params.Code)
	if err != nil {
		return "", fmt.Errorf("cancel %s: %w", params.Code, err)
	}
	return compactJSON(reservationView(res))
}

func reservationView(res *booking.Reservation) map[string]any {
	return map[string]any{
		"code":       res.Code,
		"restaurant": res.RestaurantName,
		"starts_at":  res.StartsAt,
		"party_size": res.PartySize,
		"status":     res.Status,
	}
}
