// Package booking holds restaurants, their bookable time slots and the
// reservations made against them. A slot admits at most one confirmed
// reservation at a time.
package booking

import (
	"time"
)

// SlotStatus is the booking state of a slot.
type SlotStatus string

const (
	SlotFree   SlotStatus = "free"
	SlotHeld   SlotStatus = "held"
	SlotBooked SlotStatus = "booked"
)

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
)

type Restaurant struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Address         string   `json:"address"`
	Cuisine         string   `json:"cuisine"`
	Location        string   `json:"location"`
	PriceLevel      int      `json:"price_level,omitempty"`
	Rating          float64  `json:"rating,omitempty"`
	Phone           string   `json:"phone,omitempty"`
	Website         string   `json:"website,omitempty"`
	DescriptionHTML string   `json:"description_html,omitempty"`
	Hours           []string `json:"hours,omitempty"`
}

type Slot struct {
	ID           string     `json:"id"`
	RestaurantID string     `json:"restaurant_id"`
	StartsAt     time.Time  `json:"starts_at"`
	Capacity     int        `json:"capacity"`
	Status       SlotStatus `json:"status"`
}

// Reservation is a confirmed (or cancelled) booking of one slot. The
// restaurant name and start time are copied in at booking time so a
// confirmation can be shown without further lookups.
type Reservation struct {
	ID             string            `json:"id"`
	Code           string            `json:"code"`
	SlotID         string            `json:"slot_id"`
	RestaurantID   string            `json:"restaurant_id"`
	RestaurantName string            `json:"restaurant_name"`
	StartsAt       time.Time         `json:"starts_at"`
	UserID         string            `json:"user_id"`
	PartySize      int               `json:"party_size"`
	Status         ReservationStatus `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	CancelledAt    *time.Time        `json:"cancelled_at,omitempty"`
}

// Criteria filters a search. Zero values mean "any".
type Criteria struct {
	Query     string    `json:"query,omitempty"`
	Cuisine   string    `json:"cuisine,omitempty"`
	Location  string    `json:"location,omitempty"`
	From      time.Time `json:"from,omitempty"`
	To        time.Time `json:"to,omitempty"`
	PartySize int       `json:"party_size,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

// SearchResult is a restaurant together with its open slots in the
// requested window.
type SearchResult struct {
	Restaurant Restaurant `json:"restaurant"`
	OpenSlots  []Slot     `json:"open_slots"`
}

// ReserveRequest asks for one slot for a party.
type ReserveRequest struct {
	SlotID    string `json:"slot_id"`
	UserID    string `json:"user_id"`
	PartySize int    `json:"party_size"`

	// IdempotencyKey lets a retried request return the reservation the
	// first attempt made. It travels as the Idempotency-Key header.
	IdempotencyKey string `json:"-"`
}
