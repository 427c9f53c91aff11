package booking

import (
	"context"
	"errors"
	"time"
)

// errDuplicateCode is returned by Store.Book when the confirmation code is
// already taken. The engine retries with a fresh code.
var errDuplicateCode = errors.New("duplicate confirmation code")

// Store is the authoritative record of restaurants, slots and reservations.
//
// PutSlot upserts; a booked slot keeps its booked status.
// Book must perform the free->booked slot transition and the reservation
// insert as one atomic step keyed by slot id; CancelReservation reverses it.
type Store interface {
	PutRestaurant(ctx context.Context, r *Restaurant) error
	PutSlot(ctx context.Context, s *Slot) error

	Restaurant(ctx context.Context, id string) (*Restaurant, error)
	Restaurants(ctx context.Context) ([]*Restaurant, error)
	Slot(ctx context.Context, id string) (*Slot, error)
	// Slots returns a restaurant's slots starting in [from, to), ordered by
	// start time. A zero bound is open.
	Slots(ctx context.Context, restaurantID string, from, to time.Time) ([]*Slot, error)

	Book(ctx context.Context, res *Reservation) error
	CancelReservation(ctx context.Context, code string, at time.Time) (*Reservation, error)
	Reservation(ctx context.Context, code string) (*Reservation, error)

	Close() error
}

func inWindow(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}
