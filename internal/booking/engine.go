package booking

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/user/tablemate/internal/types"
)

const (
	DefaultSearchResults = 5
	MaxSearchResults     = 20

	codeAttempts = 5
)

var (
	ErrInvalidPartySize = fmt.Errorf("%w: party size must be at least 1", types.ErrInvalidToolArguments)
	ErrInvalidWindow    = fmt.Errorf("%w: search window ends before it starts", types.ErrInvalidToolArguments)
)

// Service is the booking contract the agent's tools call. Engine implements
// it in-process; Client implements it over HTTP.
type Service interface {
	Search(ctx context.Context, c Criteria) ([]SearchResult, error)
	Details(ctx context.Context, restaurantID string) (*SearchResult, error)
	Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error)
	Cancel(ctx context.Context, code string) (*Reservation, error)
	Reservation(ctx context.Context, code string) (*Reservation, error)
}

// Engine implements Service on top of a Store.
type Engine struct {
	store   Store
	now     func() time.Time
	newCode func() string
}

// NewEngine creates a booking engine over store.
func NewEngine(store Store) *Engine {
	return &Engine{
		store:   store,
		now:     time.Now,
		newCode: newConfirmationCode,
	}
}

// newConfirmationCode takes the random tail of a ULID: 8 Crockford base32
// characters, 40 bits.
func newConfirmationCode() string {
	id := ulid.Make().String()
	return "TM-" + id[len(id)-8:]
}

func newReservationID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

// Search returns restaurants matching c with their open slots, best first:
// more open slots, then higher rating, then name. When a time window or party
// size is given, restaurants with nothing open are left out.
func (e *Engine) Search(ctx context.Context, c Criteria) ([]SearchResult, error) {
	if c.PartySize < 0 {
		return nil, ErrInvalidPartySize
	}
	if !c.From.IsZero() && !c.To.IsZero() && !c.To.After(c.From) {
		return nil, ErrInvalidWindow
	}
	limit := c.Limit
	if limit <= 0 {
		limit = DefaultSearchResults
	}
	if limit > MaxSearchResults {
		limit = MaxSearchResults
	}
	from := c.From
	if from.IsZero() {
		from = e.now()
	}

	restaurants, err := e.store.Restaurants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list restaurants: %w", err)
	}

	var results []SearchResult
	for _, r := range restaurants {
		if !matches(r, c) {
			continue
		}
		open, err := e.openSlots(ctx, r.ID, from, c.To, c.PartySize)
		if err != nil {
			return nil, err
		}
		if len(open) == 0 && (!c.From.IsZero() || !c.To.IsZero() || c.PartySize > 0) {
			continue
		}
		results = append(results, SearchResult{Restaurant: *r, OpenSlots: open})
	}

	slices.SortStableFunc(results, func(a, b SearchResult) int {
		if n := cmp.Compare(len(b.OpenSlots), len(a.OpenSlots)); n != 0 {
			return n
		}
		if n := cmp.Compare(b.Restaurant.Rating, a.Restaurant.Rating); n != 0 {
			return n
		}
		return cmp.Compare(a.Restaurant.Name, b.Restaurant.Name)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (e *Engine) openSlots(ctx context.Context, restaurantID string, from, to time.Time, party int) ([]Slot, error) {
	slots, err := e.store.Slots(ctx, restaurantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list slots for %s: %w", restaurantID, err)
	}
	open := make([]Slot, 0, len(slots))
	for _, s := range slots {
		if s.Status == SlotFree && s.Capacity >= party {
			open = append(open, *s)
		}
	}
	return open, nil
}

func matches(r *Restaurant, c Criteria) bool {
	if c.Cuisine != "" && !containsFold(r.Cuisine, c.Cuisine) {
		return false
	}
	if c.Location != "" && !containsFold(r.Location, c.Location) && !containsFold(r.Address, c.Location) {
		return false
	}
	if c.Query != "" && !containsFold(r.Name, c.Query) && !containsFold(r.Cuisine, c.Query) &&
		!containsFold(r.DescriptionHTML, c.Query) {
		return false
	}
	return true
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(strings.TrimSpace(sub)))
}

// Details returns one restaurant with its upcoming open slots.
func (e *Engine) Details(ctx context.Context, restaurantID string) (*SearchResult, error) {
	r, err := e.store.Restaurant(ctx, restaurantID)
	if err != nil {
		return nil, err
	}
	open, err := e.openSlots(ctx, r.ID, e.now(), time.Time{}, 0)
	if err != nil {
		return nil, err
	}
	return &SearchResult{Restaurant: *r, OpenSlots: open}, nil
}

// Reserve books a slot for a party. Availability failures come back as
// types.ErrSlotUnavailable and are never retried here.
func (e *Engine) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	if req.PartySize < 1 {
		return nil, ErrInvalidPartySize
	}
	if req.SlotID == "" {
		return nil, fmt.Errorf("%w: slot_id is required", types.ErrInvalidToolArguments)
	}

	slot, err := e.store.Slot(ctx, req.SlotID)
	if err != nil {
		return nil, err
	}
	if req.PartySize > slot.Capacity {
		return nil, fmt.Errorf("party of %d, slot seats %d: %w", req.PartySize, slot.Capacity, types.ErrPartyTooLarge)
	}
	restaurant, err := e.store.Restaurant(ctx, slot.RestaurantID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC().Truncate(time.Second)
	res := &Reservation{
		ID:             newReservationID(now),
		SlotID:         slot.ID,
		RestaurantID:   restaurant.ID,
		RestaurantName: restaurant.Name,
		StartsAt:       slot.StartsAt,
		UserID:         req.UserID,
		PartySize:      req.PartySize,
		Status:         ReservationConfirmed,
		CreatedAt:      now,
	}
	for attempt := 1; attempt <= codeAttempts; attempt++ {
		res.Code = e.newCode()
		err = e.store.Book(ctx, res)
		if !errors.Is(err, errDuplicateCode) {
			break
		}
		slog.Debug("confirmation code collision", "code", res.Code, "attempt", attempt)
	}
	if err != nil {
		return nil, err
	}
	slog.Info("reservation confirmed", "code", res.Code, "slot_id", res.SlotID, "user_id", res.UserID)
	return res, nil
}

// Cancel cancels a reservation and frees its slot. A second cancel of the
// same code fails with types.ErrAlreadyCancelled.
func (e *Engine) Cancel(ctx context.Context, code string) (*Reservation, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	res, err := e.store.CancelReservation(ctx, code, e.now())
	if err != nil {
		return nil, err
	}
	slog.Info("reservation cancelled", "code", code, "slot_id", res.SlotID)
	return res, nil
}

func (e *Engine) Reservation(ctx context.Context, code string) (*Reservation, error) {
	return e.store.Reservation(ctx, strings.ToUpper(strings.TrimSpace(code)))
}

var _ Service = (*Engine)(nil)
