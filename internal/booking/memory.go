package booking

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/user/tablemate/internal/types"
)

// slotEntry guards a single slot. Booking decisions on one slot serialize on
// its mutex; unrelated slots never contend.
type slotEntry struct {
	mu   sync.Mutex
	slot Slot
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu          sync.RWMutex
	restaurants map[string]*Restaurant
	slots       map[string]*slotEntry

	resMu        sync.Mutex
	reservations map[string]*Reservation // by code
	activeBySlot map[string]string       // slot id -> code
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		restaurants:  make(map[string]*Restaurant),
		slots:        make(map[string]*slotEntry),
		reservations: make(map[string]*Reservation),
		activeBySlot: make(map[string]string),
	}
}

func (m *MemoryStore) PutRestaurant(_ context.Context, r *Restaurant) error {
	cp := *r
	cp.Hours = slices.Clone(r.Hours)
	m.mu.Lock()
	m.restaurants[r.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) PutSlot(_ context.Context, s *Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.restaurants[s.RestaurantID]; !ok {
		return fmt.Errorf("restaurant %s: %w", s.RestaurantID, types.ErrNotFound)
	}
	if e, ok := m.slots[s.ID]; ok {
		e.mu.Lock()
		status := e.slot.Status
		e.slot = *s
		if status == SlotBooked {
			e.slot.Status = SlotBooked
		}
		e.mu.Unlock()
		return nil
	}
	m.slots[s.ID] = &slotEntry{slot: *s}
	return nil
}

func (m *MemoryStore) Restaurant(_ context.Context, id string) (*Restaurant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.restaurants[id]
	if !ok {
		return nil, fmt.Errorf("restaurant %s: %w", id, types.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Restaurants(_ context.Context) ([]*Restaurant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Restaurant, 0, len(m.restaurants))
	for _, r := range m.restaurants {
		cp := *r
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *Restaurant) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *MemoryStore) entry(id string) (*slotEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.slots[id]
	return e, ok
}

func (m *MemoryStore) Slot(_ context.Context, id string) (*Slot, error) {
	e, ok := m.entry(id)
	if !ok {
		return nil, fmt.Errorf("slot %s: %w", id, types.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := e.slot
	return &cp, nil
}

func (m *MemoryStore) Slots(_ context.Context, restaurantID string, from, to time.Time) ([]*Slot, error) {
	m.mu.RLock()
	entries := make([]*slotEntry, 0)
	for _, e := range m.slots {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var out []*Slot
	for _, e := range entries {
		e.mu.Lock()
		s := e.slot
		e.mu.Unlock()
		if s.RestaurantID == restaurantID && inWindow(s.StartsAt, from, to) {
			out = append(out, &s)
		}
	}
	slices.SortFunc(out, func(a, b *Slot) int { return a.StartsAt.Compare(b.StartsAt) })
	return out, nil
}

// Book transitions the slot free->booked and records res under the slot's
// lock. Lock order is always slot entry, then reservations.
func (m *MemoryStore) Book(_ context.Context, res *Reservation) error {
	e, ok := m.entry(res.SlotID)
	if !ok {
		return fmt.Errorf("slot %s: %w", res.SlotID, types.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.slot.Status != SlotFree {
		return fmt.Errorf("slot %s is %s: %w", res.SlotID, e.slot.Status, types.ErrSlotUnavailable)
	}

	m.resMu.Lock()
	defer m.resMu.Unlock()
	if _, taken := m.reservations[res.Code]; taken {
		return errDuplicateCode
	}
	if code, active := m.activeBySlot[res.SlotID]; active {
		return fmt.Errorf("slot %s held by %s: %w", res.SlotID, code, types.ErrSlotUnavailable)
	}

	cp := *res
	m.reservations[res.Code] = &cp
	m.activeBySlot[res.SlotID] = res.Code
	e.slot.Status = SlotBooked
	return nil
}

func (m *MemoryStore) CancelReservation(_ context.Context, code string, at time.Time) (*Reservation, error) {
	m.resMu.Lock()
	r, ok := m.reservations[code]
	var slotID string
	if ok {
		slotID = r.SlotID
	}
	m.resMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", code, types.ErrNotFound)
	}

	e, ok := m.entry(slotID)
	if !ok {
		return nil, fmt.Errorf("slot %s: %w", slotID, types.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m.resMu.Lock()
	defer m.resMu.Unlock()

	if r.Status == ReservationCancelled {
		return nil, fmt.Errorf("reservation %s: %w", code, types.ErrAlreadyCancelled)
	}
	r.Status = ReservationCancelled
	r.CancelledAt = &at
	delete(m.activeBySlot, slotID)
	e.slot.Status = SlotFree

	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Reservation(_ context.Context, code string) (*Reservation, error) {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	r, ok := m.reservations[code]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", code, types.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
