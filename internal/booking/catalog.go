package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Catalog is the on-disk seed format: restaurants with explicit slots and/or
// a daily schedule that is expanded into slots at seed time.
type Catalog struct {
	Timezone    string             `json:"timezone,omitempty"`
	Restaurants []CatalogRestaurant `json:"restaurants"`
}

type CatalogRestaurant struct {
	Restaurant
	Slots []Slot         `json:"slots,omitempty"`
	Daily *DailySchedule `json:"daily,omitempty"`
}

// DailySchedule opens the same start times every day for Days days.
type DailySchedule struct {
	Times    []string `json:"times"`
	Capacity int      `json:"capacity"`
	Days     int      `json:"days"`
}

// LoadCatalog reads a catalog JSON file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return &c, nil
}

// Seed writes the catalog into the engine's store, expanding daily schedules
// from today. Existing booked slots stay booked. It returns the number of
// restaurants and slots written.
func (e *Engine) Seed(ctx context.Context, c *Catalog) (int, int, error) {
	loc := time.UTC
	if c.Timezone != "" {
		l, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return 0, 0, fmt.Errorf("load timezone: %w", err)
		}
		loc = l
	}
	today := e.now().In(loc)
	today = time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, loc)

	var restaurants, slots int
	for _, cr := range c.Restaurants {
		r := cr.Restaurant
		if r.ID == "" || r.Name == "" {
			return restaurants, slots, fmt.Errorf("catalog restaurant %q needs an id and a name", r.ID)
		}
		if err := e.store.PutRestaurant(ctx, &r); err != nil {
			return restaurants, slots, err
		}
		restaurants++

		all := make([]Slot, 0, len(cr.Slots))
		all = append(all, cr.Slots...)
		if cr.Daily != nil {
			expanded, err := cr.Daily.expand(r.ID, today)
			if err != nil {
				return restaurants, slots, fmt.Errorf("restaurant %s: %w", r.ID, err)
			}
			all = append(all, expanded...)
		}
		for _, s := range all {
			s.RestaurantID = r.ID
			if s.Status == "" {
				s.Status = SlotFree
			}
			if s.ID == "" {
				s.ID = slotID(r.ID, s.StartsAt)
			}
			if err := e.store.PutSlot(ctx, &s); err != nil {
				return restaurants, slots, err
			}
			slots++
		}
	}
	return restaurants, slots, nil
}

func (d *DailySchedule) expand(restaurantID string, day time.Time) ([]Slot, error) {
	capacity := d.Capacity
	if capacity <= 0 {
		capacity = 2
	}
	var out []Slot
	for i := 0; i < d.Days; i++ {
		date := day.AddDate(0, 0, i)
		for _, hm := range d.Times {
			t, err := time.ParseInLocation("15:04", hm, date.Location())
			if err != nil {
				return nil, fmt.Errorf("parse slot time %q: %w", hm, err)
			}
			start := time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, date.Location())
			out = append(out, Slot{
				ID:           slotID(restaurantID, start),
				RestaurantID: restaurantID,
				StartsAt:     start.UTC(),
				Capacity:     capacity,
				Status:       SlotFree,
			})
		}
	}
	return out, nil
}

func slotID(restaurantID string, t time.Time) string {
	return restaurantID + "@" + t.UTC().Format("20060102T1504")
}
