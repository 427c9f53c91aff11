package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/tablemate/internal/booking"
)

const (
	slotsPerResult = 6
	detailSlots    = 12
)

type slotView struct {
	ID       string    `json:"id"`
	StartsAt time.Time `json:"starts_at"`
	Seats    int       `json:"seats"`
}

type restaurantView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Cuisine    string     `json:"cuisine"`
	Location   string     `json:"location"`
	Rating     float64    `json:"rating,omitempty"`
	PriceLevel int        `json:"price_level,omitempty"`
	OpenSlots  []slotView `json:"open_slots"`
	MoreSlots  int        `json:"more_slots,omitempty"`
}

func viewSlots(slots []booking.Slot, max int) ([]slotView, int) {
	out := make([]slotView, 0, min(len(slots), max))
	for i, s := range slots {
		if i == max {
			return out, len(slots) - max
		}
		out = append(out, slotView{ID: s.ID, StartsAt: s.StartsAt, Seats: s.Capacity})
	}
	return out, 0
}

// SearchRestaurants finds restaurants with open slots.
type SearchRestaurants struct {
	svc booking.Service
}

func NewSearchRestaurants(svc booking.Service) *SearchRestaurants {
	return &SearchRestaurants{svc: svc}
}

func (s *SearchRestaurants) Name() string { return "search_restaurants" }
func (s *SearchRestaurants) Description() string {
	return "Search restaurants by cuisine, location, name and time window. Returns matching restaurants with their open slots; use a slot id with reserve_slot."
}
func (s *SearchRestaurants) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Free text matched against name and cuisine"},
			"cuisine": {"type": "string", "description": "Cuisine, e.g. italian"},
			"location": {"type": "string", "description": "Neighbourhood or city"},
			"from": {"type": "string", "description": "Earliest start time, RFC3339"},
			"to": {"type": "string", "description": "Latest start time (exclusive), RFC3339"},
			"party_size": {"type": "integer", "minimum": 1},
			"limit": {"type": "integer", "minimum": 1, "maximum": 20}
		},
		"additionalProperties": false
	}`)
}
func (s *SearchRestaurants) MaxOutput() int { return 0 }

func (s *SearchRestaurants) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Query     string `json:"query"`
		Cuisine   string `json:"cuisine"`
		Location  string `json:"location"`
		From      string `json:"from"`
		To        string `json:"to"`
		PartySize int    `json:"party_size"`
		Limit     int    `json:"limit"`
	}
	if err := parseArgs(args, &params); err != nil {
		return "", err
	}
	from, err := parseTime("from", params.From)
	if err != nil {
		return "", err
	}
	to, err := parseTime("to", params.To)
	if err != nil {
		return "", err
	}

	results, err := s.svc.Search(ctx, booking.Criteria{
		Query:     params.Query,
		Cuisine:   params.Cuisine,
		Location:  params.Location,
		From:      from,
		To:        to,
		PartySize: params.PartySize,
		Limit:     params.Limit,
	})
	if err != nil {
		return "", fmt.Errorf("search restaurants: %w", err)
	}
	if len(results) == 0 {
		return "No restaurants match. Try a wider time window or fewer filters.", nil
	}

	views := make([]restaurantView, 0, len(results))
	for _, r := range results {
		slots, more := viewSlots(r.OpenSlots, slotsPerResult)
		views = append(views, restaurantView{
			ID:         r.Restaurant.ID,
			Name:       r.Restaurant.Name,
			Cuisine:    r.Restaurant.Cuisine,
			Location:   r.Restaurant.Location,
			Rating:     r.Restaurant.Rating,
			PriceLevel: r.Restaurant.PriceLevel,
			OpenSlots:  slots,
			MoreSlots:  more,
		})
	}
	return compactJSON(views)
}

// RestaurantDetails describes one restaurant: contact details, hours, the
// description rendered as markdown and its next open slots.
type RestaurantDetails struct {
	svc booking.Service
}

func NewRestaurantDetails(svc booking.Service) *RestaurantDetails {
	return &RestaurantDetails{svc: svc}
}

func (d *RestaurantDetails) Name() string { return "restaurant_details" }
func (d *RestaurantDetails) Description() string {
	return "Show address, opening hours, phone, website, description and upcoming open slots for one restaurant"
}
func (d *RestaurantDetails) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"restaurant_id": {"type": "string", "minLength": 1}
		},
		"required": ["restaurant_id"],
		"additionalProperties": false
	}`)
}
func (d *RestaurantDetails) MaxOutput() int { return 0 }

func (d *RestaurantDetails) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		RestaurantID string `json:"restaurant_id"`
	}
	if err := parseArgs(args, &params); err != nil {
		return "", err
	}

	res, err := d.svc.Details(ctx, params.RestaurantID)
	if err != nil {
		return "", fmt.Errorf("restaurant %s: %w", params.RestaurantID, err)
	}
	r := res.Restaurant

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n", r.Name)
	fmt.Fprintf(&sb, "Cuisine: %s\n", r.Cuisine)
	if r.Address != "" {
		fmt.Fprintf(&sb, "Address: %s\n", r.Address)
	}
	if r.Rating > 0 {
		fmt.Fprintf(&sb, "Rating: %.1f\n", r.Rating)
	}
	if r.PriceLevel > 0 {
		fmt.Fprintf(&sb, "Price: %s\n", strings.Repeat("$", r.PriceLevel))
	}
	if r.Phone != "" {
		fmt.Fprintf(&sb, "Phone: %s\n", r.Phone)
	}
	if r.Website != "" {
		fmt.Fprintf(&sb, "Website: %s\n", r.Website)
	}
	if len(r.Hours) > 0 {
		sb.WriteString("Hours:\n")
		for _, h := range r.Hours {
			fmt.Fprintf(&sb, "- %s\n", h)
		}
	}
	if r.DescriptionHTML != "" {
		md, err := htmltomarkdown.ConvertString(r.DescriptionHTML)
		if err != nil {
			return "", fmt.Errorf("convert description: %w", err)
		}
		fmt.Fprintf(&sb, "\n%s\n", strings.TrimSpace(md))
	}

	slots, more := viewSlots(res.OpenSlots, detailSlots)
	if len(slots) == 0 {
		sb.WriteString("\nNo open slots.\n")
		return sb.String(), nil
	}
	sb.WriteString("\nOpen slots:\n")
	for _, s := range slots {
		fmt.Fprintf(&sb, "- %s %s (seats %d)\n", s.ID, s.StartsAt.Format(time.RFC3339), s.Seats)
	}
	if more > 0 {
		fmt.Fprintf(&sb, "... and %d more; search with a time window to narrow down.\n", more)
	}
	return sb.String(), nil
}
