package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/tablemate/internal/booking"
	"github.com/user/tablemate/internal/types"
)

func newBookingServer(t *testing.T, perMinute int) (*booking.Client, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := booking.NewMemoryStore()
	start := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Hour)
	require.NoError(t, store.PutRestaurant(ctx, &booking.Restaurant{
		ID: "luigi", Name: "Trattoria Luigi", Cuisine: "italian", Location: "soho", Rating: 4.5,
	}))
	for i := range 3 {
		require.NoError(t, store.PutSlot(ctx, &booking.Slot{
			ID:           fmt.Sprintf("luigi-%d", i),
			RestaurantID: "luigi",
			StartsAt:     start.Add(time.Duration(i) * time.Hour),
			Capacity:     4,
			Status:       booking.SlotFree,
		}))
	}

	srv := httptest.NewServer(NewReservationServer(ctx, booking.NewEngine(store), perMinute))
	t.Cleanup(srv.Close)
	return booking.NewClient(srv.URL, 5*time.Second), srv
}

func TestReservationAPIRoundTrip(t *testing.T) {
	client, _ := newBookingServer(t, 0)
	ctx := context.Background()

	results, err := client.Search(ctx, booking.Criteria{Cuisine: "italian", PartySize: 2})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Len(t, results[0].OpenSlots, 3)

	details, err := client.Details(ctx, "luigi")
	require.NoError(t, err)
	assert.Equal(t, "Trattoria Luigi", details.Restaurant.Name)

	res, err := client.Reserve(ctx, booking.ReserveRequest{SlotID: "luigi-0", UserID: "bob", PartySize: 2})
	require.NoError(t, err)
	assert.Equal(t, booking.ReservationConfirmed, res.Status)
	assert.NotEmpty(t, res.Code)

	got, err := client.Reservation(ctx, res.Code)
	require.NoError(t, err)
	assert.Equal(t, res.ID, got.ID)

	cancelled, err := client.Cancel(ctx, res.Code)
	require.NoError(t, err)
	assert.Equal(t, booking.ReservationCancelled, cancelled.Status)
}

func TestReservationAPIErrorsMapToSentinels(t *testing.T) {
	client, _ := newBookingServer(t, 0)
	ctx := context.Background()

	_, err := client.Details(ctx, "nowhere")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = client.Reserve(ctx, booking.ReserveRequest{SlotID: "luigi-1", UserID: "bob", PartySize: 9})
	assert.ErrorIs(t, err, types.ErrPartyTooLarge)

	_, err = client.Reserve(ctx, booking.ReserveRequest{SlotID: "luigi-1", UserID: "bob", PartySize: 0})
	assert.ErrorIs(t, err, types.ErrInvalidToolArguments)

	res, err := client.Reserve(ctx, booking.ReserveRequest{SlotID: "luigi-1", UserID: "bob", PartySize: 2})
	require.NoError(t, err)
	_, err = client.Reserve(ctx, booking.ReserveRequest{SlotID: "luigi-1", UserID: "amy", PartySize: 2})
	assert.ErrorIs(t, err, types.ErrSlotUnavailable)

	_, err = client.Cancel(ctx, res.Code)
	require.NoError(t, err)
	_, err = client.Cancel(ctx, res.Code)
	assert.ErrorIs(t, err, types.ErrAlreadyCancelled)

	_, err = client.Search(ctx, booking.Criteria{From: time.Now().Add(time.Hour), To: time.Now()})
	assert.ErrorIs(t, err, types.ErrInvalidToolArguments)
}

func TestReservationAPIConcurrentReserve(t *testing.T) {
	client, _ := newBookingServer(t, 0)

	const n = 20
	var (
		wg          sync.WaitGroup
		wins        atomic.Int32
		unavailable atomic.Int32
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Reserve(context.Background(), booking.ReserveRequest{
				SlotID: "luigi-2", UserID: fmt.Sprintf("user-%d", i), PartySize: 2,
			})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, types.ErrSlotUnavailable):
				unavailable.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one reservation must win")
	assert.Equal(t, int32(n-1), unavailable.Load())
}

func TestReservationAPIRateLimit(t *testing.T) {
	client, srv := newBookingServer(t, 6) // burst of one

	_, err := client.Details(context.Background(), "luigi")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/v1/restaurants/luigi")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	_, err = client.Details(context.Background(), "luigi")
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
}

func TestReservationAPIUnreachable(t *testing.T) {
	client := booking.NewClient("http://127.0.0.1:1", time.Second)
	_, err := client.Search(context.Background(), booking.Criteria{})
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
}

func TestReservationAPIIdempotencyKeyReplays(t *testing.T) {
	client, _ := newBookingServer(t, 0)
	ctx := context.Background()
	req := booking.ReserveRequest{SlotID: "luigi-2", UserID: "bob", PartySize: 2, IdempotencyKey: "sess-1:call_7"}

	first, err := client.Reserve(ctx, req)
	require.NoError(t, err)
	again, err := client.Reserve(ctx, req)
	require.NoError(t, err, "a retry with the same key must not hit slot_unavailable")
	assert.Equal(t, first.Code, again.Code)
	assert.Equal(t, first.ID, again.ID)

	req.IdempotencyKey = "sess-1:call_8"
	_, err = client.Reserve(ctx, req)
	assert.ErrorIs(t, err, types.ErrSlotUnavailable)

	_, err = client.Reserve(ctx, booking.ReserveRequest{SlotID: "luigi-1", UserID: "bob", PartySize: 2, IdempotencyKey: "sess-1:call_7"})
	assert.ErrorIs(t, err, types.ErrInvalidToolArguments)
}

func TestReservationAPIConcurrentSameKey(t *testing.T) {
	client, _ := newBookingServer(t, 0)
	req := booking.ReserveRequest{SlotID: "luigi-0", UserID: "bob", PartySize: 2, IdempotencyKey: "sess-2:call_1"}

	const n = 8
	codes := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := client.Reserve(context.Background(), req)
			errs[i] = err
			if err == nil {
				codes[i] = res.Code
			}
		}()
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, codes[0], codes[i])
	}
}

func TestReplayCacheForgetsFailures(t *testing.T) {
	cache := newReplayCache(time.Minute)
	req := booking.ReserveRequest{SlotID: "luigi-0", PartySize: 2, IdempotencyKey: "k"}
	var calls atomic.Int32
	reserve := func(context.Context, booking.ReserveRequest) (*booking.Reservation, error) {
		if calls.Add(1) == 1 {
			return nil, types.ErrUpstreamTimeout
		}
		return &booking.Reservation{Code: "TM-42"}, nil
	}

	_, _, err := cache.reserveOnce(context.Background(), req, reserve)
	require.ErrorIs(t, err, types.ErrUpstreamTimeout)
	assert.Equal(t, 0, cache.size())

	res, replayed, err := cache.reserveOnce(context.Background(), req, reserve)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "TM-42", res.Code)

	res, replayed, err = cache.reserveOnce(context.Background(), req, reserve)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, "TM-42", res.Code)
	assert.EqualValues(t, 2, calls.Load())
}

func TestReplayCacheExpires(t *testing.T) {
	now := time.Now()
	cache := newReplayCache(time.Hour)
	cache.now = func() time.Time { return now }
	req := booking.ReserveRequest{SlotID: "luigi-0", PartySize: 2, IdempotencyKey: "k"}
	reserve := func(context.Context, booking.ReserveRequest) (*booking.Reservation, error) {
		return &booking.Reservation{Code: "TM-1"}, nil
	}

	_, _, err := cache.reserveOnce(context.Background(), req, reserve)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.size())

	now = now.Add(2 * time.Hour)
	_, replayed, err := cache.reserveOnce(context.Background(), req, reserve)
	require.NoError(t, err)
	assert.False(t, replayed)
}
