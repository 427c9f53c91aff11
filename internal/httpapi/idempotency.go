package httpapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/user/tablemate/internal/booking"
	"github.com/user/tablemate/internal/types"
)

const replayTTL = 24 * time.Hour

var errKeyReused = fmt.Errorf("%w: idempotency key reused with a different request", types.ErrInvalidToolArguments)

// replayCache remembers successful reservations by idempotency key. A
// request that repeats a key waits for the first one to finish and gets its
// reservation back instead of booking again.
type replayCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*replayEntry
}

type replayEntry struct {
	request booking.ReserveRequest
	done    chan struct{}
	res     *booking.Reservation // nil when the attempt failed
	expires time.Time
}

func newReplayCache(ttl time.Duration) *replayCache {
	return &replayCache{ttl: ttl, now: time.Now, entries: make(map[string]*replayEntry)}
}

// claim returns the stored reservation for key, or owner == true when the
// caller must make the reservation and report it with finish.
func (c *replayCache) claim(ctx context.Context, key string, req booking.ReserveRequest) (res *booking.Reservation, owner bool, err error) {
	req.IdempotencyKey = ""
	for {
		c.mu.Lock()
		c.evictLocked()
		e, ok := c.entries[key]
		if !ok {
			c.entries[key] = &replayEntry{request: req, done: make(chan struct{})}
			c.mu.Unlock()
			return nil, true, nil
		}
		c.mu.Unlock()

		if e.request != req {
			return nil, false, errKeyReused
		}
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		if e.res != nil {
			return e.res, false, nil
		}
		// The first attempt failed and was forgotten; try to take over.
	}
}

// finish records the outcome of a claimed key. Failures are not kept, so the
// next request with the key tries again.
func (c *replayCache) finish(key string, res *booking.Reservation) {
	c.mu.Lock()
	e := c.entries[key]
	if res == nil {
		delete(c.entries, key)
	} else {
		e.res = res
		e.expires = c.now().Add(c.ttl)
	}
	c.mu.Unlock()
	close(e.done)
}

func (c *replayCache) evictLocked() {
	now := c.now()
	for key, e := range c.entries {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(c.entries, key)
		}
	}
}

func (c *replayCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// reserveOnce runs reserve at most once per key while a success is
// remembered. replayed reports that the reservation came from an earlier
// request.
func (c *replayCache) reserveOnce(ctx context.Context, req booking.ReserveRequest, reserve func(context.Context, booking.ReserveRequest) (*booking.Reservation, error)) (res *booking.Reservation, replayed bool, err error) {
	key := req.IdempotencyKey
	if key == "" {
		res, err = reserve(ctx, req)
		return res, false, err
	}
	res, owner, err := c.claim(ctx, key, req)
	if err != nil || !owner {
		return res, err == nil, err
	}
	res, err = reserve(ctx, req)
	if err != nil {
		c.finish(key, nil)
		return nil, false, err
	}
	c.finish(key, res)
	return res, false, nil
}
