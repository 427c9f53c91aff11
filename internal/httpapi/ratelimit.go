package httpapi

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdle = 3 * time.Minute

// clientLimiter hands out a token bucket per client address. Buckets unused
// for limiterIdle are dropped by a janitor that runs until ctx ends.
type clientLimiter struct {
	perMinute int
	burst     int

	mu      sync.Mutex
	clients map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(ctx context.Context, perMinute, burst int) *clientLimiter {
	if burst <= 0 {
		burst = max(1, perMinute/6)
	}
	l := &clientLimiter{
		perMinute: perMinute,
		burst:     burst,
		clients:   make(map[string]*limiterEntry),
	}
	go l.janitor(ctx)
	return l
}

func (l *clientLimiter) janitor(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for addr, e := range l.clients {
				if time.Since(e.lastSeen) > limiterIdle {
					delete(l.clients, addr)
				}
			}
			l.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

func (l *clientLimiter) allow(addr string) bool {
	l.mu.Lock()
	e, ok := l.clients[addr]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(l.perMinute)/60.0, l.burst)}
		l.clients[addr] = e
	}
	e.lastSeen = time.Now()
	l.mu.Unlock()
	return e.limiter.Allow()
}

// clientAddr is the direct peer address. Proxy headers are not trusted.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
