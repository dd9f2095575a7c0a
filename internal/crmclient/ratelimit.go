package crmclient

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// resetEpochThreshold separates "seconds from now" from "unix seconds" in
// x-ratelimit-reset values.
const resetEpochThreshold = 1_000_000_000

// rateLimiter is a fixed-window counter: at most limit acquisitions per
// window. An exhausted window blocks until it resets, and the reset clears the
// counter and opens the next window at that instant. A server-imposed block
// (from rate-limit headers) holds every caller until blockedUntil.
type rateLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	windowStart time.Time
	count       int

	blockedUntil time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait blocks until a request slot is available or ctx is done.
func (l *rateLimiter) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d := l.reserve()
		if d <= 0 {
			return nil
		}
		if err := l.sleep(ctx, d); err != nil {
			return err
		}
	}
}

// reserve records an acquisition and returns 0, or returns how long to wait
// before trying again.
func (l *rateLimiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Before(l.blockedUntil) {
		return l.blockedUntil.Sub(now)
	}

	if l.windowStart.IsZero() {
		l.windowStart = now
	}
	if reset := l.windowStart.Add(l.window); !now.Before(reset) {
		l.windowStart = now
		l.count = 0
	}

	if l.count < l.limit {
		l.count++
		return 0
	}
	return l.windowStart.Add(l.window).Sub(now)
}

// Observe tunes the limiter from x-ratelimit-* response headers.
func (l *rateLimiter) Observe(h http.Header) {
	limit, hasLimit := headerInt(h, "X-Ratelimit-Limit")
	remaining, hasRemaining := headerInt(h, "X-Ratelimit-Remaining")
	reset, hasReset := headerInt(h, "X-Ratelimit-Reset")

	l.mu.Lock()
	defer l.mu.Unlock()

	if hasLimit && limit > 0 && limit < l.limit {
		l.limit = limit
	}
	if hasRemaining && remaining <= 0 && hasReset && reset > 0 {
		var until time.Time
		if reset < resetEpochThreshold {
			until = l.now().Add(time.Duration(reset) * time.Second)
		} else {
			until = time.Unix(int64(reset), 0)
		}
		if until.After(l.blockedUntil) {
			l.blockedUntil = until
		}
	}
}

func headerInt(h http.Header, key string) (int, bool) {
	raw := strings.TrimSpace(h.Get(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
