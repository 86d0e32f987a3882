// Package ratelimit implements the per-client dual limiter described in
// original_source/crates/cauce-server-sdk/src/rate_limit/mod.rs: a token
// bucket for burst control plus a fixed-window counter for a hard cap
// over a longer interval (the count resets once the window's length has
// elapsed). Either limiter tripping rejects the call.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cauce-ai/cauce-hub/internal/cauceerrors"
	"github.com/cauce-ai/cauce-hub/internal/metrics"
)

// Config mirrors config.RateLimit; duplicated here (rather than
// importing internal/config) to keep this package free of a dependency
// on the config layer, matching the narrow-interface convention used
// across the Hub's components.
type Config struct {
	Enabled        bool
	BucketCapacity int
	RefillPerSec   float64
	WindowSeconds  int
	MaxPerWindow   int
}

type window struct {
	mu      sync.Mutex
	start   time.Time
	count   int
	length  time.Duration
	maxHits int
}

func newWindow(length time.Duration, maxHits int) *window {
	return &window{start: time.Now(), length: length, maxHits: maxHits}
}

// allow reports whether one more hit fits in the current window,
// rolling the window over when it has elapsed.
func (w *window) allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if now.Sub(w.start) >= w.length {
		w.start = now
		w.count = 0
	}
	if w.count >= w.maxHits {
		return false
	}
	w.count++
	return true
}

type clientLimiter struct {
	bucket *rate.Limiter
	window *window
}

// Limiter is a per-client-id rate limiter combining a token bucket
// (burst smoothing) with a fixed window (hard cap), per
// original_source's RateLimitConfig{max_requests, window_secs,
// bucket_capacity, refill_rate}.
type Limiter struct {
	config Config

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// New creates a Limiter. If cfg.Enabled is false, Allow always succeeds.
func New(cfg Config) *Limiter {
	return &Limiter{config: cfg, clients: make(map[string]*clientLimiter)}
}

func (l *Limiter) clientFor(clientID string) *clientLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[clientID]
	if ok {
		return c
	}
	c = &clientLimiter{
		bucket: rate.NewLimiter(rate.Limit(l.config.RefillPerSec), l.config.BucketCapacity),
		window: newWindow(time.Duration(l.config.WindowSeconds)*time.Second, l.config.MaxPerWindow),
	}
	l.clients[clientID] = c
	return c
}

// Allow reports whether clientID may proceed with one more request. On
// rejection it returns a *cauceerrors.Error carrying retry_after_ms
// (spec.md §7 RateLimited).
func (l *Limiter) Allow(clientID string) error {
	if !l.config.Enabled {
		return nil
	}

	c := l.clientFor(clientID)
	if !c.window.allow() {
		metrics.RateLimitRejections.Inc()
		retryAfter := time.Until(c.window.start.Add(c.window.length))
		return rateLimitedError(retryAfter)
	}
	if !c.bucket.Allow() {
		metrics.RateLimitRejections.Inc()
		reservation := c.bucket.Reserve()
		delay := reservation.Delay()
		reservation.Cancel()
		return rateLimitedError(delay)
	}
	return nil
}

func rateLimitedError(retryAfter time.Duration) error {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return cauceerrors.New(cauceerrors.CodeRateLimited, "rate limit exceeded").
		WithData(map[string]any{"retry_after_ms": retryAfter.Milliseconds()}).
		WithRetryable(true)
}

// Forget drops a client's limiter state, e.g. on session removal, so the
// map doesn't grow unboundedly across the lifetime of the process.
func (l *Limiter) Forget(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, clientID)
}
