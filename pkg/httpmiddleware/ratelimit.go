package httpmiddleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Decision is the outcome of one Limiter.Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// WriteHeaders sets the X-RateLimit-* headers, plus Retry-After when the
// request was rejected.
func (d Decision) WriteHeaders(w http.ResponseWriter, now time.Time) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed {
		wait := max(d.ResetAt.Sub(now), 0)
		h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	}
}

type bucket struct {
	start time.Time
	prev  float64
	curr  float64
}

// Limiter is a sliding window counter keyed by an arbitrary string. Windows
// are aligned to multiples of the window duration, and the previous window
// counts in proportion to how much of it the sliding window still covers.
type Limiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLimiter allows max events per window for every key.
func NewLimiter(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:     max,
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow records one event for key unless that would exceed the limit.
func (l *Limiter) Allow(key string) Decision {
	now := l.now()
	start := now.Truncate(l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	switch {
	case !ok:
		b = &bucket{start: start}
		l.buckets[key] = b
	case start.Sub(b.start) >= 2*l.window:
		b.start, b.prev, b.curr = start, 0, 0
	case start.After(b.start):
		b.start, b.prev, b.curr = start, b.curr, 0
	}

	overlap := 1 - float64(now.Sub(b.start))/float64(l.window)
	count := b.prev*overlap + b.curr

	d := Decision{Limit: l.max, ResetAt: b.start.Add(l.window)}
	if count >= float64(l.max) {
		return d
	}
	b.curr++
	d.Allowed = true
	d.Remaining = max(int(float64(l.max)-count-1), 0)
	return d
}

// evict drops keys idle for two full windows.
func (l *Limiter) evict() int {
	start := l.now().Truncate(l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	var n int
	for key, b := range l.buckets {
		if start.Sub(b.start) >= 2*l.window {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// Run evicts idle keys every two windows until ctx is done.
func (l *Limiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(2 * l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.evict()
		}
	}
}

// KeyFunc extracts the rate limit key from a request.
type KeyFunc func(*http.Request) string

// RateLimit rejects requests over l's limit with 429. Every response carries
// the X-RateLimit-* headers. A nil key limits by client IP.
func RateLimit(l *Limiter, key KeyFunc) Middleware {
	if key == nil {
		key = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Allow(key(r))
			d.WriteHeaders(w, l.now())
			if !d.Allowed {
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// KeyByHeader keys the limiter on a request header, typically the API key,
// and falls back to the client IP when the header is absent.
func KeyByHeader(name string) KeyFunc {
	return func(r *http.Request) string {
		if v := r.Header.Get(name); v != "" {
			return name + ":" + v
		}
		return ClientIP(r)
	}
}
