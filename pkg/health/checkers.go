package health

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails when more than threshold goroutines are running.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck fails when p cannot be reached.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return errors.Wrap(err, "ping")
		}
		return nil
	}
}

// Heartbeat records the last time a background worker made progress.
type Heartbeat struct {
	last atomic.Int64
}

// Beat marks progress at t.
func (b *Heartbeat) Beat(t time.Time) {
	b.last.Store(t.UnixNano())
}

// Last returns the time of the most recent Beat, or the zero time.
func (b *Heartbeat) Last() time.Time {
	n := b.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// FreshnessCheck fails when b has not beaten within maxAge. A heartbeat that
// never beat is treated as fresh so startup does not trip the probe.
func FreshnessCheck(b *Heartbeat, maxAge time.Duration, now func() time.Time) CheckFunc {
	return func(_ context.Context) error {
		last := b.Last()
		if last.IsZero() {
			return nil
		}
		if age := now().Sub(last); age > maxAge {
			return errors.Errorf("last progress %s ago exceeds %s", age.Truncate(time.Second), maxAge)
		}
		return nil
	}
}
