// Package throttle spaces out requests to a single wiki.
//
// Writes are kept at least a configured interval apart. The interval is
// enforced through a lock-protected timestamp, so the guarantee holds
// regardless of how many goroutines dispatch writes concurrently. Reads
// pass through a token bucket, which permits short bursts while capping
// the sustained rate.
package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle enforces politeness delays for one site. The zero value is
// not usable; use New. All methods are safe for concurrent use.
type Throttle struct {
	mu         sync.Mutex
	writeDelay time.Duration
	lastWrite  time.Time

	reads *rate.Limiter // nil means unthrottled reads

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New returns a Throttle that keeps consecutive writes at least
// writeDelay apart and limits reads to readsPerSec requests per second.
// A writeDelay of zero disables write spacing; a readsPerSec of zero or
// less leaves reads unthrottled.
func New(writeDelay time.Duration, readsPerSec float64) *Throttle {
	t := &Throttle{
		writeDelay: writeDelay,
		now:        time.Now,
		sleep:      sleepCtx,
	}
	if readsPerSec > 0 {
		// Burst of one: reads are paced, not batched.
		t.reads = rate.NewLimiter(rate.Limit(readsPerSec), 1)
	}
	return t
}

// WaitRead blocks until a read request may be dispatched or ctx is
// done. It returns ctx's error on cancellation.
func (t *Throttle) WaitRead(ctx context.Context) error {
	if t.reads == nil {
		return ctx.Err()
	}
	return t.reads.Wait(ctx)
}

// WaitWrite blocks until a write request may be dispatched or ctx is
// done. Each caller reserves the next write slot before sleeping, so
// concurrent writers are each spaced a full delay apart rather than
// waking together. A reserved slot is not returned on cancellation.
func (t *Throttle) WaitWrite(ctx context.Context) error {
	t.mu.Lock()
	now := t.now()
	var wait time.Duration
	if next := t.lastWrite.Add(t.writeDelay); next.After(now) {
		wait = next.Sub(now)
		t.lastWrite = next
	} else {
		t.lastWrite = now
	}
	t.mu.Unlock()

	if wait > 0 {
		return t.sleep(ctx, wait)
	}
	return ctx.Err()
}

// WriteDelay reports the current minimum interval between writes.
func (t *Throttle) WriteDelay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeDelay
}

// SetWriteDelay changes the minimum interval between writes. Slots
// already reserved keep their old spacing.
func (t *Throttle) SetWriteDelay(d time.Duration) {
	t.mu.Lock()
	t.writeDelay = d
	t.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
