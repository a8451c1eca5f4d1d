package llm

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a per-process token bucket keyed to requests-per-minute.
// Capacity equals the RPM; tokens refill at rpm/60 per second. The limiter is
// per-process by design: a horizontally scaled deployment applies the RPM per
// worker, so the configured rate is each process's share.
type RateLimiter struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time

	// Injectable clock for deterministic tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter creates a limiter for the given requests-per-minute. The
// bucket starts full.
func NewRateLimiter(rpm int) *RateLimiter {
	if rpm < 1 {
		rpm = 1
	}
	l := &RateLimiter{
		capacity:   float64(rpm),
		refillRate: float64(rpm) / 60.0,
		tokens:     float64(rpm),
		now:        time.Now,
		sleep:      sleepCtx,
	}
	l.lastRefill = l.now()
	return l
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

// SetLimit reconfigures capacity and refill rate. Current tokens are clamped
// down when they exceed the new capacity. Callers invoke SetLimit before each
// Consume so a config change applies to the next acquisition.
func (l *RateLimiter) SetLimit(rpm int) {
	if rpm < 1 {
		rpm = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	l.capacity = float64(rpm)
	l.refillRate = float64(rpm) / 60.0
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
}

// Consume takes one token, waiting for refill when the bucket is short.
// The wait respects ctx cancellation.
func (l *RateLimiter) Consume(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.refill()
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - l.tokens) / l.refillRate * float64(time.Second))
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
		// Re-check under the lock: SetLimit may have changed the rate while
		// we were sleeping.
	}
}

// refill adds elapsed-time tokens up to capacity. Caller holds the lock.
func (l *RateLimiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.refillRate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.lastRefill = now
}

// Tokens returns the current token count (after refill). Intended for health
// reporting and tests.
func (l *RateLimiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}
