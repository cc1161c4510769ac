// Package ratelimit mirrors a provider's published request quota locally so
// callers are turned away before the provider answers 429.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brandcall/voicecore/internal/store"
)

const (
	DefaultMaxRequests = 100
	DefaultWindow      = 60 * time.Second
)

// Decision describes one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is how long until the window resets, measured from now.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed {
		return 0
	}
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock swaps out the clock for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// Limiter is a fixed-window limiter keyed by provider and credential.
type Limiter struct {
	key         string
	maxRequests int
	window      time.Duration
	counters    store.CounterStore
	now         func() time.Time
}

// New constructs a Limiter. Non-positive limits fall back to 100 per 60s.
func New(key string, maxRequests int, window time.Duration, counters store.CounterStore, opts ...Option) (*Limiter, error) {
	if key == "" {
		return nil, errors.New("ratelimit: key is required")
	}
	if counters == nil {
		return nil, errors.New("ratelimit: counter store is required")
	}
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		key:         "ratelimit:" + key,
		maxRequests: maxRequests,
		window:      window,
		counters:    counters,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// TryAcquire counts one request against the current window if there is room.
func (l *Limiter) TryAcquire(ctx context.Context) (Decision, error) {
	w, ok, err := l.counters.Acquire(ctx, l.key, l.maxRequests, l.window, l.now())
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: acquire %s: %w", l.key, err)
	}
	return Decision{Allowed: ok, Limit: l.maxRequests, Remaining: w.Remaining(), ResetAt: w.ResetAt()}, nil
}

// Remaining reports requests left in the current window.
func (l *Limiter) Remaining(ctx context.Context) (int, error) {
	w, err := l.counters.Peek(ctx, l.key, l.maxRequests, l.window, l.now())
	if err != nil {
		return 0, fmt.Errorf("ratelimit: peek %s: %w", l.key, err)
	}
	return w.Remaining(), nil
}

// Wait blocks until a request is admitted or ctx ends. Batch jobs use this;
// request paths should fail fast with TryAcquire.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		d, err := l.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if d.Allowed {
			return nil
		}

		timer := time.NewTimer(d.RetryAfter(l.now()) + time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) Limit() int { return l.maxRequests }

func (l *Limiter) Window() time.Duration { return l.window }
