// Package store holds the only mutable state shared between provider calls:
// cached bearer tokens and rate-limit windows. Both live behind interfaces so
// several worker processes can share one backing store.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no live entry exists for a key.
var ErrNotFound = errors.New("store: not found")

// Token is a cached provider credential.
type Token struct {
	Value     string
	ClientID  string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenStore caches at most one token per key.
type TokenStore interface {
	GetToken(ctx context.Context, key string, now time.Time) (Token, error)
	PutToken(ctx context.Context, key string, token Token) error
	DeleteToken(ctx context.Context, key string) error
}

// RefreshLocker is implemented by stores that can serialize token refreshes
// across processes. fn runs while the lock for key is held.
type RefreshLocker interface {
	WithRefreshLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Window is a fixed rate-limit window.
type Window struct {
	Start  time.Time
	Count  int
	Limit  int
	Length time.Duration
}

// ResetAt is the instant the window elapses.
func (w Window) ResetAt() time.Time {
	return w.Start.Add(w.Length)
}

// Remaining is the number of admissions left in the window.
func (w Window) Remaining() int {
	if r := w.Limit - w.Count; r > 0 {
		return r
	}
	return 0
}

// CounterStore performs atomic admission against fixed windows.
type CounterStore interface {
	// Acquire resets the window when it has elapsed at now, then increments
	// the count if it is below limit. The returned bool reports admission.
	Acquire(ctx context.Context, key string, limit int, length time.Duration, now time.Time) (Window, bool, error)
	// Peek returns the window as seen at now without counting.
	Peek(ctx context.Context, key string, limit int, length time.Duration, now time.Time) (Window, error)
}

func expired(start time.Time, length time.Duration, now time.Time) bool {
	return start.IsZero() || !now.Before(start.Add(length))
}
