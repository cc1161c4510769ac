package httpclient

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Backoff strategies.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// DefaultMaxSleep caps a single retry delay when the policy sets none. A
// provider Retry-After above the cap is returned to the caller instead.
const DefaultMaxSleep = 30 * time.Second

// DefaultRetryStatuses are retried when no explicit set is configured.
var DefaultRetryStatuses = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// RetryPolicy bounds transient retries. Times counts total attempts,
// including the first.
type RetryPolicy struct {
	Times    int
	Sleep    time.Duration
	MaxSleep time.Duration
	Strategy string
	Jitter   bool
	Statuses []int
}

// DefaultRetryPolicy is three attempts, one second apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Times:    3,
		Sleep:    time.Second,
		Strategy: BackoffFixed,
		Statuses: append([]int(nil), DefaultRetryStatuses...),
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Times < 1 {
		p.Times = 1
	}
	if p.Sleep < 0 {
		p.Sleep = 0
	}
	if p.MaxSleep <= 0 {
		p.MaxSleep = DefaultMaxSleep
	}
	p.Strategy = strings.ToLower(strings.TrimSpace(p.Strategy))
	if p.Strategy != BackoffExponential {
		p.Strategy = BackoffFixed
	}
	if len(p.Statuses) == 0 {
		p.Statuses = append([]int(nil), DefaultRetryStatuses...)
	}
	return p
}

func (p RetryPolicy) retryable(status int) bool {
	for _, s := range p.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

type backoff struct {
	policy RetryPolicy

	mu  sync.Mutex
	rnd *rand.Rand
}

func newBackoff(p RetryPolicy) *backoff {
	return &backoff{
		policy: p,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404
	}
}

// delay returns the wait before attempt+1.
func (b *backoff) delay(attempt int) time.Duration {
	if b.policy.Sleep <= 0 {
		return 0
	}

	raw := b.policy.Sleep
	if b.policy.Strategy == BackoffExponential {
		raw = time.Duration(float64(b.policy.Sleep) * math.Pow(2, float64(attempt-1)))
	}
	if b.policy.MaxSleep > 0 && raw > b.policy.MaxSleep {
		raw = b.policy.MaxSleep
	}
	if !b.policy.Jitter {
		return raw
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Duration(b.rnd.Int63n(int64(raw) + 1))
}

// Sleeper waits for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
