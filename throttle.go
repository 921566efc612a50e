package accounts

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LoginThrottle limits login attempts per identifier and remote address.
// It sits in front of the account state and never changes it.
type LoginThrottle interface {
	Allow(ctx context.Context, key string) (bool, error)
	Reset(ctx context.Context, key string) error
}

// ThrottleKey builds the throttle key for a login attempt
func ThrottleKey(email, ip string) string {
	return "login:" + NormalizeEmail(email) + "|" + strings.TrimSpace(ip)
}

type noopThrottle struct{}

func (noopThrottle) Allow(context.Context, string) (bool, error) { return true, nil }
func (noopThrottle) Reset(context.Context, string) error         { return nil }

// NoopThrottle allows every attempt
func NoopThrottle() LoginThrottle {
	return noopThrottle{}
}

// MemoryThrottle is an in process token bucket per key
type MemoryThrottle struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	idle     time.Duration
	maxKeys  int
	now      Clock
	limiters map[string]*throttleEntry
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryThrottle allows burst attempts per key, refilled evenly over window
func NewMemoryThrottle(burst int, window time.Duration) *MemoryThrottle {
	if burst <= 0 {
		burst = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryThrottle{
		limit:    rate.Every(window / time.Duration(burst)),
		burst:    burst,
		idle:     window,
		maxKeys:  4096,
		now:      time.Now,
		limiters: map[string]*throttleEntry{},
	}
}

// Allow consumes one token for key
func (t *MemoryThrottle) Allow(_ context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	entry, ok := t.limiters[key]
	if !ok {
		if len(t.limiters) >= t.maxKeys {
			t.prune(now)
		}
		entry = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.limiters[key] = entry
	}
	entry.lastSeen = now

	return entry.limiter.AllowN(now, 1), nil
}

// Reset forgets the key after a successful login
func (t *MemoryThrottle) Reset(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.limiters, key)
	return nil
}

func (t *MemoryThrottle) prune(now time.Time) {
	for key, entry := range t.limiters {
		if now.Sub(entry.lastSeen) > t.idle {
			delete(t.limiters, key)
		}
	}
}
