// Package ratelimit admits requests under a per-user sliding window. Refused
// requests carry enough information for Retry-After headers and cost nothing
// from the user's budget.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool      `json:"allowed"`
	Remaining  int       `json:"remaining"`
	ResetTime  time.Time `json:"reset_time"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds; 0 when allowed
}

// userWindow holds one user's request timestamps inside the window.
type userWindow struct {
	mu         sync.Mutex
	timestamps []time.Time
	lastSeen   time.Time
}

// Limiter is a per-user sliding window rate limiter. Sweeping of idle users
// is driven externally by the maintenance scheduler rather than an internal
// goroutine, keeping the limiter free of background work.
type Limiter struct {
	users  sync.Map // user id -> *userWindow
	window time.Duration
	limit  int
	clock  clock.Clock
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects a clock for tests.
func WithClock(clk clock.Clock) Option {
	return func(l *Limiter) { l.clock = clk }
}

// NewLimiter builds a limiter allowing limit requests per window per user.
func NewLimiter(window time.Duration, limit int, opts ...Option) *Limiter {
	l := &Limiter{
		window: window,
		limit:  limit,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records an admission attempt for userID and decides it.
func (l *Limiter) Allow(userID string) Decision {
	now := l.clock.Now()

	v, _ := l.users.LoadOrStore(userID, &userWindow{lastSeen: now})
	w := v.(*userWindow)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastSeen = now
	w.timestamps = dropExpired(w.timestamps, now.Add(-l.window))

	if len(w.timestamps) >= l.limit {
		oldest := w.timestamps[0]
		reset := oldest.Add(l.window)
		retry := int(reset.Sub(now).Seconds())
		if retry < 1 {
			retry = 1
		}
		return Decision{ResetTime: reset, RetryAfter: retry}
	}

	w.timestamps = append(w.timestamps, now)
	return Decision{
		Allowed:   true,
		Remaining: l.limit - len(w.timestamps),
		ResetTime: w.timestamps[0].Add(l.window),
	}
}

// Sweep removes users idle for longer than maxIdle and returns how many were
// dropped. Called by the maintenance scheduler.
func (l *Limiter) Sweep(maxIdle time.Duration) int {
	cutoff := l.clock.Now().Add(-maxIdle)
	dropped := 0

	l.users.Range(func(key, value any) bool {
		w := value.(*userWindow)
		w.mu.Lock()
		idle := w.lastSeen.Before(cutoff)
		w.mu.Unlock()
		if idle {
			l.users.Delete(key)
			dropped++
		}
		return true
	})
	return dropped
}

// dropExpired trims timestamps at or before cutoff, copying so the backing
// array does not pin expired entries.
func dropExpired(timestamps []time.Time, cutoff time.Time) []time.Time {
	firstValid := len(timestamps)
	for i, ts := range timestamps {
		if ts.After(cutoff) {
			firstValid = i
			break
		}
	}
	if firstValid == 0 {
		return timestamps
	}
	kept := make([]time.Time, len(timestamps)-firstValid)
	copy(kept, timestamps[firstValid:])
	return kept
}
