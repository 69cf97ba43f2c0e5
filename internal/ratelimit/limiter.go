package ratelimit

import (
	"sync"
	"time"

	"github.com/spec-kit/session-service/internal/clock"
)

// Policy is the quota for one operation class.
type Policy struct {
	MaxRequests int
	Window      time.Duration
}

// Info is the quota state reported to callers after a check.
type Info struct {
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Limited   bool      `json:"limited"`
}

// Limiter is a sliding-window request gate. State lives in process memory only,
// so every instance enforces its own quota.
type Limiter struct {
	name   string
	policy Policy
	clock  clock.Clock

	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewLimiter builds a limiter for a named operation class.
func NewLimiter(name string, policy Policy, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real()
	}
	if policy.MaxRequests <= 0 {
		policy.MaxRequests = 1
	}
	if policy.Window <= 0 {
		policy.Window = time.Minute
	}
	return &Limiter{
		name:    name,
		policy:  policy,
		clock:   clk,
		windows: make(map[string][]time.Time),
	}
}

// Name returns the operation class.
func (l *Limiter) Name() string {
	return l.name
}

// Policy returns the configured quota.
func (l *Limiter) Policy() Policy {
	return l.policy
}

// Allow records a request for key and reports whether it was admitted.
// A denied request does not consume quota.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	timestamps := l.pruneLocked(key, now)
	if len(timestamps) >= l.policy.MaxRequests {
		return false
	}
	l.windows[key] = append(timestamps, now)
	return true
}

// Check is Allow plus the resulting quota state.
func (l *Limiter) Check(key string) (bool, Info) {
	allowed := l.Allow(key)
	info := l.Info(key)
	info.Limited = !allowed
	return allowed, info
}

// Remaining returns how many requests key may still make in the current window.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := l.policy.MaxRequests - len(l.pruneLocked(key, l.clock.Now()))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ResetTime returns the instant the window next admits a request for key.
func (l *Limiter) ResetTime(key string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	timestamps := l.pruneLocked(key, now)
	if len(timestamps) == 0 {
		return now
	}
	return timestamps[0].Add(l.policy.Window)
}

// Info returns remaining quota and reset time without recording a request.
func (l *Limiter) Info(key string) Info {
	return Info{Remaining: l.Remaining(key), ResetAt: l.ResetTime(key)}
}

// Clear drops the window for the given keys, or every window when none are given.
func (l *Limiter) Clear(keys ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(keys) == 0 {
		l.windows = make(map[string][]time.Time)
		return
	}
	for _, key := range keys {
		delete(l.windows, key)
	}
}

// Sweep drops every key whose newest request has left the window and
// returns how many keys it removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-l.policy.Window)
	removed := 0
	for key, timestamps := range l.windows {
		if len(timestamps) == 0 || !timestamps[len(timestamps)-1].After(cutoff) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Len reports how many keys currently hold a window.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// pruneLocked keeps only timestamps inside (now-window, now].
func (l *Limiter) pruneLocked(key string, now time.Time) []time.Time {
	timestamps, ok := l.windows[key]
	if !ok {
		return nil
	}
	cutoff := now.Add(-l.policy.Window)
	first := 0
	for first < len(timestamps) && !timestamps[first].After(cutoff) {
		first++
	}
	if first == len(timestamps) {
		delete(l.windows, key)
		return nil
	}
	if first > 0 {
		timestamps = append([]time.Time(nil), timestamps[first:]...)
		l.windows[key] = timestamps
	}
	return timestamps
}
