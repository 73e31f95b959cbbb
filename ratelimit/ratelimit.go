// Package ratelimit provides sliding-window admission control per client IP.
//
// The limiter is process-local and non-persistent; it assumes a single proxy
// process and offers no cluster coordination. A single mutex protects the
// whole request log: the critical section is a short slice eviction, which is
// cheap enough for the expected request rates. A sharded map is an allowable
// refinement if contention ever shows up in profiles.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter admits at most max requests per client IP within a sliding window.
type Limiter struct {
	max    int
	window time.Duration

	mu  sync.Mutex
	log map[string][]time.Time

	// now is the clock; tests substitute a fake to step time deterministically.
	now func() time.Time
}

// New creates a Limiter allowing max admissions per window per IP.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:    max,
		window: window,
		log:    make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Limit returns the configured per-window admission count.
func (l *Limiter) Limit() int { return l.max }

// Allow records an admission for clientIP if the window has room and returns
// (true, remaining). On denial it returns (false, 0) without recording, so a
// rejected burst does not extend its own penalty.
func (l *Limiter) Allow(clientIP string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.evictLocked(clientIP, now)

	if len(recent) >= l.max {
		return false, 0
	}

	l.log[clientIP] = append(recent, now)
	return true, l.max - (len(recent) + 1)
}

// RetryAfter returns the whole seconds until the oldest recorded admission
// for clientIP leaves the window, or 0 when the IP has no admissions. The
// value is monotonically non-increasing in real time after a denial.
func (l *Limiter) RetryAfter(clientIP string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.log[clientIP]
	if len(stamps) == 0 {
		return 0
	}

	oldest := stamps[0]
	for _, ts := range stamps[1:] {
		if ts.Before(oldest) {
			oldest = ts
		}
	}

	remaining := l.window - l.now().Sub(oldest)
	if remaining < 0 {
		return 0
	}
	return int(remaining.Seconds())
}

// Reset clears the admission log for one IP, or for every IP when clientIP
// is empty.
func (l *Limiter) Reset(clientIP string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if clientIP == "" {
		l.log = make(map[string][]time.Time)
		return
	}
	delete(l.log, clientIP)
}

// Cleanup drops IPs whose every admission has left the window, bounding the
// map's memory. Call it periodically; once per window is plenty.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for ip := range l.log {
		if len(l.evictLocked(ip, now)) == 0 {
			delete(l.log, ip)
		}
	}
}

// evictLocked removes timestamps older than the window for ip and returns
// the surviving slice. Caller holds l.mu.
func (l *Limiter) evictLocked(ip string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	stamps := l.log[ip]
	recent := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	l.log[ip] = recent
	return recent
}

// SetClock replaces the limiter's time source. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}
