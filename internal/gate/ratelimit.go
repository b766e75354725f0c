package gate

import (
	"sync"
	"time"
)

// rateState tracks one IP's request count within the current fixed window.
type rateState struct {
	count       int
	windowStart time.Time
}

// rateLimiter implements fixed-window counting per client IP. Stale entries
// are evicted lazily during checks; there is no background reaper.
type rateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	states    map[string]*rateState
	lastSweep time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		states: make(map[string]*rateState),
	}
}

// allow records one request for ip and reports whether it is within the
// limit. A denied request does not reset the window. A limit of zero
// disables rate limiting entirely.
func (l *rateLimiter) allow(ip string) bool {
	if l.limit <= 0 {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked(now)

	state, ok := l.states[ip]
	if !ok || now.Sub(state.windowStart) >= l.window {
		l.states[ip] = &rateState{count: 1, windowStart: now}
		return true
	}
	if state.count >= l.limit {
		return false
	}
	state.count++
	return true
}

// sweepLocked drops entries whose window has fully elapsed. Runs at most once
// per window so the hot path stays an increment-and-compare.
func (l *rateLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for ip, state := range l.states {
		if now.Sub(state.windowStart) >= l.window {
			delete(l.states, ip)
		}
	}
}
