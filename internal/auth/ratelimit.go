package auth

import (
	"sync"
	"time"

	"github.com/Will-Luck/CTF-Warden/internal/clock"
)

// Limiter enforces a per-account request budget over a sliding window.
// Container requests are expensive; the budget keeps one account from
// monopolizing the daemon.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clk     clock.Clock
	history map[uint][]time.Time
}

// NewLimiter creates a Limiter allowing limit calls per window per account.
func NewLimiter(limit int, window time.Duration, clk clock.Clock) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  window,
		clk:     clk,
		history: make(map[uint][]time.Time),
	}
}

// Allow records one call for the account and reports whether it fit the
// budget. Denied calls are not recorded, so a throttled client recovers as
// soon as old calls age out.
func (l *Limiter) Allow(accountID uint) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	cutoff := now.Add(-l.window)

	kept := l.history[accountID][:0]
	for _, t := range l.history[accountID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.limit {
		l.history[accountID] = kept
		return false
	}
	l.history[accountID] = append(kept, now)
	return true
}

// Cleanup drops accounts whose entire history has aged out. Call
// periodically; Allow only prunes the account it touches.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clk.Now().Add(-l.window)
	for id, hist := range l.history {
		stale := true
		for _, t := range hist {
			if t.After(cutoff) {
				stale = false
				break
			}
		}
		if stale {
			delete(l.history, id)
		}
	}
}
