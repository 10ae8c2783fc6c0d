package transport

import (
	"sync"
	"time"
)

// breaker counts protocol/parse errors over a rolling window. Reaching the
// threshold opens it, blocking all connection attempts until the window has
// elapsed. Without this, a malformed-frame storm turns into an unbounded
// reconnect loop that amplifies server load.
type breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration

	failures  []time.Time
	openUntil time.Time
}

func newBreaker(threshold int, window time.Duration) *breaker {
	return &breaker{threshold: threshold, window: window}
}

// recordAt registers one protocol error at t. Returns true if this error
// opened the breaker (transition, not level — an already-open breaker
// returns false so the caller does not re-trigger side effects).
func (b *breaker) recordAt(t time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.Before(b.openUntil) {
		return false
	}

	// Prune entries that have rolled out of the window.
	cutoff := t.Add(-b.window)
	kept := b.failures[:0]
	for _, ft := range b.failures {
		if ft.After(cutoff) {
			kept = append(kept, ft)
		}
	}
	b.failures = append(kept, t)

	if len(b.failures) >= b.threshold {
		b.openUntil = t.Add(b.window)
		b.failures = nil
		return true
	}
	return false
}

// openAt reports whether the breaker blocks connections at t.
func (b *breaker) openAt(t time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return t.Before(b.openUntil)
}

// remainingAt returns how long the breaker stays open from t.
func (b *breaker) remainingAt(t time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.Before(b.openUntil) {
		return b.openUntil.Sub(t)
	}
	return 0
}

// reset clears the error history and closes the breaker.
func (b *breaker) reset() {
	b.mu.Lock()
	b.failures = nil
	b.openUntil = time.Time{}
	b.mu.Unlock()
}
