// Package timer provides a registry of cancellable one-shot timers keyed by
// purpose ("call-timeout", "typing-expiry:<conversation>", "reconnect").
// A state transition that supersedes a pending timer clears it with a single
// lookup instead of tracking ad hoc handle fields — a stale timer firing
// after its owning state has moved on is a known bug class here.
package timer

import (
	"strings"
	"sync"
	"time"
)

// Registry holds named timers. Safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{timers: make(map[string]*time.Timer)}
}

// Set schedules fn to run after d under the given key, replacing any timer
// already registered under that key. The entry removes itself on fire.
func (r *Registry) Set(key string, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if t, ok := r.timers[key]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		r.mu.Lock()
		// Only fire if we are still the registered timer for this key.
		// A replaced timer may race its own AfterFunc.
		if r.timers[key] == t {
			delete(r.timers, key)
			r.mu.Unlock()
			fn()
			return
		}
		r.mu.Unlock()
	})
	r.timers[key] = t
}

// Clear stops and removes the timer for key. Returns true if one existed.
func (r *Registry) Clear(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timers[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(r.timers, key)
	return true
}

// ClearPrefix stops and removes every timer whose key starts with prefix
// (e.g. "typing-expiry:" on disconnect). Returns the number cleared.
func (r *Registry) ClearPrefix(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, t := range r.timers {
		if strings.HasPrefix(key, prefix) {
			t.Stop()
			delete(r.timers, key)
			n++
		}
	}
	return n
}

// Active reports whether a timer is pending under key.
func (r *Registry) Active(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[key]
	return ok
}

// Close stops all timers and rejects future Set calls.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, t := range r.timers {
		t.Stop()
		delete(r.timers, key)
	}
	r.closed = true
}
