// Package event is the emission boundary between the protocol core and any
// rendering layer. Subsystems publish typed domain events here; renderers,
// notification surfaces and tests subscribe. The core never touches a UI.
package event

import "sync"

// Type identifies a domain event.
type Type string

const (
	ConnectionStateChanged   Type = "connectionStateChanged"
	ConnectionQualityChanged Type = "connectionQualityChanged"
	SessionTerminated        Type = "sessionTerminated"
	MessageReceived          Type = "messageReceived"
	MessageStatusChanged     Type = "messageStatusChanged"
	PresenceChanged          Type = "presenceChanged"
	TypingChanged            Type = "typingChanged"
	CallStateChanged         Type = "callStateChanged"
	CallIncoming             Type = "callIncoming"
	CallTick                 Type = "callTick"
	Notification             Type = "notification"
)

// Event is one published domain event. Payload types are owned by the
// publishing subsystem and documented there.
type Event struct {
	Type    Type
	Payload any
}

// Bus fans events out to subscribers. Slow subscribers are skipped, never
// blocked on — publishing happens on protocol paths.
type Bus struct {
	mu        sync.RWMutex
	listeners map[chan Event]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[chan Event]struct{})}
}

// Subscribe returns a buffered channel of events and a cancel func that
// unregisters and closes it. Always call cancel when done.
func (b *Bus) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 64)

	b.mu.Lock()
	b.listeners[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.listeners[ch]; ok {
			delete(b.listeners, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers evt to every subscriber that has room in its buffer.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	for ch := range b.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.RUnlock()
}

// Close unregisters and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	for ch := range b.listeners {
		close(ch)
	}
	b.listeners = make(map[chan Event]struct{})
	b.mu.Unlock()
}
