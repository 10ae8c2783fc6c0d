// Package presence tracks who is online and who is typing. Remote statuses
// live in a local cache with a freshness window; stale entries stay readable
// (annotated stale) while a refresh is requested in the background, so the
// UI never blocks on the network for a presence dot.
package presence

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/rbakker/palaver/internal/config"
	"github.com/rbakker/palaver/internal/event"
	"github.com/rbakker/palaver/internal/proto"
	"github.com/rbakker/palaver/internal/timer"
	"github.com/rbakker/palaver/internal/transport"
)

const (
	timerHeartbeat  = "presence-heartbeat"
	typingExpiryKey = "typing-expiry:"
	typingLocalKey  = "typing-local:"
)

// Record is one user's cached presence.
type Record struct {
	UserID    string
	Status    string
	LastSeen  *int64
	UpdatedAt time.Time
}

// Change is the payload of event.PresenceChanged.
type Change struct {
	UserID   string
	Status   string
	LastSeen *int64
}

// TypingChange is the payload of event.TypingChanged.
type TypingChange struct {
	ConversationID string
	UserID         string
	Typing         bool
}

// Sender is the slice of the transport the tracker needs.
type Sender interface {
	Send(eventName string, data any) error
	SendWithAck(eventName string, data any, fn func(transport.AckResult)) error
}

// Tracker owns presence and typing state.
type Tracker struct {
	cfg    config.Presence
	userID string
	sender Sender
	bus    *event.Bus
	tmrs   *timer.Registry

	remote *gocache.Cache // userID -> Record, no TTL eviction

	mu           sync.Mutex
	localStatus  string
	live         bool
	lastTyping   map[string]time.Time       // conversationID -> last outbound typing signal
	remoteTyping map[string]map[string]bool // conversationID -> userID -> typing
}

// NewTracker creates a tracker with local status offline.
func NewTracker(cfg config.Presence, userID string, sender Sender, bus *event.Bus, tmrs *timer.Registry) *Tracker {
	return &Tracker{
		cfg:          cfg,
		userID:       userID,
		sender:       sender,
		bus:          bus,
		tmrs:         tmrs,
		remote:       gocache.New(gocache.NoExpiration, 0),
		localStatus:  proto.StatusOffline,
		lastTyping:   make(map[string]time.Time),
		remoteTyping: make(map[string]map[string]bool),
	}
}

// SetStatus publishes the local user's status. Offline stops the recurring
// heartbeat; any other status (re)starts it.
func (t *Tracker) SetStatus(status string) error {
	switch status {
	case proto.StatusOnline, proto.StatusAway, proto.StatusOffline:
	default:
		return fmt.Errorf("presence: unknown status %q", status)
	}

	t.mu.Lock()
	t.localStatus = status
	live := t.live
	t.mu.Unlock()

	if status == proto.StatusOffline {
		t.tmrs.Clear(timerHeartbeat)
	}
	if live {
		t.sendHeartbeat(0)
	}
	return nil
}

// Status returns the local user's status.
func (t *Tracker) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localStatus
}

// Remote returns a user's cached presence. stale is true when the record is
// older than the freshness window (or missing entirely); a background
// refresh is requested in that case while the cached value stays usable.
func (t *Tracker) Remote(userID string) (rec Record, stale bool) {
	v, ok := t.remote.Get(userID)
	if !ok {
		t.requestRefresh(userID)
		return Record{UserID: userID, Status: proto.StatusOffline}, true
	}
	rec = v.(Record)
	if time.Since(rec.UpdatedAt) > t.cfg.Freshness() {
		t.requestRefresh(userID)
		return rec, true
	}
	return rec, false
}

// Typing reports which users are currently typing in a conversation.
func (t *Tracker) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for userID, typing := range t.remoteTyping[conversationID] {
		if typing {
			out = append(out, userID)
		}
	}
	return out
}

// NotifyTyping signals that the local user is typing in a conversation.
// Repeated calls are throttled per conversation. Every call re-arms a
// silence timer; a full expiry window without another call sends the
// stopped-typing signal on the caller's behalf.
func (t *Tracker) NotifyTyping(conversationID string) {
	t.mu.Lock()
	if !t.live {
		t.mu.Unlock()
		return
	}
	throttled := false
	if last, ok := t.lastTyping[conversationID]; ok && time.Since(last) < t.cfg.TypingThrottle() {
		throttled = true
	} else {
		t.lastTyping[conversationID] = time.Now()
	}
	t.mu.Unlock()

	t.tmrs.Set(typingLocalKey+conversationID, t.cfg.TypingExpiry(), func() {
		t.expireLocalTyping(conversationID)
	})

	if throttled {
		return
	}
	if err := t.sender.Send(proto.EventUserTyping, proto.TypingEvent{ConversationID: conversationID}); err != nil {
		log.Printf("PRESENCE: typing signal: %v", err)
	}
}

// expireLocalTyping fires when the local user went quiet without an explicit
// NotifyStoppedTyping.
func (t *Tracker) expireLocalTyping(conversationID string) {
	t.mu.Lock()
	live := t.live
	delete(t.lastTyping, conversationID)
	t.mu.Unlock()
	if !live {
		return
	}
	if err := t.sender.Send(proto.EventUserStoppedTyping, proto.TypingEvent{ConversationID: conversationID}); err != nil {
		log.Printf("PRESENCE: stopped-typing signal: %v", err)
	}
}

// NotifyStoppedTyping signals that the local user stopped typing. Clears the
// throttle so the next keystroke signals immediately.
func (t *Tracker) NotifyStoppedTyping(conversationID string) {
	t.tmrs.Clear(typingLocalKey + conversationID)
	t.mu.Lock()
	live := t.live
	delete(t.lastTyping, conversationID)
	t.mu.Unlock()
	if !live {
		return
	}
	if err := t.sender.Send(proto.EventUserStoppedTyping, proto.TypingEvent{ConversationID: conversationID}); err != nil {
		log.Printf("PRESENCE: stopped-typing signal: %v", err)
	}
}

// Connected must be called when the transport comes up: an immediate
// heartbeat announces the local status and the recurring heartbeat starts.
func (t *Tracker) Connected() {
	t.mu.Lock()
	t.live = true
	if t.localStatus == proto.StatusOffline {
		t.localStatus = proto.StatusOnline
	}
	t.mu.Unlock()
	t.sendHeartbeat(0)
}

// Disconnected must be called when the transport drops. Remote typing state
// is cleared (it cannot be trusted across a gap); cached presence is kept
// and will read as stale once the freshness window passes.
func (t *Tracker) Disconnected() {
	t.tmrs.Clear(timerHeartbeat)
	t.tmrs.ClearPrefix(typingExpiryKey)
	t.tmrs.ClearPrefix(typingLocalKey)

	t.mu.Lock()
	t.live = false
	cleared := t.remoteTyping
	t.remoteTyping = make(map[string]map[string]bool)
	t.lastTyping = make(map[string]time.Time)
	t.mu.Unlock()

	for convID, users := range cleared {
		for userID, typing := range users {
			if typing {
				t.publishTyping(convID, userID, false)
			}
		}
	}
}

// HandlePresenceUpdate processes an inbound presence-update frame.
func (t *Tracker) HandlePresenceUpdate(data json.RawMessage) {
	var u proto.PresenceUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		log.Printf("PRESENCE: bad presence-update: %v", err)
		return
	}
	t.apply(u)
}

// HandleUserStatus returns a handler for the user-online/away/offline frames,
// which carry the status in the event name rather than the payload.
func (t *Tracker) HandleUserStatus(status string) func(json.RawMessage) {
	return func(data json.RawMessage) {
		var u proto.PresenceUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			log.Printf("PRESENCE: bad user-status frame: %v", err)
			return
		}
		u.Status = status
		t.apply(u)
	}
}

// HandleTyping processes an inbound user-typing frame. The indicator expires
// on its own if no stopped-typing frame ever arrives.
func (t *Tracker) HandleTyping(data json.RawMessage) {
	var ev proto.TypingEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.UserID == "" || ev.ConversationID == "" {
		log.Printf("PRESENCE: bad user-typing frame: %v", err)
		return
	}

	t.mu.Lock()
	users := t.remoteTyping[ev.ConversationID]
	if users == nil {
		users = make(map[string]bool)
		t.remoteTyping[ev.ConversationID] = users
	}
	wasTyping := users[ev.UserID]
	users[ev.UserID] = true
	t.mu.Unlock()

	key := typingExpiryKey + ev.ConversationID + ":" + ev.UserID
	t.tmrs.Set(key, t.cfg.TypingExpiry(), func() {
		t.clearTyping(ev.ConversationID, ev.UserID)
	})

	if !wasTyping {
		t.publishTyping(ev.ConversationID, ev.UserID, true)
	}
}

// HandleStoppedTyping processes an inbound user-stopped-typing frame.
func (t *Tracker) HandleStoppedTyping(data json.RawMessage) {
	var ev proto.TypingEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.UserID == "" || ev.ConversationID == "" {
		return
	}
	t.tmrs.Clear(typingExpiryKey + ev.ConversationID + ":" + ev.UserID)
	t.clearTyping(ev.ConversationID, ev.UserID)
}

// ── internal ────────────────────────────────────────────────────────────────

// sendHeartbeat publishes the local status. On a dropped connection it
// retries up to the configured budget; the reconnect heartbeat covers the
// rest. The server may batch presence updates for other users onto the ack.
func (t *Tracker) sendHeartbeat(attempt int) {
	t.mu.Lock()
	status := t.localStatus
	live := t.live
	t.mu.Unlock()
	if !live {
		return
	}

	hb := proto.PresenceHeartbeat{Status: status, TS: proto.NowMillis()}
	err := t.sender.SendWithAck(proto.EventPresenceHeartbeat, hb, func(r transport.AckResult) {
		if r.Err != nil {
			if attempt < t.cfg.PublishRetries {
				t.sendHeartbeat(attempt + 1)
			} else {
				log.Printf("PRESENCE: heartbeat failed after %d attempts: %v", attempt+1, r.Err)
			}
			return
		}
		var ack proto.PresenceAck
		if r.Data != nil {
			_ = json.Unmarshal(r.Data, &ack)
		}
		for _, u := range ack.Updates {
			t.apply(u)
		}
	})
	if err != nil {
		log.Printf("PRESENCE: heartbeat: %v", err)
	}

	if status != proto.StatusOffline {
		t.tmrs.Set(timerHeartbeat, t.cfg.Heartbeat(), func() { t.sendHeartbeat(0) })
	}
}

func (t *Tracker) apply(u proto.PresenceUpdate) {
	if u.UserID == "" || u.UserID == t.userID {
		return
	}
	switch u.Status {
	case proto.StatusOnline, proto.StatusAway, proto.StatusOffline:
	default:
		log.Printf("PRESENCE: unknown status %q for %s", u.Status, u.UserID)
		return
	}

	prev, had := t.remote.Get(u.UserID)
	rec := Record{UserID: u.UserID, Status: u.Status, LastSeen: u.LastSeen, UpdatedAt: time.Now()}
	t.remote.Set(u.UserID, rec, gocache.NoExpiration)

	if !had || prev.(Record).Status != u.Status {
		t.bus.Publish(event.Event{
			Type:    event.PresenceChanged,
			Payload: Change{UserID: u.UserID, Status: u.Status, LastSeen: u.LastSeen},
		})
	}
}

// requestRefresh asks the server to push a fresh update for userID. Fire and
// forget; failure just means the record stays stale a little longer.
func (t *Tracker) requestRefresh(userID string) {
	t.mu.Lock()
	live := t.live
	t.mu.Unlock()
	if !live {
		return
	}
	go func() {
		if err := t.sender.Send(proto.EventPresenceRequest, proto.PresenceRequest{UserID: userID}); err != nil {
			log.Printf("PRESENCE: refresh request for %s: %v", userID, err)
		}
	}()
}

func (t *Tracker) clearTyping(conversationID, userID string) {
	t.mu.Lock()
	users := t.remoteTyping[conversationID]
	wasTyping := users[userID]
	if users != nil {
		delete(users, userID)
		if len(users) == 0 {
			delete(t.remoteTyping, conversationID)
		}
	}
	t.mu.Unlock()
	if wasTyping {
		t.publishTyping(conversationID, userID, false)
	}
}

func (t *Tracker) publishTyping(conversationID, userID string, typing bool) {
	t.bus.Publish(event.Event{
		Type:    event.TypingChanged,
		Payload: TypingChange{ConversationID: conversationID, UserID: userID, Typing: typing},
	})
}
