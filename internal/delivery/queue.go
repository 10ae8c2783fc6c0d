// Package delivery tracks every outbound chat message from composition to
// read receipt. Messages written while offline are queued and replayed in
// order on reconnect; per-message status only ever moves forward once the
// server has confirmed receipt.
package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/rbakker/palaver/internal/config"
	"github.com/rbakker/palaver/internal/event"
	"github.com/rbakker/palaver/internal/proto"
	"github.com/rbakker/palaver/internal/transport"
)

var ErrUnknownMessage = errors.New("delivery: unknown message")

// Status is the delivery state of one outbound message.
type Status int

const (
	StatusQueued Status = iota
	StatusSending
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// confirmed reports whether the server has acknowledged the message. From
// here on the status is monotonic — late or duplicate receipts never move
// it backwards.
func (s Status) confirmed() bool { return s == StatusSent || s == StatusDelivered || s == StatusRead }

// Message is the tracked record of one outbound message.
type Message struct {
	ClientID       string
	MessageID      string
	ConversationID string
	To             string
	Body           string
	SentAt         int64
	Status         Status
	Retries        int
	Err            string
}

// StatusChange is the payload of event.MessageStatusChanged.
type StatusChange struct {
	ClientID       string
	MessageID      string
	ConversationID string
	Status         Status
	Err            string
}

// Sender is the slice of the transport the queue needs.
type Sender interface {
	SendWithAck(eventName string, data any, fn func(transport.AckResult)) error
}

// Queue owns outbound message state. All exported methods are safe for
// concurrent use.
type Queue struct {
	cfg    config.Delivery
	userID string
	sender Sender
	bus    *event.Bus

	mu       sync.Mutex
	messages map[string]*Message // by clientID
	byMsgID  map[string]string   // server messageID -> clientID
	order    []string            // clientIDs in composition order
	live     bool
}

// NewQueue creates an empty queue. The transport starts disconnected.
func NewQueue(cfg config.Delivery, userID string, sender Sender, bus *event.Bus) *Queue {
	return &Queue{
		cfg:      cfg,
		userID:   userID,
		sender:   sender,
		bus:      bus,
		messages: make(map[string]*Message),
		byMsgID:  make(map[string]string),
	}
}

// Send composes a message. It is queued immediately and attempted right away
// when the transport is live; otherwise it waits for the next reconnect.
// Returns the clientId correlation key.
func (q *Queue) Send(conversationID, to, body string) string {
	msg := &Message{
		ClientID:       proto.NewClientID(),
		ConversationID: conversationID,
		To:             to,
		Body:           body,
		SentAt:         proto.NowMillis(),
		Status:         StatusQueued,
	}

	q.mu.Lock()
	q.messages[msg.ClientID] = msg
	q.order = append(q.order, msg.ClientID)
	live := q.live
	q.mu.Unlock()

	q.publish(msg.ClientID)
	if live {
		q.attempt(msg.ClientID)
	} else {
		log.Printf("CHAT: offline, queued %s", msg.ClientID)
	}
	return msg.ClientID
}

// Resend restarts a failed message with a fresh retry budget.
func (q *Queue) Resend(clientID string) error {
	q.mu.Lock()
	msg, ok := q.messages[clientID]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownMessage
	}
	if msg.Status != StatusFailed {
		q.mu.Unlock()
		return fmt.Errorf("delivery: %s is %s, only failed messages can be resent", clientID, msg.Status)
	}
	msg.Status = StatusQueued
	msg.Retries = 0
	msg.Err = ""
	live := q.live
	q.mu.Unlock()

	q.publish(clientID)
	if live {
		q.attempt(clientID)
	}
	return nil
}

// Message returns a copy of one tracked message.
func (q *Queue) Message(clientID string) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.messages[clientID]
	if !ok {
		return Message{}, false
	}
	return *msg, true
}

// Conversation returns copies of the tracked messages of one conversation,
// in composition order.
func (q *Queue) Conversation(conversationID string) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Message
	for _, id := range q.order {
		if msg := q.messages[id]; msg.ConversationID == conversationID {
			out = append(out, *msg)
		}
	}
	return out
}

// PendingCount returns how many messages await a send.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, msg := range q.messages {
		if msg.Status == StatusQueued {
			n++
		}
	}
	return n
}

// Connected must be called when the transport comes (back) up. Queued
// messages replay strictly in composition order.
func (q *Queue) Connected() {
	q.mu.Lock()
	q.live = true
	var replay []string
	for _, id := range q.order {
		if q.messages[id].Status == StatusQueued {
			replay = append(replay, id)
		}
	}
	q.mu.Unlock()

	if len(replay) > 0 {
		log.Printf("CHAT: replaying %d queued message(s)", len(replay))
	}
	for _, id := range replay {
		q.attempt(id)
	}
}

// Disconnected must be called when the transport drops. In-flight sends are
// requeued by their ack callbacks observing the disconnect.
func (q *Queue) Disconnected() {
	q.mu.Lock()
	q.live = false
	q.mu.Unlock()
}

// HandleDelivered processes an inbound message-delivered receipt.
func (q *Queue) HandleDelivered(r proto.DeliveryReceipt) {
	q.advance(r, StatusDelivered)
}

// HandleRead processes an inbound message-read receipt.
func (q *Queue) HandleRead(r proto.DeliveryReceipt) {
	q.advance(r, StatusRead)
}

func (q *Queue) attempt(clientID string) {
	q.mu.Lock()
	msg, ok := q.messages[clientID]
	if !ok || msg.Status != StatusQueued || !q.live {
		q.mu.Unlock()
		return
	}
	msg.Status = StatusSending
	payload := proto.ChatMessage{
		ClientID:       msg.ClientID,
		ConversationID: msg.ConversationID,
		From:           q.userID,
		To:             msg.To,
		Body:           msg.Body,
		SentAt:         msg.SentAt,
	}
	q.mu.Unlock()
	q.publish(clientID)

	err := q.sender.SendWithAck(proto.EventSendMessage, payload, func(r transport.AckResult) {
		q.onAck(clientID, r)
	})
	if err != nil {
		q.onSendFailure(clientID, err)
	}
}

func (q *Queue) onAck(clientID string, r transport.AckResult) {
	if r.Err != nil {
		q.onSendFailure(clientID, r.Err)
		return
	}

	var ack proto.MessageAck
	if r.Data != nil {
		_ = json.Unmarshal(r.Data, &ack)
	}

	q.mu.Lock()
	msg, ok := q.messages[clientID]
	if !ok {
		q.mu.Unlock()
		return
	}
	if ack.MessageID != "" {
		msg.MessageID = ack.MessageID
		q.byMsgID[ack.MessageID] = clientID
	}
	changed := q.setStatusLocked(msg, StatusSent)
	q.mu.Unlock()

	if changed {
		q.publish(clientID)
	}
}

// onSendFailure handles both explicit rejection and connection loss. Every
// failed attempt burns a retry; exhausting the budget marks the message
// failed permanently. Under budget, a lost connection puts the message back
// in the offline queue for the next reconnect, while a rejection retries
// immediately.
func (q *Queue) onSendFailure(clientID string, cause error) {
	disconnected := errors.Is(cause, transport.ErrDisconnected) || errors.Is(cause, transport.ErrNotConnected)

	q.mu.Lock()
	msg, ok := q.messages[clientID]
	if !ok || msg.Status.confirmed() {
		q.mu.Unlock()
		return
	}

	msg.Retries++
	if msg.Retries >= q.cfg.MaxRetries {
		msg.Status = StatusFailed
		msg.Err = cause.Error()
		q.mu.Unlock()
		log.Printf("CHAT: %s failed after %d attempts: %v", clientID, q.cfg.MaxRetries, cause)
		q.publish(clientID)
		q.bus.Publish(event.Event{
			Type:    event.Notification,
			Payload: fmt.Sprintf("message could not be sent: %v", cause),
		})
		return
	}
	msg.Status = StatusQueued
	retries := msg.Retries
	live := q.live
	q.mu.Unlock()

	log.Printf("CHAT: %s requeued (attempt %d): %v", clientID, retries, cause)
	q.publish(clientID)
	if live && !disconnected {
		q.attempt(clientID)
	}
}

// advance moves a message forward on a receipt. Receipts may arrive keyed by
// either id, out of order, or duplicated — regressions are logged, not
// applied.
func (q *Queue) advance(r proto.DeliveryReceipt, to Status) {
	q.mu.Lock()
	clientID := r.ClientID
	if clientID == "" {
		clientID = q.byMsgID[r.MessageID]
	}
	msg, ok := q.messages[clientID]
	if !ok {
		q.mu.Unlock()
		log.Printf("CHAT: receipt for unknown message (clientId=%q messageId=%q)", r.ClientID, r.MessageID)
		return
	}
	if msg.MessageID == "" && r.MessageID != "" {
		msg.MessageID = r.MessageID
		q.byMsgID[r.MessageID] = clientID
	}
	changed := q.setStatusLocked(msg, to)
	q.mu.Unlock()

	if changed {
		q.publish(clientID)
	}
}

// setStatusLocked applies the monotonic rule: once confirmed, status never
// moves backwards. Caller holds q.mu.
func (q *Queue) setStatusLocked(msg *Message, to Status) bool {
	if msg.Status.confirmed() && to <= msg.Status {
		if to < msg.Status {
			log.Printf("CHAT: ignoring status regression %s -> %s for %s", msg.Status, to, msg.ClientID)
		}
		return false
	}
	msg.Status = to
	return true
}

func (q *Queue) publish(clientID string) {
	q.mu.Lock()
	msg, ok := q.messages[clientID]
	if !ok {
		q.mu.Unlock()
		return
	}
	change := StatusChange{
		ClientID:       msg.ClientID,
		MessageID:      msg.MessageID,
		ConversationID: msg.ConversationID,
		Status:         msg.Status,
		Err:            msg.Err,
	}
	q.mu.Unlock()
	q.bus.Publish(event.Event{Type: event.MessageStatusChanged, Payload: change})
}
