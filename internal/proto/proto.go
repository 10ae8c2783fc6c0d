// Package proto defines the wire vocabulary of the duplex event channel:
// the frame envelope, event names, and the payload structs exchanged with
// the server. It is imported by every subsystem but imports none of them.
package proto

import (
	"time"

	"github.com/google/uuid"
)

// Event names carried in Frame.Event. One vocabulary for calls (call:*).
const (
	// Server-pushed connection lifecycle.
	EventConnectError = "connect_error"

	// Messaging.
	EventSendMessage      = "send-message"
	EventMessageReceived  = "message-received"
	EventMessageDelivered = "message-delivered"
	EventMessageRead      = "message-read"

	// Presence.
	EventPresenceHeartbeat = "presence-heartbeat"
	EventPresenceUpdate    = "presence-update"
	EventPresenceRequest   = "presence-request"
	EventUserOnline        = "user-online"
	EventUserAway          = "user-away"
	EventUserOffline       = "user-offline"

	// Typing indicators.
	EventUserTyping        = "user-typing"
	EventUserStoppedTyping = "user-stopped-typing"

	// Call signaling.
	EventCallInitiate     = "call:initiate"
	EventCallAccept       = "call:accept"
	EventCallDecline      = "call:decline"
	EventCallBusy         = "call:busy"
	EventCallICECandidate = "call:ice-candidate"
	EventCallEnd          = "call:end"
	EventCallMissed       = "call:missed"

	// Frame-level acknowledgment (Frame.Ack echoes the request id).
	EventAck = "ack"
)

// Presence status values.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusOffline = "offline"
)

// Media types for call:initiate.
const (
	MediaAudio = "audio"
	MediaVideo = "video"
)

// ConnectError codes the server may attach to connect_error frames.
// CodeAuth is fatal to the session — retrying with a bad token cannot succeed.
const (
	CodeAuth = "auth"
)

// ConnectError is the payload of a connect_error frame.
type ConnectError struct {
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Fatal reports whether the error must terminate the session without retry.
func (e ConnectError) Fatal() bool { return e.Code == CodeAuth }

// ChatMessage is the payload of send-message and message-received.
// ClientID is the correlation key every later status event must echo back;
// it is the only reliable join key until the server assigns MessageID.
type ChatMessage struct {
	ClientID       string `json:"clientId"`
	MessageID      string `json:"messageId,omitempty"`
	ConversationID string `json:"conversationId"`
	From           string `json:"from,omitempty"`
	To             string `json:"to,omitempty"`
	Body           string `json:"body"`
	SentAt         int64  `json:"sentAt"`
}

// MessageAck is the ack payload for send-message.
type MessageAck struct {
	ClientID  string `json:"clientId"`
	MessageID string `json:"messageId,omitempty"`
}

// DeliveryReceipt is the payload of message-delivered and message-read.
type DeliveryReceipt struct {
	ClientID  string `json:"clientId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	TS        int64  `json:"ts,omitempty"`
}

// PresenceHeartbeat is the payload of presence-heartbeat.
type PresenceHeartbeat struct {
	Status string `json:"status"`
	TS     int64  `json:"ts"`
}

// PresenceAck is the ack payload for presence-heartbeat. The server may batch
// presence changes for other users onto the heartbeat response.
type PresenceAck struct {
	Updates []PresenceUpdate `json:"presenceUpdates,omitempty"`
}

// PresenceUpdate is the payload of presence-update and user-online/away/offline.
type PresenceUpdate struct {
	UserID   string `json:"userId"`
	Status   string `json:"status"`
	LastSeen *int64 `json:"lastSeen,omitempty"`
	TS       int64  `json:"ts,omitempty"`
}

// PresenceRequest asks the server to push a fresh presence-update for a user.
type PresenceRequest struct {
	UserID string `json:"userId"`
}

// TypingEvent is the payload of user-typing and user-stopped-typing.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
}

// ICECandidate mirrors the fields of a trickled ICE candidate.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// CallInitiate is the payload of call:initiate. Offer carries the SDP.
type CallInitiate struct {
	CallID    string `json:"callId"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	MediaType string `json:"type"`
	Offer     string `json:"offer"`
}

// CallAccept is the payload of call:accept. Answer carries the SDP.
type CallAccept struct {
	CallID string `json:"callId"`
	From   string `json:"from,omitempty"`
	Answer string `json:"answer"`
}

// CallDecline is the payload of call:decline.
type CallDecline struct {
	CallID string `json:"callId"`
	From   string `json:"from,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// CallBusy is the payload of call:busy.
type CallBusy struct {
	CallID string `json:"callId"`
	From   string `json:"from,omitempty"`
}

// CallICE is the payload of call:ice-candidate.
type CallICE struct {
	CallID    string       `json:"callId"`
	From      string       `json:"from,omitempty"`
	Candidate ICECandidate `json:"candidate"`
}

// CallEnd is the payload of call:end.
type CallEnd struct {
	CallID string `json:"callId"`
	From   string `json:"from,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// CallMissed is the payload of call:missed.
type CallMissed struct {
	CallID string `json:"callId"`
}

// NewClientID returns a session-unique correlation id for an outbound message.
func NewClientID() string { return "msg-" + uuid.NewString() }

// NewCallID returns a unique id for one call attempt.
func NewCallID() string { return "call-" + uuid.NewString() }

// NowMillis returns the current wall clock in Unix milliseconds.
func NowMillis() int64 { return time.Now().UnixMilli() }
