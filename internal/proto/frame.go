package proto

import (
	"encoding/json"
	"fmt"
)

// Frame is the envelope for every message on the wire. Outbound frames that
// want an acknowledgment carry a non-zero Ack id; the server replies with an
// EventAck frame echoing the same id, with Data holding the ack payload or
// Err set on explicit rejection.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
	Err   string          `json:"error,omitempty"`
}

// EncodeFrame marshals a frame with its payload.
func EncodeFrame(event string, data any, ack uint64) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(Frame{Event: event, Data: raw, Ack: ack})
}

// DecodeFrame parses a wire frame. A frame without an event name is a
// protocol error (counted toward the transport's circuit breaker).
func DecodeFrame(b []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("parse frame: missing event")
	}
	return &f, nil
}
