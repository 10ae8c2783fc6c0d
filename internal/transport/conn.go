package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 45 * time.Second
	maxFrameBytes  = 1 << 20
	handshakeGrace = 15 * time.Second
)

// Conn is the narrow surface the Manager needs from a websocket connection.
// Production uses the gorilla adapter below; tests inject an in-memory pipe.
type Conn interface {
	// ReadMessage blocks for the next data frame.
	ReadMessage() ([]byte, error)
	// WriteMessage writes one data frame.
	WriteMessage(data []byte) error
	// Ping writes a ping control frame.
	Ping() error
	// SetPongHandler registers fn to run on each pong control frame.
	SetPongHandler(fn func())
	Close() error
}

// Dialer opens a Conn. The bearer token travels in the Authorization header.
type Dialer func(ctx context.Context, url string, header http.Header) (Conn, error)

// DialWebsocket is the production Dialer built on gorilla/websocket.
func DialWebsocket(ctx context.Context, url string, header http.Header) (Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: handshakeGrace}
	c, resp, err := d.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Status: resp.StatusCode}
		}
		return nil, err
	}
	c.SetReadLimit(maxFrameBytes)
	return &wsConn{c: c}, nil
}

// AuthError is a handshake rejection that must not be retried — redialing
// with the same bad token cannot succeed.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string { return "websocket handshake rejected: unauthorized" }

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_ = w.c.SetReadDeadline(time.Now().Add(pongWait))
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	_ = w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Ping() error {
	return w.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (w *wsConn) SetPongHandler(fn func()) {
	w.c.SetPongHandler(func(string) error {
		_ = w.c.SetReadDeadline(time.Now().Add(pongWait))
		fn()
		return nil
	})
}

func (w *wsConn) Close() error { return w.c.Close() }
