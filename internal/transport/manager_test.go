package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rbakker/palaver/internal/config"
	"github.com/rbakker/palaver/internal/event"
	"github.com/rbakker/palaver/internal/proto"
	"github.com/rbakker/palaver/internal/timer"
)

// fakeConn is an in-memory Conn driven by the test acting as the server.
type fakeConn struct {
	in     chan []byte
	writes chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 32),
		writes: make(chan []byte, 32),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-f.in:
		return b, nil
	case <-f.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-f.closed:
		return errors.New("use of closed connection")
	default:
	}
	f.writes <- data
	return nil
}

func (f *fakeConn) Ping() error            { return nil }
func (f *fakeConn) SetPongHandler(func())  {}
func (f *fakeConn) Close() error           { f.once.Do(func() { close(f.closed) }); return nil }

// push injects a server frame into the read loop.
func (f *fakeConn) push(t *testing.T, eventName string, data any, ack uint64) {
	t.Helper()
	b, err := proto.EncodeFrame(eventName, data, ack)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.in <- b
}

// pushAck replies to an outbound ack id.
func (f *fakeConn) pushAck(t *testing.T, ack uint64, data any, errMsg string) {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		raw = b
	}
	b, err := json.Marshal(proto.Frame{Event: proto.EventAck, Data: raw, Ack: ack, Err: errMsg})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	f.in <- b
}

// nextWrite decodes the next outbound frame or fails after a timeout.
func (f *fakeConn) nextWrite(t *testing.T) *proto.Frame {
	t.Helper()
	select {
	case b := <-f.writes:
		fr, err := proto.DecodeFrame(b)
		if err != nil {
			t.Fatalf("decode outbound: %v", err)
		}
		return fr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

// fakeDialer scripts successive dial outcomes. A nil entry means failure.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	calls int
}

func (d *fakeDialer) dial(_ context.Context, _ string, _ http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i >= len(d.conns) || d.conns[i] == nil {
		return nil, errors.New("dial refused")
	}
	return d.conns[i], nil
}

func (d *fakeDialer) dialCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func testTransportConfig() config.Transport {
	return config.Transport{
		BackoffBaseMs:        10,
		BackoffMaxMs:         50,
		MaxReconnectAttempts: 3,
		CooldownSec:          1,
		BreakerThreshold:     3,
		BreakerWindowSec:     1,
		HeartbeatSec:         3600,
		StalenessSec:         7200,
		PingSec:              3600,
		QualityWindow:        4,
	}
}

func newTestManager(t *testing.T, d *fakeDialer) (*Manager, *event.Bus) {
	t.Helper()
	bus := event.NewBus()
	tmrs := timer.NewRegistry()
	sess := config.Session{ServerURL: "ws://example.test/events", Token: "tok", UserID: "alice"}
	m := New(testTransportConfig(), sess, bus, tmrs, d.dial)
	t.Cleanup(func() {
		m.Close()
		tmrs.Close()
		bus.Close()
	})
	return m, bus
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectSendAndDispatch(t *testing.T) {
	c := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{c}}
	m, _ := newTestManager(t, d)

	var mu sync.Mutex
	var got []string
	m.On("chat:message", func(data json.RawMessage) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if s := m.State(); s != StateConnected {
		t.Fatalf("state = %s, want connected", s)
	}
	// Connect again is a no-op.
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if d.dialCalls() != 1 {
		t.Fatalf("dial calls = %d, want 1", d.dialCalls())
	}

	c.push(t, "chat:message", map[string]string{"text": "hi"}, 0)
	waitFor(t, "handler dispatch", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	if err := m.Send("presence:heartbeat", map[string]string{"status": "online"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	fr := c.nextWrite(t)
	if fr.Event != "presence:heartbeat" {
		t.Fatalf("outbound event = %q", fr.Event)
	}
}

func TestSendRequiresConnection(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)
	if err := m.Send("x", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestAckRoundTrip(t *testing.T) {
	c := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{c}}
	m, _ := newTestManager(t, d)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	results := make(chan AckResult, 2)
	if err := m.SendWithAck("message:send", map[string]string{"text": "hi"}, func(r AckResult) {
		results <- r
	}); err != nil {
		t.Fatalf("send with ack: %v", err)
	}
	fr := c.nextWrite(t)
	if fr.Ack == 0 {
		t.Fatal("outbound frame missing ack id")
	}
	c.pushAck(t, fr.Ack, map[string]string{"messageId": "m1"}, "")

	select {
	case r := <-results:
		if r.Err != nil {
			t.Fatalf("ack err = %v", r.Err)
		}
		if r.Data == nil {
			t.Fatal("ack carried no data")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ack callback never fired")
	}

	// Explicit rejection surfaces as an error on the callback.
	if err := m.SendWithAck("message:send", nil, func(r AckResult) { results <- r }); err != nil {
		t.Fatalf("send with ack: %v", err)
	}
	fr = c.nextWrite(t)
	c.pushAck(t, fr.Ack, nil, "payload too large")
	select {
	case r := <-results:
		if r.Err == nil {
			t.Fatal("want rejection error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rejection callback never fired")
	}
}

func TestPendingAcksFailOnDisconnect(t *testing.T) {
	c1 := newFakeConn()
	c2 := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{c1, c2}}
	m, _ := newTestManager(t, d)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	results := make(chan AckResult, 1)
	if err := m.SendWithAck("message:send", nil, func(r AckResult) { results <- r }); err != nil {
		t.Fatalf("send with ack: %v", err)
	}
	c1.Close()

	select {
	case r := <-results:
		if !errors.Is(r.Err, ErrDisconnected) {
			t.Fatalf("err = %v, want ErrDisconnected", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending ack never failed")
	}
}

func TestReconnectWithBackoff(t *testing.T) {
	c := newFakeConn()
	// Two refused dials, then success.
	d := &fakeDialer{conns: []*fakeConn{nil, nil, c}}
	m, _ := newTestManager(t, d)

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("first connect should fail")
	}
	if m.ReconnectAttempts() < 1 {
		t.Fatal("failed connect should count an attempt")
	}

	waitFor(t, "reconnect", func() bool { return m.State() == StateConnected })
	if d.dialCalls() != 3 {
		t.Fatalf("dial calls = %d, want 3", d.dialCalls())
	}
	if m.ReconnectAttempts() != 0 {
		t.Fatal("attempt counter should reset on success")
	}
}

func TestCooldownAfterExhaustedAttempts(t *testing.T) {
	d := &fakeDialer{} // every dial refused
	m, _ := newTestManager(t, d)

	m.Connect(context.Background())
	// 3 attempts allowed; the 4th failure starts the cooldown.
	waitFor(t, "cooldown", func() bool {
		return m.State() == StateDisconnected && d.dialCalls() >= 4
	})
	if m.ReconnectAttempts() != 0 {
		t.Fatal("counter should reset when cooldown starts")
	}
	if err := m.Connect(context.Background()); !errors.Is(err, ErrCoolingDown) {
		t.Fatalf("err = %v, want ErrCoolingDown", err)
	}
}

func TestAuthFailureTerminatesSession(t *testing.T) {
	d := &fakeDialer{}
	bus := event.NewBus()
	tmrs := timer.NewRegistry()
	sess := config.Session{ServerURL: "ws://example.test/events", Token: "bad", UserID: "alice"}
	authDial := func(context.Context, string, http.Header) (Conn, error) {
		return nil, &AuthError{Status: http.StatusUnauthorized}
	}
	m := New(testTransportConfig(), sess, bus, tmrs, authDial)
	t.Cleanup(func() { m.Close(); tmrs.Close(); bus.Close() })

	events, cancel := bus.Subscribe()
	defer cancel()

	var authErr *AuthError
	if err := m.Connect(context.Background()); !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthError", err)
	}

	select {
	case e := <-events:
		if e.Type != event.SessionTerminated {
			t.Fatalf("event = %s, want sessionTerminated", e.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no sessionTerminated event")
	}

	// No retry, ever.
	if err := m.Connect(context.Background()); !errors.Is(err, ErrSessionTerminated) {
		t.Fatalf("err = %v, want ErrSessionTerminated", err)
	}
	if d.dialCalls() != 0 {
		t.Fatal("terminated session must not redial")
	}
}

func TestFatalConnectErrorFrame(t *testing.T) {
	c := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{c}}
	m, bus := newTestManager(t, d)
	events, cancel := bus.Subscribe()
	defer cancel()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.push(t, proto.EventConnectError, proto.ConnectError{Code: proto.CodeAuth, Reason: "token revoked"}, 0)

	waitFor(t, "session termination", func() bool { return m.State() == StateDisconnected })
	var terminated bool
	for !terminated {
		select {
		case e := <-events:
			if e.Type == event.SessionTerminated {
				terminated = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no sessionTerminated event")
		}
	}
}

func TestBreakerTripsOnProtocolErrors(t *testing.T) {
	c := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{c, newFakeConn()}}
	m, _ := newTestManager(t, d)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Two malformed frames do not trip a threshold of three.
	c.in <- []byte("not json")
	c.in <- []byte(`{"data":{}}`)
	time.Sleep(50 * time.Millisecond)
	if s := m.State(); s != StateConnected {
		t.Fatalf("state = %s, want connected after 2 errors", s)
	}

	c.in <- []byte("garbage")
	waitFor(t, "breaker open", func() bool { return m.State() == StateCircuitOpen })

	if err := m.Connect(context.Background()); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}

	// After the 1s window the breaker resets and one reconnect happens.
	waitFor(t, "auto reconnect after breaker window", func() bool {
		return m.State() == StateConnected
	})
	if d.dialCalls() != 2 {
		t.Fatalf("dial calls = %d, want 2", d.dialCalls())
	}
}

func TestQualityDegradesAndRecovers(t *testing.T) {
	c := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{c}}
	m, bus := newTestManager(t, d)
	events, cancel := bus.Subscribe()
	defer cancel()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Median over the 4-sample window crosses into critical.
	for i := 0; i < 4; i++ {
		m.recordRTT(2 * time.Second)
	}
	if q := m.Quality(); q != QualityCritical {
		t.Fatalf("quality = %s, want critical", q)
	}
	if s := m.State(); s != StateDegraded {
		t.Fatalf("state = %s, want degraded", s)
	}

	// Fast samples push the median back down and restore the state.
	for i := 0; i < 4; i++ {
		m.recordRTT(20 * time.Millisecond)
	}
	if q := m.Quality(); q != QualityExcellent {
		t.Fatalf("quality = %s, want excellent", q)
	}
	if s := m.State(); s != StateConnected {
		t.Fatalf("state = %s, want connected", s)
	}

	// Quality is published on bucket changes only, never per sample.
	changes := 0
	for done := false; !done; {
		select {
		case e := <-events:
			if e.Type == event.ConnectionQualityChanged {
				changes++
			}
		default:
			done = true
		}
	}
	if changes < 2 || changes > 6 {
		t.Fatalf("quality change events = %d, want one per bucket crossing", changes)
	}
}
