// Package transport owns the one logical duplex event connection to the
// server: connect/disconnect lifecycle, heartbeats, reconnection backoff,
// and a circuit breaker against malformed-frame storms. Everything else in
// the client sends and receives through this Manager.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rbakker/palaver/internal/config"
	"github.com/rbakker/palaver/internal/event"
	"github.com/rbakker/palaver/internal/proto"
	"github.com/rbakker/palaver/internal/timer"
	"github.com/rbakker/palaver/internal/util"
)

var (
	ErrBreakerOpen       = errors.New("transport: circuit breaker open")
	ErrCoolingDown       = errors.New("transport: in post-error cooldown")
	ErrNotConnected      = errors.New("transport: not connected")
	ErrClosed            = errors.New("transport: closed")
	ErrDisconnected      = errors.New("transport: connection lost before acknowledgment")
	ErrSessionTerminated = errors.New("transport: session terminated")
)

// Timer registry keys.
const (
	timerReconnect       = "reconnect"
	timerBreakerCooldown = "breaker-cooldown"
	timerPing            = "ping"
	timerHeartbeat       = "heartbeat"
)

// AckResult is handed to the callback of SendWithAck. Err is set on explicit
// server rejection or when the connection was lost before the ack arrived.
type AckResult struct {
	Data json.RawMessage
	RTT  time.Duration
	Err  error
}

type pendingAck struct {
	fn     func(AckResult)
	sentAt time.Time
}

// Handler receives the raw payload of one inbound frame. Handlers run on the
// read loop, so inbound events for one connection are dispatched in arrival
// order — subsystems that need ordering (ICE, message replay) rely on this.
type Handler func(data json.RawMessage)

// Manager is the sole owner of the wire connection.
type Manager struct {
	sess config.Session
	bus  *event.Bus
	tmrs *timer.Registry
	dial Dialer

	mu            sync.Mutex
	cfg           config.Transport
	state         State
	quality       Quality
	conn          Conn
	attempts      int
	lastActivity  time.Time
	lastHeartbeat time.Time
	lastPing      time.Time
	cooldownUntil time.Time
	fatal         bool
	closed        bool

	handlerMu sync.RWMutex
	handlers  map[string][]Handler

	ackMu   sync.Mutex
	nextAck uint64
	pending map[uint64]pendingAck

	writeMu sync.Mutex

	breaker *breaker
	rtt     *util.RingBuffer[time.Duration]
}

// New creates a Manager. dial may be nil to use the gorilla websocket dialer.
func New(cfg config.Transport, sess config.Session, bus *event.Bus, tmrs *timer.Registry, dial Dialer) *Manager {
	if dial == nil {
		dial = DialWebsocket
	}
	return &Manager{
		sess:     sess,
		bus:      bus,
		tmrs:     tmrs,
		dial:     dial,
		cfg:      cfg,
		state:    StateDisconnected,
		quality:  QualityExcellent,
		handlers: make(map[string][]Handler),
		pending:  make(map[uint64]pendingAck),
		breaker:  newBreaker(cfg.BreakerThreshold, cfg.BreakerWindow()),
		rtt:      util.NewRingBuffer[time.Duration](cfg.QualityWindow),
	}
}

// On registers a handler for inbound frames with the given event name.
// Registration is not synchronized with dispatch — register before Connect.
func (m *Manager) On(eventName string, fn Handler) {
	m.handlerMu.Lock()
	m.handlers[eventName] = append(m.handlers[eventName], fn)
	m.handlerMu.Unlock()
}

// Connect establishes the connection. No-op when already connected or a
// connect is in flight. Refuses while the circuit breaker is open or within
// the post-exhaustion cooldown window.
func (m *Manager) Connect(ctx context.Context) error {
	now := time.Now()

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.fatal:
		m.mu.Unlock()
		return ErrSessionTerminated
	case m.state.live() || m.state == StateConnecting:
		m.mu.Unlock()
		return nil
	}
	if m.breaker.openAt(now) {
		m.mu.Unlock()
		return ErrBreakerOpen
	}
	if now.Before(m.cooldownUntil) {
		m.mu.Unlock()
		return ErrCoolingDown
	}
	// Retry attempts arrive here already in StateReconnecting; keep it.
	if m.state != StateReconnecting {
		m.setStateLocked(StateConnecting)
	}
	url, token := m.sess.ServerURL, m.sess.Token
	m.mu.Unlock()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, err := m.dial(ctx, url, header)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			// Retrying with a bad token cannot succeed — kill the session.
			m.terminate(nil, "invalid or expired token")
			return err
		}
		log.Printf("TRANSPORT: connect failed: %v", err)
		m.scheduleReconnect()
		return err
	}

	m.mu.Lock()
	if m.closed || m.fatal {
		m.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	m.conn = conn
	m.attempts = 0
	m.lastActivity = time.Now()
	m.setStateLocked(StateConnected)
	m.mu.Unlock()
	m.setQuality(QualityExcellent, 0)
	m.rtt.Reset()

	conn.SetPongHandler(func() { m.onPong(conn) })
	go m.readLoop(conn)
	m.schedulePing(conn)
	m.scheduleHeartbeat()

	log.Printf("TRANSPORT: connected to %s", url)
	return nil
}

// Disconnect closes the connection deliberately. No reconnect is scheduled;
// Connect may be called again later.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	if m.state != StateDisconnected {
		m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()

	m.tmrs.Clear(timerReconnect)
	m.tmrs.Clear(timerPing)
	m.tmrs.Clear(timerHeartbeat)
	if c != nil {
		c.Close()
		log.Printf("TRANSPORT: disconnected")
	}
	m.failPending(ErrDisconnected)
}

// Close shuts the Manager down permanently.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.tmrs.Clear(timerBreakerCooldown)
	m.Disconnect()
}

// Send writes one fire-and-forget frame.
func (m *Manager) Send(eventName string, data any) error {
	c, err := m.liveConn()
	if err != nil {
		return err
	}
	b, err := proto.EncodeFrame(eventName, data, 0)
	if err != nil {
		return err
	}
	return m.write(c, b)
}

// SendWithAck writes a frame carrying an ack id and invokes fn exactly once:
// with the server's ack payload, with a rejection error, or with
// ErrDisconnected if the connection drops first.
func (m *Manager) SendWithAck(eventName string, data any, fn func(AckResult)) error {
	c, err := m.liveConn()
	if err != nil {
		return err
	}

	m.ackMu.Lock()
	m.nextAck++
	id := m.nextAck
	m.pending[id] = pendingAck{fn: fn, sentAt: time.Now()}
	m.ackMu.Unlock()

	b, err := proto.EncodeFrame(eventName, data, id)
	if err != nil {
		m.dropPending(id)
		return err
	}
	if err := m.write(c, b); err != nil {
		m.dropPending(id)
		return err
	}
	return nil
}

// State returns the connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Quality returns the current latency bucket.
func (m *Manager) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// ReconnectAttempts returns the current failed-attempt count.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// UpdateConfig applies reloaded tuning parameters. The breaker is rebuilt
// with the new threshold/window; its error history starts fresh.
func (m *Manager) UpdateConfig(cfg config.Transport) {
	m.mu.Lock()
	m.cfg = cfg
	m.breaker = newBreaker(cfg.BreakerThreshold, cfg.BreakerWindow())
	m.mu.Unlock()
	log.Printf("TRANSPORT: config updated (breaker %d/%s)", cfg.BreakerThreshold, cfg.BreakerWindow())
}

// ── internal ────────────────────────────────────────────────────────────────

func (m *Manager) brk() *breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breaker
}

func (m *Manager) liveConn() (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.fatal {
		return nil, ErrSessionTerminated
	}
	if !m.state.live() || m.conn == nil {
		return nil, ErrNotConnected
	}
	return m.conn, nil
}

func (m *Manager) write(c Conn, b []byte) error {
	m.writeMu.Lock()
	err := c.WriteMessage(b)
	m.writeMu.Unlock()
	if err != nil {
		m.handleDisconnect(c, err)
		return fmt.Errorf("transport write: %w", err)
	}
	return nil
}

func (m *Manager) readLoop(c Conn) {
	for {
		data, err := c.ReadMessage()
		if err != nil {
			m.handleDisconnect(c, err)
			return
		}
		m.touch()

		f, perr := proto.DecodeFrame(data)
		if perr != nil {
			log.Printf("TRANSPORT: protocol error: %v", perr)
			if m.brk().recordAt(time.Now()) {
				m.tripBreaker(c)
				return
			}
			continue
		}

		switch f.Event {
		case proto.EventAck:
			m.resolveAck(f)
		case proto.EventConnectError:
			m.handleConnectError(c, f)
			return
		default:
			m.dispatch(f)
		}
	}
}

func (m *Manager) dispatch(f *proto.Frame) {
	m.handlerMu.RLock()
	hs := m.handlers[f.Event]
	m.handlerMu.RUnlock()
	for _, fn := range hs {
		fn(f.Data)
	}
}

func (m *Manager) resolveAck(f *proto.Frame) {
	m.ackMu.Lock()
	pa, ok := m.pending[f.Ack]
	if ok {
		delete(m.pending, f.Ack)
	}
	m.ackMu.Unlock()
	if !ok {
		return
	}

	rtt := time.Since(pa.sentAt)
	m.recordRTT(rtt)

	res := AckResult{Data: f.Data, RTT: rtt}
	if f.Err != "" {
		res.Err = fmt.Errorf("server rejected: %s", f.Err)
	}
	pa.fn(res)
}

func (m *Manager) dropPending(id uint64) {
	m.ackMu.Lock()
	delete(m.pending, id)
	m.ackMu.Unlock()
}

func (m *Manager) failPending(err error) {
	m.ackMu.Lock()
	pending := m.pending
	m.pending = make(map[uint64]pendingAck)
	m.ackMu.Unlock()
	for _, pa := range pending {
		pa.fn(AckResult{Err: err})
	}
}

// handleDisconnect reacts to a broken connection. Only the currently owned
// conn may trigger it — a stale read loop from a replaced connection is a
// no-op.
func (m *Manager) handleDisconnect(c Conn, cause error) {
	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	done := m.closed || m.fatal
	m.mu.Unlock()

	c.Close()
	m.tmrs.Clear(timerPing)
	m.tmrs.Clear(timerHeartbeat)
	m.failPending(ErrDisconnected)

	if done {
		return
	}
	log.Printf("TRANSPORT: connection lost: %v", cause)
	m.scheduleReconnect()
}

// scheduleReconnect books the next attempt with exponential backoff. After
// MaxReconnectAttempts consecutive failures the counter resets and an
// extended cooldown takes over before the cycle restarts.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed || m.fatal {
		m.mu.Unlock()
		return
	}
	cfg := m.cfg
	m.attempts++
	attempt := m.attempts

	if attempt > cfg.MaxReconnectAttempts {
		m.attempts = 0
		m.cooldownUntil = time.Now().Add(cfg.Cooldown())
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		log.Printf("TRANSPORT: %d attempts exhausted, cooling down %s", cfg.MaxReconnectAttempts, cfg.Cooldown())
		m.tmrs.Set(timerReconnect, cfg.Cooldown(), func() {
			_ = m.Connect(context.Background())
		})
		return
	}

	m.setStateLocked(StateReconnecting)
	m.mu.Unlock()

	delay := backoffDelay(cfg, attempt)
	log.Printf("TRANSPORT: reconnect attempt %d in %s", attempt, delay.Round(time.Millisecond))
	m.tmrs.Set(timerReconnect, delay, func() {
		_ = m.Connect(context.Background())
	})
}

// backoffDelay computes min(base * 2^(attempt-1), max) plus up to 25% jitter.
func backoffDelay(cfg config.Transport, attempt int) time.Duration {
	base, max := cfg.BackoffBase(), cfg.BackoffMax()
	delay := max
	if shift := attempt - 1; shift < 20 {
		if d := base << shift; d < max {
			delay = d
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// tripBreaker is called when the protocol-error threshold is reached. The
// connection is torn down, all connects are blocked until the window
// elapses, then the breaker resets and one automatic attempt is made.
func (m *Manager) tripBreaker(c Conn) {
	m.mu.Lock()
	if m.conn == c {
		m.conn = nil
	}
	m.setStateLocked(StateCircuitOpen)
	m.mu.Unlock()

	c.Close()
	m.tmrs.Clear(timerReconnect)
	m.tmrs.Clear(timerPing)
	m.tmrs.Clear(timerHeartbeat)
	m.failPending(ErrDisconnected)

	wait := m.brk().remainingAt(time.Now())
	log.Printf("TRANSPORT: circuit breaker open for %s", wait.Round(time.Second))
	m.tmrs.Set(timerBreakerCooldown, wait, func() {
		m.brk().reset()
		m.mu.Lock()
		if m.state == StateCircuitOpen {
			m.setStateLocked(StateDisconnected)
		}
		m.mu.Unlock()
		log.Printf("TRANSPORT: circuit breaker reset, attempting reconnect")
		_ = m.Connect(context.Background())
	})
}

func (m *Manager) handleConnectError(c Conn, f *proto.Frame) {
	var ce proto.ConnectError
	if f.Data != nil {
		_ = json.Unmarshal(f.Data, &ce)
	}
	if ce.Fatal() {
		m.terminate(c, ce.Reason)
		return
	}
	// Transient server-side refusal — normal backoff path.
	m.handleDisconnect(c, fmt.Errorf("connect_error: %s", ce.Reason))
}

// terminate kills the session permanently: auth failures are never retried.
func (m *Manager) terminate(c Conn, reason string) {
	m.mu.Lock()
	m.fatal = true
	if c == nil {
		c = m.conn
	}
	m.conn = nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if c != nil {
		c.Close()
	}
	m.tmrs.Clear(timerReconnect)
	m.tmrs.Clear(timerBreakerCooldown)
	m.tmrs.Clear(timerPing)
	m.tmrs.Clear(timerHeartbeat)
	m.failPending(ErrSessionTerminated)

	log.Printf("TRANSPORT: session terminated: %s", reason)
	m.bus.Publish(event.Event{Type: event.SessionTerminated, Payload: reason})
}

func (m *Manager) touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

func (m *Manager) onPong(c Conn) {
	m.mu.Lock()
	sent := m.lastPing
	m.lastPing = time.Time{}
	m.lastActivity = time.Now()
	same := m.conn == c
	m.mu.Unlock()
	if same && !sent.IsZero() {
		m.recordRTT(time.Since(sent))
	}
}

func (m *Manager) schedulePing(c Conn) {
	m.mu.Lock()
	interval := m.cfg.Ping()
	m.mu.Unlock()
	m.tmrs.Set(timerPing, interval, func() {
		m.mu.Lock()
		if m.conn != c {
			m.mu.Unlock()
			return
		}
		m.lastPing = time.Now()
		m.mu.Unlock()
		if err := c.Ping(); err != nil {
			m.handleDisconnect(c, fmt.Errorf("ping: %w", err))
			return
		}
		m.schedulePing(c)
	})
}

// scheduleHeartbeat runs the low-frequency last-seen refresh. Real liveness
// is the websocket's own ping/pong; this only catches the pathological case
// of a connection believed healthy with no traffic at all for the staleness
// bound, which forces a hard reconnect.
func (m *Manager) scheduleHeartbeat() {
	m.mu.Lock()
	interval := m.cfg.Heartbeat()
	staleness := m.cfg.Staleness()
	m.mu.Unlock()
	m.tmrs.Set(timerHeartbeat, interval, func() {
		m.mu.Lock()
		m.lastHeartbeat = time.Now()
		stale := m.state.live() && time.Since(m.lastActivity) > staleness
		c := m.conn
		m.mu.Unlock()

		if stale && c != nil {
			log.Printf("TRANSPORT: no activity for %s, forcing reconnect", staleness)
			m.handleDisconnect(c, errors.New("stale connection"))
			return
		}
		m.scheduleHeartbeat()
	})
}

func (m *Manager) recordRTT(rtt time.Duration) {
	m.rtt.Push(rtt)
	med := util.MedianDuration(m.rtt.Snapshot())
	m.setQuality(qualityFor(med), med)
}

// setQuality publishes only on bucket change. Critical quality while
// connected degrades the connection state; recovery restores it.
func (m *Manager) setQuality(q Quality, median time.Duration) {
	m.mu.Lock()
	if q == m.quality {
		m.mu.Unlock()
		return
	}
	m.quality = q
	if q == QualityCritical && m.state == StateConnected {
		m.setStateLocked(StateDegraded)
	} else if q != QualityCritical && m.state == StateDegraded {
		m.setStateLocked(StateConnected)
	}
	m.mu.Unlock()

	log.Printf("TRANSPORT: quality %s (median rtt %s)", q, median.Round(time.Millisecond))
	m.bus.Publish(event.Event{
		Type:    event.ConnectionQualityChanged,
		Payload: QualityChange{Quality: q, Median: median},
	})
}

// setStateLocked mutates state and publishes. Caller holds m.mu.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.bus.Publish(event.Event{
		Type:    event.ConnectionStateChanged,
		Payload: StateChange{State: s, ReconnectAttempts: m.attempts},
	})
}
