// Package app assembles the client: one transport, the delivery queue, the
// presence tracker and the call engine, wired together over the event bus
// and the shared timer registry. Construction is the only place that knows
// about every subsystem.
package app

import (
	"context"
	"encoding/json"
	"log"

	"github.com/rbakker/palaver/internal/call"
	"github.com/rbakker/palaver/internal/config"
	"github.com/rbakker/palaver/internal/delivery"
	"github.com/rbakker/palaver/internal/event"
	"github.com/rbakker/palaver/internal/presence"
	"github.com/rbakker/palaver/internal/proto"
	"github.com/rbakker/palaver/internal/timer"
	"github.com/rbakker/palaver/internal/transport"
)

// Client is the top-level handle. Renderers subscribe to Events and drive
// the subsystems through the accessors.
type Client struct {
	cfg  config.Config
	bus  *event.Bus
	tmrs *timer.Registry

	transport *transport.Manager
	queue     *delivery.Queue
	presence  *presence.Tracker
	calls     *call.Engine

	stopBridge func()
	stopWatch  context.CancelFunc
}

// New wires a client from cfg. Nothing connects until Connect is called.
func New(cfg config.Config) *Client {
	bus := event.NewBus()
	tmrs := timer.NewRegistry()

	tm := transport.New(cfg.Transport, cfg.Session, bus, tmrs, nil)
	c := &Client{
		cfg:       cfg,
		bus:       bus,
		tmrs:      tmrs,
		transport: tm,
		queue:     delivery.NewQueue(cfg.Delivery, cfg.Session.UserID, tm, bus),
		presence:  presence.NewTracker(cfg.Presence, cfg.Session.UserID, tm, bus, tmrs),
		calls:     call.NewEngine(cfg.Call, cfg.Session.UserID, tm, bus, tmrs, nil),
	}
	c.wireHandlers()
	c.stopBridge = c.bridgeConnectionState()
	return c
}

// wireHandlers routes inbound frames to their subsystems. Handlers run on
// the transport read loop, which preserves server-side ordering.
func (c *Client) wireHandlers() {
	tm := c.transport

	tm.On(proto.EventMessageReceived, c.handleIncomingMessage)
	tm.On(proto.EventMessageDelivered, func(data json.RawMessage) {
		var r proto.DeliveryReceipt
		if err := json.Unmarshal(data, &r); err != nil {
			log.Printf("CHAT: bad delivery receipt: %v", err)
			return
		}
		c.queue.HandleDelivered(r)
	})
	tm.On(proto.EventMessageRead, func(data json.RawMessage) {
		var r proto.DeliveryReceipt
		if err := json.Unmarshal(data, &r); err != nil {
			log.Printf("CHAT: bad read receipt: %v", err)
			return
		}
		c.queue.HandleRead(r)
	})

	tm.On(proto.EventPresenceUpdate, c.presence.HandlePresenceUpdate)
	tm.On(proto.EventUserOnline, c.presence.HandleUserStatus(proto.StatusOnline))
	tm.On(proto.EventUserAway, c.presence.HandleUserStatus(proto.StatusAway))
	tm.On(proto.EventUserOffline, c.presence.HandleUserStatus(proto.StatusOffline))
	tm.On(proto.EventUserTyping, c.presence.HandleTyping)
	tm.On(proto.EventUserStoppedTyping, c.presence.HandleStoppedTyping)

	tm.On(proto.EventCallInitiate, c.calls.HandleInitiate)
	tm.On(proto.EventCallAccept, c.calls.HandleAccept)
	tm.On(proto.EventCallDecline, c.calls.HandleDecline)
	tm.On(proto.EventCallBusy, c.calls.HandleBusy)
	tm.On(proto.EventCallICECandidate, c.calls.HandleICE)
	tm.On(proto.EventCallEnd, c.calls.HandleEnd)
	tm.On(proto.EventCallMissed, c.calls.HandleMissed)
}

// handleIncomingMessage surfaces an inbound chat message and confirms
// delivery to the server.
func (c *Client) handleIncomingMessage(data json.RawMessage) {
	var msg proto.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("CHAT: bad inbound message: %v", err)
		return
	}
	c.bus.Publish(event.Event{Type: event.MessageReceived, Payload: msg})

	err := c.transport.Send(proto.EventMessageDelivered, proto.DeliveryReceipt{
		ClientID:  msg.ClientID,
		MessageID: msg.MessageID,
		UserID:    c.cfg.Session.UserID,
		TS:        proto.NowMillis(),
	})
	if err != nil {
		log.Printf("CHAT: delivery receipt: %v", err)
	}
}

// bridgeConnectionState feeds transport lifecycle changes to the subsystems
// that react to them (offline queue replay, presence heartbeat).
func (c *Client) bridgeConnectionState() (stop func()) {
	events, cancel := c.bus.Subscribe()
	go func() {
		live := false
		for ev := range events {
			sc, ok := ev.Payload.(transport.StateChange)
			if ev.Type != event.ConnectionStateChanged || !ok {
				continue
			}
			nowLive := sc.State == transport.StateConnected || sc.State == transport.StateDegraded
			if nowLive == live {
				continue
			}
			live = nowLive
			if live {
				c.presence.Connected()
				c.queue.Connected()
			} else {
				c.presence.Disconnected()
				c.queue.Disconnected()
			}
		}
	}()
	return cancel
}

// Connect establishes the event channel.
func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// WatchConfig reloads tunable transport parameters when the config file
// changes on disk. Session changes still require a restart.
func (c *Client) WatchConfig(path string) {
	ctx, cancel := context.WithCancel(context.Background())
	c.stopWatch = cancel
	go func() {
		err := config.Watch(ctx, path, func(cfg config.Config) {
			c.transport.UpdateConfig(cfg.Transport)
		})
		if err != nil && ctx.Err() == nil {
			log.Printf("CONFIG: watcher stopped: %v", err)
		}
	}()
}

// Events subscribes to the domain event stream.
func (c *Client) Events() (ch chan event.Event, cancel func()) {
	return c.bus.Subscribe()
}

// Transport returns the connection manager.
func (c *Client) Transport() *transport.Manager { return c.transport }

// Messages returns the delivery queue.
func (c *Client) Messages() *delivery.Queue { return c.queue }

// Presence returns the presence tracker.
func (c *Client) Presence() *presence.Tracker { return c.presence }

// Calls returns the call engine.
func (c *Client) Calls() *call.Engine { return c.calls }

// Close shuts everything down: any call in progress is hung up, a last
// offline heartbeat goes out, the connection closes, all timers stop.
func (c *Client) Close() {
	c.calls.Close()
	_ = c.presence.SetStatus(proto.StatusOffline)
	if c.stopWatch != nil {
		c.stopWatch()
	}
	c.stopBridge()
	c.transport.Close()
	c.tmrs.Close()
	c.bus.Close()
}
