package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rbakker/palaver/internal/util"
)

type Config struct {
	Session   Session   `json:"session"`
	Transport Transport `json:"transport"`
	Delivery  Delivery  `json:"delivery"`
	Presence  Presence  `json:"presence"`
	Call      Call      `json:"call"`
}

type Session struct {
	// Server websocket URL, e.g. wss://chat.example.org/events
	ServerURL string `json:"server_url"`

	// Bearer token and user identity, supplied by the login flow.
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

type Transport struct {
	// Reconnect backoff: delay = min(base * 2^(attempts-1) + jitter, max).
	BackoffBaseMs int `json:"backoff_base_ms"`
	BackoffMaxMs  int `json:"backoff_max_ms"`

	// Attempts before the extended cooldown, which also resets the counter.
	MaxReconnectAttempts int `json:"max_reconnect_attempts"`
	CooldownSec          int `json:"cooldown_seconds"`

	// Circuit breaker: BreakerThreshold parse/protocol errors within
	// BreakerWindowSec open the breaker; all connects are blocked until the
	// window elapses. Product-tuned values — keep configurable.
	BreakerThreshold int `json:"breaker_threshold"`
	BreakerWindowSec int `json:"breaker_window_seconds"`

	// Application heartbeat (last-activity refresh) and the staleness bound
	// that forces a hard reconnect when exceeded while believed connected.
	HeartbeatSec int `json:"heartbeat_seconds"`
	StalenessSec int `json:"staleness_seconds"`

	// Websocket ping interval for liveness and RTT sampling.
	PingSec int `json:"ping_seconds"`

	// Number of recent RTT samples kept for quality bucketing.
	QualityWindow int `json:"quality_window"`
}

type Delivery struct {
	// Send attempts per message before it is marked failed. A user-initiated
	// resend restarts the budget.
	MaxRetries int `json:"max_retries"`
}

type Presence struct {
	// Interval of the recurring "online" heartbeat while the tab is active.
	HeartbeatSec int `json:"heartbeat_seconds"`

	// Cached remote records older than this are treated as stale.
	FreshnessSec int `json:"freshness_seconds"`

	// Silence after which a typing indicator implicitly expires.
	TypingExpirySec int `json:"typing_expiry_seconds"`

	// Minimum interval between repeated typing signals per conversation.
	TypingThrottleMs int `json:"typing_throttle_ms"`

	// Publish retries for a local status change when the transport drops.
	PublishRetries int `json:"publish_retries"`
}

type Call struct {
	// Unanswered dial/ring timeout.
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// Grace period for ICE self-recovery before a connection failure
	// becomes fatal to the call.
	RecoveryGraceSec int `json:"recovery_grace_seconds"`

	// STUN server URLs handed to the peer connection. No TURN in the
	// shipped configuration — symmetric NAT pairs will not connect.
	STUNServers []string `json:"stun_servers"`
}

func Default() Config {
	return Config{
		Transport: Transport{
			BackoffBaseMs:        1000,
			BackoffMaxMs:         30000,
			MaxReconnectAttempts: 10,
			CooldownSec:          60,
			BreakerThreshold:     5,
			BreakerWindowSec:     30,
			HeartbeatSec:         120,
			StalenessSec:         300,
			PingSec:              30,
			QualityWindow:        16,
		},
		Delivery: Delivery{
			MaxRetries: 3,
		},
		Presence: Presence{
			HeartbeatSec:     30,
			FreshnessSec:     10,
			TypingExpirySec:  3,
			TypingThrottleMs: 1000,
			PublishRetries:   3,
		},
		Call: Call{
			RingTimeoutSec:   30,
			RecoveryGraceSec: 5,
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
		},
	}
}

func (c *Config) Validate() error {
	// Session
	su := strings.TrimSpace(c.Session.ServerURL)
	if su == "" {
		return errors.New("session.server_url is required")
	}
	u, err := url.Parse(su)
	if err != nil {
		return fmt.Errorf("session.server_url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("session.server_url scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("session.server_url is missing a host")
	}
	if strings.TrimSpace(c.Session.UserID) == "" {
		return errors.New("session.user_id is required")
	}

	// Transport
	if c.Transport.BackoffBaseMs <= 0 {
		return errors.New("transport.backoff_base_ms must be > 0")
	}
	if c.Transport.BackoffMaxMs < c.Transport.BackoffBaseMs {
		return errors.New("transport.backoff_max_ms must be >= transport.backoff_base_ms")
	}
	if c.Transport.MaxReconnectAttempts <= 0 {
		return errors.New("transport.max_reconnect_attempts must be > 0")
	}
	if c.Transport.CooldownSec <= 0 {
		return errors.New("transport.cooldown_seconds must be > 0")
	}
	if c.Transport.BreakerThreshold <= 0 {
		return errors.New("transport.breaker_threshold must be > 0")
	}
	if c.Transport.BreakerWindowSec <= 0 {
		return errors.New("transport.breaker_window_seconds must be > 0")
	}
	if c.Transport.HeartbeatSec <= 0 {
		return errors.New("transport.heartbeat_seconds must be > 0")
	}
	if c.Transport.StalenessSec <= c.Transport.HeartbeatSec {
		return errors.New("transport.staleness_seconds must be > transport.heartbeat_seconds")
	}
	if c.Transport.PingSec <= 0 {
		return errors.New("transport.ping_seconds must be > 0")
	}
	if c.Transport.QualityWindow <= 0 {
		return errors.New("transport.quality_window must be > 0")
	}

	// Delivery
	if c.Delivery.MaxRetries <= 0 {
		return errors.New("delivery.max_retries must be > 0")
	}

	// Presence
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.FreshnessSec <= 0 {
		return errors.New("presence.freshness_seconds must be > 0")
	}
	if c.Presence.TypingExpirySec <= 0 {
		return errors.New("presence.typing_expiry_seconds must be > 0")
	}
	if c.Presence.TypingThrottleMs < 0 {
		return errors.New("presence.typing_throttle_ms must be >= 0")
	}
	if c.Presence.PublishRetries < 0 {
		return errors.New("presence.publish_retries must be >= 0")
	}

	// Call
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	if c.Call.RecoveryGraceSec < 0 {
		return errors.New("call.recovery_grace_seconds must be >= 0")
	}
	if len(c.Call.STUNServers) == 0 {
		return errors.New("call.stun_servers must not be empty")
	}
	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") {
			return fmt.Errorf("call.stun_servers: %q must start with stun:", s)
		}
	}

	return nil
}

// Duration accessors — the JSON fields stay integral for hand-editing.

func (t Transport) BackoffBase() time.Duration { return time.Duration(t.BackoffBaseMs) * time.Millisecond }
func (t Transport) BackoffMax() time.Duration  { return time.Duration(t.BackoffMaxMs) * time.Millisecond }
func (t Transport) Cooldown() time.Duration    { return time.Duration(t.CooldownSec) * time.Second }
func (t Transport) BreakerWindow() time.Duration {
	return time.Duration(t.BreakerWindowSec) * time.Second
}
func (t Transport) Heartbeat() time.Duration { return time.Duration(t.HeartbeatSec) * time.Second }
func (t Transport) Staleness() time.Duration { return time.Duration(t.StalenessSec) * time.Second }
func (t Transport) Ping() time.Duration      { return time.Duration(t.PingSec) * time.Second }

func (p Presence) Heartbeat() time.Duration { return time.Duration(p.HeartbeatSec) * time.Second }
func (p Presence) Freshness() time.Duration { return time.Duration(p.FreshnessSec) * time.Second }
func (p Presence) TypingExpiry() time.Duration {
	return time.Duration(p.TypingExpirySec) * time.Second
}
func (p Presence) TypingThrottle() time.Duration {
	return time.Duration(p.TypingThrottleMs) * time.Millisecond
}

func (c Call) RingTimeout() time.Duration { return time.Duration(c.RingTimeoutSec) * time.Second }
func (c Call) RecoveryGrace() time.Duration {
	return time.Duration(c.RecoveryGraceSec) * time.Second
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err). A freshly created file still needs the
// session section filled in before it validates.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}
