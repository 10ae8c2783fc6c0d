package transport

import "time"

// State is the lifecycle state of the logical connection. Mutated only by
// the Manager — it is the single writer of the Connection record.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateReconnecting
	StateCircuitOpen
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateCircuitOpen:
		return "circuit-open"
	default:
		return "unknown"
	}
}

// live reports whether the wire is usable for sends.
func (s State) live() bool { return s == StateConnected || s == StateDegraded }

// Quality buckets derived from recent round-trip latency. Published only on
// bucket change to avoid UI churn.
type Quality int

const (
	QualityExcellent Quality = iota
	QualityGood
	QualityPoor
	QualityCritical
)

func (q Quality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityPoor:
		return "poor"
	case QualityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// qualityFor buckets a median round-trip latency.
func qualityFor(rtt time.Duration) Quality {
	switch {
	case rtt < 100*time.Millisecond:
		return QualityExcellent
	case rtt < 300*time.Millisecond:
		return QualityGood
	case rtt < 800*time.Millisecond:
		return QualityPoor
	default:
		return QualityCritical
	}
}

// StateChange is the payload of event.ConnectionStateChanged.
type StateChange struct {
	State             State
	ReconnectAttempts int
}

// QualityChange is the payload of event.ConnectionQualityChanged.
type QualityChange struct {
	Quality Quality
	Median  time.Duration
}
