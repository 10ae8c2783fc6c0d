package call

import "fmt"

// CallState is the lifecycle state of one call attempt.
type CallState int

const (
	// StateIdle means no call attempt exists.
	StateIdle CallState = iota
	// StateDialing is the caller side after call:initiate was sent.
	StateDialing
	// StateRinging is the callee side after call:initiate arrived.
	StateRinging
	// StateConnecting is both sides after accept, while ICE negotiates.
	StateConnecting
	// StateActive is a connected call with media flowing.
	StateActive

	// Terminal states. A new call attempt starts over from StateIdle.
	StateEnded
	StateDeclined
	StateMissed
	StateBusy
	StateFailed
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateDeclined:
		return "declined"
	case StateMissed:
		return "missed"
	case StateBusy:
		return "busy"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// validTransitions defines which state transitions are allowed.
var validTransitions = map[CallState][]CallState{
	StateIdle:       {StateDialing, StateRinging},
	StateDialing:    {StateConnecting, StateDeclined, StateBusy, StateMissed, StateEnded, StateFailed},
	StateRinging:    {StateConnecting, StateDeclined, StateMissed, StateEnded, StateFailed},
	StateConnecting: {StateActive, StateEnded, StateFailed},
	StateActive:     {StateEnded, StateFailed},
	// Terminal states allow no transitions.
	StateEnded:    {},
	StateDeclined: {},
	StateMissed:   {},
	StateBusy:     {},
	StateFailed:   {},
}

// CanTransitionTo checks whether moving from s to next is allowed.
func (s CallState) CanTransitionTo(next CallState) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s ends the call attempt.
func (s CallState) IsTerminal() bool {
	return len(validTransitions[s]) == 0 && s != StateIdle
}

// Direction distinguishes who placed the call.
type Direction int

const (
	DirectionOutbound Direction = iota
	DirectionInbound
)

func (d Direction) String() string {
	if d == DirectionInbound {
		return "inbound"
	}
	return "outbound"
}
