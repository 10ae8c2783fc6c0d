package call

import "testing"

func TestCallStateTransitions(t *testing.T) {
	cases := []struct {
		from, to CallState
		allowed  bool
	}{
		{StateIdle, StateDialing, true},
		{StateIdle, StateRinging, true},
		{StateIdle, StateActive, false},
		{StateDialing, StateConnecting, true},
		{StateDialing, StateDeclined, true},
		{StateDialing, StateBusy, true},
		{StateDialing, StateMissed, true},
		{StateDialing, StateRinging, false},
		{StateRinging, StateConnecting, true},
		{StateRinging, StateDeclined, true},
		{StateRinging, StateMissed, true},
		{StateRinging, StateBusy, false},
		{StateConnecting, StateActive, true},
		{StateConnecting, StateFailed, true},
		{StateConnecting, StateRinging, false},
		{StateActive, StateEnded, true},
		{StateActive, StateFailed, true},
		{StateActive, StateConnecting, false},
		{StateActive, StateDeclined, false},
		// Terminal states are dead ends.
		{StateEnded, StateDialing, false},
		{StateDeclined, StateIdle, false},
		{StateMissed, StateRinging, false},
		{StateBusy, StateActive, false},
		{StateFailed, StateEnded, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.allowed {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.allowed)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	terminals := []CallState{StateEnded, StateDeclined, StateMissed, StateBusy, StateFailed}
	for _, s := range terminals {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []CallState{StateIdle, StateDialing, StateRinging, StateConnecting, StateActive} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
