package server

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateResolving, StateConnecting, true},
		{StateResolving, StateLoggingIn, false},
		{StateConnecting, StateLoggingIn, true},
		{StateConnecting, StateOnline, false},
		{StateLoggingIn, StateOnline, true},
		{StateOnline, StateLoggingIn, false},
		{StateOnline, StateDisconnecting, true},
		{StateResolving, StateDisconnecting, true},
		{StateDisconnecting, StateClosed, true},
		{StateClosed, StateDisconnecting, false},
		{StateClosed, StateClosed, false},
	}

	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateOnline.String() != "online" {
		t.Errorf("StateOnline.String() = %q, want %q", StateOnline.String(), "online")
	}
	if State(99).String() != "unknown" {
		t.Errorf("unknown state String() = %q, want %q", State(99).String(), "unknown")
	}
}
