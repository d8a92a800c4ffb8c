package peerconn

import "testing"

func TestStateTransitionsHappyPath(t *testing.T) {
	path := []State{
		StateConnecting, StateHelloSent, StateHelloAck, StateFileReq,
		StateFileOk, StateStatusOk, StateActive,
	}
	for i := 0; i < len(path)-1; i++ {
		if !canTransition(path[i], path[i+1]) {
			t.Fatalf("expected %s -> %s to be legal", path[i], path[i+1])
		}
	}
}

func TestStateNoFileDisconnects(t *testing.T) {
	if !canTransition(StateFileReq, StateDisconnecting) {
		t.Fatal("file_req should be able to disconnect on no_file")
	}
}

func TestStateAnyStateCanDisconnectExceptClosed(t *testing.T) {
	for s := StateConnecting; s <= StateActive; s++ {
		if !canTransition(s, StateDisconnecting) {
			t.Fatalf("state %s should be able to move to disconnecting", s)
		}
	}
	if canTransition(StateClosed, StateDisconnecting) {
		t.Fatal("closed should not transition anywhere")
	}
}

func TestStateIllegalSkip(t *testing.T) {
	if canTransition(StateConnecting, StateActive) {
		t.Fatal("connecting should not be able to jump straight to active")
	}
}

func TestStateAttached(t *testing.T) {
	cases := map[State]bool{
		StateConnecting: false,
		StateFileOk:     false,
		StateStatusOk:   true,
		StateActive:     true,
	}
	for s, want := range cases {
		if got := s.attached(); got != want {
			t.Fatalf("%s.attached() = %v, want %v", s, got, want)
		}
	}
}
