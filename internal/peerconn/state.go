package peerconn

// State is the peer connection's protocol state machine (spec.md §4.5):
//
//	connecting → hello_sent → hello_ack → file_req → file_ok → status_ok → active
//	                                            ↘ no_file → disconnect
//	any state ↘ error/timeout → disconnecting → closed
type State uint8

const (
	StateConnecting State = iota
	StateHelloSent
	StateHelloAck
	StateFileReq
	StateFileOk
	StateStatusOk
	StateActive
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHelloSent:
		return "hello_sent"
	case StateHelloAck:
		return "hello_ack"
	case StateFileReq:
		return "file_req"
	case StateFileOk:
		return "file_ok"
	case StateStatusOk:
		return "status_ok"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// attached reports whether the connection has completed the file
// negotiation and status exchange, i.e. is allowed to pipeline requests.
func (s State) attached() bool {
	return s == StateStatusOk || s == StateActive
}

// transitions is the explicit state table (Design Note, spec.md §4.5: "no
// coroutine/exception tricks" — every legal move is named here instead of
// scattered across handler functions).
var transitions = map[State]map[State]bool{
	StateConnecting:    {StateHelloSent: true, StateDisconnecting: true},
	StateHelloSent:     {StateHelloAck: true, StateDisconnecting: true},
	StateHelloAck:      {StateFileReq: true, StateDisconnecting: true},
	StateFileReq:       {StateFileOk: true, StateDisconnecting: true},
	StateFileOk:        {StateStatusOk: true, StateDisconnecting: true},
	StateStatusOk:      {StateActive: true, StateDisconnecting: true},
	StateActive:        {StateDisconnecting: true},
	StateDisconnecting: {StateClosed: true},
	StateClosed:        {},
}

// canTransition reports whether from→to is a legal move. Every state can
// also move to StateDisconnecting regardless of the table, modeling "any
// state ↘ error/timeout → disconnecting".
func canTransition(from, to State) bool {
	if to == StateDisconnecting {
		return from != StateClosed
	}
	return transitions[from][to]
}
