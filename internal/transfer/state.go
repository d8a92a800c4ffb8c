package transfer

// State is the transfer's lifecycle stage (spec.md §4.6).
type State uint8

const (
	StateQueuedForChecking State = iota
	StateCheckingResumeData
	StateCheckingFiles
	StateDownloading
	StateFinished
	StateSeeding
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateQueuedForChecking:
		return "queued_for_checking"
	case StateCheckingResumeData:
		return "checking_resume_data"
	case StateCheckingFiles:
		return "checking_files"
	case StateDownloading:
		return "downloading"
	case StateFinished:
		return "finished"
	case StateSeeding:
		return "seeding"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// transitions is the legal-edge table for State, mirroring peerconn's
// explicit enum+table shape rather than scattering checks across the
// package (spec.md's Design Note on peerconn's state machine applies here
// too: no coroutine/exception tricks).
var transitions = map[State]map[State]bool{
	StateQueuedForChecking:  {StateCheckingResumeData: true},
	StateCheckingResumeData: {StateCheckingFiles: true, StateDownloading: true, StateSeeding: true},
	StateCheckingFiles:      {StateDownloading: true, StateSeeding: true},
	StateDownloading:        {StateFinished: true},
	StateFinished:           {StateSeeding: true},
	StateSeeding:            {},
	StatePaused:             {},
}

// canTransition reports whether moving from `from` to `to` is legal. Pause
// is reachable from every non-terminal-on-its-own-terms state and resume
// returns to the state that was active before pausing, so both are handled
// by the caller (Transfer.Pause/Resume) rather than this static table.
func canTransition(from, to State) bool {
	if to == StatePaused {
		return from != StatePaused
	}
	return transitions[from][to]
}
