package transfer

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		want bool
	}{
		{"queued to checking resume", StateQueuedForChecking, StateCheckingResumeData, true},
		{"queued to downloading skips checking", StateQueuedForChecking, StateDownloading, false},
		{"checking resume to checking files", StateCheckingResumeData, StateCheckingFiles, true},
		{"checking resume straight to seeding", StateCheckingResumeData, StateSeeding, true},
		{"checking files to downloading", StateCheckingFiles, StateDownloading, true},
		{"downloading to finished", StateDownloading, StateFinished, true},
		{"downloading to seeding directly", StateDownloading, StateSeeding, false},
		{"finished to seeding", StateFinished, StateSeeding, true},
		{"seeding is terminal", StateSeeding, StateDownloading, false},
		{"any non-paused state can pause", StateDownloading, StatePaused, true},
		{"paused cannot pause again", StatePaused, StatePaused, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := canTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	if StateDownloading.String() != "downloading" {
		t.Errorf("String() = %q, want %q", StateDownloading.String(), "downloading")
	}
	if State(255).String() != "unknown" {
		t.Errorf("String() = %q, want %q", State(255).String(), "unknown")
	}
}
