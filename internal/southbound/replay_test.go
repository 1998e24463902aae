package southbound

import (
	"testing"
	"time"
)

func TestReplayGuardDuplicateAndReplay(t *testing.T) {
	g := NewReplayGuard(4, 2*time.Second)
	now := time.Now()

	tests := []struct {
		name string
		seq  int64
		ts   int64
		want Outcome
	}{
		{"first seen", 1, now.UnixMilli(), OutcomeAccepted},
		{"duplicate", 1, now.UnixMilli(), OutcomeDuplicate},
		{"next in order", 2, now.UnixMilli(), OutcomeAccepted},
		{"gap accepted", 9, now.UnixMilli(), OutcomeAccepted},
		{"stale timestamp rejected", 10, now.Add(-10 * time.Second).UnixMilli(), OutcomeReplayRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.Check("dev1", "sess1", tt.seq, tt.ts, now)
			if got != tt.want {
				t.Errorf("Check(seq=%d) = %v, want %v", tt.seq, got, tt.want)
			}
		})
	}
}

func TestReplayGuardWindowEviction(t *testing.T) {
	g := NewReplayGuard(2, 0)
	now := time.Now()

	g.Check("dev1", "sess1", 1, 0, now)
	g.Check("dev1", "sess1", 2, 0, now)
	g.Check("dev1", "sess1", 3, 0, now) // evicts seq 1 from the window

	if got := g.Check("dev1", "sess1", 1, 0, now); got != OutcomeAccepted {
		t.Errorf("seq 1 should be accepted again once evicted from window, got %v", got)
	}
	if got := g.Check("dev1", "sess1", 3, 0, now); got != OutcomeDuplicate {
		t.Errorf("seq 3 still in window should be duplicate, got %v", got)
	}
}

func TestReplayGuardForgetIsolatesSessions(t *testing.T) {
	g := NewReplayGuard(4, 0)
	now := time.Now()

	g.Check("dev1", "sess1", 1, 0, now)
	g.Forget("dev1", "sess1")

	if got := g.Check("dev1", "sess1", 1, 0, now); got != OutcomeAccepted {
		t.Errorf("seq 1 should be accepted again after Forget, got %v", got)
	}
}
