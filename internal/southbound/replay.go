package southbound

import (
	"sync"
	"time"
)

// ReplayGuard tracks, per device session, a rolling window of recently seen control
// sequence numbers plus an allowed timestamp skew. A fixed-size window is
// used instead of a time-bucketed one since replay windows are
// sized in message counts, not seconds.
type ReplayGuard struct {
	mu         sync.Mutex
	windowSize int
	maxSkew    time.Duration
	seen       map[string]*deviceWindow
}

type deviceWindow struct {
	seqs []int64 // ring of the last windowSize seq values, most recent last
}

// NewReplayGuard creates a guard with the given rolling-window size
// (device profiles default to 50-100) and allowed clock skew.
func NewReplayGuard(windowSize int, maxSkew time.Duration) *ReplayGuard {
	if windowSize <= 0 {
		windowSize = 64
	}
	return &ReplayGuard{
		windowSize: windowSize,
		maxSkew:    maxSkew,
		seen:       make(map[string]*deviceWindow),
	}
}

// Outcome describes why a message was accepted or rejected.
type Outcome string

const (
	OutcomeAccepted       Outcome = "accepted"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeReplayRejected Outcome = "replay_rejected"
)

// Check evaluates a (device_id, session_id, seq, ts_ms) tuple against the
// rolling window and timestamp skew, recording it as seen when accepted.
func (g *ReplayGuard) Check(deviceID, sessionID string, seq int64, tsMs int64, now time.Time) Outcome {
	if g.maxSkew > 0 && tsMs > 0 {
		msgTime := time.UnixMilli(tsMs)
		skew := now.Sub(msgTime)
		if skew < 0 {
			skew = -skew
		}
		if skew > g.maxSkew {
			return OutcomeReplayRejected
		}
	}

	key := deviceID + "/" + sessionID
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.seen[key]
	if !ok {
		w = &deviceWindow{}
		g.seen[key] = w
	}
	for _, s := range w.seqs {
		if s == seq {
			return OutcomeDuplicate
		}
	}
	w.seqs = append(w.seqs, seq)
	if len(w.seqs) > g.windowSize {
		w.seqs = w.seqs[len(w.seqs)-g.windowSize:]
	}
	return OutcomeAccepted
}

// Forget drops the tracked window for a device/session, used when a session
// closes so memory does not grow unbounded across its lifetime.
func (g *ReplayGuard) Forget(deviceID, sessionID string) {
	g.mu.Lock()
	delete(g.seen, deviceID+"/"+sessionID)
	g.mu.Unlock()
}
