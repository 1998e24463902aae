package session

import (
	"context"
	"sync"
	"time"
)

// Session is the live, in-memory record for one (device_id, session_id)
// pair. All mutation happens on the owning per-session worker in
// internal/runtime; fields here are read/written without their own locking
// because the worker is the single writer.
type Session struct {
	DeviceID        string
	SessionID       string
	State           State
	LastInboundSeq  int64
	LastOutboundSeq int64
	GapCount        int
	LastSeenAt      time.Time
	OpenedAt        time.Time

	Audio *AudioBuffer

	// TurnCancel cancels the in-flight THINKING turn's child calls (LLM,
	// vision, TTS) on barge-in, explicit close, or session timeout.
	TurnCancel context.CancelFunc
}

// NewSession creates a session in CONNECTING, awaiting its hello.
func NewSession(deviceID, sessionID string) *Session {
	now := time.Now()
	return &Session{
		DeviceID:   deviceID,
		SessionID:  sessionID,
		State:      StateConnecting,
		LastSeenAt: now,
		OpenedAt:   now,
	}
}

// NextOutboundSeq allocates the next strictly increasing outbound seq.
func (s *Session) NextOutboundSeq() int64 {
	s.LastOutboundSeq++
	return s.LastOutboundSeq
}

// Touch records device activity for the heartbeat-timeout sweeper.
func (s *Session) Touch(at time.Time) {
	s.LastSeenAt = at
}

// CancelTurn cancels any in-flight turn and clears the token, idempotent if
// none is set.
func (s *Session) CancelTurn() {
	if s.TurnCancel != nil {
		s.TurnCancel()
		s.TurnCancel = nil
	}
}

// BeginTurn creates a fresh cancellation token for a THINKING-entry turn,
// canceling any stale one first.
func (s *Session) BeginTurn(parent context.Context) context.Context {
	s.CancelTurn()
	ctx, cancel := context.WithCancel(parent)
	s.TurnCancel = cancel
	return ctx
}

// Table tracks every live session, keyed by session_id.
type Table struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

// Set inserts or replaces a session.
func (t *Table) Set(sess *Session) {
	t.mu.Lock()
	t.sessions[sess.SessionID] = sess
	t.mu.Unlock()
}

// Get returns a session by id.
func (t *Table) Get(sessionID string) (*Session, bool) {
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	t.mu.Unlock()
	return s, ok
}

// Delete removes a session, called when its worker exits after the inbox
// is closed.
func (t *Table) Delete(sessionID string) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	n := len(t.sessions)
	t.mu.Unlock()
	return n
}

// All returns a snapshot of every live session.
func (t *Table) All() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// ByDevice returns a device's live sessions.
func (t *Table) ByDevice(deviceID string) []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Session
	for _, s := range t.sessions {
		if s.DeviceID == deviceID {
			out = append(out, s)
		}
	}
	return out
}

// EvictStale returns sessions whose LastSeenAt predates the cutoff and
// removes them from the table; the caller is responsible for emitting
// close{reason:"heartbeat_timeout"} before the session is gone.
func (t *Table) EvictStale(maxAge time.Duration, now time.Time) []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stale []*Session
	for id, s := range t.sessions {
		if now.Sub(s.LastSeenAt) > maxAge {
			stale = append(stale, s)
			delete(t.sessions, id)
		}
	}
	return stale
}
