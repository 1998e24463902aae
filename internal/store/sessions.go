package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned by single-row lookups that match no row, so
// callers can distinguish "absent" from a transport-level error.
var ErrNotFound = errors.New("store: not found")

// SessionRecord is the durable projection of a device session, persisted so
// a restart can recover in-flight sessions instead of dropping them.
type SessionRecord struct {
	SessionID       string
	DeviceID        string
	State           string
	LastInboundSeq  int64
	LastOutboundSeq int64
	GapCount        int
	OpenedAt        time.Time
	ClosedAt        *time.Time
	CloseReason     string
}

// OpenSession inserts a new session row in the connecting state.
func (db *DB) OpenSession(ctx context.Context, sessionID, deviceID string) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO device_sessions (session_id, device_id, state) VALUES ($1, $2, 'connecting')`,
		sessionID, deviceID,
	)
	return err
}

// UpdateSessionState transitions a session's recorded state; the state
// machine itself lives in internal/session, this is just the write-through.
func (db *DB) UpdateSessionState(ctx context.Context, sessionID, state string) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE device_sessions SET state = $2 WHERE session_id = $1`,
		sessionID, state,
	)
	return err
}

// AdvanceInboundSeq records the last accepted inbound seq and increments the
// gap counter by the given amount (0 when there was no gap).
func (db *DB) AdvanceInboundSeq(ctx context.Context, sessionID string, seq int64, gapDelta int) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE device_sessions SET last_inbound_seq = $2, gap_count = gap_count + $3 WHERE session_id = $1`,
		sessionID, seq, gapDelta,
	)
	return err
}

// AdvanceOutboundSeq records the last seq assigned to a runtime-originated command.
func (db *DB) AdvanceOutboundSeq(ctx context.Context, sessionID string, seq int64) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE device_sessions SET last_outbound_seq = $2 WHERE session_id = $1`,
		sessionID, seq,
	)
	return err
}

// CloseSession marks a session closed with a reason (the runtime passes
// auth_denied, heartbeat_timeout, device_requested, or the device's own reason).
func (db *DB) CloseSession(ctx context.Context, sessionID, reason string) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE device_sessions SET state = 'closed', closed_at = now(), close_reason = $2 WHERE session_id = $1`,
		sessionID, reason,
	)
	return err
}

// GetSession fetches a session by id.
func (db *DB) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var r SessionRecord
	err := db.Pool.QueryRow(ctx,
		`SELECT session_id, device_id, state, last_inbound_seq, last_outbound_seq, gap_count, opened_at, closed_at, COALESCE(close_reason, '')
		 FROM device_sessions WHERE session_id = $1`,
		sessionID,
	).Scan(&r.SessionID, &r.DeviceID, &r.State, &r.LastInboundSeq, &r.LastOutboundSeq, &r.GapCount, &r.OpenedAt, &r.ClosedAt, &r.CloseReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// NonTerminalSessions returns every session not in the closed state, used on
// startup to recover sessions that were open when the runtime last stopped.
func (db *DB) NonTerminalSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT session_id, device_id, state, last_inbound_seq, last_outbound_seq, gap_count, opened_at, closed_at, COALESCE(close_reason, '')
		 FROM device_sessions WHERE state <> 'closed'`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.SessionID, &r.DeviceID, &r.State, &r.LastInboundSeq, &r.LastOutboundSeq, &r.GapCount, &r.OpenedAt, &r.ClosedAt, &r.CloseReason); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
