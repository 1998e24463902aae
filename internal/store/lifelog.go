package store

import (
	"context"
	"encoding/json"
	"time"
)

// LifelogImage is one ingested frame plus its dedup fingerprint.
type LifelogImage struct {
	ID          string
	DeviceID    string
	SessionID   string
	AssetURI    string
	MIME        string
	PHash       uint64
	DuplicateOf string
	CapturedAt  time.Time
	CreatedAt   time.Time
}

// InsertLifelogImage records a newly ingested, non-duplicate image.
func (db *DB) InsertLifelogImage(ctx context.Context, img LifelogImage) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO lifelog_images (id, device_id, session_id, asset_uri, mime, phash, duplicate_of, captured_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		img.ID, img.DeviceID, nullIfEmpty(img.SessionID), img.AssetURI, img.MIME, int64(img.PHash), nullIfEmpty(img.DuplicateOf), img.CapturedAt,
	)
	return err
}

// RecentPHashes returns the dedup fingerprints captured by a device within
// the lookback window, for Hamming-distance comparison against a new frame.
func (db *DB) RecentPHashes(ctx context.Context, deviceID string, since time.Time) (map[string]uint64, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, phash FROM lifelog_images WHERE device_id = $1 AND captured_at >= $2`,
		deviceID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var id string
		var phash int64
		if err := rows.Scan(&id, &phash); err != nil {
			return nil, err
		}
		out[id] = uint64(phash)
	}
	return out, rows.Err()
}

// InsertLifelogContext attaches a model-generated summary and embedding to an image.
func (db *DB) InsertLifelogContext(ctx context.Context, imageID, summary, model string, embedding []float32) error {
	enc, err := json.Marshal(embedding)
	if err != nil {
		return err
	}
	_, err = db.Pool.Exec(ctx,
		`INSERT INTO lifelog_contexts (image_id, summary, embedding, model) VALUES ($1, $2, $3, $4)`,
		imageID, summary, enc, model,
	)
	return err
}

// LifelogEvent is a timeline entry: a voice turn, vision turn, tool call, or
// safety flag, each device's running narrative.
type LifelogEvent struct {
	ID         int64
	DeviceID   string
	SessionID  string
	Kind       string
	Summary    string
	Metadata   json.RawMessage
	OccurredAt time.Time
}

// InsertLifelogEvent appends one timeline entry.
func (db *DB) InsertLifelogEvent(ctx context.Context, e LifelogEvent) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO lifelog_events (device_id, session_id, kind, summary, metadata) VALUES ($1, $2, $3, $4, $5)`,
		e.DeviceID, nullIfEmpty(e.SessionID), e.Kind, e.Summary, e.Metadata,
	)
	return err
}

// Timeline returns a device's events within [from, to), newest first.
func (db *DB) Timeline(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]LifelogEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT id, device_id, COALESCE(session_id, ''), kind, summary, metadata, occurred_at
		 FROM lifelog_events WHERE device_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		 ORDER BY occurred_at DESC LIMIT $4`,
		deviceID, from, to, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LifelogEvent
	for rows.Next() {
		var e LifelogEvent
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.SessionID, &e.Kind, &e.Summary, &e.Metadata, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SafetyEvent is one lifelog event whose recorded metadata carries a
// non-empty safety_flags list, the projection the control API's
// safety/query endpoint reads.
type SafetyEvent struct {
	ID         int64
	DeviceID   string
	SessionID  string
	Summary    string
	Flags      []string
	RuleIDs    []string
	OccurredAt time.Time
}

// SafetyEvents returns a device's flagged events within [from, to), newest
// first, the same range-query shape as Timeline narrowed to rows whose
// metadata carries at least one safety flag.
func (db *DB) SafetyEvents(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]SafetyEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT id, device_id, COALESCE(session_id, ''), summary,
		        COALESCE(metadata->'safety_flags', '[]'::jsonb),
		        COALESCE(metadata->'safety_rule_ids', '[]'::jsonb),
		        occurred_at
		 FROM lifelog_events
		 WHERE device_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		   AND jsonb_array_length(COALESCE(metadata->'safety_flags', '[]'::jsonb)) > 0
		 ORDER BY occurred_at DESC LIMIT $4`,
		deviceID, from, to, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SafetyEvent
	for rows.Next() {
		var e SafetyEvent
		var flags, ruleIDs json.RawMessage
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.SessionID, &e.Summary, &flags, &ruleIDs, &e.OccurredAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(flags, &e.Flags)
		_ = json.Unmarshal(ruleIDs, &e.RuleIDs)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SafetyStats aggregates how often each safety flag fired for a device
// within [from, to), for the control API's safety/stats endpoint.
func (db *DB) SafetyStats(ctx context.Context, deviceID string, from, to time.Time) (map[string]int, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT flag, count(*) FROM (
		   SELECT jsonb_array_elements_text(COALESCE(metadata->'safety_flags', '[]'::jsonb)) AS flag
		   FROM lifelog_events
		   WHERE device_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		 ) flags GROUP BY flag`,
		deviceID, from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var flag string
		var n int
		if err := rows.Scan(&flag, &n); err != nil {
			return nil, err
		}
		out[flag] = n
	}
	return out, rows.Err()
}

// InsertThoughtTrace appends one step to a session's reasoning trace.
func (db *DB) InsertThoughtTrace(ctx context.Context, sessionID string, stepIndex int, role, content string, metadata json.RawMessage) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO thought_traces (session_id, step_index, role, content, metadata) VALUES ($1, $2, $3, $4, $5)`,
		sessionID, stepIndex, role, content, metadata,
	)
	return err
}

// ThoughtTrace replays a session's full reasoning trace in step order.
func (db *DB) ThoughtTrace(ctx context.Context, sessionID string) ([]json.RawMessage, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT jsonb_build_object('role', role, 'content', content, 'metadata', metadata, 'step_index', step_index)
		 FROM thought_traces WHERE session_id = $1 ORDER BY step_index ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var d json.RawMessage
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
