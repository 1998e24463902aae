package store

import (
	"context"
	"encoding/json"
	"time"
)

// PushQueueEntry is a status-update push that failed delivery and is
// waiting for its next retry, the durable fallback when the control-plane
// push endpoint is unreachable long enough to exceed in-memory retry.
type PushQueueEntry struct {
	ID            int64
	TaskID        string
	Payload       json.RawMessage
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
}

// EnqueuePush records a push that needs retrying.
func (db *DB) EnqueuePush(ctx context.Context, taskID string, payload json.RawMessage) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO push_queue (task_id, payload) VALUES ($1, $2)`,
		taskID, payload,
	)
	return err
}

// DuePushes returns entries whose next_attempt_at has passed and whose
// attempt count hasn't exceeded the retry ceiling.
func (db *DB) DuePushes(ctx context.Context, limit int) ([]PushQueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT id, task_id, payload, attempts, next_attempt_at, COALESCE(last_error, '')
		 FROM push_queue WHERE next_attempt_at <= now() AND attempts < 10
		 ORDER BY next_attempt_at ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PushQueueEntry
	for rows.Next() {
		var e PushQueueEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Payload, &e.Attempts, &e.NextAttemptAt, &e.LastError); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordPushFailure bumps the attempt count and schedules the next retry
// with exponential backoff capped at ten minutes.
func (db *DB) RecordPushFailure(ctx context.Context, id int64, backoff time.Duration, errMsg string) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE push_queue SET attempts = attempts + 1, next_attempt_at = now() + $2, last_error = $3 WHERE id = $1`,
		id, backoff, errMsg,
	)
	return err
}

// DeletePush removes a successfully delivered entry.
func (db *DB) DeletePush(ctx context.Context, id int64) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM push_queue WHERE id = $1`, id)
	return err
}
