package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// TaskRecord is a digital task's durable status row. The executor in
// internal/digitaltask enforces forward-only transitions; this layer just
// persists whatever state it's told to.
type TaskRecord struct {
	ID          string          `json:"task_id"`
	DeviceID    string          `json:"device_id"`
	SessionID   string          `json:"session_id,omitempty"`
	Directive   string          `json:"directive"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	PushContext json.RawMessage `json:"push_context,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// CreateTask inserts a new task in the pending state.
func (db *DB) CreateTask(ctx context.Context, id, deviceID, sessionID, directive string, pushContext json.RawMessage) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO digital_tasks (id, device_id, session_id, directive, status, push_context) VALUES ($1, $2, $3, $4, 'pending', $5)`,
		id, deviceID, nullIfEmpty(sessionID), directive, pushContext,
	)
	return err
}

// StartTask marks a task running.
func (db *DB) StartTask(ctx context.Context, id string) error {
	_, err := db.Pool.Exec(ctx, `UPDATE digital_tasks SET status = 'running', started_at = now() WHERE id = $1`, id)
	return err
}

// FinishTask records a terminal status with its result payload and, for
// failed/timeout/canceled outcomes, the error string. Result and error are
// distinct columns: a canceled task keeps whatever partial result it had.
func (db *DB) FinishTask(ctx context.Context, id, status string, result json.RawMessage, errMsg string) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE digital_tasks SET status = $2, result = $3, error = $4, finished_at = now() WHERE id = $1`,
		id, status, result, nullIfEmpty(errMsg),
	)
	return err
}

// GetTask fetches a task by id.
func (db *DB) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	var r TaskRecord
	err := db.Pool.QueryRow(ctx,
		`SELECT id, device_id, COALESCE(session_id, ''), directive, status, result, COALESCE(error, ''), created_at, started_at, finished_at
		 FROM digital_tasks WHERE id = $1`,
		id,
	).Scan(&r.ID, &r.DeviceID, &r.SessionID, &r.Directive, &r.Status, &r.Result, &r.Error, &r.CreatedAt, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListTasks returns a device's tasks, most recent first.
func (db *DB) ListTasks(ctx context.Context, deviceID string, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT id, device_id, COALESCE(session_id, ''), directive, status, result, COALESCE(error, ''), created_at, started_at, finished_at
		 FROM digital_tasks WHERE device_id = $1 ORDER BY created_at DESC LIMIT $2`,
		deviceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var r TaskRecord
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.SessionID, &r.Directive, &r.Status, &r.Result, &r.Error, &r.CreatedAt, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// NonTerminalTasks returns every task not yet in a terminal status, used for
// crash recovery on startup.
func (db *DB) NonTerminalTasks(ctx context.Context) ([]TaskRecord, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, device_id, COALESCE(session_id, ''), directive, status, result, COALESCE(error, ''), push_context, created_at, started_at, finished_at
		 FROM digital_tasks WHERE status IN ('pending', 'running')`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var r TaskRecord
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.SessionID, &r.Directive, &r.Status, &r.Result, &r.Error, &r.PushContext, &r.CreatedAt, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendTaskStep adds one entry to a task's append-only step log.
func (db *DB) AppendTaskStep(ctx context.Context, taskID string, stepIndex int, kind string, detail json.RawMessage) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO digital_task_steps (task_id, step_index, kind, detail) VALUES ($1, $2, $3, $4)`,
		taskID, stepIndex, kind, detail,
	)
	return err
}

// TaskSteps returns a task's full step log in order.
func (db *DB) TaskSteps(ctx context.Context, taskID string) ([]json.RawMessage, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT detail FROM digital_task_steps WHERE task_id = $1 ORDER BY step_index ASC`,
		taskID,
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
