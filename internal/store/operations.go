package store

import (
	"context"
	"encoding/json"
	"time"
)

// OperationRecord is a queued runtime->device operation (config push, OTA
// plan, or tool call) awaiting delivery or acknowledgment.
type OperationRecord struct {
	ID          int64
	DeviceID    string
	SessionID   string
	OpType      string
	Payload     json.RawMessage
	Status      string
	EnqueuedAt  time.Time
	DeliveredAt *time.Time
	AckedAt     *time.Time
}

// EnqueueOperation records a new pending operation for a device.
func (db *DB) EnqueueOperation(ctx context.Context, deviceID, sessionID, opType string, payload json.RawMessage) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO device_operations (device_id, session_id, op_type, payload, status)
		 VALUES ($1, $2, $3, $4, 'pending') RETURNING id`,
		deviceID, nullIfEmpty(sessionID), opType, payload,
	).Scan(&id)
	return id, err
}

// MarkOperationDelivered flips a pending operation to delivered once its
// envelope has been handed to the southbound adapter.
func (db *DB) MarkOperationDelivered(ctx context.Context, id int64) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE device_operations SET status = 'delivered', delivered_at = now() WHERE id = $1`,
		id,
	)
	return err
}

// MarkOperationAcked flips a delivered operation to acked on device confirmation.
func (db *DB) MarkOperationAcked(ctx context.Context, id int64) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE device_operations SET status = 'acked', acked_at = now() WHERE id = $1`,
		id,
	)
	return err
}

// MarkOperationFailed records a terminal delivery failure.
func (db *DB) MarkOperationFailed(ctx context.Context, id int64) error {
	_, err := db.Pool.Exec(ctx, `UPDATE device_operations SET status = 'failed' WHERE id = $1`, id)
	return err
}

// PendingOperations returns a device's undelivered operations in FIFO order,
// read by the control API's operation query endpoint.
func (db *DB) PendingOperations(ctx context.Context, deviceID string) ([]OperationRecord, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, device_id, COALESCE(session_id, ''), op_type, payload, status, enqueued_at, delivered_at, acked_at
		 FROM device_operations WHERE device_id = $1 AND status = 'pending' ORDER BY id ASC`,
		deviceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OperationRecord
	for rows.Next() {
		var r OperationRecord
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.SessionID, &r.OpType, &r.Payload, &r.Status, &r.EnqueuedAt, &r.DeliveredAt, &r.AckedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
