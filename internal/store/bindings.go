package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// BindingRecord is a device's registration record: who owns it, what
// hardware profile it speaks, and its auth token hash.
type BindingRecord struct {
	DeviceID      string
	OwnerID       string
	HardwareModel string
	ProfileName   string
	AuthTokenHash string
	Status        string
	CreatedAt     time.Time
	BoundAt       *time.Time
	RevokedAt     *time.Time
}

// RegisterDevice creates a new binding in the "registered" state.
func (db *DB) RegisterDevice(ctx context.Context, deviceID, ownerID, hardwareModel, profileName, tokenHash string) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO device_bindings (device_id, owner_id, hardware_model, profile_name, auth_token_hash, status)
		 VALUES ($1, $2, $3, $4, $5, 'registered')`,
		deviceID, ownerID, hardwareModel, profileName, tokenHash,
	)
	return err
}

// BindDevice transitions a registered device into "bound".
func (db *DB) BindDevice(ctx context.Context, deviceID string) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE device_bindings SET status = 'bound', bound_at = now() WHERE device_id = $1 AND status = 'registered'`,
		deviceID,
	)
	return err
}

// ActivateDevice transitions a bound device into "activated", the only
// status the session layer accepts new connections from when
// require_activated is set.
func (db *DB) ActivateDevice(ctx context.Context, deviceID string) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE device_bindings SET status = 'activated' WHERE device_id = $1 AND status = 'bound'`,
		deviceID,
	)
	return err
}

// RevokeDevice permanently disables a binding; revocation never reverses.
func (db *DB) RevokeDevice(ctx context.Context, deviceID string) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE device_bindings SET status = 'revoked', revoked_at = now() WHERE device_id = $1`,
		deviceID,
	)
	return err
}

// GetBinding fetches a device's binding record.
func (db *DB) GetBinding(ctx context.Context, deviceID string) (*BindingRecord, error) {
	var r BindingRecord
	err := db.Pool.QueryRow(ctx,
		`SELECT device_id, owner_id, hardware_model, profile_name, auth_token_hash, status, created_at, bound_at, revoked_at
		 FROM device_bindings WHERE device_id = $1`,
		deviceID,
	).Scan(&r.DeviceID, &r.OwnerID, &r.HardwareModel, &r.ProfileName, &r.AuthTokenHash, &r.Status, &r.CreatedAt, &r.BoundAt, &r.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
