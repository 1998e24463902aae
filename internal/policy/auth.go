package policy

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/opencane/edge-runtime/internal/store"
)

// ErrAuthDenied is returned when a device's HELLO token fails verification.
var ErrAuthDenied = errors.New("policy: device auth denied")

// BindingLookup is the narrow store dependency the device-auth gate needs.
type BindingLookup interface {
	GetBinding(ctx context.Context, deviceID string) (*store.BindingRecord, error)
}

// DeviceAuth verifies a device's HELLO token against the binding store.
type DeviceAuth struct {
	store              BindingLookup
	enabled            bool
	allowUnbound       bool
	requireActivated   bool
}

// NewDeviceAuth builds a device-auth gate.
func NewDeviceAuth(bindings BindingLookup, enabled, allowUnbound, requireActivated bool) *DeviceAuth {
	return &DeviceAuth{
		store:            bindings,
		enabled:          enabled,
		allowUnbound:     allowUnbound,
		requireActivated: requireActivated,
	}
}

// Verify checks deviceToken against the device's binding. A zero-value
// (empty) error return means the session may proceed.
func (a *DeviceAuth) Verify(ctx context.Context, deviceID, deviceToken string) error {
	if !a.enabled {
		return nil
	}

	binding, err := a.store.GetBinding(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		if a.allowUnbound {
			return nil
		}
		return fmt.Errorf("%w: device %q is not registered", ErrAuthDenied, deviceID)
	}
	if err != nil {
		return fmt.Errorf("policy: lookup binding: %w", err)
	}

	if binding.Status == "revoked" {
		return fmt.Errorf("%w: device %q is revoked", ErrAuthDenied, deviceID)
	}
	if a.requireActivated && binding.Status != "activated" {
		return fmt.Errorf("%w: device %q is not activated (status=%s)", ErrAuthDenied, deviceID, binding.Status)
	}
	if !verifyTokenHash(deviceToken, binding.AuthTokenHash) {
		return fmt.Errorf("%w: device %q presented an invalid token", ErrAuthDenied, deviceID)
	}
	return nil
}

// HashToken returns the stored-form hash of a plaintext device token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func verifyTokenHash(token, storedHash string) bool {
	if storedHash == "" {
		return false
	}
	got := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(got), []byte(storedHash)) == 1
}
