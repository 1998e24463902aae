package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/opencane/edge-runtime/internal/store"
)

type fakeBindings struct {
	record *store.BindingRecord
	err    error
}

func (f fakeBindings) GetBinding(ctx context.Context, deviceID string) (*store.BindingRecord, error) {
	return f.record, f.err
}

func TestDeviceAuthVerify(t *testing.T) {
	tests := []struct {
		name             string
		enabled          bool
		allowUnbound     bool
		requireActivated bool
		binding          fakeBindings
		token            string
		wantErr          bool
	}{
		{
			name:    "disabled_always_passes",
			enabled: false,
			binding: fakeBindings{err: store.ErrNotFound},
			wantErr: false,
		},
		{
			name:         "unbound_allowed",
			enabled:      true,
			allowUnbound: true,
			binding:      fakeBindings{err: store.ErrNotFound},
			wantErr:      false,
		},
		{
			name:    "unbound_denied",
			enabled: true,
			binding: fakeBindings{err: store.ErrNotFound},
			wantErr: true,
		},
		{
			name:    "revoked_denied",
			enabled: true,
			binding: fakeBindings{record: &store.BindingRecord{Status: "revoked", AuthTokenHash: HashToken("t")}},
			token:   "t",
			wantErr: true,
		},
		{
			name:             "not_activated_denied_when_required",
			enabled:          true,
			requireActivated: true,
			binding:          fakeBindings{record: &store.BindingRecord{Status: "bound", AuthTokenHash: HashToken("t")}},
			token:            "t",
			wantErr:          true,
		},
		{
			name:    "wrong_token_denied",
			enabled: true,
			binding: fakeBindings{record: &store.BindingRecord{Status: "activated", AuthTokenHash: HashToken("right")}},
			token:   "wrong",
			wantErr: true,
		},
		{
			name:    "correct_token_activated",
			enabled: true,
			binding: fakeBindings{record: &store.BindingRecord{Status: "activated", AuthTokenHash: HashToken("right")}},
			token:   "right",
			wantErr: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			auth := NewDeviceAuth(tc.binding, tc.enabled, tc.allowUnbound, tc.requireActivated)
			err := auth.Verify(context.Background(), "device-1", tc.token)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Verify() err = %v, wantErr %v", err, tc.wantErr)
			}
			if tc.wantErr && err != nil && !errors.Is(err, ErrAuthDenied) {
				t.Errorf("error %v does not wrap ErrAuthDenied", err)
			}
		})
	}
}
