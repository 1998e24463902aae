package southbound

import (
	"testing"

	"github.com/opencane/edge-runtime/internal/protocol"
)

func TestProfileNormalizeRewritesAliasedFields(t *testing.T) {
	p := Profile{
		Name: "acme-v1",
		FieldAliases: map[string]string{
			"device_id":  "deviceId",
			"session_id": "sessionId",
		},
	}
	raw := map[string]any{
		"deviceId":  "d1",
		"sessionId": "s1",
		"seq":       float64(3),
		"text":      "hello",
	}
	got := p.Normalize(raw)

	if got["device_id"] != "d1" {
		t.Errorf("device_id = %v, want d1", got["device_id"])
	}
	if got["session_id"] != "s1" {
		t.Errorf("session_id = %v, want s1", got["session_id"])
	}
	if got["text"] != "hello" {
		t.Errorf("payload-only field should pass through unchanged, got %v", got["text"])
	}
	if _, ok := got["deviceId"]; ok {
		t.Error("aliased key should not survive normalization")
	}
}

func TestProfileDenormalizeUsesDeviceFieldNames(t *testing.T) {
	p := Profile{
		Name:         "acme-v1",
		FieldAliases: map[string]string{"device_id": "deviceId"},
	}
	env := protocol.Envelope{
		Direction: protocol.DirectionCommand,
		Type:      protocol.TypeAck,
		DeviceID:  "d1",
		SessionID: "s1",
		Seq:       5,
	}
	out := p.Denormalize(env)

	if out["deviceId"] != "d1" {
		t.Errorf("deviceId = %v, want d1", out["deviceId"])
	}
	if out["session_id"] != "s1" {
		t.Errorf("unaliased session_id = %v, want s1", out["session_id"])
	}
}

func TestDefaultProfileRoundTripsUnchanged(t *testing.T) {
	p := DefaultProfile()
	raw := map[string]any{"device_id": "d1", "seq": float64(1)}
	if got := p.Normalize(raw); got["device_id"] != "d1" {
		t.Errorf("default profile should pass fields through, got %v", got)
	}
}

func TestProfileStoreFallsBackToDefault(t *testing.T) {
	s := NewProfileStore()
	got := s.Get("unknown-profile")
	if got.Name != "default" {
		t.Errorf("Get(unknown) = %q, want default", got.Name)
	}
}
