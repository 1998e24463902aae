package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusAccepted, map[string]any{"success": true, "task_id": 7})
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["success"] != true {
		t.Errorf("unexpected body %v", body)
	}
}

func TestWriteErrorWithCode(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorWithCode(rec, http.StatusNotFound, ErrNotFound, "unknown task_id")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	var body CodedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body.Success || body.Code != ErrNotFound || body.Error != "unknown task_id" {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Run("decodes_body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", strings.NewReader(`{"device_id":"dev-1","seq":3}`))
		var v struct {
			DeviceID string `json:"device_id"`
			Seq      int64  `json:"seq"`
		}
		if err := DecodeJSON(req, &v); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if v.DeviceID != "dev-1" || v.Seq != 3 {
			t.Errorf("unexpected value %+v", v)
		}
	})

	t.Run("malformed_body_errors", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", strings.NewReader(`{"device_id":`))
		var v map[string]any
		if err := DecodeJSON(req, &v); err == nil {
			t.Error("expected error on malformed JSON")
		}
	})
}
