package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRequestID(t *testing.T) {
	t.Run("generates_id_when_missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		RequestID(okHandler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if id := rec.Header().Get("X-Request-ID"); len(id) != 16 {
			t.Errorf("expected 16-char hex ID, got %q", id)
		}
	})

	t.Run("preserves_provided_id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Request-ID", "trace-42")
		RequestID(okHandler).ServeHTTP(rec, req)
		if id := rec.Header().Get("X-Request-ID"); id != "trace-42" {
			t.Errorf("expected preserved ID, got %q", id)
		}
	})
}

func TestCORS(t *testing.T) {
	t.Run("sets_headers", func(t *testing.T) {
		rec := httptest.NewRecorder()
		CORS(okHandler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Error("missing Access-Control-Allow-Origin header")
		}
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("preflight_short_circuits", func(t *testing.T) {
		called := false
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
		rec := httptest.NewRecorder()
		CORS(inner).ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/", nil))
		if rec.Code != http.StatusNoContent {
			t.Errorf("expected 204, got %d", rec.Code)
		}
		if called {
			t.Error("inner handler ran on OPTIONS preflight")
		}
	})
}

func TestBearerAuth(t *testing.T) {
	cases := []struct {
		name   string
		token  string
		header string
		query  string
		want   int
	}{
		{"no_token_configured_passes", "", "", "", http.StatusOK},
		{"valid_header", "secret123", "Bearer secret123", "", http.StatusOK},
		{"wrong_header", "secret123", "Bearer nope", "", http.StatusUnauthorized},
		{"missing_auth", "secret123", "", "", http.StatusUnauthorized},
		{"query_param_fallback", "secret123", "", "secret123", http.StatusOK},
		{"wrong_query_param", "secret123", "", "nope", http.StatusUnauthorized},
		{"basic_scheme_rejected", "secret123", "Basic c2VjcmV0", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			url := "/"
			if tc.query != "" {
				url = "/?token=" + tc.query
			}
			req := httptest.NewRequest("GET", url, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			BearerAuth(tc.token)(okHandler).ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestReplayProtection(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return base }
	mw := ReplayProtection(time.Minute, now)

	request := func(ts time.Time, nonce string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/device/event", nil)
		if !ts.IsZero() {
			req.Header.Set("X-Request-Timestamp", strconv.FormatInt(ts.Unix(), 10))
		}
		if nonce != "" {
			req.Header.Set("X-Request-Nonce", nonce)
		}
		rec := httptest.NewRecorder()
		mw(okHandler).ServeHTTP(rec, req)
		return rec
	}

	t.Run("fresh_nonce_passes", func(t *testing.T) {
		if rec := request(base, "n1"); rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("reused_nonce_rejected", func(t *testing.T) {
		request(base, "n2")
		rec := request(base, "n2")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		var body CodedResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("response is not valid JSON: %v", err)
		}
		if body.Code != ErrReplay {
			t.Errorf("expected error_code %q, got %q", ErrReplay, body.Code)
		}
	})

	t.Run("stale_timestamp_rejected", func(t *testing.T) {
		if rec := request(base.Add(-5*time.Minute), "n3"); rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("missing_headers_rejected", func(t *testing.T) {
		if rec := request(time.Time{}, ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})
}

func TestRecoverer(t *testing.T) {
	t.Run("passes_through", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Recoverer(okHandler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("panic_becomes_500_json", func(t *testing.T) {
		panicker := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		})
		rec := httptest.NewRecorder()
		Recoverer(panicker).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", rec.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("response is not valid JSON: %v", err)
		}
		if body["error"] != "internal server error" {
			t.Errorf("unexpected body %v", body)
		}
	})
}
