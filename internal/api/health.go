package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/opencane/edge-runtime/internal/runtime"
	"github.com/opencane/edge-runtime/internal/store"
)

// HealthResponse is the /healthz body: a liveness probe distinct from
// /v1/runtime/status, which reports the full device/session snapshot.
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

// HealthHandler reports liveness of the database and whether a runtime is
// attached, distinct from
// the richer /v1/runtime/status snapshot.
type HealthHandler struct {
	db        *store.DB
	rt        *runtime.Runtime
	version   string
	startTime time.Time
}

// NewHealthHandler builds a health handler.
func NewHealthHandler(db *store.DB, rt *runtime.Runtime, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{db: db, rt: rt, version: version, startTime: startTime}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.rt != nil {
		checks["runtime"] = "ok"
	} else {
		checks["runtime"] = "not_started"
		if status == "healthy" {
			status = "degraded"
		}
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}
