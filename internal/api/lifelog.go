package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/opencane/edge-runtime/internal/lifelog"
	"github.com/opencane/edge-runtime/internal/store"
)

// LifelogHandler serves the lifelog ingest/query/timeline/safety/thought-trace
// endpoints, a thin wrapper over the ingest pool and the store's timeline and
// thought-trace tables.
type LifelogHandler struct {
	pool *lifelog.Pool
	db   *store.DB
}

// NewLifelogHandler builds a lifelog handler.
func NewLifelogHandler(pool *lifelog.Pool, db *store.DB) *LifelogHandler {
	return &LifelogHandler{pool: pool, db: db}
}

type ingestRequest struct {
	DeviceID    string `json:"device_id"`
	SessionID   string `json:"session_id"`
	ImageBase64 string `json:"image_base64"`
	MIME        string `json:"mime"`
	Question    string `json:"question"`
	CapturedAt  string `json:"captured_at"` // RFC 3339, optional; defaults to now
}

// PostIngest handles POST /v1/lifelog/ingest: decodes the uploaded frame and
// enqueues it onto the ingest pool, honoring the pool's overflow policy.
func (h *LifelogHandler) PostIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := DecodeJSON(r, &req); err != nil || req.DeviceID == "" || req.ImageBase64 == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "device_id and image_base64 are required")
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.ImageBase64)
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "image_base64 is not valid base64: "+err.Error())
		return
	}
	capturedAt := time.Now().UTC()
	if req.CapturedAt != "" {
		if t, err := time.Parse(time.RFC3339, req.CapturedAt); err == nil {
			capturedAt = t
		}
	}
	mime := req.MIME
	if mime == "" {
		mime = "image/jpeg"
	}

	accepted := h.pool.Enqueue(lifelog.IngestJob{
		DeviceID:    req.DeviceID,
		SessionID:   req.SessionID,
		ImageBase64: data,
		MIME:        mime,
		Question:    req.Question,
		CapturedAt:  capturedAt,
	})
	if !accepted {
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrQueueFull, "lifelog ingest queue is full")
		return
	}
	WriteSuccess(w)
}

type lifelogQueryRequest struct {
	DeviceID string `json:"device_id"`
	Query    string `json:"query"`
	TopK     int    `json:"top_k"`
}

type lifelogQueryResponse struct {
	Matches []store.VectorMatch `json:"matches"`
}

// PostQuery handles POST /v1/lifelog/query: embeds the free-text query and
// runs a semantic search over the configured vector backend. Returns an
// empty match list (not an error) when no vector backend is configured, so
// callers can treat semantic recall as a graceful degrade rather than a
// hard failure.
func (h *LifelogHandler) PostQuery(w http.ResponseWriter, r *http.Request) {
	var req lifelogQueryRequest
	if err := DecodeJSON(r, &req); err != nil || req.Query == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "query is required")
		return
	}
	if req.TopK <= 0 {
		req.TopK = 10
	}

	vector := h.pool.Vector()
	embedder := h.pool.Embedder()
	if vector == nil || embedder == nil {
		WriteJSON(w, http.StatusOK, lifelogQueryResponse{Matches: nil})
		return
	}

	emb, err := embedder.Embed(r.Context(), req.Query)
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadGateway, ErrUpstreamUnavailable, "embed query: "+err.Error())
		return
	}
	matches, err := vector.Search(r.Context(), emb, req.TopK)
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadGateway, ErrUpstreamUnavailable, "vector search: "+err.Error())
		return
	}
	if req.DeviceID != "" {
		filtered := matches[:0]
		for _, m := range matches {
			if d, _ := m.Metadata["device_id"].(string); d == req.DeviceID {
				filtered = append(filtered, m)
			}
		}
		matches = filtered
	}
	WriteJSON(w, http.StatusOK, lifelogQueryResponse{Matches: matches})
}

type timelineRequest struct {
	DeviceID string `json:"device_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Limit    int    `json:"limit"`
}

type timelineResponse struct {
	Events []store.LifelogEvent `json:"events"`
}

// PostTimeline handles POST /v1/lifelog/timeline.
func (h *LifelogHandler) PostTimeline(w http.ResponseWriter, r *http.Request) {
	var req timelineRequest
	if err := DecodeJSON(r, &req); err != nil || req.DeviceID == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "device_id is required")
		return
	}
	from, to, err := parseRange(req.From, req.To)
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	events, err := h.db.Timeline(r.Context(), req.DeviceID, from, to, req.Limit)
	if err != nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, timelineResponse{Events: events})
}

type safetyQueryResponse struct {
	Events []store.SafetyEvent `json:"events"`
}

// PostSafetyQuery handles POST /v1/lifelog/safety/query: the same range
// query as the timeline, narrowed to events a safety evaluation flagged.
func (h *LifelogHandler) PostSafetyQuery(w http.ResponseWriter, r *http.Request) {
	var req timelineRequest
	if err := DecodeJSON(r, &req); err != nil || req.DeviceID == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "device_id is required")
		return
	}
	from, to, err := parseRange(req.From, req.To)
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	events, err := h.db.SafetyEvents(r.Context(), req.DeviceID, from, to, req.Limit)
	if err != nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, safetyQueryResponse{Events: events})
}

type safetyStatsResponse struct {
	DeviceID  string         `json:"device_id"`
	FlagCount map[string]int `json:"flag_count"`
}

// PostSafetyStats handles POST /v1/lifelog/safety/stats: a per-flag
// occurrence count over the same range as safety/query.
func (h *LifelogHandler) PostSafetyStats(w http.ResponseWriter, r *http.Request) {
	var req timelineRequest
	if err := DecodeJSON(r, &req); err != nil || req.DeviceID == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "device_id is required")
		return
	}
	from, to, err := parseRange(req.From, req.To)
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	stats, err := h.db.SafetyStats(r.Context(), req.DeviceID, from, to)
	if err != nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, safetyStatsResponse{DeviceID: req.DeviceID, FlagCount: stats})
}

type thoughtTraceAppendRequest struct {
	SessionID string `json:"session_id"`
	StepIndex int    `json:"step_index"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata"`
}

// PostThoughtTraceAppend handles POST /v1/lifelog/thought_trace/append.
func (h *LifelogHandler) PostThoughtTraceAppend(w http.ResponseWriter, r *http.Request) {
	var req thoughtTraceAppendRequest
	if err := DecodeJSON(r, &req); err != nil || req.SessionID == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "session_id is required")
		return
	}
	if err := h.db.InsertThoughtTrace(r.Context(), req.SessionID, req.StepIndex, req.Role, req.Content, req.Metadata); err != nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	WriteSuccess(w)
}

type sessionIDRequest struct {
	SessionID string `json:"session_id"`
}

type thoughtTraceResponse struct {
	SessionID string            `json:"session_id"`
	Steps     []json.RawMessage `json:"steps"`
}

// PostThoughtTraceQuery handles POST /v1/lifelog/thought_trace/query.
func (h *LifelogHandler) PostThoughtTraceQuery(w http.ResponseWriter, r *http.Request) {
	var req sessionIDRequest
	if err := DecodeJSON(r, &req); err != nil || req.SessionID == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "session_id is required")
		return
	}
	steps, err := h.db.ThoughtTrace(r.Context(), req.SessionID)
	if err != nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, thoughtTraceResponse{SessionID: req.SessionID, Steps: steps})
}

// PostThoughtTraceReplay handles POST /v1/lifelog/thought_trace/replay: an
// alias of query kept distinct in the route table since a replay client
// renders the trace as a timed playback rather than a flat listing.
func (h *LifelogHandler) PostThoughtTraceReplay(w http.ResponseWriter, r *http.Request) {
	h.PostThoughtTraceQuery(w, r)
}

func parseRange(fromStr, toStr string) (time.Time, time.Time, error) {
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if fromStr != "" {
		t, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = t
	}
	if toStr != "" {
		t, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = t
	}
	return from, to, nil
}
