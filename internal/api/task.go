package api

import (
	"net/http"
	"time"

	"github.com/opencane/edge-runtime/internal/digitaltask"
	"github.com/opencane/edge-runtime/internal/store"
)

// TaskHandler serves the digital task execute/cancel/list/stats/flush
// endpoints, a thin wrapper over digitaltask.Service and the task store.
type TaskHandler struct {
	svc *digitaltask.Service
	db  *store.DB
}

// NewTaskHandler builds a task handler.
func NewTaskHandler(svc *digitaltask.Service, db *store.DB) *TaskHandler {
	return &TaskHandler{svc: svc, db: db}
}

type taskExecuteRequest struct {
	DeviceID          string `json:"device_id"`
	SessionID         string `json:"session_id"`
	Directive         string `json:"directive"`
	TimeoutMs         int64  `json:"timeout_ms"`
	Notify            bool   `json:"notify"`
	Speak             bool   `json:"speak"`
	InterruptPrevious bool   `json:"interrupt_previous"`
}

type taskExecuteResponse struct {
	Success  bool   `json:"success"`
	TaskID   string `json:"task_id"`
	Accepted bool   `json:"accepted"`
}

// PostExecute handles POST /v1/digital_task/execute.
func (h *TaskHandler) PostExecute(w http.ResponseWriter, r *http.Request) {
	var req taskExecuteRequest
	if err := DecodeJSON(r, &req); err != nil || req.DeviceID == "" || req.Directive == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "device_id and directive are required")
		return
	}
	var timeout time.Duration
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	taskID, accepted, err := h.svc.Execute(r.Context(), digitaltask.Request{
		DeviceID:          req.DeviceID,
		SessionID:         req.SessionID,
		Directive:         req.Directive,
		Timeout:           timeout,
		Notify:            req.Notify,
		Speak:             req.Speak,
		InterruptPrevious: req.InterruptPrevious,
	})
	if err != nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	if !accepted {
		WriteJSON(w, http.StatusServiceUnavailable, taskExecuteResponse{Success: false, TaskID: taskID, Accepted: false})
		return
	}
	WriteJSON(w, http.StatusOK, taskExecuteResponse{Success: true, TaskID: taskID, Accepted: true})
}

type taskCancelRequest struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// PostCancel handles POST /v1/digital_task/cancel.
func (h *TaskHandler) PostCancel(w http.ResponseWriter, r *http.Request) {
	var req taskCancelRequest
	if err := DecodeJSON(r, &req); err != nil || req.TaskID == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "task_id is required")
		return
	}
	if err := h.svc.Cancel(r.Context(), req.TaskID, req.Reason); err != nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	WriteSuccess(w)
}

type taskListResponse struct {
	Tasks []store.TaskRecord `json:"tasks"`
}

// PostList handles POST /v1/digital_task/list.
func (h *TaskHandler) PostList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"device_id"`
		Limit    int    `json:"limit"`
	}
	if err := DecodeJSON(r, &req); err != nil || req.DeviceID == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "device_id is required")
		return
	}
	tasks, err := h.db.ListTasks(r.Context(), req.DeviceID, req.Limit)
	if err != nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, taskListResponse{Tasks: tasks})
}

type taskStatsResponse struct {
	DeviceID   string         `json:"device_id"`
	StatusCount map[string]int `json:"status_count"`
}

// PostStats handles POST /v1/digital_task/stats: a per-status count over a
// device's recent task history, derived from ListTasks rather than a
// dedicated aggregate query since the task volume per device is small.
func (h *TaskHandler) PostStats(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"device_id"`
		Limit    int    `json:"limit"`
	}
	if err := DecodeJSON(r, &req); err != nil || req.DeviceID == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "device_id is required")
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 500
	}
	tasks, err := h.db.ListTasks(r.Context(), req.DeviceID, limit)
	if err != nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	counts := make(map[string]int)
	for _, t := range tasks {
		counts[t.Status]++
	}
	WriteJSON(w, http.StatusOK, taskStatsResponse{DeviceID: req.DeviceID, StatusCount: counts})
}

type flushPendingRequest struct {
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id"`
}

// PostFlushPendingUpdates handles POST /v1/digital_task/flush_pending_updates:
// replays queued status pushes for a device, used after reconnect.
func (h *TaskHandler) PostFlushPendingUpdates(w http.ResponseWriter, r *http.Request) {
	var req flushPendingRequest
	if err := DecodeJSON(r, &req); err != nil || req.DeviceID == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "device_id is required")
		return
	}
	if err := h.svc.FlushPendingUpdates(r.Context(), req.DeviceID, req.SessionID); err != nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	WriteSuccess(w)
}
