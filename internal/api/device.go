package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/opencane/edge-runtime/internal/policy"
	"github.com/opencane/edge-runtime/internal/protocol"
	"github.com/opencane/edge-runtime/internal/runtime"
	"github.com/opencane/edge-runtime/internal/store"
)

// DeviceHandler serves the device event/command ingestion endpoints and the
// binding/operation lifecycle, all thin wrappers over internal/runtime and
// internal/store.
type DeviceHandler struct {
	rt *runtime.Runtime
	db *store.DB
}

// NewDeviceHandler builds a device handler.
func NewDeviceHandler(rt *runtime.Runtime, db *store.DB) *DeviceHandler {
	return &DeviceHandler{rt: rt, db: db}
}

// PostEvent handles POST /v1/device/event: body is a canonical event
// envelope, enqueued onto the same per-session dispatch path the southbound
// adapter drives.
func (h *DeviceHandler) PostEvent(w http.ResponseWriter, r *http.Request) {
	var env protocol.Envelope
	if err := DecodeJSON(r, &env); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "malformed event envelope: "+err.Error())
		return
	}
	env.Direction = protocol.DirectionEvent
	if err := h.rt.InjectEvent(r.Context(), env); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	WriteSuccess(w)
}

// PostCommand handles POST /v1/device/command: an authorized submit of an
// outbound command, bypassing per-session turn sequencing.
func (h *DeviceHandler) PostCommand(w http.ResponseWriter, r *http.Request) {
	var env protocol.Envelope
	if err := DecodeJSON(r, &env); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "malformed command envelope: "+err.Error())
		return
	}
	env.Direction = protocol.DirectionCommand
	if err := h.rt.SubmitCommand(r.Context(), env); err != nil {
		WriteErrorWithCode(w, http.StatusBadGateway, ErrUpstreamUnavailable, err.Error())
		return
	}
	WriteSuccess(w)
}

type registerDeviceRequest struct {
	DeviceID      string `json:"device_id"`
	OwnerID       string `json:"owner_id"`
	HardwareModel string `json:"hardware_model"`
	ProfileName   string `json:"profile_name"`
	DeviceToken   string `json:"device_token"`
}

// PostRegister handles POST /v1/device/register: creates a binding in the
// "registered" state with the device token stored only as a hash.
func (h *DeviceHandler) PostRegister(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := DecodeJSON(r, &req); err != nil || req.DeviceID == "" || req.DeviceToken == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "device_id and device_token are required")
		return
	}
	tokenHash := policy.HashToken(req.DeviceToken)
	if err := h.db.RegisterDevice(r.Context(), req.DeviceID, req.OwnerID, req.HardwareModel, req.ProfileName, tokenHash); err != nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	WriteSuccess(w)
}

type deviceIDRequest struct {
	DeviceID string `json:"device_id"`
}

// PostBind handles POST /v1/device/bind.
func (h *DeviceHandler) PostBind(w http.ResponseWriter, r *http.Request) {
	h.transitionBinding(w, r, h.db.BindDevice)
}

// PostActivate handles POST /v1/device/activate.
func (h *DeviceHandler) PostActivate(w http.ResponseWriter, r *http.Request) {
	h.transitionBinding(w, r, h.db.ActivateDevice)
}

// PostRevoke handles POST /v1/device/revoke.
func (h *DeviceHandler) PostRevoke(w http.ResponseWriter, r *http.Request) {
	h.transitionBinding(w, r, h.db.RevokeDevice)
}

// transitionBinding decodes a {device_id} body and applies one of the
// binding-lifecycle transitions (bind, activate, revoke); each is a single
// status-column flip so they share this one decode-dispatch-reply shape.
func (h *DeviceHandler) transitionBinding(w http.ResponseWriter, r *http.Request, transition func(ctx context.Context, deviceID string) error) {
	var req deviceIDRequest
	if err := DecodeJSON(r, &req); err != nil || req.DeviceID == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "device_id is required")
		return
	}
	if err := transition(r.Context(), req.DeviceID); err != nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	WriteSuccess(w)
}

type pendingOperationsResponse struct {
	DeviceID   string                  `json:"device_id"`
	Operations []store.OperationRecord `json:"operations"`
}

// PostOperationEnqueue handles POST /v1/device/operation/enqueue.
func (h *DeviceHandler) PostOperationEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID  string          `json:"device_id"`
		SessionID string          `json:"session_id"`
		OpType    string          `json:"op_type"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := DecodeJSON(r, &req); err != nil || req.DeviceID == "" || req.OpType == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "device_id and op_type are required")
		return
	}
	id, err := h.db.EnqueueOperation(r.Context(), req.DeviceID, req.SessionID, req.OpType, req.Payload)
	if err != nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true, "operation_id": id})
}

// PostOperationMark handles POST /v1/device/operation/mark: flips a pending
// operation to delivered, acked, or failed.
func (h *DeviceHandler) PostOperationMark(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OperationID int64  `json:"operation_id"`
		Status      string `json:"status"` // delivered, acked, failed
	}
	if err := DecodeJSON(r, &req); err != nil || req.OperationID == 0 {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "operation_id is required")
		return
	}

	var err error
	switch req.Status {
	case "delivered":
		err = h.db.MarkOperationDelivered(r.Context(), req.OperationID)
	case "acked":
		err = h.db.MarkOperationAcked(r.Context(), req.OperationID)
	case "failed":
		err = h.db.MarkOperationFailed(r.Context(), req.OperationID)
	default:
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "status must be delivered, acked, or failed")
		return
	}
	if err != nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	WriteSuccess(w)
}

// PostOperationQuery handles POST /v1/device/operation/query: returns a
// device's pending operations, the offline command buffer replayed on
// reconnect.
func (h *DeviceHandler) PostOperationQuery(w http.ResponseWriter, r *http.Request) {
	var req deviceIDRequest
	if err := DecodeJSON(r, &req); err != nil || req.DeviceID == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "device_id is required")
		return
	}
	ops, err := h.db.PendingOperations(r.Context(), req.DeviceID)
	if err != nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, pendingOperationsResponse{DeviceID: req.DeviceID, Operations: ops})
}
