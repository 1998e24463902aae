package api

import "net/http"

// Error codes mirror the error taxonomy every control-API response maps
// onto: realtime-path failures degrade silently to fallback behavior, but
// anything reaching the HTTP boundary reports one of these in error_code.
const (
	ErrBadRequest          = "bad_request"
	ErrNotFound            = "not_found"
	ErrAuthDenied          = "auth_denied"
	ErrForbidden           = "forbidden"
	ErrQueueFull           = "queue_full"
	ErrQueueDropped        = "queue_dropped"
	ErrDuplicate           = "duplicate"
	ErrReplay              = "replay"
	ErrTimeout             = "timeout"
	ErrUpstreamUnavailable = "upstream_unavailable"
	ErrPolicyDenied        = "policy_denied"
	ErrCanceled            = "canceled"
	ErrRateLimited         = "rate_limited"
	ErrInternal            = "internal"
)

// CodedResponse is the {success:false, error, error_code} shape every
// API-path error uses.
type CodedResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"error_code"`
}

// WriteErrorWithCode writes a coded error response. status is the HTTP
// status; code is one of the Err* constants above, carried alongside the
// status so clients can branch on the taxonomy instead of the transport code.
func WriteErrorWithCode(w http.ResponseWriter, status int, code, msg string) {
	WriteJSON(w, status, CodedResponse{Success: false, Error: msg, Code: code})
}

// SuccessResponse is the minimal {success:true} acknowledgment body used by
// endpoints that have nothing else to report.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// WriteSuccess writes {success:true}.
func WriteSuccess(w http.ResponseWriter) {
	WriteJSON(w, http.StatusOK, SuccessResponse{Success: true})
}
