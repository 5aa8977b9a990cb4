package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/scalytics/connectd/internal/engine"
	. "github.com/scalytics/connectd/internal/logging"
	"github.com/scalytics/connectd/internal/policy"
	"github.com/scalytics/connectd/internal/store"
)

// Machine-readable error codes. Clients branch on code, not message.
const (
	codeInvalidRequest     = "invalid_request_error"
	codeForbidden          = "forbidden_access"
	codeNotFound           = "not_found"
	codePrecondition       = "precondition_failed"
	codeUnsupportedFormat  = "unsupported_format"
	codeNotLocal           = "not_local"
	codeModelNotOnDisk     = "model_not_found_on_disk"
	codeNoActiveModel      = "no_active_model"
	codeTimeout            = "timeout"
	codeInternal           = "internal_error"
	codeUnauthorized       = "unauthorized"
	codeTooManyRequests    = "too_many_requests"
)

// apiError is the error envelope shared by every JSON endpoint.
type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Param   string `json:"param,omitempty"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

// writeError emits the JSON error envelope.
func writeError(w http.ResponseWriter, status int, code, message, param string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: apiError{Message: message, Code: code, Param: param},
	})
}

// writeJSON emits a success payload.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		L_debug("http: response encode failed", "error", err)
	}
}

// writeDomainError maps domain sentinel errors onto status codes. Anything
// unmapped is an internal error.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error(), "")
	case errors.Is(err, engine.ErrUnsupportedFormat):
		writeError(w, http.StatusBadRequest, codeUnsupportedFormat, err.Error(), "")
	case errors.Is(err, engine.ErrNotLocal):
		writeError(w, http.StatusBadRequest, codeNotLocal, err.Error(), "")
	case errors.Is(err, engine.ErrModelNotFoundOnDisk):
		writeError(w, http.StatusNotFound, codeModelNotOnDisk, err.Error(), "")
	case errors.Is(err, policy.ErrPreconditionFailed):
		writeError(w, http.StatusBadRequest, codePrecondition, err.Error(), "")
	default:
		L_error("http: internal error", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal server error", "")
	}
}
