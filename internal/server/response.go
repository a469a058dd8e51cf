package server

import (
	"encoding/json"
	"net/http"

	"github.com/opencode-ai/agentd/internal/session"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeInvalidPath    = "INVALID_PATH"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeBusy           = "BUSY"
	ErrCodeUnavailable    = "UNAVAILABLE"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeSuccess writes a success response.
func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// writeSessionError maps the manager's error taxonomy onto the wire.
func writeSessionError(w http.ResponseWriter, err error) {
	switch err {
	case session.ErrInvalidPath:
		writeError(w, http.StatusBadRequest, ErrCodeInvalidPath, err.Error())
	case session.ErrNotFound:
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case session.ErrBusy:
		writeError(w, http.StatusConflict, ErrCodeBusy, err.Error())
	case session.ErrUnavailable:
		writeError(w, http.StatusConflict, ErrCodeUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}
