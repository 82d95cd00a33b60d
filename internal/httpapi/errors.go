package httpapi

import (
	"encoding/json"
	"net/http"

	"mlxrd/internal/daemon"
	"mlxrd/internal/engine"
	"mlxrd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusForError maps well-known service errors to HTTP status codes.
// Unknown errors fall through to 500.
func statusForError(err error) int {
	switch {
	case daemon.IsNotFound(err):
		return http.StatusNotFound
	case daemon.IsTooBusy(err):
		return http.StatusTooManyRequests
	case daemon.IsTimeout(err):
		return http.StatusGatewayTimeout
	case engine.IsUnavailable(err):
		return http.StatusServiceUnavailable
	}
	if he, ok := err.(HTTPError); ok {
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
