package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// writeError emits the OpenAI error envelope; the error type is derived from
// the HTTP status.
func writeError(w http.ResponseWriter, status int, code, message string) {
	errType := "server_error"
	switch status {
	case http.StatusBadRequest, http.StatusMethodNotAllowed:
		errType = "invalid_request_error"
	case http.StatusUnauthorized:
		errType = "authentication_error"
	case http.StatusForbidden:
		errType = "permission_error"
	case http.StatusNotFound:
		errType = "not_found_error"
	case http.StatusTooManyRequests:
		errType = "rate_limit_error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"param":   nil,
			"code":    code,
		},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("gateway: failed to write error response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("gateway: failed to write response", "error", err)
	}
}
