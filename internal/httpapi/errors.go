package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"parrotd/internal/dispatch"
	"parrotd/internal/manager"
	"parrotd/internal/registry"
	"parrotd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case dispatch.IsQueueFull(err):
		IncrementBackpressure("queue_full")
		return http.StatusTooManyRequests
	case manager.IsSessionNotFound(err), manager.IsVarNotFound(err), registry.IsUnknownEngine(err):
		return http.StatusNotFound
	case manager.IsConflict(err):
		return http.StatusConflict
	case manager.IsInvalidRequest(err):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &he):
		return he.StatusCode()
	default:
		return http.StatusInternalServerError
	}
}
