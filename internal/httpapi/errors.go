package httpapi

import (
	"encoding/json"
	"net/http"

	"llmgated/internal/codec"
	"llmgated/internal/dispatch"
	"llmgated/internal/gateway"
	"llmgated/pkg/types"
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

// statusFor maps service-layer errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case dispatch.IsUnauthorized(err):
		return http.StatusUnauthorized
	case dispatch.IsNotFound(err):
		return http.StatusNotFound
	case dispatch.IsExpired(err):
		return http.StatusGone
	case dispatch.IsBadRequest(err), codec.IsDecodeError(err):
		return http.StatusBadRequest
	case gateway.IsTooBusy(err):
		return http.StatusTooManyRequests
	case gateway.IsEngineNotLoaded(err):
		return http.StatusConflict
	case gateway.IsDependencyUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		if he, ok := err.(HTTPError); ok {
			return he.StatusCode()
		}
		return http.StatusInternalServerError
	}
}
