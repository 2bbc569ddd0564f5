// Package apierror writes the JSON error body used for HTTP rejections. It
// matches the {"error": "..."} frames sent on the relay socket so browser
// clients handle both the same way.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

type Envelope struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func Write(w http.ResponseWriter, status int, message, requestID string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: message, RequestID: requestID})
}

// WriteRetryAfter writes a 429 with a Retry-After header when retryAfter > 0.
func WriteRetryAfter(w http.ResponseWriter, message, requestID string, retryAfter int) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	Write(w, http.StatusTooManyRequests, message, requestID)
}

// FromError maps an internal error to a client message and status.
func FromError(err error) (string, int) {
	if err == nil {
		return "", http.StatusOK
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timeout", http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return "request cancelled", http.StatusRequestTimeout
	}
	return "internal error", http.StatusInternalServerError
}
