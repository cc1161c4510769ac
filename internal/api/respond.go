package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/brandcall/voicecore/internal/apierror"
	"github.com/brandcall/voicecore/internal/voice"
)

type errorBody struct {
	Error   string              `json:"error"`
	Kind    string              `json:"kind"`
	Details map[string][]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string, details map[string][]string) {
	writeJSON(w, status, errorBody{Error: message, Kind: kind, Details: details})
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration, message string) {
	if retryAfter > 0 {
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, string(apierror.KindRateLimit), message, nil)
}

// statusForKind maps a failure kind onto the HTTP status returned to API
// callers. Upstream auth failures are the service's problem, not the
// caller's, so they surface as 502.
func statusForKind(kind voice.ErrorKind) int {
	switch kind {
	case voice.ErrorKind(apierror.KindValidation), voice.ErrorInvalidRequest:
		return http.StatusUnprocessableEntity
	case voice.ErrorKind(apierror.KindEntityNotFound):
		return http.StatusNotFound
	case voice.ErrorKind(apierror.KindRateLimit):
		return http.StatusTooManyRequests
	case voice.ErrorUnsupported:
		return http.StatusNotImplemented
	case voice.ErrorNotConfigured:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeResultError(w http.ResponseWriter, kind voice.ErrorKind, message string, retryAfter time.Duration) {
	status := statusForKind(kind)
	if status == http.StatusTooManyRequests {
		writeRateLimited(w, retryAfter, message)
		return
	}
	writeError(w, status, string(kind), message, nil)
}
