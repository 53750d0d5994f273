package handler

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/ComUnity/insight-service/internal/apperr"
)

// Codes for operator API failures outside the ingest taxonomy.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeNotFound          = "not_found"
	CodeInvalidTransition = "invalid_transition"
)

type errorBody struct {
	Code    string `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, reason, message string) {
	writeJSON(w, status, map[string]errorBody{
		"error": {Code: code, Reason: reason, Message: message, Status: status},
	})
}

// writeAppError renders an apperr taxonomy error, with Retry-After for
// retryable failures.
func writeAppError(w http.ResponseWriter, err error) {
	resp := apperr.HTTP(err)
	if resp.RetryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(resp.RetryAfter))
	}
	writeJSONError(w, resp.Status, resp.Code, resp.Reason, resp.Message)
}

// retryAfterSeconds rounds up to whole seconds, minimum 1.
func retryAfterSeconds(d time.Duration) string {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}
