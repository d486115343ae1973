package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/ocrgate/internal/jobs"
	"github.com/mattjoyce/ocrgate/internal/ratelimit"
	"github.com/mattjoyce/ocrgate/internal/webhook"
)

// Error kinds returned to callers.
const (
	kindAuth       = "authentication_failure"
	kindRateLimit  = "rate_limit_exceeded"
	kindNotFound   = "not_found"
	kindTransition = "invalid_transition"
	kindUnsafe     = "unsafe_destination"
	kindForbidden  = "forbidden"
	kindBadRequest = "bad_request"
	kindTooLarge   = "payload_too_large"
	kindInternal   = "internal"
)

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	respondJSON(w, status, ErrorResponse{
		Error:     message,
		Kind:      kind,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// fail maps a domain error to its response. Anything unrecognised is logged
// and reported as a bare internal error.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		writeError(w, r, http.StatusRequestEntityTooLarge, kindTooLarge, "request body too large")
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, webhook.ErrNotFound):
		writeError(w, r, http.StatusNotFound, kindNotFound, "not found")
	case errors.Is(err, jobs.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, kindTransition, err.Error())
	case errors.Is(err, jobs.ErrInvalidStatus):
		writeError(w, r, http.StatusBadRequest, kindBadRequest, err.Error())
	case errors.Is(err, webhook.ErrUnsafeDestination):
		writeError(w, r, http.StatusUnprocessableEntity, kindUnsafe, "webhook destination is not allowed")
	case errors.Is(err, webhook.ErrInvalidEvent), errors.Is(err, webhook.ErrWeakSecret):
		writeError(w, r, http.StatusBadRequest, kindBadRequest, err.Error())
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		writeError(w, r, http.StatusInternalServerError, kindInternal, "internal error")
	}
}

func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, d ratelimit.Decision) {
	setRateHeaders(w, d)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
	writeError(w, r, http.StatusTooManyRequests, kindRateLimit, "rate limit exceeded")
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
