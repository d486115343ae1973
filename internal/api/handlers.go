package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/ocrgate/internal/auth"
	"github.com/mattjoyce/ocrgate/internal/jobs"
	"github.com/mattjoyce/ocrgate/internal/webhook"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.jobs.Pending(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		respondJSON(w, http.StatusServiceUnavailable, HealthzResponse{
			Status:        "degraded",
			UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		})
		return
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
	})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	title := s.config.Service
	if title == "" {
		title = "ocrgate"
	}
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(title, s.config.Version))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	depth, err := s.jobs.Pending(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := StatusResponse{
		Service:          s.config.Service,
		Version:          s.config.Version,
		Owner:            principal.Owner,
		StateBackend:     s.config.StateBackend,
		RateLimitBackend: s.config.RateLimitBackend,
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		PendingJobs:      depth,
		EventSubscribers: s.events.Subscribers(),
	}
	if s.webhooks != nil {
		resp.WebhookQueue = s.webhooks.QueueLen()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())

	var req SubmitJobRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	payload := json.RawMessage(strings.TrimSpace(string(req.Payload)))
	if len(payload) == 0 || string(payload) == "null" {
		writeError(w, r, http.StatusBadRequest, kindBadRequest, "payload is required")
		return
	}

	jobID, err := s.jobs.Submit(r.Context(), principal.Owner, payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+jobID)
	respondJSON(w, http.StatusAccepted, SubmitJobResponse{JobID: jobID, Status: string(jobs.StatusPending)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	job, err := s.jobs.GetStatus(r.Context(), chi.URLParam(r, "jobID"), principal.Owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newJobStatus(job))
}

func (s *Server) handleClaimJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Claim(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleUpdateJobStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Status == "" {
		writeError(w, r, http.StatusBadRequest, kindBadRequest, "status is required")
		return
	}
	if len(req.Result) > 0 && !json.Valid(req.Result) {
		writeError(w, r, http.StatusBadRequest, kindBadRequest, "result must be JSON")
		return
	}

	job, err := s.jobs.UpdateStatus(r.Context(), chi.URLParam(r, "jobID"), jobs.Status(req.Status), req.Result, req.Error)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newJobStatus(job))
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())

	var req CreateWebhookRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, r, http.StatusBadRequest, kindBadRequest, "url is required")
		return
	}

	reg, err := s.hooks.Register(r.Context(), principal.Owner, req.URL, req.Events, req.Secret)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, CreateWebhookResponse{
		ID:        reg.ID,
		URL:       reg.URL,
		Events:    reg.Events,
		Secret:    reg.Secret,
		CreatedAt: reg.CreatedAt,
	})
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	regs, err := s.hooks.List(r.Context(), principal.Owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := WebhookListResponse{Webhooks: regs}
	if resp.Webhooks == nil {
		resp.Webhooks = []webhook.Registration{}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	if err := s.hooks.Delete(r.Context(), principal.Owner, chi.URLParam(r, "hookID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, r, http.StatusBadRequest, kindBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	deliveries, err := s.hooks.Deliveries(r.Context(), principal.Owner, chi.URLParam(r, "hookID"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := DeliveryListResponse{Deliveries: deliveries}
	if resp.Deliveries == nil {
		resp.Deliveries = []webhook.Delivery{}
	}
	respondJSON(w, http.StatusOK, resp)
}

// decodeJSON reads a single JSON object into v. It writes the error response
// itself and reports false on failure.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			s.fail(w, r, err)
		case errors.Is(err, io.EOF):
			writeError(w, r, http.StatusBadRequest, kindBadRequest, "request body is required")
		default:
			writeError(w, r, http.StatusBadRequest, kindBadRequest, "invalid JSON body")
		}
		return false
	}
	if dec.More() {
		writeError(w, r, http.StatusBadRequest, kindBadRequest, "invalid JSON body")
		return false
	}
	return true
}
