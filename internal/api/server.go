package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/mattjoyce/ocrgate/internal/auth"
	"github.com/mattjoyce/ocrgate/internal/events"
	"github.com/mattjoyce/ocrgate/internal/jobs"
	"github.com/mattjoyce/ocrgate/internal/ratelimit"
	"github.com/mattjoyce/ocrgate/internal/webhook"
)

// JobService is the job registry as seen by the HTTP layer.
type JobService interface {
	Submit(ctx context.Context, owner string, payload json.RawMessage) (string, error)
	GetStatus(ctx context.Context, jobID, requester string) (*jobs.Job, error)
	UpdateStatus(ctx context.Context, jobID string, status jobs.Status, result json.RawMessage, errMsg string) (*jobs.Job, error)
	Claim(ctx context.Context) (*jobs.Job, error)
	Pending(ctx context.Context) (int, error)
}

// HookService manages webhook registrations.
type HookService interface {
	Register(ctx context.Context, owner, rawURL string, events []string, secret string) (*webhook.Registration, error)
	List(ctx context.Context, owner string) ([]webhook.Registration, error)
	Delete(ctx context.Context, owner, id string) error
	Deliveries(ctx context.Context, owner, id string, limit int) ([]webhook.Delivery, error)
}

// QueueReporter exposes the webhook dispatcher backlog.
type QueueReporter interface {
	QueueLen() int
}

// Config holds API server configuration.
type Config struct {
	Listen      string
	MaxBodySize int64
	EnableCORS  bool
	CORSOrigins []string
	TrustProxy  bool

	// Reported by /v1/status.
	Service          string
	Version          string
	StateBackend     string
	RateLimitBackend string
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Gate     *auth.Gate
	Admitter *ratelimit.Admitter
	Jobs     JobService
	Hooks    HookService
	Webhooks QueueReporter
	Events   *events.Hub
}

// Server represents the HTTP API server.
type Server struct {
	config    Config
	gate      *auth.Gate
	admitter  *ratelimit.Admitter
	jobs      JobService
	hooks     HookService
	webhooks  QueueReporter
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = 10 << 20
	}
	if deps.Events == nil {
		deps.Events = events.NewHub(256)
	}
	return &Server{
		config:    config,
		gate:      deps.Gate,
		admitter:  deps.Admitter,
		jobs:      deps.Jobs,
		hooks:     deps.Hooks,
		webhooks:  deps.Webhooks,
		events:    deps.Events,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: /v1/events streams indefinitely.
		IdleTimeout: 60 * time.Second,
		// Open event streams end when ctx does, so Shutdown is not held up.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler builds the routed handler with the full middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	if s.config.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.limitBody)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, kindNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, kindBadRequest, "method not allowed")
	})

	for _, rt := range routes {
		handler := s.bind(rt.handler)
		if rt.public {
			r.With(s.anonymousLimit).Method(rt.method, rt.pattern, handler)
			continue
		}
		r.With(s.authenticate, s.requireScopes(rt.scopes...)).Method(rt.method, rt.pattern, handler)
	}

	if !s.config.EnableCORS {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins:   s.config.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-API-Key", "X-Request-ID", "Last-Event-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           600,
	}).Handler(r)
}

func (s *Server) bind(h func(*Server, http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h(s, w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"client_ip", clientIP(r),
		)
	})
}
