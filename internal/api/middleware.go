package api

import (
	"context"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/mattjoyce/ocrgate/internal/auth"
)

const (
	headerRequestID   = "X-Request-ID"
	maxRequestIDLen   = 128
	authFailedMessage = "authentication required"
)

// requestID accepts a sane caller-supplied X-Request-ID or generates one, and
// echoes it on the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the caller, then charges its rate limit. Failed
// attempts are audited and charged to the anonymous profile of the client
// address, so guessing credentials runs into 429s.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		principal, err := s.resolvePrincipal(r)
		if err != nil {
			ip := clientIP(r)
			reqID := middleware.GetReqID(ctx)
			s.logger.Warn("authentication failed",
				"client_ip", ip,
				"path", r.URL.Path,
				"request_id", reqID,
				"reason", err.Error(),
			)
			s.events.Publish("auth.failed", "", map[string]string{
				"client_ip":  ip,
				"path":       r.URL.Path,
				"request_id": reqID,
			})

			if d := s.admitter.AdmitAnonymous(ctx, ip); !d.Allowed {
				writeRateLimited(w, r, d)
				return
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="ocrgate"`)
			writeError(w, r, http.StatusUnauthorized, kindAuth, authFailedMessage)
			return
		}

		d := s.admitter.AdmitCaller(ctx, principal.Fingerprint)
		if !d.Allowed {
			s.logger.Info("rate limited", "owner", principal.Owner, "retry_after_ms", d.RetryAfter.Milliseconds())
			writeRateLimited(w, r, d)
			return
		}
		setRateHeaders(w, d)

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(ctx, principal)))
	})
}

func (s *Server) resolvePrincipal(r *http.Request) (auth.Principal, error) {
	if s.gate == nil {
		return auth.Principal{}, auth.ErrNoCredentials
	}
	cred, err := auth.ExtractCredential(r)
	if err != nil {
		return auth.Principal{}, err
	}
	return s.gate.Authenticate(cred)
}

// anonymousLimit charges unauthenticated endpoints per client address.
func (s *Server) anonymousLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := s.admitter.AdmitAnonymous(r.Context(), clientIP(r))
		if !d.Allowed {
			writeRateLimited(w, r, d)
			return
		}
		setRateHeaders(w, d)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireScopes(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, kindAuth, authFailedMessage)
				return
			}
			if !auth.HasAnyScope(principal, required...) {
				writeError(w, r, http.StatusForbidden, kindForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP is the host part of RemoteAddr, which RealIP has already
// rewritten when proxy headers are trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
