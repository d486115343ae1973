package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ocrgate/internal/auth"
	"github.com/mattjoyce/ocrgate/internal/events"
	"github.com/mattjoyce/ocrgate/internal/jobs"
	"github.com/mattjoyce/ocrgate/internal/ratelimit"
	"github.com/mattjoyce/ocrgate/internal/storage"
	"github.com/mattjoyce/ocrgate/internal/webhook"
)

var (
	acmeToken   = "acme-token-0123456789abcdefghijklmnop"
	globexToken = "globex-token-0123456789abcdefghijklmn"
	workerToken = "worker-token-0123456789abcdefghijklmn"
	readerToken = "reader-token-0123456789abcdefghijklmn"
	adminToken  = "admin-token-0123456789abcdefghijklmno"
)

type testEnv struct {
	server *Server
	hub    *events.Hub
	jobs   *jobs.Registry
}

type envOption func(*Config, *ratelimit.Policy, *ratelimit.Policy)

func withBodyLimit(n int64) envOption {
	return func(c *Config, _, _ *ratelimit.Policy) { c.MaxBodySize = n }
}

func withPolicies(authn, anon ratelimit.Policy) envOption {
	return func(_ *Config, a, b *ratelimit.Policy) { *a, *b = authn, anon }
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, creds []auth.Credential, opts ...envOption) *testEnv {
	t.Helper()
	logger := discardLogger()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	hub := events.NewHub(64)
	registry := jobs.NewRegistry(jobs.NewSQLiteStore(db), logger, events.JobNotifier{Hub: hub})

	guard, err := webhook.NewGuard(webhook.GuardConfig{
		AllowedSchemes: []string{"http", "https"},
		AllowedCIDRs:   []string{"127.0.0.0/8"},
	}, nil)
	require.NoError(t, err)
	hooks := webhook.NewHooks(webhook.NewSQLiteStore(db), guard, logger)

	gate, err := auth.NewGate(creds)
	require.NoError(t, err)

	cfg := Config{Service: "ocrgate", Version: "test", StateBackend: "sqlite", RateLimitBackend: "memory"}
	authn := ratelimit.Policy{BurstCapacity: 100, BurstRefillPerSec: 100, SustainedLimit: 1000, SustainedWindow: time.Minute}
	anon := ratelimit.Policy{BurstCapacity: 50, BurstRefillPerSec: 50, SustainedLimit: 500, SustainedWindow: time.Minute}
	for _, opt := range opts {
		opt(&cfg, &authn, &anon)
	}

	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := ratelimit.NewMemoryLimiter(time.Minute, ratelimit.WithMemoryClock(func() time.Time { return frozen }))
	admitter := ratelimit.NewAdmitter(limiter, authn, anon, ratelimit.FailClosed, logger)

	s := New(cfg, Deps{
		Gate:     gate,
		Admitter: admitter,
		Jobs:     registry,
		Hooks:    hooks,
		Events:   hub,
	}, logger)
	return &testEnv{server: s, hub: hub, jobs: registry}
}

func defaultCreds() []auth.Credential {
	return []auth.Credential{
		{Name: "acme", Token: acmeToken, Scopes: []string{auth.ScopeJobsWrite, auth.ScopeHooksWrite, auth.ScopeEventsRead}},
		{Name: "globex", Token: globexToken, Scopes: []string{auth.ScopeJobsWrite, auth.ScopeHooksWrite, auth.ScopeEventsRead}},
		{Name: "ocr-worker", Token: workerToken, Scopes: []string{auth.ScopeJobsWorker}},
		{Name: "reader", Token: readerToken, Scopes: []string{auth.ScopeJobsRead}},
		{Name: "admin", Token: adminToken, Scopes: []string{auth.ScopeAll}},
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestHealthzNoAuth(t *testing.T) {
	env := newTestEnv(t, defaultCreds())

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 0, resp.QueueDepth)
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t, defaultCreds())

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil)
	req.Header.Set("Authorization", "Bearer "+acmeToken)
	req.Header.Set("X-Request-ID", "trace-abc-123")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "trace-abc-123", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "trace-abc-123", decodeError(t, rec).RequestID)

	assert.True(t, validRequestID("abc-123"))
	assert.False(t, validRequestID(""))
	assert.False(t, validRequestID("has space"))
	assert.False(t, validRequestID(strings.Repeat("x", 129)))
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t, defaultCreds())

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "wrong token", header: map[string]string{"Authorization": "Bearer " + strings.Repeat("z", 40)}, want: http.StatusUnauthorized},
		{name: "short token", header: map[string]string{"Authorization": "Bearer short"}, want: http.StatusUnauthorized},
		{name: "basic scheme", header: map[string]string{"Authorization": "Basic " + acmeToken}, want: http.StatusUnauthorized},
		{name: "bearer", header: map[string]string{"Authorization": "Bearer " + acmeToken}, want: http.StatusOK},
		{name: "api key header", header: map[string]string{"X-API-Key": acmeToken}, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, kindAuth, decodeError(t, rec).Kind)
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}

	failures := 0
	for _, ev := range env.hub.SnapshotSince(0, "", true) {
		if ev.Type == "auth.failed" {
			failures++
			assert.Empty(t, ev.Owner)
			assert.NotContains(t, string(ev.Data), "short")
		}
	}
	assert.Equal(t, 4, failures)
}

func TestNoCredentialsFailsClosed(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/v1/status", acmeToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/jobs", "", `{"payload":{}}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFailedAuthChargesAnonymousLimit(t *testing.T) {
	env := newTestEnv(t, defaultCreds(), withPolicies(
		ratelimit.Policy{BurstCapacity: 100, BurstRefillPerSec: 1, SustainedLimit: 100, SustainedWindow: time.Minute},
		ratelimit.Policy{BurstCapacity: 2, BurstRefillPerSec: 0.5, SustainedLimit: 10, SustainedWindow: time.Minute},
	))

	bad := strings.Repeat("x", 40)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/v1/status", bad, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/v1/status", bad, nil).Code)

	rec := env.do(t, http.MethodGet, "/v1/status", bad, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, kindRateLimit, decodeError(t, rec).Kind)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	// Unauthenticated endpoints share the same per-address budget.
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodGet, "/healthz", "", nil).Code)

	// A valid credential is limited per caller, not per address.
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/status", acmeToken, nil).Code)
}

func TestCallerRateLimit(t *testing.T) {
	env := newTestEnv(t, defaultCreds(), withPolicies(
		ratelimit.Policy{BurstCapacity: 3, BurstRefillPerSec: 0.25, SustainedLimit: 100, SustainedWindow: time.Minute},
		ratelimit.Policy{BurstCapacity: 1, BurstRefillPerSec: 0.1, SustainedLimit: 10, SustainedWindow: time.Minute},
	))

	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodGet, "/v1/status", acmeToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, strconv.Itoa(2-i), rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec := env.do(t, http.MethodGet, "/v1/status", acmeToken, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "4", rec.Header().Get("Retry-After"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

	// Other callers keep their own budget.
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/status", globexToken, nil).Code)
}

func TestScopeEnforcement(t *testing.T) {
	env := newTestEnv(t, defaultCreds())

	rec := env.do(t, http.MethodPost, "/v1/jobs", readerToken, map[string]any{"payload": map[string]string{"doc": "a"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, kindForbidden, decodeError(t, rec).Kind)

	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/v1/jobs/claim", acmeToken, nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/v1/webhooks", workerToken, nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/v1/events", readerToken, nil).Code)

	// Admin wildcard passes every scope check.
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, "/v1/jobs/claim", adminToken, nil).Code)
}

func TestJobLifecycle(t *testing.T) {
	env := newTestEnv(t, defaultCreds())

	rec := env.do(t, http.MethodPost, "/v1/jobs", acmeToken, map[string]any{"payload": map[string]string{"doc": "invoice.png"}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var submitted SubmitJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	assert.Equal(t, "pending", submitted.Status)
	assert.Equal(t, "/v1/jobs/"+submitted.JobID, rec.Header().Get("Location"))

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+submitted.JobID, acmeToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "invoice.png", "payload is not echoed")

	// Someone else's job looks exactly like a missing one.
	other := env.do(t, http.MethodGet, "/v1/jobs/"+submitted.JobID, globexToken, nil)
	missing := env.do(t, http.MethodGet, "/v1/jobs/00000000-0000-4000-8000-000000000000", globexToken, nil)
	require.Equal(t, http.StatusNotFound, other.Code)
	require.Equal(t, http.StatusNotFound, missing.Code)
	otherErr, missingErr := decodeError(t, other), decodeError(t, missing)
	assert.Equal(t, missingErr.Error, otherErr.Error)
	assert.Equal(t, missingErr.Kind, otherErr.Kind)

	rec = env.do(t, http.MethodPost, "/v1/jobs/claim", workerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var claimed jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claimed))
	assert.Equal(t, submitted.JobID, claimed.ID)
	assert.Equal(t, "acme", claimed.Owner)
	assert.JSONEq(t, `{"doc":"invoice.png"}`, string(claimed.Payload))

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, "/v1/jobs/claim", workerToken, nil).Code)

	path := "/v1/jobs/" + submitted.JobID + "/status"
	rec = env.do(t, http.MethodPut, path, workerToken, map[string]any{"status": "completed", "result": map[string]string{"text": "TOTAL 42"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPut, path, workerToken, map[string]any{"status": "processing"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, kindTransition, decodeError(t, rec).Kind)

	rec = env.do(t, http.MethodPut, path, workerToken, map[string]any{"status": "exploded"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/v1/jobs/missing/status", workerToken, map[string]any{"status": "completed"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+submitted.JobID, acmeToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status JobStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "completed", status.Status)
	assert.JSONEq(t, `{"text":"TOTAL 42"}`, string(status.Result))
	assert.NotNil(t, status.CompletedAt)
}

func TestBadRequests(t *testing.T) {
	env := newTestEnv(t, defaultCreds(), withBodyLimit(64))

	tests := []struct {
		name string
		body string
		code int
		kind string
	}{
		{name: "empty body", body: "", code: http.StatusBadRequest, kind: kindBadRequest},
		{name: "not json", body: "{nope", code: http.StatusBadRequest, kind: kindBadRequest},
		{name: "unknown field", body: `{"payload":{},"owner":"globex"}`, code: http.StatusBadRequest, kind: kindBadRequest},
		{name: "missing payload", body: `{}`, code: http.StatusBadRequest, kind: kindBadRequest},
		{name: "null payload", body: `{"payload":null}`, code: http.StatusBadRequest, kind: kindBadRequest},
		{name: "too large", body: `{"payload":"` + strings.Repeat("x", 128) + `"}`, code: http.StatusRequestEntityTooLarge, kind: kindTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/jobs", acmeToken, tt.body)
			require.Equal(t, tt.code, rec.Code, rec.Body.String())
			assert.Equal(t, tt.kind, decodeError(t, rec).Kind)
		})
	}
}

func TestWebhookEndpoints(t *testing.T) {
	env := newTestEnv(t, defaultCreds())

	rec := env.do(t, http.MethodPost, "/v1/webhooks", acmeToken, map[string]any{"url": "http://127.0.0.1:9/ocr", "events": []string{"job.completed"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created CreateWebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.Secret, "whsec_"))

	rec = env.do(t, http.MethodGet, "/v1/webhooks", acmeToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.ID)
	assert.NotContains(t, rec.Body.String(), created.Secret, "secret is shown once")

	rec = env.do(t, http.MethodGet, "/v1/webhooks", globexToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"webhooks":[]}`, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/v1/webhooks", acmeToken, map[string]any{"url": "http://169.254.169.254/latest/meta-data"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, kindUnsafe, decodeError(t, rec).Kind)
	assert.NotContains(t, rec.Body.String(), "169.254")

	rec = env.do(t, http.MethodPost, "/v1/webhooks", acmeToken, map[string]any{"url": "http://127.0.0.1:9/ocr", "events": []string{"job.maybe"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/webhooks", acmeToken, map[string]any{"url": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/webhooks/"+created.ID+"/deliveries", acmeToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deliveries":[]}`, rec.Body.String())
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/webhooks/"+created.ID+"/deliveries?limit=0", acmeToken, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/webhooks/"+created.ID+"/deliveries", globexToken, nil).Code)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/v1/webhooks/"+created.ID, globexToken, nil).Code)
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/v1/webhooks/"+created.ID, acmeToken, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/v1/webhooks/"+created.ID, acmeToken, nil).Code)
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, defaultCreds())
	_, err := env.jobs.Submit(context.Background(), "acme", json.RawMessage(`{}`))
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/status", acmeToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "acme", resp.Owner)
	assert.Equal(t, "sqlite", resp.StateBackend)
	assert.Equal(t, "memory", resp.RateLimitBackend)
	assert.Equal(t, 1, resp.PendingJobs)
}

func TestOpenAPIDocument(t *testing.T) {
	env := newTestEnv(t, defaultCreds())

	rec := env.do(t, http.MethodGet, "/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "3.1.0", doc["openapi"])
	paths := doc["paths"].(map[string]any)
	assert.Len(t, paths, 11)

	item := paths["/v1/jobs/{jobID}/status"].(map[string]any)
	put := item["put"].(map[string]any)
	assert.Equal(t, "put_v1_jobs_jobID_status", put["operationId"])
	assert.Equal(t, []any{"jobs:process"}, put["x-required-scopes"])
	assert.Len(t, put["parameters"], 1)

	health := paths["/healthz"].(map[string]any)["get"].(map[string]any)
	assert.NotContains(t, health, "security")
}

type failingJobs struct{ JobService }

func (failingJobs) Pending(context.Context) (int, error) {
	return 0, errors.New("database is locked: /var/lib/ocrgate/state.db")
}

func TestInternalErrorsAreOpaque(t *testing.T) {
	env := newTestEnv(t, defaultCreds())
	env.server.jobs = failingJobs{}

	rec := env.do(t, http.MethodGet, "/v1/status", acmeToken, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, kindInternal, resp.Kind)
	assert.NotContains(t, rec.Body.String(), "state.db")
	assert.NotEmpty(t, resp.RequestID)

	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/healthz", "", nil).Code)
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, defaultCreds())
	rec := env.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, kindNotFound, decodeError(t, rec).Kind)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(0))
	assert.Equal(t, 1, retryAfterSeconds(time.Millisecond))
	assert.Equal(t, 1, retryAfterSeconds(time.Second))
	assert.Equal(t, 2, retryAfterSeconds(1001*time.Millisecond))
}

func TestEventsStreamIsOwnerScoped(t *testing.T) {
	env := newTestEnv(t, defaultCreds())
	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+acmeToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	env.hub.Publish("job.completed", "globex", map[string]string{"job_id": "theirs"})
	env.hub.Publish("auth.failed", "", map[string]string{"client_ip": "203.0.113.7"})
	env.hub.Publish("job.completed", "acme", map[string]string{"job_id": "mine"})

	reader := bufio.NewReader(resp.Body)
	var frame []string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" && len(frame) > 0 {
			break
		}
		if line != "" && !strings.HasPrefix(line, ":") {
			frame = append(frame, line)
		}
	}

	require.Len(t, frame, 3)
	assert.Equal(t, "id: 3", frame[0])
	assert.Equal(t, "event: job.completed", frame[1])
	assert.Equal(t, `data: {"job_id":"mine"}`, frame[2])
}

func openEventStream(t *testing.T, env *testEnv, lastEventID string) *bufio.Reader {
	t.Helper()
	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+acmeToken)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return bufio.NewReader(resp.Body)
}

// readEventIDs reads n frames and returns their id lines.
func readEventIDs(t *testing.T, reader *bufio.Reader, n int) []string {
	t.Helper()
	var ids []string
	for len(ids) < n {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimSpace(strings.TrimPrefix(line, "id: ")))
		}
	}
	return ids
}

func TestEventsStreamResumesAcrossRestart(t *testing.T) {
	env := newTestEnv(t, defaultCreds())
	// A client reconnecting with an id from a previous gateway process.
	reader := openEventStream(t, env, "500")

	for i := 0; i < 3; i++ {
		env.hub.Publish("job.completed", "acme", map[string]int{"n": i})
	}
	assert.Equal(t, []string{"1", "2", "3"}, readEventIDs(t, reader, 3))
}

func TestEventsStreamReplaysWithoutDuplicates(t *testing.T) {
	env := newTestEnv(t, defaultCreds())
	env.hub.Publish("job.completed", "acme", nil)
	env.hub.Publish("job.failed", "acme", nil)

	reader := openEventStream(t, env, "1")
	env.hub.Publish("job.completed", "acme", nil)

	assert.Equal(t, []string{"2", "3"}, readEventIDs(t, reader, 2))
}
