package api

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/mattjoyce/ocrgate/internal/auth"
)

type route struct {
	method  string
	pattern string
	public  bool
	scopes  []string
	summary string
	codes   []int
	handler func(*Server, http.ResponseWriter, *http.Request)
}

// routes is the whole HTTP surface. Handler and the OpenAPI document are
// both built from it. It is filled in init because handleOpenAPI reads it.
var routes []route

func init() {
	routes = []route{
		{method: http.MethodGet, pattern: "/healthz", public: true, summary: "Liveness and pending job depth", codes: []int{200, 429, 503}, handler: (*Server).handleHealthz},
		{method: http.MethodGet, pattern: "/openapi.json", public: true, summary: "This document", codes: []int{200, 429}, handler: (*Server).handleOpenAPI},
		{method: http.MethodGet, pattern: "/v1/status", summary: "Gateway status for the caller", codes: []int{200, 401, 429}, handler: (*Server).handleStatus},

		{method: http.MethodPost, pattern: "/v1/jobs", scopes: []string{auth.ScopeJobsWrite}, summary: "Submit an OCR job", codes: []int{202, 400, 401, 403, 413, 429}, handler: (*Server).handleSubmitJob},
		{method: http.MethodPost, pattern: "/v1/jobs/claim", scopes: []string{auth.ScopeJobsWorker}, summary: "Claim the oldest pending job for processing", codes: []int{200, 204, 401, 403, 429}, handler: (*Server).handleClaimJob},
		{method: http.MethodGet, pattern: "/v1/jobs/{jobID}", scopes: []string{auth.ScopeJobsRead}, summary: "Get one of your jobs", codes: []int{200, 401, 403, 404, 429}, handler: (*Server).handleGetJob},
		{method: http.MethodPut, pattern: "/v1/jobs/{jobID}/status", scopes: []string{auth.ScopeJobsWorker}, summary: "Report a job status change", codes: []int{200, 400, 401, 403, 404, 409, 429}, handler: (*Server).handleUpdateJobStatus},

		{method: http.MethodPost, pattern: "/v1/webhooks", scopes: []string{auth.ScopeHooksWrite}, summary: "Register a webhook", codes: []int{201, 400, 401, 403, 422, 429}, handler: (*Server).handleCreateWebhook},
		{method: http.MethodGet, pattern: "/v1/webhooks", scopes: []string{auth.ScopeHooksRead}, summary: "List your webhooks", codes: []int{200, 401, 403, 429}, handler: (*Server).handleListWebhooks},
		{method: http.MethodDelete, pattern: "/v1/webhooks/{hookID}", scopes: []string{auth.ScopeHooksWrite}, summary: "Delete a webhook", codes: []int{204, 401, 403, 404, 429}, handler: (*Server).handleDeleteWebhook},
		{method: http.MethodGet, pattern: "/v1/webhooks/{hookID}/deliveries", scopes: []string{auth.ScopeHooksRead}, summary: "Delivery attempt history", codes: []int{200, 401, 403, 404, 429}, handler: (*Server).handleListDeliveries},

		{method: http.MethodGet, pattern: "/v1/events", scopes: []string{auth.ScopeEventsRead}, summary: "Server-sent event stream of your jobs and deliveries", codes: []int{200, 401, 403, 429}, handler: (*Server).handleEvents},
	}
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the route table.
func buildOpenAPIDoc(title, version string) map[string]any {
	paths := map[string]any{}
	for _, rt := range routes {
		item, _ := paths[rt.pattern].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.pattern] = item
		}

		responses := map[string]any{}
		for _, code := range rt.codes {
			responses[strconv.Itoa(code)] = map[string]any{"description": http.StatusText(code)}
		}
		op := map[string]any{
			"operationId": operationID(rt),
			"summary":     rt.summary,
			"responses":   responses,
		}
		if !rt.public {
			op["security"] = []any{
				map[string]any{"BearerAuth": []string{}},
				map[string]any{"APIKeyAuth": []string{}},
			}
			if len(rt.scopes) > 0 {
				scopes := append([]string(nil), rt.scopes...)
				sort.Strings(scopes)
				op["x-required-scopes"] = scopes
			}
		}
		if params := pathParams(rt.pattern); len(params) > 0 {
			op["parameters"] = params
		}
		item[strings.ToLower(rt.method)] = op
	}

	if version == "" {
		version = "dev"
	}
	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   title,
			"version": version,
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{"type": "http", "scheme": "bearer"},
				"APIKeyAuth": map[string]any{"type": "apiKey", "in": "header", "name": "X-API-Key"},
			},
		},
	}
}

func operationID(rt route) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(rt.method))
	for _, part := range strings.Split(strings.Trim(rt.pattern, "/"), "/") {
		part = strings.Trim(part, "{}")
		part = strings.NewReplacer(".", "_", "-", "_").Replace(part)
		b.WriteString("_")
		b.WriteString(part)
	}
	return b.String()
}

func pathParams(pattern string) []any {
	var out []any
	for _, part := range strings.Split(pattern, "/") {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			out = append(out, map[string]any{
				"name":     strings.Trim(part, "{}"),
				"in":       "path",
				"required": true,
				"schema":   map[string]any{"type": "string"},
			})
		}
	}
	return out
}
