package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Scopes understood by the API. ":rw" implies ":ro".
const (
	ScopeAll        = "*"
	ScopeJobsRead   = "jobs:ro"
	ScopeJobsWrite  = "jobs:rw"
	ScopeJobsWorker = "jobs:process"
	ScopeHooksRead  = "webhooks:ro"
	ScopeHooksWrite = "webhooks:rw"
	ScopeEventsRead = "events:ro"
)

var (
	errMissingCredential = errors.New("missing credential")
	errMalformedHeader   = errors.New("invalid Authorization header format")
)

// Principal is the authenticated caller. Owner is the identity jobs and
// webhook registrations are bound to; Fingerprint keys per-caller state
// without retaining the credential itself.
type Principal struct {
	Owner       string
	Fingerprint string
	Scopes      map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractCredential reads "Authorization: Bearer <token>" or, failing that, "X-API-Key".
func ExtractCredential(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) {
			return "", errMalformedHeader
		}
		token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
		if token == "" {
			return "", errMissingCredential
		}
		return token, nil
	}

	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, nil
	}
	return "", errMissingCredential
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}

	// Write implies read for well-known resources.
	if _, ok := out[ScopeJobsWrite]; ok {
		out[ScopeJobsRead] = struct{}{}
	}
	if _, ok := out[ScopeHooksWrite]; ok {
		out[ScopeHooksRead] = struct{}{}
	}
	return out
}

func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if p.IsAdmin() {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the principal holds the wildcard scope.
func (p Principal) IsAdmin() bool {
	_, ok := p.Scopes[ScopeAll]
	return ok
}
