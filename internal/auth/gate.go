package auth

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/zeebo/blake3"
)

// MinCredentialLength is the shortest credential the gate will consider.
const MinCredentialLength = 32

var (
	// ErrUnauthenticated covers missing, malformed, short and unknown credentials.
	ErrUnauthenticated = errors.New("authentication failed")
	// ErrNoCredentials is returned for every request when nothing is configured.
	ErrNoCredentials = fmt.Errorf("%w: no credentials configured", ErrUnauthenticated)
)

// Credential is a named secret with the scopes it grants.
type Credential struct {
	Name   string
	Token  string
	Scopes []string
}

type entry struct {
	owner  string
	digest [32]byte
	scopes map[string]struct{}
}

// Gate authenticates presented credentials against an atomically swappable set.
type Gate struct {
	set atomic.Pointer[[]entry]
}

// NewGate builds a gate. An empty credential list is allowed and rejects everything.
func NewGate(creds []Credential) (*Gate, error) {
	g := &Gate{}
	if err := g.Reload(creds); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload replaces the credential set. On error the previous set stays active.
func (g *Gate) Reload(creds []Credential) error {
	entries := make([]entry, 0, len(creds))
	seen := make(map[string]bool, len(creds))
	for i, c := range creds {
		if c.Name == "" {
			return fmt.Errorf("credential %d: name is required", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("credential %q: duplicate name", c.Name)
		}
		seen[c.Name] = true
		if len(c.Token) < MinCredentialLength {
			return fmt.Errorf("credential %q: token shorter than %d characters", c.Name, MinCredentialLength)
		}
		entries = append(entries, entry{
			owner:  c.Name,
			digest: blake3.Sum256([]byte(c.Token)),
			scopes: normalizeScopes(c.Scopes),
		})
	}
	g.set.Store(&entries)
	return nil
}

// Configured reports whether at least one credential is loaded.
func (g *Gate) Configured() bool {
	set := g.set.Load()
	return set != nil && len(*set) > 0
}

// Authenticate resolves a presented credential to a principal. Every
// configured entry is compared so timing does not depend on which one matched.
func (g *Gate) Authenticate(presented string) (Principal, error) {
	set := g.set.Load()
	if set == nil || len(*set) == 0 {
		return Principal{}, ErrNoCredentials
	}
	if len(presented) < MinCredentialLength {
		return Principal{}, ErrUnauthenticated
	}

	digest := blake3.Sum256([]byte(presented))
	match := -1
	for i := range *set {
		if subtle.ConstantTimeCompare(digest[:], (*set)[i].digest[:]) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return Principal{}, ErrUnauthenticated
	}

	e := (*set)[match]
	return Principal{
		Owner:       e.owner,
		Fingerprint: Fingerprint(presented),
		Scopes:      e.scopes,
	}, nil
}

// Fingerprint is a short BLAKE3 digest of a credential, safe to use as a map or store key.
func Fingerprint(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:16])
}
