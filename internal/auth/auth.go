// Package auth authenticates API callers by bearer token and checks scopes.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/mattjoyce/foreman/internal/config"
)

// Scopes understood by the API.
const (
	ScopeAll          = "*"
	ScopePlansRead    = "plans:ro"
	ScopePlansWrite   = "plans:rw"
	ScopePlansApprove = "plans:approve"
	ScopeAutonomy     = "autonomy:rw"
	ScopeEvents       = "events:ro"
)

// KnownScopes lists every scope a token may carry.
var KnownScopes = []string{ScopeAll, ScopePlansRead, ScopePlansWrite, ScopePlansApprove, ScopeAutonomy, ScopeEvents}

// Principal is an authenticated caller. Name is recorded as the actor on
// approvals and autonomy changes.
type Principal struct {
	Name   string
	Scopes map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", errors.New("missing API token")
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches a presented bearer token against configured tokens.
func Authenticate(presented string, tokens []config.APIToken) (Principal, bool) {
	for _, t := range tokens {
		if constantTimeEqual(presented, t.Token) {
			return Principal{
				Name:   t.Name,
				Scopes: normalizeScopes(t.Scopes),
			}, true
		}
	}
	return Principal{}, false
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

	// Writing or approving plans implies reading them.
	if _, ok := out[ScopePlansWrite]; ok {
		out[ScopePlansRead] = struct{}{}
	}
	if _, ok := out[ScopePlansApprove]; ok {
		out[ScopePlansRead] = struct{}{}
	}
	return out
}

func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}
