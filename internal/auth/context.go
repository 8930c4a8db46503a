// ABOUTME: Authentication context carried through request handlers
// ABOUTME: Holds the caller's principal, how they authenticated, and any key scopes

package auth

import (
	"context"

	"github.com/2389/tunnelward/internal/identity"
	"github.com/2389/tunnelward/internal/store"
)

// Method is how a request authenticated.
type Method string

const (
	MethodSession Method = "session"
	MethodAPIKey  Method = "api_key"
	MethodAgent   Method = "agent"
)

// Agent is a gateway, hub or spoke agent identified by its SSH key.
type Agent struct {
	Kind        store.HeartbeatTarget
	ID          string
	Name        string
	Fingerprint string
}

// AuthContext holds the authenticated identity of a request.
type AuthContext struct {
	Principal *identity.Principal // nil for agents
	Method    Method
	APIKeyID  string   // set for MethodAPIKey
	Scopes    []string // set for MethodAPIKey; sessions are unscoped
	Agent     *Agent   // set for MethodAgent
}

// PrincipalID returns the caller's principal ID, or "" for agents.
func (a *AuthContext) PrincipalID() string {
	if a.Principal == nil {
		return ""
	}
	return a.Principal.ID
}

// IsAdmin reports whether the caller is an admin principal.
func (a *AuthContext) IsAdmin() bool {
	return a.Principal != nil && a.Principal.IsAdmin
}

// Allows reports whether the credential permits action on resource. Scopes
// only ever narrow: an admin's key scoped to read:gateways cannot write.
func (a *AuthContext) Allows(action Action, resource string) bool {
	if a.Method != MethodAPIKey {
		return true
	}
	return ScopesAllow(a.Scopes, action, resource)
}

type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
