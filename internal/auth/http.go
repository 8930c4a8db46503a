// ABOUTME: HTTP middleware authenticating admin API requests by session JWT or API key
// ABOUTME: Also provides admin and scope gates used per route

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/tunnelward/internal/apperr"
	"github.com/2389/tunnelward/internal/identity"
	"github.com/2389/tunnelward/internal/store"
)

// APIKeyPrefix marks bearer tokens that are API keys rather than session JWTs.
const APIKeyPrefix = "twk_"

// PrincipalResolver loads a principal with current groups.
type PrincipalResolver interface {
	Resolve(ctx context.Context, id string) (*identity.Principal, error)
}

// APIKeyAuthenticator verifies API key secrets.
type APIKeyAuthenticator interface {
	AuthenticateAPIKey(ctx context.Context, secret string) (*identity.Principal, *store.APIKey, error)
}

var (
	errMissingAuth = apperr.New(apperr.KindUnauthorized, "missing authorization header")
	errBadScheme   = apperr.New(apperr.KindUnauthorized, "invalid authorization header format")
	errBadToken    = apperr.New(apperr.KindUnauthorized, "invalid token")
	errDisabled    = apperr.New(apperr.KindForbidden, "principal is disabled")
)

// extractBearerToken extracts a bearer token from the Authorization header.
func extractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errMissingAuth
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", errBadScheme
	}
	return strings.TrimSpace(token), nil
}

// Authenticator turns a bearer token into an AuthContext.
type Authenticator struct {
	sessions   TokenVerifier
	keys       APIKeyAuthenticator
	principals PrincipalResolver
	logger     *slog.Logger
}

// NewAuthenticator creates an authenticator for the admin API.
func NewAuthenticator(sessions TokenVerifier, keys APIKeyAuthenticator, principals PrincipalResolver) *Authenticator {
	return &Authenticator{
		sessions:   sessions,
		keys:       keys,
		principals: principals,
		logger:     slog.Default().With("component", "auth"),
	}
}

// Authenticate resolves the request's credentials.
func (a *Authenticator) Authenticate(r *http.Request) (*AuthContext, error) {
	token, err := extractBearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(token, APIKeyPrefix) {
		p, key, err := a.keys.AuthenticateAPIKey(r.Context(), token)
		if err != nil {
			a.logger.Info("api key rejected", "kind", apperr.KindOf(err), "error", err)
			return nil, apperr.Wrap(apperr.KindUnauthorized, "invalid api key", err)
		}
		if !p.IsActive {
			return nil, errDisabled
		}
		return &AuthContext{Principal: p, Method: MethodAPIKey, APIKeyID: key.ID, Scopes: key.Scopes}, nil
	}

	principalID, err := a.sessions.Verify(token)
	if err != nil {
		if errors.Is(err, ErrExpiredToken) {
			return nil, apperr.New(apperr.KindUnauthorized, "session expired")
		}
		return nil, errBadToken
	}
	p, err := a.principals.Resolve(r.Context(), principalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindUnauthorized, "principal not found")
	}
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, errDisabled
	}
	return &AuthContext{Principal: p, Method: MethodSession}, nil
}

// Middleware requires a valid session token or API key.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx, err := a.Authenticate(r)
		if err != nil {
			apperr.WriteHTTP(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
	})
}

// RequireAdmin rejects callers that are not admin principals. Must be used
// after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := FromContext(r.Context())
		if authCtx == nil {
			apperr.WriteHTTP(w, apperr.New(apperr.KindUnauthorized, "not authenticated"))
			return
		}
		if !authCtx.IsAdmin() {
			apperr.WriteHTTP(w, apperr.New(apperr.KindForbidden, "admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireScope rejects API keys whose scopes do not cover action on
// resource. Sessions pass through. Must be used after Middleware.
func RequireScope(action Action, resource string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				apperr.WriteHTTP(w, apperr.New(apperr.KindUnauthorized, "not authenticated"))
				return
			}
			if !authCtx.Allows(action, resource) {
				apperr.WriteHTTP(w, apperr.Newf(apperr.KindForbidden, "api key lacks %s:%s scope", action, resource))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ScopeByMethod picks read for safe methods and write for everything else.
func ScopeByMethod(resource string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		read := RequireScope(ActionRead, resource)(next)
		write := RequireScope(ActionWrite, resource)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				read.ServeHTTP(w, r)
			default:
				write.ServeHTTP(w, r)
			}
		})
	}
}
