// ABOUTME: Session endpoints: local login, trusted SSO login and the caller's own view
// ABOUTME: SSO logins are posted by an identity-aware proxy holding the shared secret

package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/2389/tunnelward/internal/access"
	"github.com/2389/tunnelward/internal/apperr"
	"github.com/2389/tunnelward/internal/auth"
	"github.com/2389/tunnelward/internal/identity"
)

// SSOSecretHeader carries the shared secret on POST /auth/sso.
const SSOSecretHeader = "X-Tunnelward-SSO-Secret"

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	p, err := a.Identity.LoginLocal(r.Context(), req.Email, req.Password)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeSession(w, r, p)
}

func (a *API) handleSSO(w http.ResponseWriter, r *http.Request) {
	presented := r.Header.Get(SSOSecretHeader)
	if a.SSOSecret == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(a.SSOSecret)) != 1 {
		apperr.WriteHTTP(w, apperr.New(apperr.KindUnauthorized, "invalid sso secret"))
		return
	}
	var claims identity.Claims
	if err := decodeJSON(w, r, &claims); err != nil {
		a.writeError(w, r, err)
		return
	}
	p, err := a.Identity.LoginSSO(r.Context(), claims)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeSession(w, r, p)
}

func (a *API) writeSession(w http.ResponseWriter, r *http.Request, p *identity.Principal) {
	token, err := a.Sessions.Generate(p.ID, a.SessionTTL)
	if err != nil {
		a.writeError(w, r, apperr.Wrap(apperr.KindInternal, "issuing session", err))
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{
		Token:     token,
		ExpiresAt: formatTime(a.now().Add(a.SessionTTL)),
		Principal: principalFromIdentity(p),
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	writeJSON(w, http.StatusOK, principalFromIdentity(authCtx.Principal))
}

// handleMyRoutes returns everything the caller can reach right now.
func (a *API) handleMyRoutes(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	summary, err := a.Resolver.Summarize(r.Context(), authCtx.Principal)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleAccessCheck answers one access question. Admins may ask about any
// principal through ?principal_id=.
func (a *API) handleAccessCheck(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	q := r.URL.Query()

	target, err := access.ParseTarget(q.Get("kind"), q.Get("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	p := authCtx.Principal
	if id := q.Get("principal_id"); id != "" && id != p.ID {
		if !authCtx.IsAdmin() {
			apperr.WriteHTTP(w, apperr.New(apperr.KindForbidden, "admin access required"))
			return
		}
		if p, err = a.Identity.Resolve(r.Context(), id); err != nil {
			a.writeError(w, r, err)
			return
		}
	}

	allowed, err := a.Resolver.CanAccess(r.Context(), p, target)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AccessCheckResponse{
		PrincipalID: p.ID,
		Kind:        string(target.Kind),
		ID:          target.ID,
		Allowed:     allowed,
	})
}
