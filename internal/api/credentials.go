// ABOUTME: Credential endpoints: VPN config issuance and download, API keys, revocation
// ABOUTME: Callers see their own credentials; admins see everyone's

package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/2389/tunnelward/internal/access"
	"github.com/2389/tunnelward/internal/apperr"
	"github.com/2389/tunnelward/internal/auth"
	"github.com/2389/tunnelward/internal/issuer"
	"github.com/2389/tunnelward/internal/store"
)

// DownloadPath is where a one-time download handle is redeemed.
const DownloadPath = "/api/v1/downloads/"

// ownerFilter resolves ?principal_id= for list endpoints. Non-admins only
// ever see their own records.
func ownerFilter(authCtx *auth.AuthContext, r *http.Request) (string, error) {
	requested := r.URL.Query().Get("principal_id")
	if requested == "" || requested == authCtx.PrincipalID() {
		return authCtx.PrincipalID(), nil
	}
	if !authCtx.IsAdmin() {
		return "", apperr.New(apperr.KindForbidden, "admin access required")
	}
	return requested, nil
}

func (a *API) handleIssueConfig(w http.ResponseWriter, r *http.Request) {
	var req IssueConfigRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	target, err := access.ParseTarget(trimmed(req.TargetKind), trimmed(req.TargetID))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	authCtx := auth.MustFromContext(r.Context())
	issued, err := a.Issuer.IssueVPNConfig(r.Context(), authCtx.Principal, target, authCtx.PrincipalID())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, IssuedConfigResponse{
		Config:      configResponse(issued.Config, a.now()),
		DownloadURL: DownloadPath + issued.DownloadHandle,
		Routes:      access.PrefixStrings(issued.Routes),
	})
}

func (a *API) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	owner, err := ownerFilter(authCtx, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	configs, err := a.Issuer.ListConfigs(r.Context(), store.ConfigFilter{
		PrincipalID:   owner,
		TargetID:      q.Get("target_id"),
		Kind:          store.ConfigKind(q.Get("kind")),
		OnlyUnrevoked: q.Get("unrevoked") == "true",
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	now := a.now()
	resp := make([]ConfigResponse, 0, len(configs))
	for _, c := range configs {
		resp = append(resp, configResponse(c, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"configs": resp})
}

// ownedConfig loads a config the caller may see. Someone else's config is
// reported as missing.
func (a *API) ownedConfig(r *http.Request) (*store.VPNConfig, error) {
	c, err := a.Issuer.GetConfig(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if err := requireOwnerOrAdmin(auth.MustFromContext(r.Context()), c.PrincipalID); err != nil {
		return nil, apperr.New(apperr.KindNotFound, "vpn config not found")
	}
	return c, nil
}

func (a *API) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	c, err := a.ownedConfig(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, configResponse(c, a.now()))
}

func (a *API) handleRevokeConfig(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	c, err := a.ownedConfig(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	already, err := a.Ledger.Revoke(r.Context(), c.CredentialKind(), c.ID, req.Reason, a.actor(r.Context()))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RevokeResponse{CredentialID: c.ID, AlreadyRevoked: already})
}

// handleDownload redeems a one-time handle. The handle is the credential,
// so the route is unauthenticated.
func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	c, content, err := a.Issuer.Download(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-openvpn-profile")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", c.FileName))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (a *API) handleIssueAPIKey(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	if authCtx.Method == auth.MethodAPIKey {
		apperr.WriteHTTP(w, apperr.New(apperr.KindForbidden, "api keys cannot create api keys"))
		return
	}
	var req APIKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	expiresAt, err := parseTimeParam("expires_at", derefString(req.ExpiresAt))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	issued, err := a.Issuer.IssueAPIKey(r.Context(), authCtx.Principal, issuer.APIKeyRequest{
		OwnerID:   trimmed(req.PrincipalID),
		Name:      req.Name,
		Scopes:    req.Scopes,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, IssuedAPIKeyResponse{
		APIKeyResponse: apiKeyResponse(issued.Key),
		Secret:         issued.Secret,
	})
}

func (a *API) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFilter(auth.MustFromContext(r.Context()), r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	keys, err := a.Issuer.ListAPIKeys(r.Context(), owner)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := make([]APIKeyResponse, 0, len(keys))
	for _, k := range keys {
		resp = append(resp, apiKeyResponse(k))
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_keys": resp})
}

func (a *API) ownedAPIKey(r *http.Request) (*store.APIKey, error) {
	k, err := a.Issuer.GetAPIKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if err := requireOwnerOrAdmin(auth.MustFromContext(r.Context()), k.PrincipalID); err != nil {
		return nil, apperr.New(apperr.KindNotFound, "api key not found")
	}
	return k, nil
}

func (a *API) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	k, err := a.ownedAPIKey(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	already, err := a.Ledger.RevokeAPIKey(r.Context(), k.ID, req.Reason, a.actor(r.Context()))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RevokeResponse{CredentialID: k.ID, AlreadyRevoked: already})
}

func (a *API) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	k, err := a.ownedAPIKey(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.Issuer.DeleteAPIKey(r.Context(), k.ID, a.actor(r.Context())); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
