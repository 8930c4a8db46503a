// ABOUTME: HTTP API for the admin console and gateway/hub agents
// ABOUTME: chi routes, JSON helpers and request instrumentation

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/tunnelward/internal/access"
	"github.com/2389/tunnelward/internal/apperr"
	"github.com/2389/tunnelward/internal/auth"
	"github.com/2389/tunnelward/internal/ca"
	"github.com/2389/tunnelward/internal/heartbeat"
	"github.com/2389/tunnelward/internal/identity"
	"github.com/2389/tunnelward/internal/issuer"
	"github.com/2389/tunnelward/internal/metrics"
	"github.com/2389/tunnelward/internal/revocation"
	"github.com/2389/tunnelward/internal/store"
)

const maxBodyBytes = 1 << 20

// Deps are the engine components the API serves.
type Deps struct {
	Store      *store.SQLiteStore
	Identity   *identity.Service
	Resolver   *access.Resolver
	Issuer     *issuer.Issuer
	Ledger     *revocation.Ledger
	CA         *ca.Manager
	Heartbeats *heartbeat.Tracker
	Sessions   *auth.JWTVerifier
	AgentAuth  *auth.SSHVerifier
	Metrics    *metrics.Metrics

	SessionTTL  time.Duration
	SSOSecret   string        // empty disables /auth/sso
	CRLValidity time.Duration // nextUpdate window on published CRLs
}

// API serves the HTTP endpoints.
type API struct {
	Deps
	authn  *auth.Authenticator
	logger *slog.Logger
	now    func() time.Time
}

// New creates the API.
func New(d Deps) *API {
	if d.SessionTTL <= 0 {
		d.SessionTTL = 12 * time.Hour
	}
	if d.CRLValidity <= 0 {
		d.CRLValidity = 24 * time.Hour
	}
	return &API{
		Deps:   d,
		authn:  auth.NewAuthenticator(d.Sessions, d.Issuer, d.Identity),
		logger: slog.Default().With("component", "api"),
		now:    time.Now,
	}
}

// Handler returns the router with every endpoint mounted.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(a.instrument)

	r.Get("/health", a.handleHealth)
	r.Get("/health/ready", a.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)
		r.Post("/auth/sso", a.handleSSO)
		r.Get("/ca/certificate.pem", a.handleCACertificate)
		r.Get("/ca/crl.pem", a.handleCRL)
		r.Get("/downloads/{handle}", a.handleDownload)

		r.Group(func(r chi.Router) {
			r.Use(a.authn.Middleware)

			r.Get("/me", a.handleMe)
			r.With(auth.RequireScope(auth.ActionRead, auth.ResourceAccess)).Get("/me/routes", a.handleMyRoutes)
			r.With(auth.RequireScope(auth.ActionRead, auth.ResourceAccess)).Get("/access/check", a.handleAccessCheck)

			r.Route("/configs", func(r chi.Router) {
				r.Use(auth.ScopeByMethod(auth.ResourceConfigs))
				r.Post("/", a.handleIssueConfig)
				r.Get("/", a.handleListConfigs)
				r.Get("/{id}", a.handleGetConfig)
				r.Post("/{id}/revoke", a.handleRevokeConfig)
			})

			r.Route("/api-keys", func(r chi.Router) {
				r.Use(auth.ScopeByMethod(auth.ResourceAPIKeys))
				r.Post("/", a.handleIssueAPIKey)
				r.Get("/", a.handleListAPIKeys)
				r.Post("/{id}/revoke", a.handleRevokeAPIKey)
				r.Delete("/{id}", a.handleDeleteAPIKey)
			})

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireAdmin)
				a.mountAdmin(r)
			})
		})
	})

	r.Route("/agent/v1", func(r chi.Router) {
		r.Use(auth.AgentMiddleware(a.AgentAuth, a.Store))
		r.Post("/heartbeat", a.handleAgentHeartbeat)
		r.Post("/verify", a.handleAgentVerify)
		r.Get("/sync", a.handleAgentSync)
		r.Get("/crl.pem", a.handleCRL)
	})

	return r
}

func (a *API) mountAdmin(r chi.Router) {
	r.Route("/principals", func(r chi.Router) {
		r.Use(auth.ScopeByMethod(auth.ResourcePrincipals))
		r.Get("/", a.handleListPrincipals)
		r.Post("/", a.handleCreatePrincipal)
		r.Get("/{id}", a.handleGetPrincipal)
		r.Put("/{id}", a.handleUpdatePrincipal)
		r.Delete("/{id}", a.handleDeletePrincipal)
		r.Post("/{id}/revoke-all", a.handleRevokeAll)
		r.Delete("/{id}/api-keys", a.handleDeletePrincipalAPIKeys)
	})

	r.Route("/groups", func(r chi.Router) {
		r.Use(auth.ScopeByMethod(auth.ResourceGroups))
		r.Get("/", a.handleListGroups)
		r.Post("/", a.handleCreateGroup)
		r.Delete("/{name}", a.handleDeleteGroup)
		r.Get("/{name}/members", a.handleListGroupMembers)
		r.Put("/{name}/members/{principalID}", a.handleAddGroupMember)
		r.Delete("/{name}/members/{principalID}", a.handleRemoveGroupMember)
	})

	r.Route("/gateways", func(r chi.Router) {
		r.Use(auth.ScopeByMethod(auth.ResourceGateways))
		r.Get("/", a.handleListGateways)
		r.Post("/", a.handleCreateGateway)
		r.Get("/{id}", a.handleGetGateway)
		r.Put("/{id}", a.handleUpdateGateway)
		r.Delete("/{id}", a.handleDeleteGateway)
	})

	r.Route("/networks", func(r chi.Router) {
		r.Use(auth.ScopeByMethod(auth.ResourceNetworks))
		r.Get("/", a.handleListNetworks)
		r.Post("/", a.handleCreateNetwork)
		r.Get("/{id}", a.handleGetNetwork)
		r.Put("/{id}", a.handleUpdateNetwork)
		r.Delete("/{id}", a.handleDeleteNetwork)
	})

	r.Route("/rules", func(r chi.Router) {
		r.Use(auth.ScopeByMethod(auth.ResourceRules))
		r.Get("/", a.handleListRules)
		r.Post("/", a.handleCreateRule)
		r.Get("/{id}", a.handleGetRule)
		r.Put("/{id}", a.handleUpdateRule)
		r.Delete("/{id}", a.handleDeleteRule)
	})

	r.Route("/proxy-apps", func(r chi.Router) {
		r.Use(auth.ScopeByMethod(auth.ResourceProxyApps))
		r.Get("/", a.handleListProxyApps)
		r.Post("/", a.handleCreateProxyApp)
		r.Get("/{id}", a.handleGetProxyApp)
		r.Put("/{id}", a.handleUpdateProxyApp)
		r.Delete("/{id}", a.handleDeleteProxyApp)
	})

	r.Route("/mesh", func(r chi.Router) {
		r.Use(auth.ScopeByMethod(auth.ResourceMesh))
		r.Get("/hubs", a.handleListHubs)
		r.Post("/hubs", a.handleCreateHub)
		r.Get("/hubs/{id}", a.handleGetHub)
		r.Put("/hubs/{id}", a.handleUpdateHub)
		r.Delete("/hubs/{id}", a.handleDeleteHub)
		r.Get("/spokes", a.handleListSpokes)
		r.Post("/spokes", a.handleCreateSpoke)
		r.Get("/spokes/{id}", a.handleGetSpoke)
		r.Put("/spokes/{id}", a.handleUpdateSpoke)
		r.Delete("/spokes/{id}", a.handleDeleteSpoke)
	})

	r.Route("/assignments", func(r chi.Router) {
		r.Use(auth.ScopeByMethod(auth.ResourceAssignments))
		r.Get("/", a.handleListAssignments)
		r.Post("/", a.handleAssign)
		r.Delete("/", a.handleUnassign)
	})

	r.Route("/ca", func(r chi.Router) {
		r.Use(auth.ScopeByMethod(auth.ResourceCA))
		r.Get("/", a.handleCAInfo)
		r.Get("/history", a.handleCAHistory)
		r.Post("/rotate", a.handleRotateCA)
		r.Post("/import", a.handleImportCA)
	})

	r.With(auth.RequireScope(auth.ActionRead, auth.ResourceAudit)).Get("/audit", a.handleAudit)
	r.With(auth.RequireScope(auth.ActionRead, auth.ResourceConfigs)).Get("/revocations", a.handleRevocations)
	r.With(auth.RequireScope(auth.ActionRead, auth.ResourceGateways)).Get("/status/gateways", a.handleGatewayStatuses)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports ready once the database answers and an active CA is
// loaded. Without a CA no credential can be issued or verified.
func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"database": "ok", "ca": "ok"}
	ready := true
	if err := a.Store.Ping(r.Context()); err != nil {
		checks["database"] = err.Error()
		ready = false
	}
	if !a.CA.Ready() {
		checks["ca"] = "no active CA"
		ready = false
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		a.Metrics.HTTPRequest(route, r.Method, rec.status, time.Since(start))
		if rec.status >= http.StatusInternalServerError {
			a.logger.Error("request failed", "method", r.Method, "route", route, "status", rec.status)
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError logs internal failures before writing the envelope. Internal
// details never reach the client.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		a.logger.Error("internal error", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	apperr.WriteHTTP(w, err)
}

// decodeJSON reads a JSON body, rejecting unknown fields and trailing data.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.New(apperr.KindValidation, "request body is required")
		}
		return apperr.Wrap(apperr.KindValidation, "invalid request body", err)
	}
	if dec.More() {
		return apperr.New(apperr.KindValidation, "request body must contain a single JSON object")
	}
	return nil
}

func (a *API) actor(ctx context.Context) string {
	if authCtx := auth.FromContext(ctx); authCtx != nil && authCtx.PrincipalID() != "" {
		return authCtx.PrincipalID()
	}
	return store.ActorSystem
}

func (a *API) audit(ctx context.Context, action store.AuditAction, targetType, targetID string, detail map[string]any) {
	err := a.Store.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      a.actor(ctx),
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	})
	if err != nil {
		a.logger.Error("writing audit entry", "action", action, "target_id", targetID, "error", err)
	}
}

// requireOwnerOrAdmin allows the owner of a resource or any admin.
func requireOwnerOrAdmin(authCtx *auth.AuthContext, ownerID string) error {
	if authCtx.IsAdmin() || authCtx.PrincipalID() == ownerID {
		return nil
	}
	return apperr.New(apperr.KindNotFound, "not found")
}

func trimmed(s string) string { return strings.TrimSpace(s) }
