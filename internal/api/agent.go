// ABOUTME: Endpoints for gateway, hub and spoke agents authenticated by SSH signature
// ABOUTME: Heartbeats, credential verification at connect time, and state sync

package api

import (
	"net/http"

	"github.com/2389/tunnelward/internal/apperr"
	"github.com/2389/tunnelward/internal/auth"
	"github.com/2389/tunnelward/internal/issuer"
	"github.com/2389/tunnelward/internal/store"
)

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	ServerTime string `json:"server_time"`
}

func (a *API) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	agent := auth.MustFromContext(r.Context()).Agent
	a.Heartbeats.Beat(agent.Kind, agent.ID)
	writeJSON(w, http.StatusOK, HeartbeatResponse{
		ID:         agent.ID,
		Kind:       string(agent.Kind),
		ServerTime: formatTime(a.now()),
	})
}

// handleAgentVerify checks a credential a client presented to the calling
// gateway or hub. The credential must have been issued for that node. The
// caller only learns that verification failed; the reason is logged here.
func (a *API) handleAgentVerify(w http.ResponseWriter, r *http.Request) {
	agent := auth.MustFromContext(r.Context()).Agent
	if agent.Kind == store.HeartbeatSpoke {
		apperr.WriteHTTP(w, apperr.New(apperr.KindForbidden, "spokes do not terminate client tunnels"))
		return
	}

	var req issuer.Presented
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	req.GatewayID = agent.ID

	v, err := a.Issuer.VerifyCredential(r.Context(), req)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindUnavailable, apperr.KindInternal:
			a.writeError(w, r, err)
		default:
			a.logger.Info("credential rejected", "agent_id", agent.ID, "agent_kind", agent.Kind,
				"kind", apperr.KindOf(err), "reason", apperr.MessageOf(err))
			apperr.WriteHTTP(w, apperr.New(apperr.KindUnauthorized, "credential rejected"))
		}
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleAgentSync returns what an agent needs to reconcile: its own tunnel
// settings, the trust anchor and the revoked serials.
func (a *API) handleAgentSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agent := auth.MustFromContext(ctx).Agent

	active, err := a.CA.Active(ctx)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	revoked, err := a.Store.ListRevokedSerials(ctx, a.now())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	serials := make([]string, 0, len(revoked))
	for _, rs := range revoked {
		serials = append(serials, rs.Serial)
	}

	resp := SyncResponse{
		Kind:           string(agent.Kind),
		ID:             agent.ID,
		Name:           agent.Name,
		CAFingerprint:  active.Fingerprint,
		CACertPEM:      active.CertPEM,
		RevokedSerials: serials,
		GeneratedAt:    formatTime(a.now()),
	}

	var settings *store.TunnelSettings
	switch agent.Kind {
	case store.HeartbeatGateway:
		g, err := a.Store.GetGateway(ctx, agent.ID)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		resp.IsActive = g.IsActive
		settings = &g.TunnelSettings
	case store.HeartbeatHub:
		h, err := a.Store.GetMeshHub(ctx, agent.ID)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		resp.IsActive = h.IsActive
		settings = &h.TunnelSettings
	case store.HeartbeatSpoke:
		sp, err := a.Store.GetMeshSpoke(ctx, agent.ID)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		resp.IsActive = sp.IsActive
	}
	if settings != nil {
		body := tunnelBody(*settings)
		resp.Tunnel = &body
		resp.TLSAuthKey = settings.TLSAuthKey
	}
	writeJSON(w, http.StatusOK, resp)
}
