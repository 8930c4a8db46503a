// ABOUTME: Admin CRUD for gateways, networks, rules, proxy applications and mesh nodes
// ABOUTME: PUT replaces an object's mutable fields; agent keys are stored as fingerprints

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/tunnelward/internal/apperr"
	"github.com/2389/tunnelward/internal/auth"
	"github.com/2389/tunnelward/internal/store"
)

func (a *API) online(id string) bool {
	return a.Heartbeats != nil && a.Heartbeats.Online(id)
}

// lastSeen prefers the in-memory heartbeat over the persisted one, which
// is written asynchronously.
func (a *API) lastSeen(id string, persisted *time.Time) *string {
	if a.Heartbeats != nil {
		if at, ok := a.Heartbeats.LastSeen(id); ok {
			return formatTimePtr(&at)
		}
	}
	return formatTimePtr(persisted)
}

// agentFingerprint parses an authorized_keys line. An empty key keeps the
// current fingerprint.
func agentFingerprint(key, current string) (string, error) {
	if trimmed(key) == "" {
		return current, nil
	}
	fp, err := auth.ParseFingerprintFromKey(key)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, "agent_pubkey is not a valid SSH public key", err)
	}
	return fp, nil
}

func activeOr(v *bool, current bool) bool {
	if v == nil {
		return current
	}
	return *v
}

// writeObject finishes a create or update: audit, then respond.
func (a *API) writeObject(ctx context.Context, w http.ResponseWriter, created bool, objectType, id string, body any) {
	action, status := store.AuditUpdateObject, http.StatusOK
	if created {
		action, status = store.AuditCreateObject, http.StatusCreated
	}
	a.audit(ctx, action, objectType, id, nil)
	writeJSON(w, status, body)
}

func (a *API) deleteObject(w http.ResponseWriter, r *http.Request, objectType string, del func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	if err := del(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.audit(r.Context(), store.AuditDeleteObject, objectType, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// Gateways

func (a *API) gatewayResponse(g *store.Gateway) GatewayResponse {
	return GatewayResponse{
		ID:            g.ID,
		Name:          g.Name,
		Hostname:      g.Hostname,
		PublicIP:      g.PublicIP,
		Tunnel:        tunnelBody(g.TunnelSettings),
		AgentPubkeyFP: g.AgentPubkeyFP,
		AgentURL:      g.AgentURL,
		IsActive:      g.IsActive,
		Online:        a.online(g.ID),
		LastHeartbeat: a.lastSeen(g.ID, g.LastHeartbeat),
		CreatedAt:     formatTime(g.CreatedAt),
		UpdatedAt:     formatTime(g.UpdatedAt),
	}
}

func (a *API) handleListGateways(w http.ResponseWriter, r *http.Request) {
	gateways, err := a.Store.ListGateways(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := make([]GatewayResponse, 0, len(gateways))
	for _, g := range gateways {
		resp = append(resp, a.gatewayResponse(g))
	}
	writeJSON(w, http.StatusOK, map[string]any{"gateways": resp})
}

func (a *API) handleGetGateway(w http.ResponseWriter, r *http.Request) {
	g, err := a.Store.GetGateway(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.gatewayResponse(g))
}

func (a *API) handleCreateGateway(w http.ResponseWriter, r *http.Request) {
	a.saveGateway(w, r, &store.Gateway{IsActive: true}, true)
}

func (a *API) handleUpdateGateway(w http.ResponseWriter, r *http.Request) {
	g, err := a.Store.GetGateway(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.saveGateway(w, r, g, false)
}

func (a *API) saveGateway(w http.ResponseWriter, r *http.Request, g *store.Gateway, create bool) {
	var req GatewayRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	fp, err := agentFingerprint(req.AgentKey, g.AgentPubkeyFP)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	g.Name = trimmed(req.Name)
	g.Hostname = trimmed(req.Hostname)
	g.PublicIP = trimmed(req.PublicIP)
	req.Tunnel.apply(&g.TunnelSettings)
	g.AgentPubkeyFP = fp
	g.AgentURL = trimmed(req.AgentURL)
	g.IsActive = activeOr(req.IsActive, g.IsActive)

	if create {
		err = a.Store.CreateGateway(r.Context(), g)
	} else {
		err = a.Store.UpdateGateway(r.Context(), g)
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeObject(r.Context(), w, create, "gateway", g.ID, a.gatewayResponse(g))
}

func (a *API) handleDeleteGateway(w http.ResponseWriter, r *http.Request) {
	a.deleteObject(w, r, "gateway", a.Store.DeleteGateway)
}

// Networks

func (a *API) handleListNetworks(w http.ResponseWriter, r *http.Request) {
	networks, err := a.Store.ListNetworks(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := make([]NetworkResponse, 0, len(networks))
	for _, n := range networks {
		resp = append(resp, networkResponse(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{"networks": resp})
}

func (a *API) handleGetNetwork(w http.ResponseWriter, r *http.Request) {
	n, err := a.Store.GetNetwork(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, networkResponse(n))
}

func (a *API) handleCreateNetwork(w http.ResponseWriter, r *http.Request) {
	a.saveNetwork(w, r, &store.Network{IsActive: true}, true)
}

func (a *API) handleUpdateNetwork(w http.ResponseWriter, r *http.Request) {
	n, err := a.Store.GetNetwork(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.saveNetwork(w, r, n, false)
}

func (a *API) saveNetwork(w http.ResponseWriter, r *http.Request, n *store.Network, create bool) {
	var req NetworkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	n.Name = trimmed(req.Name)
	n.CIDR = trimmed(req.CIDR)
	n.Description = trimmed(req.Description)
	n.IsActive = activeOr(req.IsActive, n.IsActive)

	var err error
	if create {
		err = a.Store.CreateNetwork(r.Context(), n)
	} else {
		err = a.Store.UpdateNetwork(r.Context(), n)
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeObject(r.Context(), w, create, "network", n.ID, networkResponse(n))
}

func (a *API) handleDeleteNetwork(w http.ResponseWriter, r *http.Request) {
	a.deleteObject(w, r, "network", a.Store.DeleteNetwork)
}

// Access rules

func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := a.Store.ListAccessRules(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := make([]RuleResponse, 0, len(rules))
	for _, rule := range rules {
		resp = append(resp, ruleResponse(rule))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": resp})
}

func (a *API) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.Store.GetAccessRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleResponse(rule))
}

func (a *API) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	a.saveRule(w, r, &store.AccessRule{IsActive: true}, true)
}

func (a *API) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.Store.GetAccessRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.saveRule(w, r, rule, false)
}

func (a *API) saveRule(w http.ResponseWriter, r *http.Request, rule *store.AccessRule, create bool) {
	var req RuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	rule.Name = trimmed(req.Name)
	rule.Type = store.RuleType(trimmed(req.Type))
	rule.Value = trimmed(req.Value)
	rule.PortRange = trimmed(req.PortRange)
	rule.Protocol = store.RuleProtocol(trimmed(req.Protocol))
	rule.NetworkID = req.NetworkID
	if rule.NetworkID != nil && trimmed(*rule.NetworkID) == "" {
		rule.NetworkID = nil
	}
	rule.IsActive = activeOr(req.IsActive, rule.IsActive)

	var err error
	if create {
		err = a.Store.CreateAccessRule(r.Context(), rule)
	} else {
		err = a.Store.UpdateAccessRule(r.Context(), rule)
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeObject(r.Context(), w, create, "rule", rule.ID, ruleResponse(rule))
}

func (a *API) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	a.deleteObject(w, r, "rule", a.Store.DeleteAccessRule)
}

// Proxy applications

func (a *API) handleListProxyApps(w http.ResponseWriter, r *http.Request) {
	apps, err := a.Store.ListProxyApplications(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := make([]ProxyAppResponse, 0, len(apps))
	for _, app := range apps {
		resp = append(resp, proxyAppResponse(app))
	}
	writeJSON(w, http.StatusOK, map[string]any{"proxy_apps": resp})
}

func (a *API) handleGetProxyApp(w http.ResponseWriter, r *http.Request) {
	app, err := a.Store.GetProxyApplication(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proxyAppResponse(app))
}

func (a *API) handleCreateProxyApp(w http.ResponseWriter, r *http.Request) {
	a.saveProxyApp(w, r, &store.ProxyApplication{IsActive: true}, true)
}

func (a *API) handleUpdateProxyApp(w http.ResponseWriter, r *http.Request) {
	app, err := a.Store.GetProxyApplication(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.saveProxyApp(w, r, app, false)
}

func (a *API) saveProxyApp(w http.ResponseWriter, r *http.Request, app *store.ProxyApplication, create bool) {
	var req ProxyAppRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	app.Name = trimmed(req.Name)
	app.Slug = trimmed(req.Slug)
	app.InternalURL = trimmed(req.InternalURL)
	app.PreserveHostHeader = req.PreserveHostHeader
	app.StripPrefix = req.StripPrefix
	app.WebsocketEnabled = req.WebsocketEnabled
	app.TimeoutSeconds = req.TimeoutSeconds
	app.IsActive = activeOr(req.IsActive, app.IsActive)

	var err error
	if create {
		err = a.Store.CreateProxyApplication(r.Context(), app)
	} else {
		err = a.Store.UpdateProxyApplication(r.Context(), app)
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeObject(r.Context(), w, create, "proxy_app", app.ID, proxyAppResponse(app))
}

func (a *API) handleDeleteProxyApp(w http.ResponseWriter, r *http.Request) {
	a.deleteObject(w, r, "proxy_app", a.Store.DeleteProxyApplication)
}

// Mesh hubs

func (a *API) hubResponse(h *store.MeshHub) HubResponse {
	return HubResponse{
		ID:             h.ID,
		Name:           h.Name,
		PublicEndpoint: h.PublicEndpoint,
		Tunnel:         tunnelBody(h.TunnelSettings),
		AgentPubkeyFP:  h.AgentPubkeyFP,
		AgentURL:       h.AgentURL,
		IsActive:       h.IsActive,
		Online:         a.online(h.ID),
		LastHeartbeat:  a.lastSeen(h.ID, h.LastHeartbeat),
		CreatedAt:      formatTime(h.CreatedAt),
		UpdatedAt:      formatTime(h.UpdatedAt),
	}
}

func (a *API) handleListHubs(w http.ResponseWriter, r *http.Request) {
	hubs, err := a.Store.ListMeshHubs(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := make([]HubResponse, 0, len(hubs))
	for _, h := range hubs {
		resp = append(resp, a.hubResponse(h))
	}
	writeJSON(w, http.StatusOK, map[string]any{"hubs": resp})
}

func (a *API) handleGetHub(w http.ResponseWriter, r *http.Request) {
	h, err := a.Store.GetMeshHub(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.hubResponse(h))
}

func (a *API) handleCreateHub(w http.ResponseWriter, r *http.Request) {
	a.saveHub(w, r, &store.MeshHub{IsActive: true}, true)
}

func (a *API) handleUpdateHub(w http.ResponseWriter, r *http.Request) {
	h, err := a.Store.GetMeshHub(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.saveHub(w, r, h, false)
}

func (a *API) saveHub(w http.ResponseWriter, r *http.Request, h *store.MeshHub, create bool) {
	var req HubRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	fp, err := agentFingerprint(req.AgentKey, h.AgentPubkeyFP)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	h.Name = trimmed(req.Name)
	h.PublicEndpoint = trimmed(req.PublicEndpoint)
	req.Tunnel.apply(&h.TunnelSettings)
	h.AgentPubkeyFP = fp
	h.AgentURL = trimmed(req.AgentURL)
	h.IsActive = activeOr(req.IsActive, h.IsActive)

	if create {
		err = a.Store.CreateMeshHub(r.Context(), h)
	} else {
		err = a.Store.UpdateMeshHub(r.Context(), h)
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeObject(r.Context(), w, create, "mesh_hub", h.ID, a.hubResponse(h))
}

func (a *API) handleDeleteHub(w http.ResponseWriter, r *http.Request) {
	a.deleteObject(w, r, "mesh_hub", a.Store.DeleteMeshHub)
}

// Mesh spokes

func (a *API) spokeResponse(sp *store.MeshSpoke) SpokeResponse {
	networks := sp.LocalNetworks
	if networks == nil {
		networks = []string{}
	}
	return SpokeResponse{
		ID:            sp.ID,
		HubID:         sp.HubID,
		Name:          sp.Name,
		LocalNetworks: networks,
		AgentPubkeyFP: sp.AgentPubkeyFP,
		IsActive:      sp.IsActive,
		Online:        a.online(sp.ID),
		LastHeartbeat: a.lastSeen(sp.ID, sp.LastHeartbeat),
		CreatedAt:     formatTime(sp.CreatedAt),
		UpdatedAt:     formatTime(sp.UpdatedAt),
	}
}

func (a *API) handleListSpokes(w http.ResponseWriter, r *http.Request) {
	spokes, err := a.Store.ListMeshSpokes(r.Context(), r.URL.Query().Get("hub_id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := make([]SpokeResponse, 0, len(spokes))
	for _, sp := range spokes {
		resp = append(resp, a.spokeResponse(sp))
	}
	writeJSON(w, http.StatusOK, map[string]any{"spokes": resp})
}

func (a *API) handleGetSpoke(w http.ResponseWriter, r *http.Request) {
	sp, err := a.Store.GetMeshSpoke(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.spokeResponse(sp))
}

func (a *API) handleCreateSpoke(w http.ResponseWriter, r *http.Request) {
	a.saveSpoke(w, r, &store.MeshSpoke{IsActive: true}, true)
}

func (a *API) handleUpdateSpoke(w http.ResponseWriter, r *http.Request) {
	sp, err := a.Store.GetMeshSpoke(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.saveSpoke(w, r, sp, false)
}

func (a *API) saveSpoke(w http.ResponseWriter, r *http.Request, sp *store.MeshSpoke, create bool) {
	var req SpokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	fp, err := agentFingerprint(req.AgentKey, sp.AgentPubkeyFP)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if create {
		sp.HubID = trimmed(req.HubID)
	} else if req.HubID != "" && req.HubID != sp.HubID {
		apperr.WriteHTTP(w, apperr.New(apperr.KindValidation, "a spoke cannot move to another hub"))
		return
	}
	sp.Name = trimmed(req.Name)
	sp.LocalNetworks = req.LocalNetworks
	sp.AgentPubkeyFP = fp
	sp.IsActive = activeOr(req.IsActive, sp.IsActive)

	if create {
		err = a.Store.CreateMeshSpoke(r.Context(), sp)
	} else {
		err = a.Store.UpdateMeshSpoke(r.Context(), sp)
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeObject(r.Context(), w, create, "mesh_spoke", sp.ID, a.spokeResponse(sp))
}

func (a *API) handleDeleteSpoke(w http.ResponseWriter, r *http.Request) {
	a.deleteObject(w, r, "mesh_spoke", a.Store.DeleteMeshSpoke)
}
