// ABOUTME: Resolver loads a fresh AccessGraph per call and answers access queries
// ABOUTME: Liveness is reported alongside but never feeds an access decision

package access

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/2389/tunnelward/internal/identity"
	"github.com/2389/tunnelward/internal/metrics"
	"github.com/2389/tunnelward/internal/store"
)

// GraphLoader reads a consistent AccessGraph.
type GraphLoader interface {
	LoadAccessGraph(ctx context.Context) (*store.AccessGraph, error)
}

// Liveness reports whether an agent has been heard from recently.
type Liveness interface {
	Online(id string) bool
}

// Resolver answers access questions against the current store state.
type Resolver struct {
	loader  GraphLoader
	live    Liveness
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewResolver creates a resolver. live may be nil, in which case every
// agent is reported offline.
func NewResolver(loader GraphLoader, live Liveness, m *metrics.Metrics) *Resolver {
	return &Resolver{
		loader:  loader,
		live:    live,
		metrics: m,
		logger:  slog.Default().With("component", "access"),
	}
}

// Snapshot loads the graph once. Callers making several decisions about
// the same request should take one snapshot and query it.
func (r *Resolver) Snapshot(ctx context.Context) (*Snapshot, error) {
	g, err := r.loader.LoadAccessGraph(ctx)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(g), nil
}

// CanAccess reports whether p may reach t right now.
func (r *Resolver) CanAccess(ctx context.Context, p *identity.Principal, t Target) (bool, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	ok := snap.CanAccess(p, t)
	r.metrics.AccessDecision(string(t.Kind), ok)
	if !ok {
		r.logger.Debug("access denied", "principal_id", principalID(p), "target_kind", t.Kind, "target_id", t.ID)
	}
	return ok, nil
}

// EffectiveRoutes returns every CIDR p is routed to across reachable gateways.
func (r *Resolver) EffectiveRoutes(ctx context.Context, p *identity.Principal) ([]netip.Prefix, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.EffectiveRoutes(p), nil
}

func (r *Resolver) online(id string) bool {
	return r.live != nil && r.live.Online(id)
}

// GatewayAccess is one reachable gateway in a principal's summary.
type GatewayAccess struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Address string   `json:"address"`
	Online  bool     `json:"online"`
	Routes  []string `json:"routes"`
}

// HubAccess is one reachable mesh hub in a principal's summary.
type HubAccess struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Endpoint string   `json:"endpoint"`
	Online   bool     `json:"online"`
	Routes   []string `json:"routes"`
}

// ProxyAppAccess is one reachable proxy application.
type ProxyAppAccess struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Summary is everything a principal can reach.
type Summary struct {
	Gateways        []GatewayAccess  `json:"gateways"`
	MeshHubs        []HubAccess      `json:"mesh_hubs"`
	ProxyApps       []ProxyAppAccess `json:"proxy_apps"`
	EffectiveRoutes []string         `json:"effective_routes"`
}

// Summarize lists the gateways, hubs and applications p can reach.
func (r *Resolver) Summarize(ctx context.Context, p *identity.Principal) (*Summary, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	sum := &Summary{
		Gateways:        []GatewayAccess{},
		MeshHubs:        []HubAccess{},
		ProxyApps:       []ProxyAppAccess{},
		EffectiveRoutes: PrefixStrings(snap.EffectiveRoutes(p)),
	}
	for _, id := range snap.gatewayOrder {
		if !snap.CanAccess(p, Target{Kind: TargetGateway, ID: id}) {
			continue
		}
		gw := snap.gateways[id]
		sum.Gateways = append(sum.Gateways, GatewayAccess{
			ID:      gw.ID,
			Name:    gw.Name,
			Address: gw.Address(),
			Online:  r.online(gw.ID),
			Routes:  PrefixStrings(snap.GatewayRoutes(p, id)),
		})
	}
	for _, id := range snap.hubOrder {
		if !snap.CanAccess(p, Target{Kind: TargetMeshHub, ID: id}) {
			continue
		}
		h := snap.hubs[id]
		sum.MeshHubs = append(sum.MeshHubs, HubAccess{
			ID:       h.ID,
			Name:     h.Name,
			Endpoint: h.PublicEndpoint,
			Online:   r.online(h.ID),
			Routes:   PrefixStrings(snap.MeshRoutes(p, id)),
		})
	}
	for _, id := range snap.proxyAppOrder {
		if !snap.CanAccess(p, Target{Kind: TargetProxyApp, ID: id}) {
			continue
		}
		app := snap.apps[id]
		sum.ProxyApps = append(sum.ProxyApps, ProxyAppAccess{ID: app.ID, Name: app.Name, Slug: app.Slug})
	}
	return sum, nil
}

// GatewayStatus pairs a gateway with its liveness.
type GatewayStatus struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	IsActive      bool       `json:"is_active"`
	Online        bool       `json:"online"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// GatewayStatuses lists every gateway with its online state.
func (r *Resolver) GatewayStatuses(ctx context.Context) ([]GatewayStatus, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]GatewayStatus, 0, len(snap.gatewayOrder))
	for _, id := range snap.gatewayOrder {
		gw := snap.gateways[id]
		out = append(out, GatewayStatus{
			ID:            gw.ID,
			Name:          gw.Name,
			IsActive:      gw.IsActive,
			Online:        r.online(gw.ID),
			LastHeartbeat: gw.LastHeartbeat,
		})
	}
	return out, nil
}

// PrefixStrings renders prefixes for JSON and config files.
func PrefixStrings(in []netip.Prefix) []string {
	out := make([]string, len(in))
	for i, p := range in {
		out[i] = p.String()
	}
	return out
}

func principalID(p *identity.Principal) string {
	if p == nil {
		return ""
	}
	return p.ID
}
