// ABOUTME: Pure access resolution over a point-in-time AccessGraph
// ABOUTME: Default deny; grants flow from user and group edges, routes from active cidr rules

package access

import (
	"net/netip"
	"slices"
	"strings"

	"github.com/2389/tunnelward/internal/apperr"
	"github.com/2389/tunnelward/internal/identity"
	"github.com/2389/tunnelward/internal/store"
)

// TargetKind names the type of object an access check is about.
type TargetKind string

const (
	TargetGateway   TargetKind = "gateway"
	TargetNetwork   TargetKind = "network"
	TargetRule      TargetKind = "rule"
	TargetProxyApp  TargetKind = "proxy_app"
	TargetMeshHub   TargetKind = "mesh_hub"
	TargetMeshSpoke TargetKind = "mesh_spoke"
)

// Target identifies one object.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

// ParseTarget validates a kind name coming from a request.
func ParseTarget(kind, id string) (Target, error) {
	switch k := TargetKind(kind); k {
	case TargetGateway, TargetNetwork, TargetRule, TargetProxyApp, TargetMeshHub, TargetMeshSpoke:
		if id == "" {
			return Target{}, apperr.New(apperr.KindValidation, "target id is required")
		}
		return Target{Kind: k, ID: id}, nil
	}
	return Target{}, apperr.Newf(apperr.KindValidation, "unknown target kind %q", kind)
}

type edgeKey struct {
	st store.SubjectType
	id string
}

type objectKey struct {
	ot store.ObjectType
	id string
}

// Snapshot indexes an AccessGraph for resolution. It is immutable once
// built and safe for concurrent use.
type Snapshot struct {
	gateways map[string]*store.Gateway
	networks map[string]*store.Network
	rules    map[string]*store.AccessRule
	apps     map[string]*store.ProxyApplication
	hubs     map[string]*store.MeshHub
	spokes   map[string]*store.MeshSpoke

	grants      map[edgeKey]map[objectKey]struct{}
	servedBy    map[string][]string // network -> gateways
	serves      map[string][]string // gateway -> networks
	containedBy map[string][]string // rule -> gateways
	contains    map[string][]string // gateway -> rules
	spokesByHub map[string][]string

	gatewayOrder  []string
	hubOrder      []string
	proxyAppOrder []string
}

// NewSnapshot builds the indexes for g.
func NewSnapshot(g *store.AccessGraph) *Snapshot {
	s := &Snapshot{
		gateways:    make(map[string]*store.Gateway, len(g.Gateways)),
		networks:    make(map[string]*store.Network, len(g.Networks)),
		rules:       make(map[string]*store.AccessRule, len(g.Rules)),
		apps:        make(map[string]*store.ProxyApplication, len(g.ProxyApps)),
		hubs:        make(map[string]*store.MeshHub, len(g.Hubs)),
		spokes:      make(map[string]*store.MeshSpoke, len(g.Spokes)),
		grants:      make(map[edgeKey]map[objectKey]struct{}),
		servedBy:    make(map[string][]string),
		serves:      make(map[string][]string),
		containedBy: make(map[string][]string),
		contains:    make(map[string][]string),
		spokesByHub: make(map[string][]string),
	}
	for _, gw := range g.Gateways {
		s.gateways[gw.ID] = gw
		s.gatewayOrder = append(s.gatewayOrder, gw.ID)
	}
	for _, n := range g.Networks {
		s.networks[n.ID] = n
	}
	for _, r := range g.Rules {
		s.rules[r.ID] = r
	}
	for _, a := range g.ProxyApps {
		s.apps[a.ID] = a
		s.proxyAppOrder = append(s.proxyAppOrder, a.ID)
	}
	for _, h := range g.Hubs {
		s.hubs[h.ID] = h
		s.hubOrder = append(s.hubOrder, h.ID)
	}
	for _, sp := range g.Spokes {
		s.spokes[sp.ID] = sp
		s.spokesByHub[sp.HubID] = append(s.spokesByHub[sp.HubID], sp.ID)
	}

	for _, a := range g.Assignments {
		switch a.SubjectType {
		case store.SubjectUser, store.SubjectGroup:
			k := edgeKey{a.SubjectType, a.SubjectID}
			if s.grants[k] == nil {
				s.grants[k] = make(map[objectKey]struct{})
			}
			s.grants[k][objectKey{a.ObjectType, a.ObjectID}] = struct{}{}
		case store.SubjectNetwork:
			s.servedBy[a.SubjectID] = append(s.servedBy[a.SubjectID], a.ObjectID)
			s.serves[a.ObjectID] = append(s.serves[a.ObjectID], a.SubjectID)
		case store.SubjectRule:
			s.containedBy[a.SubjectID] = append(s.containedBy[a.SubjectID], a.ObjectID)
			s.contains[a.ObjectID] = append(s.contains[a.ObjectID], a.SubjectID)
		}
	}
	return s
}

// granted reports whether p holds an edge to the object, directly or through
// one of its groups.
func (s *Snapshot) granted(p *identity.Principal, ot store.ObjectType, id string) bool {
	obj := objectKey{ot, id}
	if _, ok := s.grants[edgeKey{store.SubjectUser, p.ID}][obj]; ok {
		return true
	}
	for _, g := range p.Groups {
		if _, ok := s.grants[edgeKey{store.SubjectGroup, g}][obj]; ok {
			return true
		}
	}
	return false
}

// CanAccess reports whether p may reach the target. Inactive principals and
// inactive targets are always denied.
func (s *Snapshot) CanAccess(p *identity.Principal, t Target) bool {
	if p == nil || !p.IsActive {
		return false
	}
	switch t.Kind {
	case TargetGateway:
		return s.gatewayAccessible(p, t.ID)
	case TargetNetwork:
		return s.networkAccessible(p, t.ID)
	case TargetRule:
		return s.ruleAccessible(p, t.ID)
	case TargetProxyApp:
		app, ok := s.apps[t.ID]
		return ok && app.IsActive && s.granted(p, store.ObjectProxyApp, t.ID)
	case TargetMeshHub:
		hub, ok := s.hubs[t.ID]
		return ok && hub.IsActive && s.granted(p, store.ObjectMeshHub, t.ID)
	case TargetMeshSpoke:
		return s.spokeAccessible(p, t.ID)
	}
	return false
}

// gatewayAccessible holds when the gateway is active and p has an edge to it,
// or holds an active rule the gateway contains.
func (s *Snapshot) gatewayAccessible(p *identity.Principal, id string) bool {
	gw, ok := s.gateways[id]
	if !ok || !gw.IsActive {
		return false
	}
	if s.granted(p, store.ObjectGateway, id) {
		return true
	}
	for _, ruleID := range s.contains[id] {
		if r, ok := s.rules[ruleID]; ok && r.IsActive && s.granted(p, store.ObjectRule, ruleID) {
			return true
		}
	}
	return false
}

func (s *Snapshot) networkAccessible(p *identity.Principal, id string) bool {
	n, ok := s.networks[id]
	if !ok || !n.IsActive {
		return false
	}
	for _, gwID := range s.servedBy[id] {
		if s.gatewayAccessible(p, gwID) {
			return true
		}
	}
	return false
}

func (s *Snapshot) ruleAccessible(p *identity.Principal, id string) bool {
	r, ok := s.rules[id]
	if !ok || !r.IsActive {
		return false
	}
	if s.granted(p, store.ObjectRule, id) {
		return true
	}
	for _, gwID := range s.containedBy[id] {
		if s.gatewayAccessible(p, gwID) {
			return true
		}
	}
	return false
}

func (s *Snapshot) spokeAccessible(p *identity.Principal, id string) bool {
	sp, ok := s.spokes[id]
	if !ok || !sp.IsActive {
		return false
	}
	hub, ok := s.hubs[sp.HubID]
	if !ok || !hub.IsActive {
		return false
	}
	return s.granted(p, store.ObjectMeshSpoke, id)
}

// gatewayRules returns the active rules that apply to p on gateway gwID. A
// rule contained by specific gateways applies only on those; a
// network-scoped rule applies only where its network is active and served.
// The caller has already checked that the gateway is accessible.
func (s *Snapshot) gatewayRules(p *identity.Principal, gwID string) []*store.AccessRule {
	candidates := make(map[string]struct{})
	for _, id := range s.contains[gwID] {
		candidates[id] = struct{}{}
	}
	for id := range s.rules {
		if s.granted(p, store.ObjectRule, id) {
			candidates[id] = struct{}{}
		}
	}

	var out []*store.AccessRule
	for id := range candidates {
		r, ok := s.rules[id]
		if !ok || !r.IsActive {
			continue
		}
		if gws := s.containedBy[id]; len(gws) > 0 && !slices.Contains(gws, gwID) {
			continue
		}
		if r.NetworkID != nil && !s.networkServedActive(*r.NetworkID, gwID) {
			continue
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *store.AccessRule) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (s *Snapshot) networkServedActive(networkID, gwID string) bool {
	n, ok := s.networks[networkID]
	if !ok || !n.IsActive {
		return false
	}
	return slices.Contains(s.serves[gwID], networkID)
}

// GatewayRoutes returns the CIDRs pushed to p's clients on one gateway. Only
// active cidr rules contribute. The result is sorted and duplicate-free;
// overlapping prefixes are kept as-is.
func (s *Snapshot) GatewayRoutes(p *identity.Principal, gwID string) []netip.Prefix {
	if !s.CanAccess(p, Target{Kind: TargetGateway, ID: gwID}) {
		return []netip.Prefix{}
	}
	var routes []netip.Prefix
	for _, r := range s.gatewayRules(p, gwID) {
		if r.Type != store.RuleTypeCIDR {
			continue
		}
		if pfx, err := netip.ParsePrefix(r.Value); err == nil {
			routes = append(routes, pfx.Masked())
		}
	}
	return sortPrefixes(routes)
}

// EffectiveRoutes is the union of GatewayRoutes over every gateway p can reach.
func (s *Snapshot) EffectiveRoutes(p *identity.Principal) []netip.Prefix {
	var routes []netip.Prefix
	for _, gwID := range s.gatewayOrder {
		routes = append(routes, s.GatewayRoutes(p, gwID)...)
	}
	return sortPrefixes(routes)
}

// MeshRoutes returns the local networks of the spokes under hubID that p can
// reach.
func (s *Snapshot) MeshRoutes(p *identity.Principal, hubID string) []netip.Prefix {
	if !s.CanAccess(p, Target{Kind: TargetMeshHub, ID: hubID}) {
		return []netip.Prefix{}
	}
	var routes []netip.Prefix
	for _, spokeID := range s.spokesByHub[hubID] {
		if !s.spokeAccessible(p, spokeID) {
			continue
		}
		for _, cidr := range s.spokes[spokeID].LocalNetworks {
			if pfx, err := netip.ParsePrefix(cidr); err == nil {
				routes = append(routes, pfx.Masked())
			}
		}
	}
	return sortPrefixes(routes)
}

func sortPrefixes(in []netip.Prefix) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(in))
	out = append(out, in...)
	slices.SortFunc(out, func(a, b netip.Prefix) int {
		if c := a.Addr().Compare(b.Addr()); c != 0 {
			return c
		}
		return a.Bits() - b.Bits()
	})
	return slices.Compact(out)
}

// Gateway returns a gateway from the snapshot.
func (s *Snapshot) Gateway(id string) (*store.Gateway, bool) {
	gw, ok := s.gateways[id]
	return gw, ok
}

// MeshHub returns a hub from the snapshot.
func (s *Snapshot) MeshHub(id string) (*store.MeshHub, bool) {
	h, ok := s.hubs[id]
	return h, ok
}

// Exists reports whether the target is present, active or not.
func (s *Snapshot) Exists(t Target) bool {
	var ok bool
	switch t.Kind {
	case TargetGateway:
		_, ok = s.gateways[t.ID]
	case TargetNetwork:
		_, ok = s.networks[t.ID]
	case TargetRule:
		_, ok = s.rules[t.ID]
	case TargetProxyApp:
		_, ok = s.apps[t.ID]
	case TargetMeshHub:
		_, ok = s.hubs[t.ID]
	case TargetMeshSpoke:
		_, ok = s.spokes[t.ID]
	}
	return ok
}
