// ABOUTME: Tests for access resolution over hand-built graphs
// ABOUTME: Covers default deny, group grants, route computation and destination matching

package access

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tunnelward/internal/identity"
	"github.com/2389/tunnelward/internal/store"
)

func ptr[T any](v T) *T { return &v }

type graphBuilder struct {
	g store.AccessGraph
}

func newGraph() *graphBuilder {
	return &graphBuilder{}
}

func (b *graphBuilder) gateway(id string, active bool) *graphBuilder {
	b.g.Gateways = append(b.g.Gateways, &store.Gateway{ID: id, Name: id, Hostname: id + ".vpn.example.com", IsActive: active})
	return b
}

func (b *graphBuilder) network(id, cidr string, active bool) *graphBuilder {
	b.g.Networks = append(b.g.Networks, &store.Network{ID: id, Name: id, CIDR: cidr, IsActive: active})
	return b
}

func (b *graphBuilder) rule(r *store.AccessRule) *graphBuilder {
	if r.Name == "" {
		r.Name = r.ID
	}
	b.g.Rules = append(b.g.Rules, r)
	return b
}

func (b *graphBuilder) hub(id string, active bool) *graphBuilder {
	b.g.Hubs = append(b.g.Hubs, &store.MeshHub{ID: id, Name: id, PublicEndpoint: id + ":1194", IsActive: active})
	return b
}

func (b *graphBuilder) spoke(id, hubID string, active bool, cidrs ...string) *graphBuilder {
	b.g.Spokes = append(b.g.Spokes, &store.MeshSpoke{ID: id, HubID: hubID, Name: id, LocalNetworks: cidrs, IsActive: active})
	return b
}

func (b *graphBuilder) app(id string, active bool) *graphBuilder {
	b.g.ProxyApps = append(b.g.ProxyApps, &store.ProxyApplication{ID: id, Name: id, Slug: id, IsActive: active})
	return b
}

func (b *graphBuilder) edge(st store.SubjectType, sid string, ot store.ObjectType, oid string) *graphBuilder {
	b.g.Assignments = append(b.g.Assignments, store.Assignment{SubjectType: st, SubjectID: sid, ObjectType: ot, ObjectID: oid})
	return b
}

func (b *graphBuilder) build() *Snapshot {
	return NewSnapshot(&b.g)
}

func user(id string, groups ...string) *identity.Principal {
	return &identity.Principal{ID: id, Groups: groups, IsActive: true}
}

func prefixes(t *testing.T, in ...string) []netip.Prefix {
	t.Helper()
	out := make([]netip.Prefix, 0, len(in))
	for _, s := range in {
		out = append(out, netip.MustParsePrefix(s))
	}
	return out
}

var gw = Target{Kind: TargetGateway, ID: "gw"}

func TestCanAccess_DefaultDeny(t *testing.T) {
	snap := newGraph().gateway("gw", true).build()
	assert.False(t, snap.CanAccess(user("u"), gw))
	assert.False(t, snap.CanAccess(user("u"), Target{Kind: TargetGateway, ID: "missing"}))
}

func TestCanAccess_DirectAndGroup(t *testing.T) {
	snap := newGraph().
		gateway("gw", true).
		edge(store.SubjectGroup, "eng", store.ObjectGateway, "gw").
		build()

	assert.True(t, snap.CanAccess(user("u", "eng"), gw))
	assert.False(t, snap.CanAccess(user("u", "ops"), gw))

	direct := newGraph().gateway("gw", true).edge(store.SubjectUser, "u", store.ObjectGateway, "gw").build()
	assert.True(t, direct.CanAccess(user("u"), gw))
	assert.False(t, direct.CanAccess(user("other"), gw))
}

func TestCanAccess_InactiveTargetOrPrincipal(t *testing.T) {
	snap := newGraph().
		gateway("gw", false).
		edge(store.SubjectUser, "u", store.ObjectGateway, "gw").
		build()
	assert.False(t, snap.CanAccess(user("u"), gw), "inactive gateway")

	active := newGraph().gateway("gw", true).edge(store.SubjectUser, "u", store.ObjectGateway, "gw").build()
	disabled := user("u")
	disabled.IsActive = false
	assert.False(t, active.CanAccess(disabled, gw), "inactive principal")
	assert.False(t, active.CanAccess(nil, gw))
}

func TestCanAccess_GatewayThroughContainedRule(t *testing.T) {
	build := func(ruleActive bool) *Snapshot {
		return newGraph().
			gateway("gw", true).
			rule(&store.AccessRule{ID: "r1", Type: store.RuleTypeCIDR, Value: "10.1.0.0/16", IsActive: ruleActive}).
			edge(store.SubjectRule, "r1", store.ObjectGateway, "gw").
			edge(store.SubjectGroup, "eng", store.ObjectRule, "r1").
			build()
	}
	assert.True(t, build(true).CanAccess(user("u", "eng"), gw))
	assert.False(t, build(false).CanAccess(user("u", "eng"), gw), "an inactive rule grants nothing")
}

func TestCanAccess_NetworkServedByAccessibleGateway(t *testing.T) {
	snap := newGraph().
		gateway("gw", true).
		network("office", "192.168.10.0/24", true).
		network("lab", "192.168.20.0/24", false).
		edge(store.SubjectNetwork, "office", store.ObjectGateway, "gw").
		edge(store.SubjectNetwork, "lab", store.ObjectGateway, "gw").
		edge(store.SubjectUser, "u", store.ObjectGateway, "gw").
		build()

	assert.True(t, snap.CanAccess(user("u"), Target{Kind: TargetNetwork, ID: "office"}))
	assert.False(t, snap.CanAccess(user("u"), Target{Kind: TargetNetwork, ID: "lab"}))
	assert.False(t, snap.CanAccess(user("other"), Target{Kind: TargetNetwork, ID: "office"}))
}

func TestCanAccess_ProxyAppsAndMesh(t *testing.T) {
	snap := newGraph().
		app("grafana", true).
		app("legacy", false).
		hub("hub", true).
		hub("hub-off", false).
		spoke("s1", "hub", true, "172.16.1.0/24").
		spoke("s2", "hub-off", true, "172.16.2.0/24").
		edge(store.SubjectUser, "u", store.ObjectProxyApp, "grafana").
		edge(store.SubjectUser, "u", store.ObjectProxyApp, "legacy").
		edge(store.SubjectUser, "u", store.ObjectMeshHub, "hub").
		edge(store.SubjectUser, "u", store.ObjectMeshSpoke, "s1").
		edge(store.SubjectUser, "u", store.ObjectMeshSpoke, "s2").
		build()
	u := user("u")

	assert.True(t, snap.CanAccess(u, Target{Kind: TargetProxyApp, ID: "grafana"}))
	assert.False(t, snap.CanAccess(u, Target{Kind: TargetProxyApp, ID: "legacy"}))
	assert.True(t, snap.CanAccess(u, Target{Kind: TargetMeshHub, ID: "hub"}))
	assert.True(t, snap.CanAccess(u, Target{Kind: TargetMeshSpoke, ID: "s1"}))
	assert.False(t, snap.CanAccess(u, Target{Kind: TargetMeshSpoke, ID: "s2"}), "spoke under inactive hub")

	assert.Equal(t, prefixes(t, "172.16.1.0/24"), snap.MeshRoutes(u, "hub"))
	assert.Empty(t, snap.MeshRoutes(u, "hub-off"))
}

// User in group "eng", global cidr rule assigned to "eng", gateway assigned
// to the user: the rule's CIDR is routed.
func TestGatewayRoutes_GlobalRuleViaGroup(t *testing.T) {
	build := func(ruleActive bool) *Snapshot {
		return newGraph().
			gateway("gw", true).
			rule(&store.AccessRule{ID: "r1", Type: store.RuleTypeCIDR, Value: "10.0.0.0/24", IsActive: ruleActive}).
			edge(store.SubjectGroup, "eng", store.ObjectRule, "r1").
			edge(store.SubjectUser, "u", store.ObjectGateway, "gw").
			build()
	}
	u := user("u", "eng")

	snap := build(true)
	assert.Equal(t, prefixes(t, "10.0.0.0/24"), snap.GatewayRoutes(u, "gw"))
	assert.True(t, snap.CanAccess(u, Target{Kind: TargetRule, ID: "r1"}))

	inactive := build(false)
	assert.Empty(t, inactive.GatewayRoutes(u, "gw"))
	assert.Empty(t, inactive.EffectiveRoutes(u))
	assert.False(t, inactive.CanAccess(u, Target{Kind: TargetRule, ID: "r1"}))
	assert.True(t, inactive.CanAccess(u, gw), "gateway access does not depend on the rule")
}

func TestGatewayRoutes_NetworkScopedRules(t *testing.T) {
	snap := newGraph().
		gateway("gw", true).
		gateway("gw2", true).
		network("office", "192.168.10.0/24", true).
		network("closed", "192.168.30.0/24", false).
		rule(&store.AccessRule{ID: "office-rule", Type: store.RuleTypeCIDR, Value: "192.168.10.0/25", NetworkID: ptr("office"), IsActive: true}).
		rule(&store.AccessRule{ID: "closed-rule", Type: store.RuleTypeCIDR, Value: "192.168.30.0/24", NetworkID: ptr("closed"), IsActive: true}).
		rule(&store.AccessRule{ID: "host-rule", Type: store.RuleTypeHostname, Value: "git.corp.io", IsActive: true}).
		edge(store.SubjectNetwork, "office", store.ObjectGateway, "gw").
		edge(store.SubjectNetwork, "closed", store.ObjectGateway, "gw").
		edge(store.SubjectUser, "u", store.ObjectRule, "office-rule").
		edge(store.SubjectUser, "u", store.ObjectRule, "closed-rule").
		edge(store.SubjectUser, "u", store.ObjectRule, "host-rule").
		edge(store.SubjectUser, "u", store.ObjectGateway, "gw").
		edge(store.SubjectUser, "u", store.ObjectGateway, "gw2").
		build()
	u := user("u")

	assert.Equal(t, prefixes(t, "192.168.10.0/25"), snap.GatewayRoutes(u, "gw"))
	assert.Empty(t, snap.GatewayRoutes(u, "gw2"), "gw2 does not serve the office network")
}

func TestGatewayRoutes_ContainedRulesStayOnTheirGateway(t *testing.T) {
	snap := newGraph().
		gateway("east", true).
		gateway("west", true).
		rule(&store.AccessRule{ID: "east-only", Type: store.RuleTypeCIDR, Value: "10.10.0.0/16", IsActive: true}).
		rule(&store.AccessRule{ID: "dup", Type: store.RuleTypeCIDR, Value: "10.10.0.0/16", IsActive: true}).
		edge(store.SubjectRule, "east-only", store.ObjectGateway, "east").
		edge(store.SubjectUser, "u", store.ObjectGateway, "east").
		edge(store.SubjectUser, "u", store.ObjectGateway, "west").
		edge(store.SubjectUser, "u", store.ObjectRule, "dup").
		build()
	u := user("u")

	assert.Equal(t, prefixes(t, "10.10.0.0/16"), snap.GatewayRoutes(u, "east"), "duplicates collapse")
	assert.Equal(t, prefixes(t, "10.10.0.0/16"), snap.GatewayRoutes(u, "west"))
	assert.Equal(t, prefixes(t, "10.10.0.0/16"), snap.EffectiveRoutes(u))
}

func TestGatewayRoutes_OverlapsKept(t *testing.T) {
	snap := newGraph().
		gateway("gw", true).
		rule(&store.AccessRule{ID: "wide", Type: store.RuleTypeCIDR, Value: "10.0.0.0/8", IsActive: true}).
		rule(&store.AccessRule{ID: "narrow", Type: store.RuleTypeCIDR, Value: "10.1.0.0/16", IsActive: true}).
		edge(store.SubjectRule, "wide", store.ObjectGateway, "gw").
		edge(store.SubjectRule, "narrow", store.ObjectGateway, "gw").
		edge(store.SubjectUser, "u", store.ObjectGateway, "gw").
		build()

	assert.Equal(t, prefixes(t, "10.0.0.0/8", "10.1.0.0/16"), snap.GatewayRoutes(user("u"), "gw"))
}

func TestEffectiveRoutes_NeverIncludesInactiveRules(t *testing.T) {
	b := newGraph().gateway("gw", true).edge(store.SubjectUser, "u", store.ObjectGateway, "gw")
	for i, active := range []bool{true, false, true, false} {
		id := string(rune('a' + i))
		b.rule(&store.AccessRule{ID: id, Type: store.RuleTypeCIDR, Value: "10.0." + string(rune('0'+i)) + ".0/24", IsActive: active})
		b.edge(store.SubjectUser, "u", store.ObjectRule, id)
	}
	snap := b.build()

	routes := snap.EffectiveRoutes(user("u"))
	assert.Equal(t, prefixes(t, "10.0.0.0/24", "10.0.2.0/24"), routes)
}

func TestAllowsDestination(t *testing.T) {
	snap := newGraph().
		gateway("gw", true).
		rule(&store.AccessRule{ID: "ip", Type: store.RuleTypeIP, Value: "10.0.0.5", IsActive: true}).
		rule(&store.AccessRule{ID: "cidr", Type: store.RuleTypeCIDR, Value: "10.1.0.0/16", PortRange: "443", Protocol: store.RuleProtocolTCP, IsActive: true}).
		rule(&store.AccessRule{ID: "host", Type: store.RuleTypeHostname, Value: "git.corp.io", IsActive: true}).
		rule(&store.AccessRule{ID: "wild", Type: store.RuleTypeWildcard, Value: "*.corp.io", PortRange: "8000-8100", IsActive: true}).
		rule(&store.AccessRule{ID: "off", Type: store.RuleTypeHostname, Value: "secret.example.com", IsActive: false}).
		edge(store.SubjectUser, "u", store.ObjectGateway, "gw").
		edge(store.SubjectRule, "ip", store.ObjectGateway, "gw").
		edge(store.SubjectRule, "cidr", store.ObjectGateway, "gw").
		edge(store.SubjectRule, "host", store.ObjectGateway, "gw").
		edge(store.SubjectRule, "wild", store.ObjectGateway, "gw").
		edge(store.SubjectRule, "off", store.ObjectGateway, "gw").
		build()
	u := user("u")

	tests := []struct {
		name string
		dst  Destination
		want bool
	}{
		{"exact ip", Destination{Host: "10.0.0.5"}, true},
		{"other ip", Destination{Host: "10.0.0.6"}, false},
		{"cidr with port and protocol", Destination{Host: "10.1.2.3", Port: 443, Protocol: store.RuleProtocolTCP}, true},
		{"cidr wrong port", Destination{Host: "10.1.2.3", Port: 22}, false},
		{"cidr wrong protocol", Destination{Host: "10.1.2.3", Port: 443, Protocol: store.RuleProtocolUDP}, false},
		{"hostname case-insensitive", Destination{Host: "GIT.corp.io."}, true},
		{"wildcard one label", Destination{Host: "wiki.corp.io", Port: 8080}, true},
		{"wildcard many labels", Destination{Host: "a.b.corp.io", Port: 8000}, true},
		{"wildcard apex", Destination{Host: "corp.io", Port: 8080}, false},
		{"wildcard port outside range", Destination{Host: "wiki.corp.io", Port: 9000}, false},
		{"inactive rule", Destination{Host: "secret.example.com"}, false},
		{"no rule at all", Destination{Host: "example.org"}, false},
		{"empty host", Destination{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, snap.AllowsDestination(u, "gw", tt.dst))
		})
	}

	assert.False(t, snap.AllowsDestination(user("stranger"), "gw", Destination{Host: "10.0.0.5"}))
}

func TestWildcardMatches(t *testing.T) {
	assert.True(t, wildcardMatches("*.corp.io", "x.corp.io"))
	assert.False(t, wildcardMatches("*.corp.io", "xcorp.io"))
	assert.False(t, wildcardMatches("*.corp.io", "x..corp.io"))
	assert.False(t, wildcardMatches("corp.io", "x.corp.io"))
}

func TestParseTarget(t *testing.T) {
	got, err := ParseTarget("mesh_hub", "h1")
	require.NoError(t, err)
	assert.Equal(t, Target{Kind: TargetMeshHub, ID: "h1"}, got)

	_, err = ParseTarget("device", "x")
	assert.Error(t, err)
	_, err = ParseTarget("gateway", "")
	assert.Error(t, err)
}
