// ABOUTME: Shared test fixtures for the store package plus schema and entity tests
// ABOUTME: Covers store creation, migrations, principals, groups, gateways and mesh

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tunnelward/internal/apperr"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func generateTestID(prefix string, i int) string {
	return prefix + "-" + string(rune('a'+i))
}

func createTestPrincipal(t *testing.T, s *SQLiteStore, email string, claimGroups ...string) *Principal {
	t.Helper()
	p := &Principal{
		Email:       email,
		Name:        email,
		Source:      PrincipalSourceSSO,
		IsActive:    true,
		ClaimGroups: claimGroups,
	}
	require.NoError(t, s.CreatePrincipal(context.Background(), p))
	return p
}

func testTunnel(subnet string) TunnelSettings {
	return TunnelSettings{
		Protocol:      TransportUDP,
		Port:          1194,
		CryptoProfile: CryptoModern,
		VPNSubnet:     subnet,
	}
}

func createTestGateway(t *testing.T, s *SQLiteStore, name string) *Gateway {
	t.Helper()
	g := &Gateway{
		Name:           name,
		Hostname:       name + ".vpn.example.com",
		TunnelSettings: testTunnel("10.8.0.0/24"),
		IsActive:       true,
	}
	require.NoError(t, s.CreateGateway(context.Background(), g))
	return g
}

func createTestHub(t *testing.T, s *SQLiteStore, name string) *MeshHub {
	t.Helper()
	h := &MeshHub{
		Name:           name,
		PublicEndpoint: name + ".mesh.example.com:1194",
		TunnelSettings: testTunnel("10.9.0.0/24"),
		IsActive:       true,
	}
	require.NoError(t, s.CreateMeshHub(context.Background(), h))
	return h
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist in nested directory")
}

func TestNewSQLiteStore_ReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	first, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	p := &Principal{Email: "ada@example.com", Name: "Ada", Source: PrincipalSourceSSO, IsActive: true}
	require.NoError(t, first.CreatePrincipal(context.Background(), p))
	require.NoError(t, first.Close())

	// Schema creation and migrations run again on an existing database.
	second, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.GetPrincipal(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", got.Email)

	_, version, err := second.ActiveCA(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(0), version)
}

func TestPrincipal_CreateNormalizesEmail(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	p := createTestPrincipal(t, store, "  Ada@Example.COM ")
	assert.Equal(t, "ada@example.com", p.Email)

	got, err := store.GetPrincipalByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	dup := &Principal{Email: "ADA@example.com", Name: "Other", Source: PrincipalSourceSSO}
	err = store.CreatePrincipal(ctx, dup)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPrincipal_Validation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		p    *Principal
	}{
		{"bad email", &Principal{Email: "not-an-email", Name: "x", Source: PrincipalSourceSSO}},
		{"missing name", &Principal{Email: "a@example.com", Source: PrincipalSourceSSO}},
		{"local without password", &Principal{Email: "a@example.com", Name: "a", Source: PrincipalSourceLocal}},
		{"bad group", &Principal{Email: "a@example.com", Name: "a", Source: PrincipalSourceSSO, ClaimGroups: []string{"Bad Group"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.CreatePrincipal(ctx, tt.p)
			assert.True(t, apperr.IsKind(err, apperr.KindValidation), "got %v", err)
		})
	}
}

func TestPrincipal_RecordLoginRegistersClaimGroups(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	p := createTestPrincipal(t, store, "ada@example.com", "eng")
	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.RecordLogin(ctx, p.ID, []string{"eng", "ops"}, at))

	got, err := store.GetPrincipal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"eng", "ops"}, got.ClaimGroups)
	require.NotNil(t, got.LastLoginAt)
	assert.True(t, at.Equal(*got.LastLoginAt))

	g, err := store.GetGroup(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, GroupSourceClaim, g.Source)
}

func TestPrincipal_DeleteNotFound(t *testing.T) {
	store := setupTestStore(t)

	err := store.DeletePrincipal(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGroup_CreatePromotesClaimGroup(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestPrincipal(t, store, "ada@example.com", "eng")

	g, err := store.CreateGroup(ctx, "eng")
	require.NoError(t, err)
	assert.Equal(t, GroupSourceManual, g.Source)

	_, err = store.CreateGroup(ctx, "eng")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestGroup_MembersAreIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	p := createTestPrincipal(t, store, "ada@example.com")
	_, err := store.CreateGroup(ctx, "contractors")
	require.NoError(t, err)

	require.NoError(t, store.AddGroupMember(ctx, "contractors", p.ID))
	require.NoError(t, store.AddGroupMember(ctx, "contractors", p.ID), "adding twice should be idempotent")

	members, err := store.ListGroupMembers(ctx, "contractors")
	require.NoError(t, err)
	assert.Equal(t, []string{p.ID}, members)

	groups, err := store.ListManualGroups(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"contractors"}, groups)

	require.NoError(t, store.RemoveGroupMember(ctx, "contractors", p.ID))
	require.NoError(t, store.RemoveGroupMember(ctx, "contractors", p.ID), "removing twice should be idempotent")

	err = store.AddGroupMember(ctx, "missing", p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGateway_CreateGeneratesTLSAuthKey(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	g := &Gateway{
		Name:           "gw-east",
		PublicIP:       "203.0.113.10",
		TunnelSettings: testTunnel("10.8.0.0/24"),
	}
	g.TLSAuthEnabled = true
	require.NoError(t, store.CreateGateway(ctx, g))

	got, err := store.GetGateway(ctx, g.ID)
	require.NoError(t, err)
	assert.Contains(t, got.TLSAuthKey, "BEGIN OpenVPN Static key V1")
	assert.Equal(t, "203.0.113.10", got.Address())
}

func TestGateway_Validation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(g *Gateway)
	}{
		{"host bits in subnet", func(g *Gateway) { g.VPNSubnet = "10.8.0.1/24" }},
		{"bad port", func(g *Gateway) { g.Port = 70000 }},
		{"bad transport", func(g *Gateway) { g.Protocol = "sctp" }},
		{"no address", func(g *Gateway) { g.Hostname = "" }},
		{"push dns without servers", func(g *Gateway) { g.PushDNS = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &Gateway{Name: "gw", Hostname: "gw.example.com", TunnelSettings: testTunnel("10.8.0.0/24")}
			tt.mutate(g)
			err := store.CreateGateway(ctx, g)
			assert.True(t, apperr.IsKind(err, apperr.KindValidation), "got %v", err)
		})
	}
}

func TestGateway_DisallowedCryptoProfile(t *testing.T) {
	store := setupTestStore(t)
	store.SetAllowedCryptoProfiles([]CryptoProfile{CryptoFIPS})

	g := &Gateway{Name: "gw", Hostname: "gw.example.com", TunnelSettings: testTunnel("10.8.0.0/24")}
	err := store.CreateGateway(context.Background(), g)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestGateway_HeartbeatNeverMovesBackwards(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	g := createTestGateway(t, store, "gw-east")

	newer := time.Now().UTC().Truncate(time.Second)
	older := newer.Add(-time.Minute)
	require.NoError(t, store.SetLastHeartbeat(ctx, HeartbeatGateway, g.ID, newer))
	require.NoError(t, store.SetLastHeartbeat(ctx, HeartbeatGateway, g.ID, older))

	got, err := store.GetGateway(ctx, g.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeat)
	assert.True(t, newer.Equal(*got.LastHeartbeat))
}

func TestNetwork_DeleteBlockedByScopedRule(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	n := &Network{Name: "office", CIDR: "192.168.10.0/24", IsActive: true}
	require.NoError(t, store.CreateNetwork(ctx, n))
	r := &AccessRule{Name: "office-web", Type: RuleTypeCIDR, Value: "192.168.10.0/28", NetworkID: &n.ID, IsActive: true}
	require.NoError(t, store.CreateAccessRule(ctx, r))

	err := store.DeleteNetwork(ctx, n.ID)
	assert.ErrorIs(t, err, ErrInUse)

	require.NoError(t, store.DeleteAccessRule(ctx, r.ID))
	require.NoError(t, store.DeleteNetwork(ctx, n.ID))
}

func TestMesh_SpokeRequiresHubAndCascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.CreateMeshSpoke(ctx, &MeshSpoke{HubID: "missing", Name: "branch"})
	assert.ErrorIs(t, err, ErrNotFound)

	h := createTestHub(t, store, "hub-1")
	sp := &MeshSpoke{HubID: h.ID, Name: "branch", LocalNetworks: []string{"172.16.5.0/24"}, IsActive: true}
	require.NoError(t, store.CreateMeshSpoke(ctx, sp))

	p := createTestPrincipal(t, store, "ada@example.com")
	require.NoError(t, store.Assign(ctx, SubjectUser, p.ID, ObjectMeshSpoke, sp.ID, ""))

	require.NoError(t, store.DeleteMeshHub(ctx, h.ID))

	_, err = store.GetMeshSpoke(ctx, sp.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	edges, err := store.ListSubjectAssignments(ctx, SubjectUser, p.ID)
	require.NoError(t, err)
	assert.Empty(t, edges)
}
