// ABOUTME: Tests for assignment edge operations
// ABOUTME: Covers Assign, Unassign, pair validation and cleanup on object deletion

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tunnelward/internal/apperr"
)

func TestAssign_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	p := createTestPrincipal(t, store, "ada@example.com")
	g := createTestGateway(t, store, "gw-east")

	require.NoError(t, store.Assign(ctx, SubjectUser, p.ID, ObjectGateway, g.ID, "admin-1"))
	require.NoError(t, store.Assign(ctx, SubjectUser, p.ID, ObjectGateway, g.ID, "admin-1"),
		"assigning an existing pair should be idempotent")

	edges, err := store.ListAssignments(ctx, ObjectGateway, g.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, SubjectUser, edges[0].SubjectType)
	assert.Equal(t, p.ID, edges[0].SubjectID)
	assert.Equal(t, "admin-1", edges[0].CreatedBy)
}

func TestUnassign_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	p := createTestPrincipal(t, store, "ada@example.com")
	g := createTestGateway(t, store, "gw-east")

	require.NoError(t, store.Assign(ctx, SubjectUser, p.ID, ObjectGateway, g.ID, ""))
	require.NoError(t, store.Unassign(ctx, SubjectUser, p.ID, ObjectGateway, g.ID))
	require.NoError(t, store.Unassign(ctx, SubjectUser, p.ID, ObjectGateway, g.ID),
		"removing a missing edge should be idempotent")

	edges, err := store.ListSubjectAssignments(ctx, SubjectUser, p.ID)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestAssign_RequiresBothEndpoints(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	p := createTestPrincipal(t, store, "ada@example.com")
	g := createTestGateway(t, store, "gw-east")

	err := store.Assign(ctx, SubjectUser, "ghost", ObjectGateway, g.ID, "")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.Assign(ctx, SubjectUser, p.ID, ObjectGateway, "ghost", "")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.Assign(ctx, SubjectGroup, "never-seen", ObjectGateway, g.ID, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAssign_ClaimGroupAfterLogin(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestPrincipal(t, store, "ada@example.com", "eng")
	g := createTestGateway(t, store, "gw-east")

	require.NoError(t, store.Assign(ctx, SubjectGroup, "eng", ObjectGateway, g.ID, ""))
}

func TestValidatePair(t *testing.T) {
	tests := []struct {
		st SubjectType
		ot ObjectType
		ok bool
	}{
		{SubjectUser, ObjectGateway, true},
		{SubjectUser, ObjectProxyApp, true},
		{SubjectGroup, ObjectMeshSpoke, true},
		{SubjectNetwork, ObjectGateway, true},
		{SubjectRule, ObjectGateway, true},
		{SubjectNetwork, ObjectRule, false},
		{SubjectRule, ObjectMeshHub, false},
		{"device", ObjectGateway, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.st)+"->"+string(tt.ot), func(t *testing.T) {
			err := ValidatePair(tt.st, tt.ot)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, apperr.IsKind(err, apperr.KindValidation), "got %v", err)
			}
		})
	}
}

func TestDeleteGateway_RemovesInboundEdges(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	p := createTestPrincipal(t, store, "ada@example.com")
	g := createTestGateway(t, store, "gw-east")
	n := &Network{Name: "office", CIDR: "192.168.10.0/24", IsActive: true}
	require.NoError(t, store.CreateNetwork(ctx, n))

	require.NoError(t, store.Assign(ctx, SubjectUser, p.ID, ObjectGateway, g.ID, ""))
	require.NoError(t, store.Assign(ctx, SubjectNetwork, n.ID, ObjectGateway, g.ID, ""))

	require.NoError(t, store.DeleteGateway(ctx, g.ID))

	graph, err := store.LoadAccessGraph(ctx)
	require.NoError(t, err)
	assert.Empty(t, graph.Assignments)
	assert.Empty(t, graph.Gateways)
	assert.Len(t, graph.Networks, 1)
}

func TestLoadAccessGraph(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	p := createTestPrincipal(t, store, "ada@example.com")
	g := createTestGateway(t, store, "gw-east")
	h := createTestHub(t, store, "hub-1")
	app := &ProxyApplication{Name: "Grafana", Slug: "grafana", InternalURL: "http://10.0.0.5:3000", IsActive: true}
	require.NoError(t, store.CreateProxyApplication(ctx, app))

	require.NoError(t, store.Assign(ctx, SubjectUser, p.ID, ObjectGateway, g.ID, ""))
	require.NoError(t, store.Assign(ctx, SubjectUser, p.ID, ObjectMeshHub, h.ID, ""))
	require.NoError(t, store.Assign(ctx, SubjectUser, p.ID, ObjectProxyApp, app.ID, ""))

	graph, err := store.LoadAccessGraph(ctx)
	require.NoError(t, err)
	assert.Len(t, graph.Gateways, 1)
	assert.Len(t, graph.Hubs, 1)
	assert.Len(t, graph.ProxyApps, 1)
	assert.Len(t, graph.Assignments, 3)
	assert.Equal(t, 30, graph.ProxyApps[0].TimeoutSeconds)
}
