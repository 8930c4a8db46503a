// ABOUTME: Tests for the server wiring and lifecycle
// ABOUTME: Runs real listeners and checks the gRPC health service, heartbeat seeding and retention

package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/tunnelward/internal/apperr"
	"github.com/2389/tunnelward/internal/config"
	"github.com/2389/tunnelward/internal/store"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testConfig parses a minimal config with free ports and extra YAML appended.
func testConfig(t *testing.T, dbPath, extra string) *config.Config {
	t.Helper()
	yaml := fmt.Sprintf(`
server:
  http_addr: %q
  grpc_addr: %q
  shutdown_timeout: 2s
database:
  path: %q
auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"
%s`, freeAddr(t), freeAddr(t), dbPath, extra)
	cfg, err := config.Parse([]byte(yaml), false)
	require.NoError(t, err)
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, extra string) *Server {
	t.Helper()
	cfg := testConfig(t, filepath.Join(t.TempDir(), "tunnelward.db"), extra)
	srv, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestNew_CreatesCertificateAuthority(t *testing.T) {
	srv := newTestServer(t, "")

	assert.True(t, srv.ca.Ready())
	active, err := srv.ca.Active(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, active.Fingerprint)
	assert.Nil(t, srv.redis)
	assert.Nil(t, srv.dispatcher)
	assert.Nil(t, srv.metrics)
}

func TestNew_KeepsCertificateAuthorityAcrossRestarts(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tunnelward.db")

	first, err := New(testConfig(t, dbPath, ""), testLogger())
	require.NoError(t, err)
	before, err := first.ca.Active(context.Background())
	require.NoError(t, err)
	require.NoError(t, first.Shutdown(context.Background()))

	second, err := New(testConfig(t, dbPath, ""), testLogger())
	require.NoError(t, err)
	defer second.Close()
	after, err := second.ca.Active(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before.Fingerprint, after.Fingerprint)
}

func TestNew_SeedsHeartbeats(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tunnelward.db")
	ctx := context.Background()

	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	fresh := &store.Gateway{
		Name:     "edge-fresh",
		Hostname: "fresh.vpn.example.com",
		TunnelSettings: store.TunnelSettings{
			Protocol: store.TransportUDP, Port: 1194, CryptoProfile: store.CryptoModern, VPNSubnet: "10.8.0.0/24",
		},
		IsActive: true,
	}
	stale := &store.Gateway{
		Name:     "edge-stale",
		Hostname: "stale.vpn.example.com",
		TunnelSettings: store.TunnelSettings{
			Protocol: store.TransportUDP, Port: 1195, CryptoProfile: store.CryptoModern, VPNSubnet: "10.9.0.0/24",
		},
		IsActive: true,
	}
	require.NoError(t, s.CreateGateway(ctx, fresh))
	require.NoError(t, s.CreateGateway(ctx, stale))
	require.NoError(t, s.SetLastHeartbeat(ctx, store.HeartbeatGateway, fresh.ID, time.Now().UTC()))
	require.NoError(t, s.SetLastHeartbeat(ctx, store.HeartbeatGateway, stale.ID, time.Now().UTC().Add(-time.Hour)))
	require.NoError(t, s.Close())

	srv, err := New(testConfig(t, dbPath, ""), testLogger())
	require.NoError(t, err)
	defer srv.Close()

	assert.True(t, srv.heartbeats.Online(fresh.ID))
	assert.False(t, srv.heartbeats.Online(stale.ID))
	_, seen := srv.heartbeats.LastSeen(stale.ID)
	assert.True(t, seen)
}

func TestNew_MetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, "metrics:\n  enabled: true\n  path: /internal/metrics\n")
	require.NotNil(t, srv.metrics)

	// Drive one request through the API so the HTTP collectors have a sample.
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/internal/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tunnelward_")
}

func TestNew_RedisBackedRevocation(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	srv := newTestServer(t, fmt.Sprintf("revocation:\n  redis:\n    addr: %q\n    prefix: \"tw:\"\n", mr.Addr()))
	require.NotNil(t, srv.redis)
	ctx := context.Background()

	p := &store.Principal{Email: "ada@example.com", Name: "Ada", Source: store.PrincipalSourceSSO, IsActive: true}
	require.NoError(t, srv.store.CreatePrincipal(ctx, p))
	c := &store.VPNConfig{
		Kind:        store.ConfigKindGateway,
		PrincipalID: p.ID,
		TargetID:    "gw-1",
		FileName:    "ada.ovpn",
		CertSerial:  "01ab",
		ExpiresAt:   time.Now().UTC().Add(24 * time.Hour),
	}
	require.NoError(t, srv.store.CreateVPNConfig(ctx, c, nil))

	already, err := srv.ledger.RevokeConfig(ctx, c.ID, "laptop lost", p.ID)
	require.NoError(t, err)
	assert.False(t, already)
	assert.True(t, mr.Exists("tw:revoked:"+c.ID))
}

func TestSweep_PurgesOldConfigs(t *testing.T) {
	srv := newTestServer(t, "retention:\n  purge_after: 24h\n")
	ctx := context.Background()

	p := &store.Principal{Email: "ada@example.com", Name: "Ada", Source: store.PrincipalSourceSSO, IsActive: true}
	require.NoError(t, srv.store.CreatePrincipal(ctx, p))
	old := &store.VPNConfig{
		Kind:        store.ConfigKindGateway,
		PrincipalID: p.ID,
		TargetID:    "gw-1",
		FileName:    "old.ovpn",
		CertSerial:  "0a",
		CreatedAt:   time.Now().UTC().Add(-72 * time.Hour),
		ExpiresAt:   time.Now().UTC().Add(-48 * time.Hour),
	}
	current := &store.VPNConfig{
		Kind:        store.ConfigKindGateway,
		PrincipalID: p.ID,
		TargetID:    "gw-1",
		FileName:    "current.ovpn",
		CertSerial:  "0b",
		ExpiresAt:   time.Now().UTC().Add(24 * time.Hour),
	}
	require.NoError(t, srv.store.CreateVPNConfig(ctx, old, nil))
	require.NoError(t, srv.store.CreateVPNConfig(ctx, current, nil))

	require.NoError(t, srv.sweep(ctx))

	_, err := srv.store.GetVPNConfig(ctx, old.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound), "got %v", err)
	_, err = srv.store.GetVPNConfig(ctx, current.ID)
	require.NoError(t, err)

	action := store.AuditPurgeCredentials
	entries, err := srv.store.ListAuditLog(ctx, store.AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.ActorSystem, entries[0].Actor)
}

func TestSweep_RetentionDisabledKeepsConfigs(t *testing.T) {
	srv := newTestServer(t, "")
	ctx := context.Background()

	p := &store.Principal{Email: "ada@example.com", Name: "Ada", Source: store.PrincipalSourceSSO, IsActive: true}
	require.NoError(t, srv.store.CreatePrincipal(ctx, p))
	old := &store.VPNConfig{
		Kind:        store.ConfigKindGateway,
		PrincipalID: p.ID,
		TargetID:    "gw-1",
		FileName:    "old.ovpn",
		CertSerial:  "0a",
		ExpiresAt:   time.Now().UTC().Add(-48 * time.Hour),
	}
	require.NoError(t, srv.store.CreateVPNConfig(ctx, old, nil))

	require.NoError(t, srv.sweep(ctx))
	_, err := srv.store.GetVPNConfig(ctx, old.ID)
	assert.NoError(t, err)
}

func TestRunAndShutdown(t *testing.T) {
	srv := newTestServer(t, "")
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	conn, err := grpc.NewClient(srv.config.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	require.Eventually(t, func() bool {
		callCtx, callCancel := context.WithTimeout(context.Background(), time.Second)
		defer callCancel()
		resp, err := client.Check(callCtx, &healthpb.HealthCheckRequest{Service: HealthService})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 50*time.Millisecond)

	resp, err := http.Get("http://" + srv.config.Server.HTTPAddr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}

	// Run released the store.
	assert.Error(t, srv.store.Ping(context.Background()))
}

func TestRun_ListenFailureReleasesResources(t *testing.T) {
	srv := newTestServer(t, "")
	ln, err := net.Listen("tcp", srv.config.Server.HTTPAddr)
	require.NoError(t, err)
	defer ln.Close()

	err = srv.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on HTTP address")
	assert.Error(t, srv.store.Ping(context.Background()))
}

func TestRedisPrefix(t *testing.T) {
	assert.Equal(t, "", redisPrefix("", "nonce"))
	assert.Equal(t, "tw:nonce:", redisPrefix("tw:", "nonce"))
}
