// ABOUTME: Tests for revocation push to gateway and hub agents
// ABOUTME: Uses httptest agents that fail, recover, or reject

package propagate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tunnelward/internal/store"
)

func setupTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeAgent fails the first `failures` pushes with 503.
type fakeAgent struct {
	failures atomic.Int32
	calls    atomic.Int32
	status   int

	mu       sync.Mutex
	received []Message
	auth     string
}

func (a *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.calls.Add(1)
	if r.URL.Path != "/revocations" || r.Method != http.MethodPost {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if a.failures.Add(-1) >= 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if a.status != 0 {
		w.WriteHeader(a.status)
		return
	}
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	a.received = append(a.received, msg)
	a.auth = r.Header.Get("Authorization")
	a.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (a *fakeAgent) messages() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Message(nil), a.received...)
}

type env struct {
	store *store.SQLiteStore
	user  *store.Principal
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s := setupTestStore(t)
	p := &store.Principal{Email: "ada@example.com", Name: "Ada", Source: store.PrincipalSourceSSO, IsActive: true}
	require.NoError(t, s.CreatePrincipal(context.Background(), p))
	return &env{store: s, user: p}
}

func (e *env) gatewayConfig(t *testing.T, agentURL, serial string) *store.VPNConfig {
	t.Helper()
	ctx := context.Background()
	g := &store.Gateway{
		Name:     "gw-" + serial,
		Hostname: "gw.example.com",
		TunnelSettings: store.TunnelSettings{
			Protocol: store.TransportUDP, Port: 1194, CryptoProfile: store.CryptoModern, VPNSubnet: "10.8.0.0/24",
		},
		AgentURL: agentURL,
		IsActive: true,
	}
	require.NoError(t, e.store.CreateGateway(ctx, g))
	c := &store.VPNConfig{
		Kind: store.ConfigKindGateway, PrincipalID: e.user.ID, TargetID: g.ID,
		FileName: "gw.ovpn", CertSerial: serial, CAFingerprint: "fp", ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, e.store.CreateVPNConfig(ctx, c, nil))
	return c
}

func fastOptions() Options {
	return Options{RetryInitial: 5 * time.Millisecond, RetryMax: 20 * time.Millisecond, Token: "agent-secret"}
}

func runDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDispatcher_RetriesUntilAgentRecovers(t *testing.T) {
	e := newEnv(t)
	agent := &fakeAgent{}
	agent.failures.Store(2)
	srv := httptest.NewServer(agent)
	defer srv.Close()

	c := e.gatewayConfig(t, srv.URL, "0a")
	d := NewDispatcher(e.store, srv.Client(), fastOptions(), nil)
	runDispatcher(t, d)

	d.Notify(&store.Revocation{CredentialID: c.ID, Kind: store.CredentialVPNConfig, Serial: "0a", Reason: "lost laptop", RevokedAt: time.Now().UTC()})

	require.Eventually(t, func() bool { return len(agent.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	msg := agent.messages()[0]
	assert.Equal(t, c.ID, msg.CredentialID)
	assert.Equal(t, "0a", msg.Serial)
	assert.Equal(t, "lost laptop", msg.Reason)
	assert.Equal(t, int32(3), agent.calls.Load())
	agent.mu.Lock()
	assert.Equal(t, "Bearer agent-secret", agent.auth)
	agent.mu.Unlock()
}

func TestDispatcher_PermanentRejectionIsNotRetried(t *testing.T) {
	e := newEnv(t)
	agent := &fakeAgent{status: http.StatusBadRequest}
	srv := httptest.NewServer(agent)
	defer srv.Close()

	c := e.gatewayConfig(t, srv.URL, "0b")
	d := NewDispatcher(e.store, srv.Client(), fastOptions(), nil)
	runDispatcher(t, d)

	d.Notify(&store.Revocation{CredentialID: c.ID, Kind: store.CredentialVPNConfig})
	require.Eventually(t, func() bool { return agent.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), agent.calls.Load())
}

func TestDispatcher_SkipsWithoutAgent(t *testing.T) {
	e := newEnv(t)
	agent := &fakeAgent{}
	srv := httptest.NewServer(agent)
	defer srv.Close()

	noAgent := e.gatewayConfig(t, "", "0c")
	withAgent := e.gatewayConfig(t, srv.URL, "0d")
	d := NewDispatcher(e.store, srv.Client(), fastOptions(), nil)
	runDispatcher(t, d)

	d.Notify(&store.Revocation{CredentialID: "some-key", Kind: store.CredentialAPIKey})
	d.Notify(&store.Revocation{CredentialID: noAgent.ID, Kind: store.CredentialVPNConfig})
	d.Notify(&store.Revocation{CredentialID: "deleted-config", Kind: store.CredentialVPNConfig})
	d.Notify(&store.Revocation{CredentialID: withAgent.ID, Kind: store.CredentialVPNConfig})

	require.Eventually(t, func() bool { return len(agent.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, withAgent.ID, agent.messages()[0].CredentialID)
}

func TestDispatcher_NotifyNeverBlocks(t *testing.T) {
	e := newEnv(t)
	d := NewDispatcher(e.store, nil, Options{IntakeSize: 1}, nil)

	done := make(chan struct{})
	go func() {
		for range 10 {
			d.Notify(&store.Revocation{CredentialID: "x", Kind: store.CredentialVPNConfig})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked with no Run loop")
	}
}

func TestDispatcher_ShutdownWhileAgentIsDown(t *testing.T) {
	e := newEnv(t)
	agent := &fakeAgent{}
	agent.failures.Store(1 << 20)
	srv := httptest.NewServer(agent)
	defer srv.Close()

	c := e.gatewayConfig(t, srv.URL, "0e")
	d := NewDispatcher(e.store, srv.Client(), fastOptions(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	d.Notify(&store.Revocation{CredentialID: c.ID, Kind: store.CredentialVPNConfig})
	require.Eventually(t, func() bool { return agent.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
