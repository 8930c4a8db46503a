// ABOUTME: Tests for the revocation ledger and deny lists
// ABOUTME: Covers idempotent revoke, partial RevokeAll with retry, and Redis fallback

package revocation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tunnelward/internal/apperr"
	"github.com/2389/tunnelward/internal/store"
)

func setupTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestPrincipal(t *testing.T, s *store.SQLiteStore) *store.Principal {
	t.Helper()
	p := &store.Principal{Email: "ada@example.com", Name: "Ada", Source: store.PrincipalSourceSSO, IsActive: true}
	require.NoError(t, s.CreatePrincipal(context.Background(), p))
	return p
}

func createTestConfig(t *testing.T, s *store.SQLiteStore, principalID string, kind store.ConfigKind, serial string) *store.VPNConfig {
	t.Helper()
	c := &store.VPNConfig{
		Kind:        kind,
		PrincipalID: principalID,
		TargetID:    "target-1",
		FileName:    serial + ".ovpn",
		CertSerial:  serial,
		ExpiresAt:   time.Now().UTC().Add(24 * time.Hour),
	}
	require.NoError(t, s.CreateVPNConfig(context.Background(), c, nil))
	return c
}

// flakyStore fails RevokeCredential for one credential until failures runs out.
type flakyStore struct {
	*store.SQLiteStore

	mu       sync.Mutex
	target   string
	failures int
	calls    int
}

func (f *flakyStore) RevokeCredential(ctx context.Context, r *store.Revocation) (bool, error) {
	f.mu.Lock()
	if r.CredentialID == f.target {
		f.calls++
		if f.failures > 0 {
			f.failures--
			f.mu.Unlock()
			return false, apperr.New(apperr.KindUnavailable, "database is locked")
		}
	}
	f.mu.Unlock()
	return f.SQLiteStore.RevokeCredential(ctx, r)
}

func (f *flakyStore) setFailures(n int) {
	f.mu.Lock()
	f.failures = n
	f.mu.Unlock()
}

type recordingNotifier struct {
	mu   sync.Mutex
	seen []string
}

func (n *recordingNotifier) Notify(r *store.Revocation) {
	n.mu.Lock()
	n.seen = append(n.seen, r.CredentialID)
	n.mu.Unlock()
}

func fastRetry() Options {
	return Options{RetryInitial: time.Millisecond, RetryMax: 5 * time.Millisecond, MaxAttempts: 3}
}

func TestRevoke_Idempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	p := createTestPrincipal(t, s)
	c := createTestConfig(t, s, p.ID, store.ConfigKindGateway, "0a")
	notifier := &recordingNotifier{}
	l := NewLedger(s, nil, notifier, fastRetry(), nil)

	already, err := l.RevokeConfig(ctx, c.ID, "lost laptop", "admin-1")
	require.NoError(t, err)
	assert.False(t, already)

	already, err = l.RevokeConfig(ctx, c.ID, "lost laptop", "admin-1")
	require.NoError(t, err)
	assert.True(t, already)

	entries, err := l.History(ctx, store.RevocationFilter{PrincipalID: p.ID})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, []string{c.ID}, notifier.seen, "only the first revoke notifies agents")

	audit, err := s.ListAuditLog(ctx, store.AuditFilter{})
	require.NoError(t, err)
	var revokes int
	for _, e := range audit {
		if e.Action == store.AuditRevokeCredential {
			revokes++
		}
	}
	assert.Equal(t, 1, revokes)
}

func TestRevoke_MeshConfigKind(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	p := createTestPrincipal(t, s)
	c := createTestConfig(t, s, p.ID, store.ConfigKindMesh, "0b")
	l := NewLedger(s, nil, nil, fastRetry(), nil)

	_, err := l.RevokeConfig(ctx, c.ID, "site closed", "")
	require.NoError(t, err)

	entry, err := s.GetRevocation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CredentialMeshConfig, entry.Kind)
	assert.Equal(t, store.ActorSystem, entry.RevokedBy)
}

func TestRevoke_Errors(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	l := NewLedger(s, nil, nil, fastRetry(), nil)

	_, err := l.RevokeConfig(ctx, "missing", "r", "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	p := createTestPrincipal(t, s)
	c := createTestConfig(t, s, p.ID, store.ConfigKindGateway, "0c")
	_, err = l.RevokeConfig(ctx, c.ID, "   ", "")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestIsRevoked_BackfillsDenyList(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	p := createTestPrincipal(t, s)
	c := createTestConfig(t, s, p.ID, store.ConfigKindGateway, "0d")

	// Revoked through one ledger, checked through another with a cold cache.
	_, err := NewLedger(s, nil, nil, fastRetry(), nil).RevokeConfig(ctx, c.ID, "r", "")
	require.NoError(t, err)

	deny := NewMemoryDenyList()
	l := NewLedger(s, deny, nil, fastRetry(), nil)
	revoked, err := l.IsRevoked(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, revoked)
	hit, _ := deny.Contains(ctx, c.ID)
	assert.True(t, hit)

	revoked, err = l.IsRevoked(ctx, "never-issued")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestWarm(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	p := createTestPrincipal(t, s)
	c := createTestConfig(t, s, p.ID, store.ConfigKindGateway, "0e")
	_, err := NewLedger(s, nil, nil, fastRetry(), nil).RevokeConfig(ctx, c.ID, "r", "")
	require.NoError(t, err)

	deny := NewMemoryDenyList()
	require.NoError(t, NewLedger(s, deny, nil, fastRetry(), nil).Warm(ctx))
	assert.Equal(t, 1, deny.Len())
}

// Two gateway configs and one mesh config; the mesh record keeps failing
// through every retry. The first pass reports 2/1, the next reaches 3/3 and
// the ledger holds exactly one entry per credential.
func TestRevokeAll_PartialFailureThenRetry(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	p := createTestPrincipal(t, s)
	createTestConfig(t, s, p.ID, store.ConfigKindGateway, "01")
	createTestConfig(t, s, p.ID, store.ConfigKindGateway, "02")
	mesh := createTestConfig(t, s, p.ID, store.ConfigKindMesh, "03")

	flaky := &flakyStore{SQLiteStore: s, target: mesh.ID, failures: 100}
	l := NewLedger(flaky, nil, nil, fastRetry(), nil)

	report, err := l.RevokeAll(ctx, p.ID, "offboarded", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, mesh.ID, report.Failures[0].CredentialID)
	assert.Equal(t, store.CredentialMeshConfig, report.Failures[0].Kind)
	assert.Equal(t, 3, flaky.calls, "failed record is retried up to MaxAttempts")

	flaky.setFailures(0)
	report, err = l.RevokeAll(ctx, p.ID, "offboarded", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 2, report.AlreadyRevoked)
	assert.Equal(t, 0, report.Failed)
	assert.Empty(t, report.Failures)

	entries, err := s.ListRevocations(ctx, store.RevocationFilter{PrincipalID: p.ID})
	require.NoError(t, err)
	assert.Len(t, entries, 3, "no duplicate ledger entries")
}

func TestRevokeAll_TransientFailureRecovers(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	p := createTestPrincipal(t, s)
	c := createTestConfig(t, s, p.ID, store.ConfigKindGateway, "01")

	flaky := &flakyStore{SQLiteStore: s, target: c.ID, failures: 1}
	report, err := NewLedger(flaky, nil, nil, fastRetry(), nil).RevokeAll(ctx, p.ID, "offboarded", "")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 2, flaky.calls)
}

func TestRevokeAll_CoversEveryConfigKindButNotKeys(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	p := createTestPrincipal(t, s)
	gw := createTestConfig(t, s, p.ID, store.ConfigKindGateway, "0a")
	mesh := createTestConfig(t, s, p.ID, store.ConfigKindMesh, "0b")
	k := &store.APIKey{PrincipalID: p.ID, Name: "ci", KeyPrefix: "twk_abcdefgh", KeyHash: "h1", Scopes: []string{"*"}, CreatedBy: p.ID}
	require.NoError(t, s.CreateAPIKey(ctx, k))
	l := NewLedger(s, nil, nil, fastRetry(), nil)

	_, err := l.RevokeConfig(ctx, gw.ID, "lost laptop", "admin-1")
	require.NoError(t, err)

	report, err := l.RevokeAll(ctx, p.ID, "offboarding", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.AlreadyRevoked)

	entries, err := l.History(ctx, store.RevocationFilter{PrincipalID: p.ID, Kind: store.CredentialMeshConfig})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, mesh.ID, entries[0].CredentialID)

	revoked, err := l.IsRevoked(ctx, k.ID)
	require.NoError(t, err)
	assert.False(t, revoked, "API keys are left to DeleteAllAPIKeys")
}

func TestRevokeAll_RequiresReason(t *testing.T) {
	l := NewLedger(setupTestStore(t), nil, nil, fastRetry(), nil)
	_, err := l.RevokeAll(context.Background(), "p", "", "")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestDeleteAllAPIKeys(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	p := createTestPrincipal(t, s)
	for i, name := range []string{"ci", "laptop"} {
		k := &store.APIKey{PrincipalID: p.ID, Name: name, KeyPrefix: "twk_0000000" + string(rune('0'+i)),
			KeyHash: "hash-" + name, Scopes: []string{"*"}, CreatedBy: p.ID}
		require.NoError(t, s.CreateAPIKey(ctx, k))
	}

	n, err := NewLedger(s, nil, nil, fastRetry(), nil).DeleteAllAPIKeys(ctx, p.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	keys, err := s.ListAPIKeys(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryDenyList_TTL(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDenyList()
	now := time.Now()
	d.now = func() time.Time { return now }

	require.NoError(t, d.Add(ctx, "short", time.Minute))
	require.NoError(t, d.Add(ctx, "forever", 0))

	now = now.Add(2 * time.Minute)
	hit, _ := d.Contains(ctx, "short")
	assert.False(t, hit)
	hit, _ = d.Contains(ctx, "forever")
	assert.True(t, hit)
}

func TestRedisDenyList(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	d := NewRedisDenyList(client, "")

	require.NoError(t, d.Add(ctx, "cfg-1", time.Minute))
	assert.True(t, mr.Exists("tunnelward:revoked:cfg-1"))

	// A second instance sharing Redis sees the entry without a local copy.
	other := NewRedisDenyList(client, "")
	hit, err := other.Contains(ctx, "cfg-1")
	require.NoError(t, err)
	assert.True(t, hit)

	mr.FastForward(2 * time.Minute)
	hit, err = other.Contains(ctx, "cfg-1")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestRedisDenyList_FallsBackWhenRedisIsDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	d := NewRedisDenyList(client, "")
	d.Timeout = 200 * time.Millisecond

	require.NoError(t, d.Add(ctx, "cfg-1", 0))
	mr.Close()

	hit, err := d.Contains(ctx, "cfg-1")
	require.NoError(t, err)
	assert.True(t, hit, "the local copy answers while redis is unreachable")

	require.NoError(t, d.Add(ctx, "cfg-2", 0))
	hit, err = d.Contains(ctx, "cfg-2")
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestRedisDenyList_NilClient(t *testing.T) {
	ctx := context.Background()
	d := NewRedisDenyList(nil, "")
	require.NoError(t, d.Add(ctx, "cfg-1", 0))
	hit, err := d.Contains(ctx, "cfg-1")
	require.NoError(t, err)
	assert.True(t, hit)
}
