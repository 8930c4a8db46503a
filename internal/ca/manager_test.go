// ABOUTME: Tests for CA rotation, import validation, leaf signing and CRLs
// ABOUTME: Uses a real SQLite store so the versioned swap is exercised end to end

package ca

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"path/filepath"
	"testing"
	"time"

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

func newTestManager(t *testing.T, s *store.SQLiteStore) *Manager {
	t.Helper()
	m := NewManager(s, Options{}, nil)
	require.NoError(t, m.EnsureActive(context.Background(), "admin-1"))
	return m
}

func signTestLeaf(t *testing.T, m *Manager) *Leaf {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leaf, err := m.SignClient(context.Background(), &key.PublicKey, "ada@example.com", 24*time.Hour)
	require.NoError(t, err)
	return leaf
}

// caFixture builds a CA certificate and key outside the manager, for import.
func caFixture(t *testing.T, mutate func(*x509.Certificate)) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(42),
		Subject:               pkix.Name{CommonName: "corp root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	if mutate != nil {
		mutate(tmpl)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
}

func TestEnsureActive_GeneratesOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	m := newTestManager(t, s)
	first, err := m.Active(context.Background())
	require.NoError(t, err)

	// A second process sees the same CA rather than generating another.
	other := NewManager(s, Options{}, nil)
	require.NoError(t, other.EnsureActive(ctx, "admin-1"))
	again, err := other.Active(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, again.Fingerprint)

	history, err := m.History(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestNotReadyWithoutCA(t *testing.T) {
	m := NewManager(setupTestStore(t), Options{}, nil)
	require.NoError(t, m.Load(context.Background()))
	assert.False(t, m.Ready())

	_, err := m.CertificatePEM(context.Background())
	assert.True(t, apperr.IsKind(err, apperr.KindUnavailable))
}

func TestRotate_InvalidatesEarlierCertificates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	m := newTestManager(t, s)

	before := signTestLeaf(t, m)
	require.NoError(t, m.VerifyChain(context.Background(), before.Cert, time.Now()))

	_, err := m.Rotate(ctx, "admin-1")
	require.NoError(t, err)

	err = m.VerifyChain(context.Background(), before.Cert, time.Now())
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized), "got %v", err)

	after := signTestLeaf(t, m)
	assert.NoError(t, m.VerifyChain(context.Background(), after.Cert, time.Now()))
	assert.NotEqual(t, before.CAFingerprint, after.CAFingerprint)

	entries, err := s.ListAuditLog(ctx, store.AuditFilter{})
	require.NoError(t, err)
	var rotations int
	for _, e := range entries {
		if e.Action == store.AuditRotateCA {
			rotations++
			assert.Equal(t, "admin-1", e.Actor)
		}
	}
	assert.Equal(t, 2, rotations)
}

func TestRotate_ConcurrentManagersConflict(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	a := newTestManager(t, s)
	b := NewManager(s, Options{}, nil)
	require.NoError(t, b.Load(ctx))

	winner, err := a.Rotate(ctx, "admin-a")
	require.NoError(t, err)

	_, err = b.Rotate(ctx, "admin-b")
	assert.True(t, apperr.IsKind(err, apperr.KindConflict), "got %v", err)

	// The loser reloaded and now signs with the winner's root.
	active, err := b.Active(context.Background())
	require.NoError(t, err)
	assert.Equal(t, winner.Fingerprint, active.Fingerprint)

	history, err := s.ListCAHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 2, "the losing rotation wrote nothing")
}

func TestRotate_SeenByOtherInstances(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	a := newTestManager(t, s)
	b := NewManager(s, Options{}, nil)
	require.NoError(t, b.Load(ctx))

	before := signTestLeaf(t, b)
	require.NoError(t, b.VerifyChain(ctx, before.Cert, time.Now()))

	rotated, err := a.Rotate(ctx, "admin-a")
	require.NoError(t, err)

	err = b.VerifyChain(ctx, before.Cert, time.Now())
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized), "got %v", err)

	assert.NoError(t, b.VerifyChain(ctx, signTestLeaf(t, a).Cert, time.Now()))
	assert.NoError(t, a.VerifyChain(ctx, signTestLeaf(t, b).Cert, time.Now()))

	active, err := b.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, rotated.Fingerprint, active.Fingerprint)
	pemOut, err := b.CertificatePEM(ctx)
	require.NoError(t, err)
	assert.Equal(t, rotated.CertPEM, string(pemOut))

	// Having caught up, b can rotate without a version conflict.
	_, err = b.Rotate(ctx, "admin-b")
	require.NoError(t, err)
}

func TestCheckIssuer(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	m := newTestManager(t, s)

	first, err := m.Active(ctx)
	require.NoError(t, err)
	leaf := signTestLeaf(t, m)
	require.NoError(t, m.CheckIssuer(ctx, leaf.Cert, leaf.CAFingerprint))

	_, err = m.Rotate(ctx, "admin-1")
	require.NoError(t, err)
	assert.NoError(t, m.CheckIssuer(ctx, leaf.Cert, first.Fingerprint), "rotated-out issuers are still known")

	current := signTestLeaf(t, m)
	err = m.CheckIssuer(ctx, current.Cert, first.Fingerprint)
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized), "got %v", err)

	err = m.CheckIssuer(ctx, leaf.Cert, "no-such-fingerprint")
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized), "got %v", err)
}

func TestSignClient_CapsAtRootExpiry(t *testing.T) {
	s := setupTestStore(t)
	m := NewManager(s, Options{Validity: 2 * time.Hour}, nil)
	require.NoError(t, m.EnsureActive(context.Background(), ""))

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leaf, err := m.SignClient(context.Background(), &key.PublicKey, "ada@example.com", 24*time.Hour)
	require.NoError(t, err)

	active, err := m.Active(context.Background())
	require.NoError(t, err)
	assert.False(t, leaf.Cert.NotAfter.After(active.NotAfter.Add(time.Second)))
	assert.Equal(t, SerialHex(leaf.Cert.SerialNumber), leaf.Serial)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, leaf.Cert.ExtKeyUsage)
}

func TestImport(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	m := newTestManager(t, s)
	before := signTestLeaf(t, m)

	certPEM, keyPEM := caFixture(t, nil)
	rec, err := m.Import(ctx, "admin-1", certPEM, keyPEM)
	require.NoError(t, err)
	assert.Equal(t, store.CAImported, rec.Source)
	assert.Equal(t, "2a", rec.Serial)

	assert.Error(t, m.VerifyChain(context.Background(), before.Cert, time.Now()))
	assert.NoError(t, m.VerifyChain(context.Background(), signTestLeaf(t, m).Cert, time.Now()))

	pemOut, err := m.CertificatePEM(context.Background())
	require.NoError(t, err)
	assert.Equal(t, string(certPEM), string(pemOut))
}

func TestImport_Rejections(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	m := newTestManager(t, s)

	notCA, notCAKey := caFixture(t, func(c *x509.Certificate) { c.IsCA = false; c.KeyUsage = x509.KeyUsageDigitalSignature })
	expired, expiredKey := caFixture(t, func(c *x509.Certificate) {
		c.NotBefore = time.Now().Add(-48 * time.Hour)
		c.NotAfter = time.Now().Add(-24 * time.Hour)
	})
	noSign, noSignKey := caFixture(t, func(c *x509.Certificate) { c.KeyUsage = x509.KeyUsageDigitalSignature })
	good, _ := caFixture(t, nil)
	_, otherKey := caFixture(t, nil)

	tests := []struct {
		name string
		cert []byte
		key  []byte
	}{
		{"not a CA", notCA, notCAKey},
		{"expired", expired, expiredKey},
		{"no cert-sign usage", noSign, noSignKey},
		{"mismatched key", good, otherKey},
		{"garbage cert", []byte("nope"), otherKey},
		{"garbage key", good, []byte("nope")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Import(ctx, "admin-1", tt.cert, tt.key)
			assert.True(t, apperr.IsKind(err, apperr.KindValidation), "got %v", err)
		})
	}

	history, err := m.History(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 1, "rejected imports leave the active CA alone")
}

func TestParsePrivateKeyPEM_RSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	signer, err := ParsePrivateKeyPEM(keyPEM)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(signer.Public()))
}

func TestCRL(t *testing.T) {
	s := setupTestStore(t)
	m := newTestManager(t, s)
	leaf := signTestLeaf(t, m)

	crlPEM, err := m.CRL(context.Background(), []store.RevokedSerial{{Serial: leaf.Serial, RevokedAt: time.Now().UTC()}}, time.Hour)
	require.NoError(t, err)

	block, _ := pem.Decode(crlPEM)
	require.NotNil(t, block)
	crl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)

	active, err := m.Active(context.Background())
	require.NoError(t, err)
	caCert, err := ParseCertificatePEM([]byte(active.CertPEM))
	require.NoError(t, err)
	require.NoError(t, crl.CheckSignatureFrom(caCert))
	require.Len(t, crl.RevokedCertificateEntries, 1)
	assert.Equal(t, 0, crl.RevokedCertificateEntries[0].SerialNumber.Cmp(leaf.Cert.SerialNumber))
}

func TestSealedKeyRequiresPassphrase(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sealed := NewManager(s, Options{Passphrase: "correct horse"}, nil)
	require.NoError(t, sealed.EnsureActive(ctx, ""))

	reopened := NewManager(s, Options{Passphrase: "correct horse"}, nil)
	require.NoError(t, reopened.Load(ctx))
	assert.True(t, reopened.Ready())

	noPass := NewManager(s, Options{}, nil)
	assert.ErrorIs(t, noPass.Load(ctx), ErrPassphraseRequired)

	wrong := NewManager(s, Options{Passphrase: "wrong"}, nil)
	assert.Error(t, wrong.Load(ctx))
}
