// ABOUTME: Tests for config and API key issuance and credential verification
// ABOUTME: Runs the real store, resolver, CA manager and ledger together

package issuer

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tunnelward/internal/access"
	"github.com/2389/tunnelward/internal/apperr"
	"github.com/2389/tunnelward/internal/ca"
	"github.com/2389/tunnelward/internal/identity"
	"github.com/2389/tunnelward/internal/revocation"
	"github.com/2389/tunnelward/internal/store"
)

func setupTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fixture struct {
	store  *store.SQLiteStore
	ca     *ca.Manager
	ledger *revocation.Ledger
	ids    *identity.Service
	issuer *Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := setupTestStore(t)
	m := ca.NewManager(s, ca.Options{}, nil)
	require.NoError(t, m.EnsureActive(context.Background(), ""))
	ledger := revocation.NewLedger(s, nil, nil, revocation.Options{}, nil)
	ids := identity.NewService(s, identity.Options{})
	resolver := access.NewResolver(s, nil, nil)
	return &fixture{
		store:  s,
		ca:     m,
		ledger: ledger,
		ids:    ids,
		issuer: New(s, resolver, m, ledger, ids, Options{}, nil),
	}
}

func (f *fixture) principal(t *testing.T, email string, groups ...string) *identity.Principal {
	t.Helper()
	sp := &store.Principal{Email: email, Name: email, Source: store.PrincipalSourceSSO, IsActive: true, ClaimGroups: groups}
	require.NoError(t, f.store.CreatePrincipal(context.Background(), sp))
	p, err := f.ids.Resolve(context.Background(), sp.ID)
	require.NoError(t, err)
	return p
}

func (f *fixture) gateway(t *testing.T, name string, mutate func(*store.Gateway)) *store.Gateway {
	t.Helper()
	g := &store.Gateway{
		Name:     name,
		Hostname: name + ".vpn.example.com",
		TunnelSettings: store.TunnelSettings{
			Protocol: store.TransportUDP, Port: 1194, CryptoProfile: store.CryptoModern, VPNSubnet: "10.8.0.0/24",
		},
		IsActive: true,
	}
	if mutate != nil {
		mutate(g)
	}
	require.NoError(t, f.store.CreateGateway(context.Background(), g))
	return g
}

func (f *fixture) rule(t *testing.T, cidr string, active bool) *store.AccessRule {
	t.Helper()
	r := &store.AccessRule{Name: "rule " + cidr, Type: store.RuleTypeCIDR, Value: cidr, IsActive: active}
	require.NoError(t, f.store.CreateAccessRule(context.Background(), r))
	return r
}

func (f *fixture) assign(t *testing.T, st store.SubjectType, sid string, ot store.ObjectType, oid string) {
	t.Helper()
	require.NoError(t, f.store.Assign(context.Background(), st, sid, ot, oid, ""))
}

// inlineBlock pulls the body of an inline <tag>...</tag> section out of a profile.
func inlineBlock(t *testing.T, content []byte, tag string) string {
	t.Helper()
	s := string(content)
	start := strings.Index(s, "<"+tag+">\n")
	end := strings.Index(s, "</"+tag+">")
	require.True(t, start >= 0 && end > start, "profile has no <%s> block", tag)
	return s[start+len(tag)+3 : end]
}

func gatewayTarget(id string) access.Target { return access.Target{Kind: access.TargetGateway, ID: id} }

func TestIssueVPNConfig_GroupRuleRoutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.principal(t, "u@example.com", "eng")
	gw := f.gateway(t, "gw", nil)
	r1 := f.rule(t, "10.0.0.0/24", true)
	f.assign(t, store.SubjectGroup, "eng", store.ObjectRule, r1.ID)
	f.assign(t, store.SubjectUser, u.ID, store.ObjectGateway, gw.ID)

	issued, err := f.issuer.IssueVPNConfig(ctx, u, gatewayTarget(gw.ID), u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/24"}, access.PrefixStrings(issued.Routes))
	assert.Equal(t, store.ConfigKindGateway, issued.Config.Kind)
	assert.NotEmpty(t, issued.DownloadHandle)

	_, content, err := f.issuer.Download(ctx, issued.DownloadHandle)
	require.NoError(t, err)
	profile := string(content)
	assert.Contains(t, profile, "remote gw.vpn.example.com 1194")
	assert.Contains(t, profile, "route 10.0.0.0 255.255.255.0")
	assert.NotContains(t, profile, "redirect-gateway")

	cert, err := ca.ParseCertificatePEM([]byte(inlineBlock(t, content, "cert")))
	require.NoError(t, err)
	assert.Equal(t, issued.Config.CertSerial, ca.SerialHex(cert.SerialNumber))
	assert.Equal(t, "u@example.com", cert.Subject.CommonName)

	_, _, err = f.issuer.Download(ctx, issued.DownloadHandle)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound), "handles work once, got %v", err)
}

func TestIssueVPNConfig_InactiveRuleGivesNoRoutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.principal(t, "u@example.com", "eng")
	gw := f.gateway(t, "gw", nil)
	r1 := f.rule(t, "10.0.0.0/24", false)
	f.assign(t, store.SubjectGroup, "eng", store.ObjectRule, r1.ID)
	f.assign(t, store.SubjectUser, u.ID, store.ObjectGateway, gw.ID)

	issued, err := f.issuer.IssueVPNConfig(ctx, u, gatewayTarget(gw.ID), u.ID)
	require.NoError(t, err)
	assert.Empty(t, issued.Routes)

	snap, err := access.NewResolver(f.store, nil, nil).Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, snap.CanAccess(u, access.Target{Kind: access.TargetRule, ID: r1.ID}))

	_, content, err := f.issuer.Download(ctx, issued.DownloadHandle)
	require.NoError(t, err)
	assert.NotContains(t, string(content), "route 10.0.0.0")
}

func TestIssueVPNConfig_Denied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.principal(t, "u@example.com")
	gw := f.gateway(t, "gw", nil)

	_, err := f.issuer.IssueVPNConfig(ctx, u, gatewayTarget(gw.ID), u.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden), "got %v", err)

	_, err = f.issuer.IssueVPNConfig(ctx, u, gatewayTarget("missing"), u.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound), "got %v", err)

	_, err = f.issuer.IssueVPNConfig(ctx, u, access.Target{Kind: access.TargetNetwork, ID: "n"}, u.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation), "got %v", err)

	configs, err := f.issuer.ListConfigs(ctx, store.ConfigFilter{PrincipalID: u.ID})
	require.NoError(t, err)
	assert.Empty(t, configs)
}

func TestIssueVPNConfig_FullTunnelAndDNS(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.principal(t, "u@example.com")
	gw := f.gateway(t, "gw", func(g *store.Gateway) {
		g.FullTunnel = true
		g.PushDNS = true
		g.DNSServers = []string{"10.0.0.2"}
		g.TLSAuthEnabled = true
		g.CryptoProfile = store.CryptoFIPS
	})
	f.assign(t, store.SubjectUser, u.ID, store.ObjectGateway, gw.ID)
	r := f.rule(t, "10.1.0.0/16", true)
	f.assign(t, store.SubjectUser, u.ID, store.ObjectRule, r.ID)

	issued, err := f.issuer.IssueVPNConfig(ctx, u, gatewayTarget(gw.ID), u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"0.0.0.0/0"}, access.PrefixStrings(issued.Routes))

	_, content, err := f.issuer.Download(ctx, issued.DownloadHandle)
	require.NoError(t, err)
	profile := string(content)
	assert.Contains(t, profile, "redirect-gateway def1")
	assert.NotContains(t, profile, "route 10.1.0.0")
	assert.Contains(t, profile, "dhcp-option DNS 10.0.0.2")
	assert.Contains(t, profile, "data-ciphers AES-256-GCM\n")
	assert.Contains(t, inlineBlock(t, content, "tls-auth"), "OpenVPN Static key V1")

	key, err := ca.ParsePrivateKeyPEM([]byte(inlineBlock(t, content, "key")))
	require.NoError(t, err)
	pub, ok := key.Public().(*ecdsa.PublicKey)
	require.True(t, ok, "fips profile uses ECDSA")
	assert.Equal(t, "P-384", pub.Curve.Params().Name)
}

func TestIssueVPNConfig_ReissueKeepsPriorConfigs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.principal(t, "u@example.com")
	gw := f.gateway(t, "gw", nil)
	f.assign(t, store.SubjectUser, u.ID, store.ObjectGateway, gw.ID)

	first, err := f.issuer.IssueVPNConfig(ctx, u, gatewayTarget(gw.ID), u.ID)
	require.NoError(t, err)
	second, err := f.issuer.IssueVPNConfig(ctx, u, gatewayTarget(gw.ID), u.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.Config.CertSerial, second.Config.CertSerial)

	configs, err := f.issuer.ListConfigs(ctx, store.ConfigFilter{PrincipalID: u.ID, OnlyUnrevoked: true})
	require.NoError(t, err)
	assert.Len(t, configs, 2)
}

func TestIssueVPNConfig_MeshRoutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.principal(t, "u@example.com")
	hub := &store.MeshHub{
		Name:           "hub",
		PublicEndpoint: "hub.example.com:443",
		TunnelSettings: store.TunnelSettings{
			Protocol: store.TransportTCP, Port: 1194, CryptoProfile: store.CryptoModern, VPNSubnet: "10.9.0.0/24",
		},
		IsActive: true,
	}
	require.NoError(t, f.store.CreateMeshHub(ctx, hub))
	reachable := &store.MeshSpoke{HubID: hub.ID, Name: "berlin", LocalNetworks: []string{"192.168.10.0/24"}, IsActive: true}
	require.NoError(t, f.store.CreateMeshSpoke(ctx, reachable))
	other := &store.MeshSpoke{HubID: hub.ID, Name: "paris", LocalNetworks: []string{"192.168.20.0/24"}, IsActive: true}
	require.NoError(t, f.store.CreateMeshSpoke(ctx, other))
	f.assign(t, store.SubjectUser, u.ID, store.ObjectMeshHub, hub.ID)
	f.assign(t, store.SubjectUser, u.ID, store.ObjectMeshSpoke, reachable.ID)

	issued, err := f.issuer.IssueVPNConfig(ctx, u, access.Target{Kind: access.TargetMeshHub, ID: hub.ID}, u.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ConfigKindMesh, issued.Config.Kind)
	assert.Equal(t, []string{"192.168.10.0/24"}, access.PrefixStrings(issued.Routes))

	_, content, err := f.issuer.Download(ctx, issued.DownloadHandle)
	require.NoError(t, err)
	assert.Contains(t, string(content), "remote hub.example.com 443")
	assert.Contains(t, string(content), "proto tcp")
}

func TestVerifyCredential_CertificateOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.principal(t, "u@example.com")
	gw := f.gateway(t, "gw", nil)
	f.assign(t, store.SubjectUser, u.ID, store.ObjectGateway, gw.ID)

	issue := func() string {
		issued, err := f.issuer.IssueVPNConfig(ctx, u, gatewayTarget(gw.ID), u.ID)
		require.NoError(t, err)
		_, content, err := f.issuer.Download(ctx, issued.DownloadHandle)
		require.NoError(t, err)
		return inlineBlock(t, content, "cert")
	}

	good := issue()
	v, err := f.issuer.VerifyCredential(ctx, Presented{CertificatePEM: good, GatewayID: gw.ID})
	require.NoError(t, err)
	assert.Equal(t, u.ID, v.PrincipalID)
	assert.Equal(t, store.CredentialVPNConfig, v.Kind)

	_, err = f.issuer.VerifyCredential(ctx, Presented{CertificatePEM: good, GatewayID: "other-gateway"})
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized), "got %v", err)

	_, err = f.issuer.VerifyCredential(ctx, Presented{CertificatePEM: "not a cert"})
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized), "got %v", err)

	revoked := issue()
	v, err = f.issuer.VerifyCredential(ctx, Presented{CertificatePEM: revoked})
	require.NoError(t, err)
	_, err = f.ledger.RevokeConfig(ctx, v.CredentialID, "lost laptop", "")
	require.NoError(t, err)
	_, err = f.issuer.VerifyCredential(ctx, Presented{CertificatePEM: revoked})
	assert.True(t, apperr.IsKind(err, apperr.KindRevoked), "got %v", err)

	// Expiry is checked before the chain, so an expired cert reports Expired
	// even though the chain would fail at that time too.
	f.issuer.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	_, err = f.issuer.VerifyCredential(ctx, Presented{CertificatePEM: good})
	assert.True(t, apperr.IsKind(err, apperr.KindExpired), "got %v", err)
	_, err = f.issuer.VerifyCredential(ctx, Presented{CertificatePEM: revoked})
	assert.True(t, apperr.IsKind(err, apperr.KindRevoked), "revoked dominates expired, got %v", err)
	f.issuer.now = time.Now

	// Access removed after issuance is honored at verify time.
	require.NoError(t, f.store.Unassign(ctx, store.SubjectUser, u.ID, store.ObjectGateway, gw.ID))
	_, err = f.issuer.VerifyCredential(ctx, Presented{CertificatePEM: good})
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized), "got %v", err)
	f.assign(t, store.SubjectUser, u.ID, store.ObjectGateway, gw.ID)

	_, err = f.ca.Rotate(ctx, "admin")
	require.NoError(t, err)
	_, err = f.issuer.VerifyCredential(ctx, Presented{CertificatePEM: good})
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized), "got %v", err)
	_, err = f.issuer.VerifyCredential(ctx, Presented{CertificatePEM: issue()})
	assert.NoError(t, err, "certificates issued after rotation verify")
}

// forgeWithSerial signs a client certificate carrying serial with a CA the
// server has never seen.
func forgeWithSerial(t *testing.T, serial *big.Int) string {
	t.Helper()
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	root := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "tunnelward root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, root, root, &rootKey.PublicKey, rootKey)
	require.NoError(t, err)
	rootCert, err := x509.ParseCertificate(rootDER)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leaf := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "u@example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, leaf, rootCert, &leafKey.PublicKey, rootKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func TestVerifyCredential_ForgedSerialIsUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.principal(t, "u@example.com")
	gw := f.gateway(t, "gw", nil)
	f.assign(t, store.SubjectUser, u.ID, store.ObjectGateway, gw.ID)

	issued, err := f.issuer.IssueVPNConfig(ctx, u, gatewayTarget(gw.ID), u.ID)
	require.NoError(t, err)
	_, content, err := f.issuer.Download(ctx, issued.DownloadHandle)
	require.NoError(t, err)
	genuine, err := ca.ParseCertificatePEM([]byte(inlineBlock(t, content, "cert")))
	require.NoError(t, err)
	forged := forgeWithSerial(t, genuine.SerialNumber)

	_, err = f.issuer.VerifyCredential(ctx, Presented{CertificatePEM: forged, GatewayID: gw.ID})
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized), "got %v", err)

	_, err = f.ledger.RevokeConfig(ctx, issued.Config.ID, "lost laptop", "")
	require.NoError(t, err)

	// The revoked serial does not make a foreign certificate count as revoked.
	_, err = f.issuer.VerifyCredential(ctx, Presented{CertificatePEM: forged, GatewayID: gw.ID})
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized), "got %v", err)
	assert.False(t, apperr.IsKind(err, apperr.KindRevoked))
}

func TestVerifyCredential_DisabledPrincipal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.principal(t, "u@example.com")
	gw := f.gateway(t, "gw", nil)
	f.assign(t, store.SubjectUser, u.ID, store.ObjectGateway, gw.ID)

	issued, err := f.issuer.IssueVPNConfig(ctx, u, gatewayTarget(gw.ID), u.ID)
	require.NoError(t, err)
	_, content, err := f.issuer.Download(ctx, issued.DownloadHandle)
	require.NoError(t, err)

	sp, err := f.store.GetPrincipal(ctx, u.ID)
	require.NoError(t, err)
	sp.IsActive = false
	require.NoError(t, f.store.UpdatePrincipal(ctx, sp))

	_, err = f.issuer.VerifyCredential(ctx, Presented{CertificatePEM: inlineBlock(t, content, "cert")})
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized), "got %v", err)
}

func TestIssueAPIKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.principal(t, "u@example.com")

	issued, err := f.issuer.IssueAPIKey(ctx, u, APIKeyRequest{Name: "ci", Scopes: []string{"write:gateways", "read:gateways"}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(issued.Secret, "twk_"))
	assert.Len(t, issued.Secret, 44)
	assert.Equal(t, issued.Secret[:12], issued.Key.KeyPrefix)
	assert.NotContains(t, issued.Key.KeyHash, issued.Secret)
	assert.Equal(t, []string{"read:gateways", "write:gateways"}, issued.Key.Scopes)
	assert.False(t, issued.Key.AdminProvisioned)

	stored, err := f.issuer.GetAPIKey(ctx, issued.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, hashSecret(issued.Secret), stored.KeyHash)

	p, k, err := f.issuer.AuthenticateAPIKey(ctx, issued.Secret)
	require.NoError(t, err)
	assert.Equal(t, u.ID, p.ID)
	assert.Equal(t, issued.Key.ID, k.ID)

	_, err = f.issuer.IssueAPIKey(ctx, u, APIKeyRequest{Name: "bad", Scopes: []string{"delete:gateways"}})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation), "got %v", err)

	past := time.Now().Add(-time.Hour)
	_, err = f.issuer.IssueAPIKey(ctx, u, APIKeyRequest{Name: "old", Scopes: []string{"*"}, ExpiresAt: &past})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation), "got %v", err)
}

func TestIssueAPIKey_AdminProvisioned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.principal(t, "u@example.com")
	other := f.principal(t, "other@example.com")
	admin := f.principal(t, "admin@example.com")
	admin.IsAdmin = true

	_, err := f.issuer.IssueAPIKey(ctx, other, APIKeyRequest{OwnerID: u.ID, Name: "x", Scopes: []string{"*"}})
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden), "got %v", err)

	issued, err := f.issuer.IssueAPIKey(ctx, admin, APIKeyRequest{OwnerID: u.ID, Name: "deploy", Scopes: []string{"read:configs"}})
	require.NoError(t, err)
	assert.True(t, issued.Key.AdminProvisioned)
	assert.Equal(t, u.ID, issued.Key.PrincipalID)
	assert.Equal(t, admin.ID, issued.Key.CreatedBy)
}

func TestVerifyCredential_APIKeyOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.principal(t, "u@example.com")

	_, err := f.issuer.VerifyCredential(ctx, Presented{APIKey: "twk_0000000000000000000000000000000000000000"})
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized), "got %v", err)
	_, err = f.issuer.VerifyCredential(ctx, Presented{})
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized), "got %v", err)

	soon := time.Now().Add(time.Hour)
	expiring, err := f.issuer.IssueAPIKey(ctx, u, APIKeyRequest{Name: "short", Scopes: []string{"*"}, ExpiresAt: &soon})
	require.NoError(t, err)
	v, err := f.issuer.VerifyCredential(ctx, Presented{APIKey: expiring.Secret})
	require.NoError(t, err)
	assert.Equal(t, []string{"*"}, v.Scopes)

	f.issuer.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = f.issuer.VerifyCredential(ctx, Presented{APIKey: expiring.Secret})
	assert.True(t, apperr.IsKind(err, apperr.KindExpired), "got %v", err)
	f.issuer.now = time.Now

	_, err = f.ledger.RevokeAPIKey(ctx, expiring.Key.ID, "rotated", "")
	require.NoError(t, err)
	_, err = f.issuer.VerifyCredential(ctx, Presented{APIKey: expiring.Secret})
	assert.True(t, apperr.IsKind(err, apperr.KindRevoked), "got %v", err)

	require.NoError(t, f.issuer.DeleteAPIKey(ctx, expiring.Key.ID, u.ID))
	_, err = f.issuer.VerifyCredential(ctx, Presented{APIKey: expiring.Secret})
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized), "deleted keys are unknown, got %v", err)
}

func TestConfigFileName(t *testing.T) {
	assert.Equal(t, "gw-east-1-0a1b2c3d.ovpn", configFileName("GW East 1", "0a1b2c3d4e5f"))
}
