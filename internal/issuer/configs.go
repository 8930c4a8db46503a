// ABOUTME: VPN and mesh config issuance with one-time download handles
// ABOUTME: Access is re-checked against a fresh snapshot on every issue

package issuer

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"

	"github.com/2389/tunnelward/internal/access"
	"github.com/2389/tunnelward/internal/apperr"
	"github.com/2389/tunnelward/internal/identity"
	"github.com/2389/tunnelward/internal/store"
)

// defaultRoute is pushed instead of the principal's routes in full-tunnel mode.
var defaultRoute = netip.MustParsePrefix("0.0.0.0/0")

// IssuedConfig is a newly issued config. DownloadHandle is shown once.
type IssuedConfig struct {
	Config         *store.VPNConfig
	DownloadHandle string
	Routes         []netip.Prefix
}

// tunnelTarget is the part of a gateway or hub a client profile needs.
type tunnelTarget struct {
	kind     store.ConfigKind
	id       string
	name     string
	remote   string
	port     int
	settings store.TunnelSettings
}

// IssueVPNConfig issues a client config for a gateway or mesh hub. Prior
// configs for the same target are left alone.
func (i *Issuer) IssueVPNConfig(ctx context.Context, p *identity.Principal, t access.Target, actor string) (*IssuedConfig, error) {
	if t.Kind != access.TargetGateway && t.Kind != access.TargetMeshHub {
		return nil, apperr.Newf(apperr.KindValidation, "configs are issued for gateways or mesh hubs, not %s", t.Kind)
	}
	snap, err := i.access.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if !snap.Exists(t) {
		return nil, apperr.Newf(apperr.KindNotFound, "%s not found", t.Kind)
	}
	if !snap.CanAccess(p, t) {
		i.metrics.AccessDecision(string(t.Kind), false)
		return nil, apperr.Newf(apperr.KindForbidden, "no access to %s", t.Kind)
	}
	i.metrics.AccessDecision(string(t.Kind), true)

	var tt tunnelTarget
	var routes []netip.Prefix
	switch t.Kind {
	case access.TargetGateway:
		g, _ := snap.Gateway(t.ID)
		tt = tunnelTarget{kind: store.ConfigKindGateway, id: g.ID, name: g.Name, remote: g.Address(), port: g.Port, settings: g.TunnelSettings}
		routes = snap.GatewayRoutes(p, g.ID)
	case access.TargetMeshHub:
		h, _ := snap.MeshHub(t.ID)
		host, port := splitEndpoint(h.PublicEndpoint, h.Port)
		tt = tunnelTarget{kind: store.ConfigKindMesh, id: h.ID, name: h.Name, remote: host, port: port, settings: h.TunnelSettings}
		routes = snap.MeshRoutes(p, h.ID)
	}
	if tt.settings.FullTunnel {
		routes = []netip.Prefix{defaultRoute}
	}

	key, err := generateKey(tt.settings.CryptoProfile)
	if err != nil {
		return nil, err
	}
	leaf, err := i.signer.SignClient(ctx, key.Public(), p.Email, i.opts.CertValidity)
	if err != nil {
		return nil, err
	}
	keyPEM, err := marshalKeyPEM(key)
	if err != nil {
		return nil, err
	}
	caPEM, err := i.signer.CertificatePEM(ctx)
	if err != nil {
		return nil, err
	}

	data := profileData{
		Name:       tt.name,
		Remote:     tt.remote,
		Port:       tt.port,
		Proto:      tt.settings.Protocol,
		Suite:      cipherSuites[tt.settings.CryptoProfile],
		FullTunnel: tt.settings.FullTunnel,
		Routes:     routeLines(routes),
		PushDNS:    tt.settings.PushDNS,
		DNSServers: tt.settings.DNSServers,
		CACert:     string(caPEM),
		ClientCert: string(leaf.PEM),
		ClientKey:  string(keyPEM),
	}
	if tt.settings.TLSAuthEnabled {
		data.TLSAuthKey = tt.settings.TLSAuthKey
	}
	content, err := renderProfile(data)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "rendering config", err)
	}

	handle, handleHash, err := newHandle()
	if err != nil {
		return nil, err
	}
	now := i.now().UTC()
	c := &store.VPNConfig{
		Kind:          tt.kind,
		PrincipalID:   p.ID,
		TargetID:      tt.id,
		FileName:      configFileName(tt.name, leaf.Serial),
		CertSerial:    leaf.Serial,
		CAFingerprint: leaf.CAFingerprint,
		CreatedAt:     now,
		ExpiresAt:     leaf.Cert.NotAfter.UTC(),
	}
	dl := &store.ConfigDownload{HandleHash: handleHash, Content: content, ExpiresAt: now.Add(i.opts.DownloadTTL)}
	if err := i.store.CreateVPNConfig(ctx, c, dl); err != nil {
		return nil, err
	}

	i.metrics.CredentialIssued(string(c.CredentialKind()))
	i.audit(ctx, actor, store.AuditIssueConfig, "vpn_config", c.ID, map[string]any{
		"principal_id": p.ID,
		"target_id":    tt.id,
		"kind":         string(tt.kind),
		"serial":       leaf.Serial,
	})
	i.logger.Info("issued config", "config_id", c.ID, "principal_id", p.ID, "target_id", tt.id,
		"kind", tt.kind, "routes", len(routes), "expires_at", c.ExpiresAt)
	return &IssuedConfig{Config: c, DownloadHandle: handle, Routes: routes}, nil
}

// Download returns a config's rendered file. A handle works once.
func (i *Issuer) Download(ctx context.Context, handle string) (*store.VPNConfig, []byte, error) {
	if handle == "" {
		return nil, nil, apperr.New(apperr.KindNotFound, "download not found")
	}
	c, content, err := i.store.ConsumeDownload(ctx, hashSecret(handle), i.now().UTC())
	if err != nil {
		return nil, nil, err
	}
	if c.IsRevoked {
		return nil, nil, apperr.New(apperr.KindRevoked, "config has been revoked")
	}
	return c, content, nil
}

// GetConfig returns one config record.
func (i *Issuer) GetConfig(ctx context.Context, id string) (*store.VPNConfig, error) {
	return i.store.GetVPNConfig(ctx, id)
}

// ListConfigs lists config records.
func (i *Issuer) ListConfigs(ctx context.Context, f store.ConfigFilter) ([]*store.VPNConfig, error) {
	return i.store.ListVPNConfigs(ctx, f)
}

func newHandle() (handle, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating download handle: %w", err)
	}
	handle = hex.EncodeToString(buf)
	return handle, hashSecret(handle), nil
}

func hashSecret(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func configFileName(targetName, serial string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(targetName) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if len(serial) > 8 {
		serial = serial[:8]
	}
	return strings.Trim(b.String(), "-") + "-" + serial + ".ovpn"
}
