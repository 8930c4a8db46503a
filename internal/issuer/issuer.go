// ABOUTME: Credential Issuer wiring: the collaborators it needs and its options
// ABOUTME: Issues VPN/mesh configs and API keys, and verifies presented credentials

package issuer

import (
	"context"
	"crypto"
	"crypto/x509"
	"log/slog"
	"time"

	"github.com/2389/tunnelward/internal/access"
	"github.com/2389/tunnelward/internal/ca"
	"github.com/2389/tunnelward/internal/identity"
	"github.com/2389/tunnelward/internal/metrics"
	"github.com/2389/tunnelward/internal/store"
)

// Store is the persistence the issuer needs.
type Store interface {
	CreateVPNConfig(ctx context.Context, c *store.VPNConfig, dl *store.ConfigDownload) error
	GetVPNConfig(ctx context.Context, id string) (*store.VPNConfig, error)
	GetVPNConfigBySerial(ctx context.Context, serial string) (*store.VPNConfig, error)
	ListVPNConfigs(ctx context.Context, f store.ConfigFilter) ([]*store.VPNConfig, error)
	ConsumeDownload(ctx context.Context, handleHash string, now time.Time) (*store.VPNConfig, []byte, error)
	CreateAPIKey(ctx context.Context, k *store.APIKey) error
	GetAPIKey(ctx context.Context, id string) (*store.APIKey, error)
	GetAPIKeyByHash(ctx context.Context, hash string) (*store.APIKey, error)
	ListAPIKeys(ctx context.Context, principalID string) ([]*store.APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
	DeleteAPIKey(ctx context.Context, id string) error
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// Snapshotter hands out access snapshots.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*access.Snapshot, error)
}

// Signer is the CA surface the issuer uses.
type Signer interface {
	SignClient(ctx context.Context, pub crypto.PublicKey, commonName string, validity time.Duration) (*ca.Leaf, error)
	VerifyChain(ctx context.Context, cert *x509.Certificate, at time.Time) error
	CheckIssuer(ctx context.Context, cert *x509.Certificate, fingerprint string) error
	CertificatePEM(ctx context.Context) ([]byte, error)
}

// RevocationChecker answers whether a credential is in the ledger.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, credentialID string) (bool, error)
}

// Principals resolves a principal with current groups.
type Principals interface {
	Resolve(ctx context.Context, id string) (*identity.Principal, error)
}

// Options tunes issuance.
type Options struct {
	CertValidity time.Duration // leaf lifetime, default 24h
	DownloadTTL  time.Duration // how long a download handle stays usable, default 1h
}

func (o *Options) applyDefaults() {
	if o.CertValidity <= 0 {
		o.CertValidity = 24 * time.Hour
	}
	if o.DownloadTTL <= 0 {
		o.DownloadTTL = time.Hour
	}
}

// Issuer issues and verifies credentials.
type Issuer struct {
	store      Store
	access     Snapshotter
	signer     Signer
	revoked    RevocationChecker
	principals Principals
	opts       Options
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an issuer.
func New(s Store, a Snapshotter, signer Signer, revoked RevocationChecker, principals Principals, opts Options, m *metrics.Metrics) *Issuer {
	opts.applyDefaults()
	return &Issuer{
		store:      s,
		access:     a,
		signer:     signer,
		revoked:    revoked,
		principals: principals,
		opts:       opts,
		metrics:    m,
		logger:     slog.Default().With("component", "issuer"),
		now:        time.Now,
	}
}

func (i *Issuer) audit(ctx context.Context, actor string, action store.AuditAction, targetType, targetID string, detail map[string]any) {
	if actor == "" {
		actor = store.ActorSystem
	}
	err := i.store.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	})
	if err != nil {
		i.logger.Error("writing audit entry", "action", action, "target_id", targetID, "error", err)
	}
}
