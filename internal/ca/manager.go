// ABOUTME: CA Manager holding exactly one active signing root behind an atomic pointer
// ABOUTME: Rotate and Import swap the root through a versioned row; readers never see a torn state

package ca

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/tunnelward/internal/apperr"
	"github.com/2389/tunnelward/internal/metrics"
	"github.com/2389/tunnelward/internal/store"
)

// DefaultRootValidity is how long a generated root is valid.
const DefaultRootValidity = 10 * 365 * 24 * time.Hour

// Store is the persistence the manager needs.
type Store interface {
	ActiveCA(ctx context.Context) (*store.CertificateAuthority, int64, error)
	CAVersion(ctx context.Context) (int64, error)
	SwapActiveCA(ctx context.Context, ca *store.CertificateAuthority, expectedVersion int64) (int64, error)
	ListCAHistory(ctx context.Context) ([]*store.CertificateAuthority, error)
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// Options configures generated roots and key sealing.
type Options struct {
	CommonName   string
	Organization string
	Validity     time.Duration
	Passphrase   string
}

// authority is one immutable view of the active CA. A nil record means no
// CA exists yet at the recorded version.
type authority struct {
	record  *store.CertificateAuthority
	cert    *x509.Certificate
	signer  crypto.Signer
	roots   *x509.CertPool
	version int64
}

// Manager owns the active CA.
type Manager struct {
	store   Store
	opts    Options
	sealer  *Sealer
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	swapMu  sync.Mutex
	current atomic.Pointer[authority]
}

// NewManager creates a manager. Call Load or EnsureActive before signing.
func NewManager(s Store, opts Options, m *metrics.Metrics) *Manager {
	if opts.CommonName == "" {
		opts.CommonName = "tunnelward root CA"
	}
	if opts.Organization == "" {
		opts.Organization = "tunnelward"
	}
	if opts.Validity <= 0 {
		opts.Validity = DefaultRootValidity
	}
	mgr := &Manager{
		store:   s,
		opts:    opts,
		sealer:  NewSealer(opts.Passphrase),
		metrics: m,
		logger:  slog.Default().With("component", "ca"),
		now:     time.Now,
	}
	mgr.current.Store(&authority{})
	return mgr
}

// Load reads the active CA from the store. Having no CA is not an error.
func (m *Manager) Load(ctx context.Context) error {
	rec, version, err := m.store.ActiveCA(ctx)
	if errors.Is(err, store.ErrNotFound) {
		m.current.Store(&authority{version: version})
		return nil
	}
	if err != nil {
		return err
	}
	a, err := m.open(rec, version)
	if err != nil {
		return err
	}
	m.current.Store(a)
	m.logger.Info("loaded active CA", "ca_id", rec.ID, "fingerprint", rec.Fingerprint, "not_after", rec.NotAfter)
	return nil
}

// EnsureActive loads the active CA, generating a first root if none exists.
func (m *Manager) EnsureActive(ctx context.Context, actor string) error {
	if err := m.Load(ctx); err != nil {
		return err
	}
	if m.Ready() {
		return nil
	}
	m.logger.Info("no active CA, generating one")
	_, err := m.Rotate(ctx, actor)
	return err
}

// Ready reports whether an active CA is loaded.
func (m *Manager) Ready() bool {
	return m.current.Load().record != nil
}

// loaded returns the active authority, reloading it first when another
// instance has swapped the CA since this one last read it.
func (m *Manager) loaded(ctx context.Context) (*authority, error) {
	version, err := m.store.CAVersion(ctx)
	if err != nil {
		return nil, err
	}
	a := m.current.Load()
	if a.version != version {
		if a, err = m.reload(ctx, version); err != nil {
			return nil, err
		}
	}
	if a.record == nil {
		return nil, apperr.New(apperr.KindUnavailable, "no active certificate authority")
	}
	return a, nil
}

func (m *Manager) reload(ctx context.Context, version int64) (*authority, error) {
	m.swapMu.Lock()
	defer m.swapMu.Unlock()
	prev := m.current.Load()
	if prev.version == version {
		return prev, nil
	}
	if err := m.Load(ctx); err != nil {
		return nil, err
	}
	a := m.current.Load()
	if prev.record != nil && a.record != nil && prev.record.ID != a.record.ID {
		m.logger.Info("picked up CA swapped by another instance", "previous_ca_id", prev.record.ID, "ca_id", a.record.ID)
	}
	return a, nil
}

// Active returns the active CA record.
func (m *Manager) Active(ctx context.Context) (*store.CertificateAuthority, error) {
	a, err := m.loaded(ctx)
	if err != nil {
		return nil, err
	}
	return a.record, nil
}

// CertificatePEM returns the active root in PEM form for trust distribution.
func (m *Manager) CertificatePEM(ctx context.Context) ([]byte, error) {
	a, err := m.loaded(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(a.record.CertPEM), nil
}

// History lists every CA, newest first.
func (m *Manager) History(ctx context.Context) ([]*store.CertificateAuthority, error) {
	return m.store.ListCAHistory(ctx)
}

// Rotate generates a new self-signed ECDSA P-256 root and makes it active.
// Every certificate signed by the previous root stops verifying.
func (m *Manager) Rotate(ctx context.Context, actor string) (*store.CertificateAuthority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "generating ca key", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{m.opts.Organization},
			CommonName:   m.opts.CommonName,
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(m.opts.Validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "creating ca certificate", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "parsing ca certificate", err)
	}
	return m.swap(ctx, actor, store.CAGenerated, cert, key)
}

// Import validates a CA certificate and its key, then makes it active.
func (m *Manager) Import(ctx context.Context, actor string, certPEM, keyPEM []byte) (*store.CertificateAuthority, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	if !cert.BasicConstraintsValid || !cert.IsCA {
		return nil, apperr.New(apperr.KindValidation, "certificate is not a CA (basic constraints)")
	}
	if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return nil, apperr.New(apperr.KindValidation, "certificate lacks the cert-sign key usage")
	}
	now := m.now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, apperr.New(apperr.KindValidation, "certificate is outside its validity window")
	}
	signer, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return nil, apperr.New(apperr.KindValidation, "private key does not match the certificate")
	}
	return m.swap(ctx, actor, store.CAImported, cert, signer)
}

func (m *Manager) swap(ctx context.Context, actor string, source store.CASource, cert *x509.Certificate, signer crypto.Signer) (*store.CertificateAuthority, error) {
	keyDER, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "encoding ca key", err)
	}
	sealed, err := m.sealer.Seal(keyDER)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "sealing ca key", err)
	}
	if actor == "" {
		actor = store.ActorSystem
	}
	rec := &store.CertificateAuthority{
		Subject:     cert.Subject.String(),
		Serial:      SerialHex(cert.SerialNumber),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		Fingerprint: Fingerprint(cert),
		CertPEM:     string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})),
		KeySealed:   sealed,
		Source:      source,
		CreatedBy:   actor,
	}

	m.swapMu.Lock()
	defer m.swapMu.Unlock()

	prev := m.current.Load()
	version, err := m.store.SwapActiveCA(ctx, rec, prev.version)
	if errors.Is(err, store.ErrVersionConflict) {
		// Another instance swapped first; pick up its CA.
		if lerr := m.Load(ctx); lerr != nil {
			m.logger.Error("reloading CA after lost swap", "error", lerr)
		}
		return nil, apperr.Wrap(apperr.KindConflict, "the active CA changed concurrently; retry", err)
	}
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	m.current.Store(&authority{record: rec, cert: cert, signer: signer, roots: pool, version: version})

	action := store.AuditRotateCA
	if source == store.CAImported {
		action = store.AuditImportCA
	}
	detail := map[string]any{"fingerprint": rec.Fingerprint, "not_after": rec.NotAfter.UTC().Format(time.RFC3339)}
	if prev.record != nil {
		detail["previous_ca_id"] = prev.record.ID
	}
	if err := m.store.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      actor,
		Action:     action,
		TargetType: "ca",
		TargetID:   rec.ID,
		Detail:     detail,
	}); err != nil {
		m.logger.Error("writing CA audit entry", "ca_id", rec.ID, "error", err)
	}
	m.metrics.CASwapped(string(source))
	m.logger.Info("active CA swapped", "ca_id", rec.ID, "source", source, "actor", actor, "fingerprint", rec.Fingerprint)
	return rec, nil
}

func (m *Manager) open(rec *store.CertificateAuthority, version int64) (*authority, error) {
	cert, err := ParseCertificatePEM([]byte(rec.CertPEM))
	if err != nil {
		return nil, err
	}
	keyDER, err := m.sealer.Open(rec.KeySealed)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "opening ca key", err)
	}
	key, err := x509.ParsePKCS8PrivateKey(keyDER)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "parsing ca key", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, apperr.New(apperr.KindInternal, "ca key cannot sign")
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &authority{record: rec, cert: cert, signer: signer, roots: pool, version: version}, nil
}

// Leaf is a freshly signed client certificate.
type Leaf struct {
	Cert          *x509.Certificate
	PEM           []byte
	Serial        string
	CAFingerprint string
}

// SignClient issues a client-auth leaf for pub. NotAfter is capped at the
// root's own expiry.
func (m *Manager) SignClient(ctx context.Context, pub crypto.PublicKey, commonName string, validity time.Duration) (*Leaf, error) {
	a, err := m.loaded(ctx)
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	notAfter := now.Add(validity)
	if notAfter.After(a.cert.NotAfter) {
		notAfter = a.cert.NotAfter
	}
	usage := x509.KeyUsageDigitalSignature
	if _, isRSA := pub.(*rsa.PublicKey); isRSA {
		usage |= x509.KeyUsageKeyEncipherment
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{m.opts.Organization}, CommonName: commonName},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     notAfter,
		KeyUsage:     usage,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, pub, a.signer)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "signing client certificate", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "parsing client certificate", err)
	}
	return &Leaf{
		Cert:          cert,
		PEM:           pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Serial:        SerialHex(serial),
		CAFingerprint: a.record.Fingerprint,
	}, nil
}

// VerifyChain checks that cert was issued by the active root for client auth.
func (m *Manager) VerifyChain(ctx context.Context, cert *x509.Certificate, at time.Time) error {
	a, err := m.loaded(ctx)
	if err != nil {
		return err
	}
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:       a.roots,
		CurrentTime: at,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return apperr.Wrap(apperr.KindUnauthorized, "certificate does not chain to the active CA", err)
	}
	return nil
}

// CheckIssuer reports whether cert carries a valid signature from the CA with
// the given fingerprint, active or rotated out. Validity windows and key
// usages are not checked here; VerifyChain does that against the active root.
func (m *Manager) CheckIssuer(ctx context.Context, cert *x509.Certificate, fingerprint string) error {
	var issuer *x509.Certificate
	if a, err := m.loaded(ctx); err == nil && a.record.Fingerprint == fingerprint {
		issuer = a.cert
	} else {
		history, err := m.store.ListCAHistory(ctx)
		if err != nil {
			return err
		}
		for _, rec := range history {
			if rec.Fingerprint != fingerprint {
				continue
			}
			if issuer, err = ParseCertificatePEM([]byte(rec.CertPEM)); err != nil {
				return err
			}
			break
		}
	}
	if issuer == nil {
		return apperr.New(apperr.KindUnauthorized, "issuing CA is unknown")
	}
	if err := cert.CheckSignatureFrom(issuer); err != nil {
		return apperr.Wrap(apperr.KindUnauthorized, "certificate signature does not match its issuing CA", err)
	}
	return nil
}

// CRL signs a revocation list of the given serials with the active root.
func (m *Manager) CRL(ctx context.Context, revoked []store.RevokedSerial, validFor time.Duration) ([]byte, error) {
	a, err := m.loaded(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, r := range revoked {
		n, ok := new(big.Int).SetString(r.Serial, 16)
		if !ok {
			m.logger.Warn("skipping unparseable serial in CRL", "serial", r.Serial)
			continue
		}
		entries = append(entries, x509.RevocationListEntry{SerialNumber: n, RevocationTime: r.RevokedAt})
	}
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    big.NewInt(now.UnixNano()),
		ThisUpdate:                now,
		NextUpdate:                now.Add(validFor),
		RevokedCertificateEntries: entries,
	}, a.cert, a.signer)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "creating revocation list", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der}), nil
}

// Fingerprint is the hex SHA-256 of the DER certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// SerialHex renders a serial the way it is stored and compared.
func SerialHex(n *big.Int) string {
	return n.Text(16)
}

func randomSerial() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "generating serial", err)
	}
	return n, nil
}

// ParseCertificatePEM decodes a single PEM certificate.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, apperr.New(apperr.KindValidation, "expected a PEM CERTIFICATE block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "parsing certificate", err)
	}
	return cert, nil
}

// ParsePrivateKeyPEM accepts PKCS#8, SEC 1 EC and PKCS#1 RSA keys.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, apperr.New(apperr.KindValidation, "expected a PEM private key")
	}
	var (
		key any
		err error
	)
	switch block.Type {
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, apperr.Newf(apperr.KindValidation, "unsupported private key type %q", block.Type)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "parsing private key", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, apperr.Newf(apperr.KindValidation, "%T keys cannot sign", key)
	}
	return signer, nil
}
