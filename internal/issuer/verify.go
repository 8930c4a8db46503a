// ABOUTME: Credential verification for API keys and client certificates
// ABOUTME: Checks run unknown or foreign issuer, revoked, expired, chain, then principal access

package issuer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/2389/tunnelward/internal/access"
	"github.com/2389/tunnelward/internal/apperr"
	"github.com/2389/tunnelward/internal/ca"
	"github.com/2389/tunnelward/internal/identity"
	"github.com/2389/tunnelward/internal/store"
)

// Presented is a credential offered for verification: an API key secret or a
// PEM client certificate. GatewayID, when set, is the gateway or hub the
// client is connecting to and must match the config's target.
type Presented struct {
	APIKey         string `json:"api_key,omitempty"`
	CertificatePEM string `json:"certificate_pem,omitempty"`
	GatewayID      string `json:"gateway_id,omitempty"`
}

// Verification describes a credential that passed every check.
type Verification struct {
	CredentialID string               `json:"credential_id"`
	Kind         store.CredentialKind `json:"kind"`
	PrincipalID  string               `json:"principal_id"`
	Email        string               `json:"email"`
	TargetID     string               `json:"target_id,omitempty"`
	ExpiresAt    *time.Time           `json:"expires_at,omitempty"`
	Scopes       []string             `json:"scopes,omitempty"`
}

// VerifyCredential checks a presented credential. Failures carry one of the
// kinds Unauthorized, Revoked or Expired.
func (i *Issuer) VerifyCredential(ctx context.Context, cred Presented) (*Verification, error) {
	var v *Verification
	var err error
	switch {
	case cred.APIKey != "" && cred.CertificatePEM != "":
		err = apperr.New(apperr.KindValidation, "present either an api key or a certificate, not both")
	case cred.APIKey != "":
		v, _, err = i.verifyAPIKey(ctx, cred.APIKey)
	case cred.CertificatePEM != "":
		v, err = i.verifyCertificate(ctx, cred.CertificatePEM, cred.GatewayID)
	default:
		err = apperr.New(apperr.KindUnauthorized, "no credential presented")
	}
	i.recordVerification(err)
	return v, err
}

// AuthenticateAPIKey verifies a bearer API key for the admin API and returns
// its owner and record.
func (i *Issuer) AuthenticateAPIKey(ctx context.Context, secret string) (*identity.Principal, *store.APIKey, error) {
	v, k, err := i.verifyAPIKey(ctx, secret)
	i.recordVerification(err)
	if err != nil {
		return nil, nil, err
	}
	p, err := i.principals.Resolve(ctx, v.PrincipalID)
	if err != nil {
		return nil, nil, err
	}
	if err := i.store.TouchAPIKey(ctx, k.ID, i.now().UTC()); err != nil {
		i.logger.Warn("recording api key use", "key_id", k.ID, "error", err)
	}
	return p, k, nil
}

func (i *Issuer) recordVerification(err error) {
	if err == nil {
		i.metrics.Verification("ok")
		return
	}
	i.metrics.Verification(string(apperr.KindOf(err)))
}

var errUnknownCredential = apperr.New(apperr.KindUnauthorized, "unknown credential")

func (i *Issuer) verifyAPIKey(ctx context.Context, secret string) (*Verification, *store.APIKey, error) {
	if !strings.HasPrefix(secret, APIKeyPrefix) {
		return nil, nil, errUnknownCredential
	}
	k, err := i.store.GetAPIKeyByHash(ctx, hashSecret(secret))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, errUnknownCredential
	}
	if err != nil {
		return nil, nil, err
	}
	if err := i.checkRevoked(ctx, k); err != nil {
		return nil, nil, err
	}
	now := i.now()
	if k.Expired(now) {
		return nil, nil, apperr.New(apperr.KindExpired, "api key has expired")
	}
	p, err := i.activePrincipal(ctx, k.PrincipalID)
	if err != nil {
		return nil, nil, err
	}
	return &Verification{
		CredentialID: k.ID,
		Kind:         store.CredentialAPIKey,
		PrincipalID:  p.ID,
		Email:        p.Email,
		ExpiresAt:    k.ExpiresAt,
		Scopes:       k.Scopes,
	}, k, nil
}

func (i *Issuer) verifyCertificate(ctx context.Context, certPEM, gatewayID string) (*Verification, error) {
	cert, err := ca.ParseCertificatePEM([]byte(certPEM))
	if err != nil {
		return nil, errUnknownCredential
	}
	c, err := i.store.GetVPNConfigBySerial(ctx, ca.SerialHex(cert.SerialNumber))
	if errors.Is(err, store.ErrNotFound) {
		return nil, errUnknownCredential
	}
	if err != nil {
		return nil, err
	}
	// A serial match alone is not ours: the certificate must be signed by the
	// CA recorded at issuance, whether or not that CA is still active.
	if err := i.signer.CheckIssuer(ctx, cert, c.CAFingerprint); err != nil {
		if apperr.IsKind(err, apperr.KindUnauthorized) {
			i.logger.Warn("certificate serial matches a config but not its issuer", "config_id", c.ID, "error", err)
			return nil, errUnknownCredential
		}
		return nil, err
	}
	if err := i.checkRevoked(ctx, c); err != nil {
		return nil, err
	}
	now := i.now()
	if !now.Before(c.ExpiresAt) || now.After(cert.NotAfter) {
		return nil, apperr.New(apperr.KindExpired, "certificate has expired")
	}
	if err := i.signer.VerifyChain(ctx, cert, now); err != nil {
		return nil, err
	}
	if gatewayID != "" && gatewayID != c.TargetID {
		return nil, apperr.New(apperr.KindUnauthorized, "certificate was issued for another gateway")
	}

	p, err := i.activePrincipal(ctx, c.PrincipalID)
	if err != nil {
		return nil, err
	}
	target := access.Target{Kind: access.TargetGateway, ID: c.TargetID}
	if c.Kind == store.ConfigKindMesh {
		target.Kind = access.TargetMeshHub
	}
	snap, err := i.access.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if !snap.CanAccess(p, target) {
		return nil, apperr.New(apperr.KindUnauthorized, "principal no longer has access to the target")
	}
	exp := c.ExpiresAt
	return &Verification{
		CredentialID: c.ID,
		Kind:         c.CredentialKind(),
		PrincipalID:  p.ID,
		Email:        p.Email,
		TargetID:     c.TargetID,
		ExpiresAt:    &exp,
	}, nil
}

func (i *Issuer) checkRevoked(ctx context.Context, c store.Credential) error {
	if c.Revoked() {
		return apperr.New(apperr.KindRevoked, "credential has been revoked")
	}
	revoked, err := i.revoked.IsRevoked(ctx, c.CredentialID())
	if err != nil {
		return err
	}
	if revoked {
		return apperr.New(apperr.KindRevoked, "credential has been revoked")
	}
	return nil
}

func (i *Issuer) activePrincipal(ctx context.Context, id string) (*identity.Principal, error) {
	p, err := i.principals.Resolve(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindUnauthorized, "principal no longer exists")
	}
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, apperr.New(apperr.KindUnauthorized, "principal is disabled")
	}
	return p, nil
}
