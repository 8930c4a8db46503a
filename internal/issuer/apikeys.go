// ABOUTME: API key issuance: "twk_" secrets stored only as a SHA-256 hash
// ABOUTME: The plaintext is returned once; listings show the 12-character prefix

package issuer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/2389/tunnelward/internal/apperr"
	"github.com/2389/tunnelward/internal/auth"
	"github.com/2389/tunnelward/internal/identity"
	"github.com/2389/tunnelward/internal/store"
)

const (
	// APIKeyPrefix starts every API key secret.
	APIKeyPrefix = "twk_"

	apiKeyRandomBytes = 20
	apiKeyShownPrefix = 12
)

// APIKeyRequest describes a key to issue.
type APIKeyRequest struct {
	OwnerID   string
	Name      string
	Scopes    []string
	ExpiresAt *time.Time
}

// IssuedAPIKey is a new key with its plaintext secret.
type IssuedAPIKey struct {
	Key    *store.APIKey
	Secret string
}

// IssueAPIKey creates a key for req.OwnerID on behalf of actor. Only admins
// may provision keys for someone else.
func (i *Issuer) IssueAPIKey(ctx context.Context, actor *identity.Principal, req APIKeyRequest) (*IssuedAPIKey, error) {
	if req.OwnerID == "" {
		req.OwnerID = actor.ID
	}
	provisioned := req.OwnerID != actor.ID
	if provisioned && !actor.IsAdmin {
		return nil, apperr.New(apperr.KindForbidden, "only admins can create keys for other principals")
	}
	scopes, err := auth.NormalizeScopes(req.Scopes)
	if err != nil {
		return nil, err
	}
	now := i.now().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, apperr.New(apperr.KindValidation, "expiry must be in the future")
	}
	owner, err := i.principals.Resolve(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if !owner.IsActive {
		return nil, apperr.New(apperr.KindValidation, "cannot issue a key for a disabled principal")
	}

	secret, err := newAPIKeySecret()
	if err != nil {
		return nil, err
	}
	k := &store.APIKey{
		PrincipalID:      owner.ID,
		Name:             strings.TrimSpace(req.Name),
		KeyPrefix:        secret[:apiKeyShownPrefix],
		KeyHash:          hashSecret(secret),
		Scopes:           scopes,
		AdminProvisioned: provisioned,
		CreatedBy:        actor.ID,
		CreatedAt:        now,
	}
	if req.ExpiresAt != nil {
		exp := req.ExpiresAt.UTC()
		k.ExpiresAt = &exp
	}
	if err := i.store.CreateAPIKey(ctx, k); err != nil {
		return nil, err
	}

	i.metrics.CredentialIssued(string(store.CredentialAPIKey))
	i.audit(ctx, actor.ID, store.AuditIssueAPIKey, "api_key", k.ID, map[string]any{
		"principal_id":      owner.ID,
		"scopes":            scopes,
		"admin_provisioned": provisioned,
	})
	i.logger.Info("issued api key", "key_id", k.ID, "principal_id", owner.ID, "prefix", k.KeyPrefix)
	return &IssuedAPIKey{Key: k, Secret: secret}, nil
}

// ListAPIKeys lists a principal's keys. Secrets are never returned.
func (i *Issuer) ListAPIKeys(ctx context.Context, principalID string) ([]*store.APIKey, error) {
	return i.store.ListAPIKeys(ctx, principalID)
}

// GetAPIKey returns a key record.
func (i *Issuer) GetAPIKey(ctx context.Context, id string) (*store.APIKey, error) {
	return i.store.GetAPIKey(ctx, id)
}

// DeleteAPIKey hard-deletes one key.
func (i *Issuer) DeleteAPIKey(ctx context.Context, id, actor string) error {
	if err := i.store.DeleteAPIKey(ctx, id); err != nil {
		return err
	}
	i.audit(ctx, actor, store.AuditDeleteAPIKeys, "api_key", id, nil)
	return nil
}

func newAPIKeySecret() (string, error) {
	buf := make([]byte, apiKeyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return APIKeyPrefix + hex.EncodeToString(buf), nil
}
