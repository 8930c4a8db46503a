// ABOUTME: API key records; only the SHA-256 hash of a key is ever stored
// ABOUTME: Keys carry scopes and may be provisioned by an admin for another principal

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// APIKey is a long-lived bearer credential owned by a principal.
type APIKey struct {
	ID               string
	PrincipalID      string
	Name             string
	KeyPrefix        string // first characters of the plaintext, shown in listings
	KeyHash          string
	Scopes           []string
	AdminProvisioned bool
	CreatedBy        string
	CreatedAt        time.Time
	LastUsedAt       *time.Time
	ExpiresAt        *time.Time // nil = never
	IsRevoked        bool
	RevokedAt        *time.Time
}

// Expired reports whether the key is past its expiry at the given time.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

func (k *APIKey) CredentialID() string           { return k.ID }
func (k *APIKey) CredentialKind() CredentialKind { return CredentialAPIKey }
func (k *APIKey) OwnerID() string                { return k.PrincipalID }
func (k *APIKey) Revoked() bool                  { return k.IsRevoked }

// CreateAPIKey persists a key. The caller supplies the hash and prefix.
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	if err := validateName("key name", k.Name); err != nil {
		return err
	}
	if len(k.Scopes) == 0 {
		return invalidf("api key needs at least one scope")
	}
	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, principal_id, name, key_prefix, key_hash, scopes_json, admin_provisioned,
			created_by, created_at, expires_at, is_revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, k.ID, k.PrincipalID, k.Name, k.KeyPrefix, k.KeyHash, encodeStrings(k.Scopes), k.AdminProvisioned,
		k.CreatedBy, formatTime(k.CreatedAt), formatOptTime(k.ExpiresAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return notFound("principal")
		}
		if isConstraintViolation(err) {
			return conflict("api key hash collision")
		}
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

const apiKeyColumns = `id, principal_id, name, key_prefix, key_hash, scopes_json, admin_provisioned,
	created_by, created_at, last_used_at, expires_at, is_revoked, revoked_at`

func scanAPIKey(scanner interface{ Scan(dest ...any) error }) (*APIKey, error) {
	var k APIKey
	var scopes, createdAt string
	var lastUsed, expires, revoked sql.NullString
	if err := scanner.Scan(&k.ID, &k.PrincipalID, &k.Name, &k.KeyPrefix, &k.KeyHash, &scopes, &k.AdminProvisioned,
		&k.CreatedBy, &createdAt, &lastUsed, &expires, &k.IsRevoked, &revoked); err != nil {
		return nil, err
	}
	var err error
	if k.Scopes, err = decodeStrings(scopes); err != nil {
		return nil, err
	}
	if k.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if k.LastUsedAt, err = parseOptTime(lastUsed); err != nil {
		return nil, err
	}
	if k.ExpiresAt, err = parseOptTime(expires); err != nil {
		return nil, err
	}
	if k.RevokedAt, err = parseOptTime(revoked); err != nil {
		return nil, err
	}
	return &k, nil
}

// GetAPIKey retrieves a key by ID.
func (s *SQLiteStore) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	k, err := scanAPIKey(s.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, notFound("api key")
	}
	if err != nil {
		return nil, fmt.Errorf("querying api key: %w", err)
	}
	return k, nil
}

// GetAPIKeyByHash retrieves a key by the hash of its plaintext.
func (s *SQLiteStore) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	k, err := scanAPIKey(s.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ?`, hash))
	if err == sql.ErrNoRows {
		return nil, notFound("api key")
	}
	if err != nil {
		return nil, fmt.Errorf("querying api key by hash: %w", err)
	}
	return k, nil
}

// ListAPIKeys returns a principal's keys newest first. An empty principal
// lists every key.
func (s *SQLiteStore) ListAPIKeys(ctx context.Context, principalID string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+apiKeyColumns+` FROM api_keys
		WHERE (? = '' OR principal_id = ?)
		ORDER BY created_at DESC, id
	`, principalID, principalID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	keys := []*APIKey{}
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// TouchAPIKey records a successful use of the key.
func (s *SQLiteStore) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("updating api key last used: %w", err)
	}
	return nil
}

// DeleteAPIKeysForPrincipal removes every key a principal owns. Ledger rows
// for already revoked keys are kept. Returns the number removed.
func (s *SQLiteStore) DeleteAPIKeysForPrincipal(ctx context.Context, principalID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE principal_id = ?`, principalID)
	if err != nil {
		return 0, fmt.Errorf("deleting api keys: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// DeleteAPIKey removes a single key.
func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting api key: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound("api key")
	}
	return nil
}
