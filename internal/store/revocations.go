// ABOUTME: Revocation ledger; entries are append-only and never cleared
// ABOUTME: Marking a credential revoked and writing its ledger entry happen in one transaction

package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"
)

// CredentialKind names the kinds of credential the ledger tracks.
type CredentialKind string

const (
	CredentialVPNConfig  CredentialKind = "vpn_config"
	CredentialMeshConfig CredentialKind = "mesh_config"
	CredentialAPIKey     CredentialKind = "api_key"
)

// Credential is anything the ledger can revoke. VPNConfig and APIKey
// implement it.
type Credential interface {
	CredentialID() string
	CredentialKind() CredentialKind
	OwnerID() string
	Revoked() bool
}

// Revocation is one ledger entry.
type Revocation struct {
	CredentialID string
	Kind         CredentialKind
	PrincipalID  string
	Serial       string // certificate serial for configs, empty for keys
	Reason       string
	RevokedBy    string
	RevokedAt    time.Time
}

// RevokeCredential flips the credential's revoked flag and appends the ledger
// entry atomically. Revoking an already revoked credential is a no-op that
// reports already=true.
func (s *SQLiteStore) RevokeCredential(ctx context.Context, r *Revocation) (already bool, err error) {
	if r.Reason == "" {
		return false, invalidf("revocation reason is required")
	}
	if r.RevokedAt.IsZero() {
		r.RevokedAt = time.Now().UTC()
	}
	at := formatTime(r.RevokedAt)

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var result sql.Result
		var err error
		switch r.Kind {
		case CredentialVPNConfig, CredentialMeshConfig:
			var principalID, serial string
			err = tx.QueryRowContext(ctx,
				`SELECT principal_id, cert_serial FROM vpn_configs WHERE id = ?`, r.CredentialID,
			).Scan(&principalID, &serial)
			if err == sql.ErrNoRows {
				return notFound("vpn config")
			}
			if err != nil {
				return fmt.Errorf("querying vpn config: %w", err)
			}
			r.PrincipalID, r.Serial = principalID, serial
			result, err = tx.ExecContext(ctx, `
				UPDATE vpn_configs SET is_revoked = 1, revoked_at = ?, revoke_reason = ?
				WHERE id = ? AND is_revoked = 0
			`, at, r.Reason, r.CredentialID)
		case CredentialAPIKey:
			var principalID string
			err = tx.QueryRowContext(ctx,
				`SELECT principal_id FROM api_keys WHERE id = ?`, r.CredentialID,
			).Scan(&principalID)
			if err == sql.ErrNoRows {
				return notFound("api key")
			}
			if err != nil {
				return fmt.Errorf("querying api key: %w", err)
			}
			r.PrincipalID = principalID
			result, err = tx.ExecContext(ctx, `
				UPDATE api_keys SET is_revoked = 1, revoked_at = ? WHERE id = ? AND is_revoked = 0
			`, at, r.CredentialID)
		default:
			return invalidf("unknown credential kind %q", r.Kind)
		}
		if err != nil {
			return fmt.Errorf("marking credential revoked: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			already = true
		}

		// The ledger row is written even when the flag was already set so
		// that a half-applied earlier revocation still ends up recorded.
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO revocations (credential_id, kind, principal_id, serial, reason, revoked_by, revoked_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, r.CredentialID, r.Kind, r.PrincipalID, r.Serial, r.Reason, r.RevokedBy, at)
		if err != nil {
			return fmt.Errorf("appending revocation: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !already {
		s.logger.Info("credential revoked", "credential_id", r.CredentialID, "kind", r.Kind, "reason", r.Reason)
	}
	return already, nil
}

const revocationColumns = `credential_id, kind, principal_id, serial, reason, revoked_by, revoked_at`

func scanRevocation(scanner interface{ Scan(dest ...any) error }) (*Revocation, error) {
	var r Revocation
	var kind, revokedAt string
	if err := scanner.Scan(&r.CredentialID, &kind, &r.PrincipalID, &r.Serial, &r.Reason, &r.RevokedBy, &revokedAt); err != nil {
		return nil, err
	}
	r.Kind = CredentialKind(kind)
	var err error
	if r.RevokedAt, err = parseTime(revokedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRevocation returns the ledger entry for a credential.
func (s *SQLiteStore) GetRevocation(ctx context.Context, credentialID string) (*Revocation, error) {
	r, err := scanRevocation(s.db.QueryRowContext(ctx,
		`SELECT `+revocationColumns+` FROM revocations WHERE credential_id = ?`, credentialID))
	if err == sql.ErrNoRows {
		return nil, notFound("revocation")
	}
	if err != nil {
		return nil, fmt.Errorf("querying revocation: %w", err)
	}
	return r, nil
}

// IsRevoked reports whether the ledger holds an entry for the credential.
func (s *SQLiteStore) IsRevoked(ctx context.Context, credentialID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM revocations WHERE credential_id = ?`, credentialID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, unavailable("checking revocation", err)
	}
	return true, nil
}

// IsSerialRevoked reports whether a certificate serial appears in the ledger.
func (s *SQLiteStore) IsSerialRevoked(ctx context.Context, serial string) (bool, error) {
	if serial == "" {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM revocations WHERE serial = ? LIMIT 1`, serial).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, unavailable("checking serial revocation", err)
	}
	return true, nil
}

// RevocationFilter narrows ListRevocations. Zero values match everything.
type RevocationFilter struct {
	PrincipalID string
	Kind        CredentialKind
	Since       *time.Time
	Limit       int // default 100, max 1000
}

// ListRevocations returns ledger entries newest first.
func (s *SQLiteStore) ListRevocations(ctx context.Context, f RevocationFilter) ([]*Revocation, error) {
	var since *string
	if f.Since != nil {
		since = formatOptTime(f.Since)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+revocationColumns+` FROM revocations
		WHERE (? = '' OR principal_id = ?)
		  AND (? = '' OR kind = ?)
		  AND (? IS NULL OR revoked_at >= ?)
		ORDER BY revoked_at DESC, credential_id
		LIMIT ?
	`, f.PrincipalID, f.PrincipalID, f.Kind, f.Kind, since, since, normalizeLimit(f.Limit))
	if err != nil {
		return nil, fmt.Errorf("listing revocations: %w", err)
	}
	defer rows.Close()

	out := []*Revocation{}
	for rows.Next() {
		r, err := scanRevocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning revocation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListCredentials returns every credential a principal holds, revoked or
// not, restricted to the given kinds. No kinds means all of them.
func (s *SQLiteStore) ListCredentials(ctx context.Context, principalID string, kinds ...CredentialKind) ([]Credential, error) {
	want := func(k CredentialKind) bool { return len(kinds) == 0 || slices.Contains(kinds, k) }

	var creds []Credential
	if want(CredentialVPNConfig) || want(CredentialMeshConfig) {
		configs, err := s.ListVPNConfigs(ctx, ConfigFilter{PrincipalID: principalID})
		if err != nil {
			return nil, err
		}
		for _, c := range configs {
			if want(c.CredentialKind()) {
				creds = append(creds, c)
			}
		}
	}
	if want(CredentialAPIKey) {
		keys, err := s.ListAPIKeys(ctx, principalID)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			creds = append(creds, k)
		}
	}
	return creds, nil
}
