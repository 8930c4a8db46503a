// ABOUTME: VPN and mesh config records plus one-time download handles
// ABOUTME: Status is derived: revoked dominates expired dominates active

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tunnelward/internal/apperr"
)

// ConfigKind distinguishes gateway configs from mesh configs.
type ConfigKind string

const (
	ConfigKindGateway ConfigKind = "gateway"
	ConfigKindMesh    ConfigKind = "mesh"
)

// ConfigStatus is the derived lifecycle state of a config.
type ConfigStatus string

const (
	ConfigActive  ConfigStatus = "active"
	ConfigExpired ConfigStatus = "expired"
	ConfigRevoked ConfigStatus = "revoked"
)

// VPNConfig is an issued client config bound to a principal and a gateway or hub.
type VPNConfig struct {
	ID            string
	Kind          ConfigKind
	PrincipalID   string
	TargetID      string // gateway ID or mesh hub ID
	FileName      string
	CertSerial    string // hex serial of the embedded client certificate
	CAFingerprint string // fingerprint of the CA that signed it
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Downloaded    bool
	IsRevoked     bool
	RevokedAt     *time.Time
	RevokeReason  string
}

// Status derives the lifecycle state at the given time.
func (c *VPNConfig) Status(now time.Time) ConfigStatus {
	switch {
	case c.IsRevoked:
		return ConfigRevoked
	case !now.Before(c.ExpiresAt):
		return ConfigExpired
	default:
		return ConfigActive
	}
}

func (c *VPNConfig) CredentialID() string { return c.ID }
func (c *VPNConfig) OwnerID() string      { return c.PrincipalID }
func (c *VPNConfig) Revoked() bool        { return c.IsRevoked }

// CredentialKind maps the config kind onto the ledger's credential kinds.
func (c *VPNConfig) CredentialKind() CredentialKind {
	if c.Kind == ConfigKindMesh {
		return CredentialMeshConfig
	}
	return CredentialVPNConfig
}

// ConfigDownload is a one-time retrieval handle for a rendered config.
type ConfigDownload struct {
	HandleHash string // SHA-256 of the handle given to the caller
	Content    []byte
	ExpiresAt  time.Time
}

// CreateVPNConfig persists a config together with its download handle.
func (s *SQLiteStore) CreateVPNConfig(ctx context.Context, c *VPNConfig, dl *ConfigDownload) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO vpn_configs (id, kind, principal_id, target_id, file_name, cert_serial, ca_fingerprint,
				created_at, expires_at, downloaded, is_revoked)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)
		`, c.ID, c.Kind, c.PrincipalID, c.TargetID, c.FileName, c.CertSerial, c.CAFingerprint,
			formatTime(c.CreatedAt), formatTime(c.ExpiresAt))
		if err != nil {
			if isForeignKeyViolation(err) {
				return notFound("principal")
			}
			return fmt.Errorf("inserting vpn config: %w", err)
		}
		if dl == nil {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO config_downloads (handle_hash, config_id, content, expires_at) VALUES (?, ?, ?, ?)
		`, dl.HandleHash, c.ID, dl.Content, formatTime(dl.ExpiresAt))
		if err != nil {
			return fmt.Errorf("inserting config download: %w", err)
		}
		return nil
	})
}

const configColumns = `id, kind, principal_id, target_id, file_name, cert_serial, ca_fingerprint,
	created_at, expires_at, downloaded, is_revoked, revoked_at, revoke_reason`

func scanConfig(scanner interface{ Scan(dest ...any) error }) (*VPNConfig, error) {
	var c VPNConfig
	var kind, createdAt, expiresAt string
	var revokedAt, reason sql.NullString
	if err := scanner.Scan(&c.ID, &kind, &c.PrincipalID, &c.TargetID, &c.FileName, &c.CertSerial, &c.CAFingerprint,
		&createdAt, &expiresAt, &c.Downloaded, &c.IsRevoked, &revokedAt, &reason); err != nil {
		return nil, err
	}
	c.Kind = ConfigKind(kind)
	c.RevokeReason = reason.String
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if c.RevokedAt, err = parseOptTime(revokedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetVPNConfig retrieves a config by ID.
func (s *SQLiteStore) GetVPNConfig(ctx context.Context, id string) (*VPNConfig, error) {
	c, err := scanConfig(s.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM vpn_configs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, notFound("vpn config")
	}
	if err != nil {
		return nil, fmt.Errorf("querying vpn config: %w", err)
	}
	return c, nil
}

// GetVPNConfigBySerial retrieves the config whose certificate has the serial.
func (s *SQLiteStore) GetVPNConfigBySerial(ctx context.Context, serial string) (*VPNConfig, error) {
	c, err := scanConfig(s.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM vpn_configs WHERE cert_serial = ?`, serial))
	if err == sql.ErrNoRows {
		return nil, notFound("vpn config")
	}
	if err != nil {
		return nil, fmt.Errorf("querying vpn config by serial: %w", err)
	}
	return c, nil
}

// ConfigFilter narrows ListVPNConfigs. Zero values match everything.
type ConfigFilter struct {
	PrincipalID   string
	TargetID      string
	Kind          ConfigKind
	OnlyUnrevoked bool
}

// ListVPNConfigs returns configs newest first.
func (s *SQLiteStore) ListVPNConfigs(ctx context.Context, f ConfigFilter) ([]*VPNConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+configColumns+` FROM vpn_configs
		WHERE (? = '' OR principal_id = ?)
		  AND (? = '' OR target_id = ?)
		  AND (? = '' OR kind = ?)
		  AND (? = 0 OR is_revoked = 0)
		ORDER BY created_at DESC, id
	`, f.PrincipalID, f.PrincipalID, f.TargetID, f.TargetID, f.Kind, f.Kind, f.OnlyUnrevoked)
	if err != nil {
		return nil, fmt.Errorf("listing vpn configs: %w", err)
	}
	defer rows.Close()

	configs := []*VPNConfig{}
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning vpn config: %w", err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// ListRevokedSerials returns the certificate serials of revoked configs that
// have not yet expired, for CRLs and agent sync. It reads the ledger, so
// serials of configs deleted along with their principal stay listed.
func (s *SQLiteStore) ListRevokedSerials(ctx context.Context, now time.Time) ([]RevokedSerial, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.serial, r.revoked_at FROM revocations r
		LEFT JOIN vpn_configs c ON c.id = r.credential_id
		WHERE r.kind IN (?, ?) AND r.serial != ''
		  AND (c.id IS NULL OR c.expires_at > ?)
		ORDER BY r.revoked_at
	`, CredentialVPNConfig, CredentialMeshConfig, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("listing revoked serials: %w", err)
	}
	defer rows.Close()

	out := []RevokedSerial{}
	for rows.Next() {
		var r RevokedSerial
		var revokedAt string
		if err := rows.Scan(&r.Serial, &revokedAt); err != nil {
			return nil, fmt.Errorf("scanning revoked serial: %w", err)
		}
		if r.RevokedAt, err = parseTime(revokedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RevokedSerial is a revoked certificate serial and when it was revoked.
type RevokedSerial struct {
	Serial    string
	RevokedAt time.Time
}

// ConsumeDownload returns the rendered config for a handle and deletes the
// handle so it cannot be used twice.
func (s *SQLiteStore) ConsumeDownload(ctx context.Context, handleHash string, now time.Time) (*VPNConfig, []byte, error) {
	var content []byte
	var configID string

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var expiresAt string
		err := tx.QueryRowContext(ctx,
			`SELECT config_id, content, expires_at FROM config_downloads WHERE handle_hash = ?`, handleHash,
		).Scan(&configID, &content, &expiresAt)
		if err == sql.ErrNoRows {
			return notFound("download")
		}
		if err != nil {
			return fmt.Errorf("querying download: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM config_downloads WHERE handle_hash = ?`, handleHash); err != nil {
			return fmt.Errorf("consuming download: %w", err)
		}
		exp, err := parseTime(expiresAt)
		if err != nil {
			return err
		}
		if !now.Before(exp) {
			// Commit the delete; the handle is dead either way.
			content = nil
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE vpn_configs SET downloaded = 1 WHERE id = ?`, configID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if content == nil {
		return nil, nil, apperr.New(apperr.KindExpired, "download link expired")
	}
	c, err := s.GetVPNConfig(ctx, configID)
	if err != nil {
		return nil, nil, err
	}
	return c, content, nil
}

// PurgeVPNConfigs deletes configs that expired or were revoked before the
// cutoff. Ledger rows are kept. Returns the number of configs removed.
func (s *SQLiteStore) PurgeVPNConfigs(ctx context.Context, before time.Time) (int64, error) {
	cutoff := formatTime(before)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM vpn_configs
		WHERE expires_at < ? OR (is_revoked = 1 AND revoked_at < ?)
	`, cutoff, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging vpn configs: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// PurgeExpiredDownloads removes download handles past their expiry.
func (s *SQLiteStore) PurgeExpiredDownloads(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM config_downloads WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("purging downloads: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
