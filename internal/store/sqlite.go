// ABOUTME: SQLite implementation of the engine store using modernc.org/sqlite
// ABOUTME: Owns schema creation, column migrations, and transaction helpers

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements every store interface in this package.
type SQLiteStore struct {
	db              *sql.DB
	logger          *slog.Logger
	allowedProfiles []CryptoProfile
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them, not just
	// the first one. Immediate transactions take the write lock up front so
	// concurrent writers queue on busy_timeout instead of failing mid-way.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{
		db:              db,
		logger:          logger,
		allowedProfiles: AllCryptoProfiles,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// SetAllowedCryptoProfiles restricts the crypto profiles accepted on gateway
// and hub writes. Existing rows are not re-validated.
func (s *SQLiteStore) SetAllowedCryptoProfiles(profiles []CryptoProfile) {
	if len(profiles) == 0 {
		profiles = AllCryptoProfiles
	}
	s.allowedProfiles = profiles
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS principals (
			id                TEXT PRIMARY KEY,
			email             TEXT NOT NULL UNIQUE,
			name              TEXT NOT NULL,
			source            TEXT NOT NULL,
			password_hash     TEXT,
			is_admin          INTEGER NOT NULL DEFAULT 0,
			is_active         INTEGER NOT NULL DEFAULT 1,
			claim_groups_json TEXT NOT NULL DEFAULT '[]',
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,
			last_login_at     TEXT,

			CHECK (source IN ('sso', 'local'))
		);

		CREATE TABLE IF NOT EXISTS access_groups (
			name       TEXT PRIMARY KEY,
			source     TEXT NOT NULL,
			created_at TEXT NOT NULL,

			CHECK (source IN ('claim', 'manual'))
		);

		CREATE TABLE IF NOT EXISTS group_members (
			group_name   TEXT NOT NULL REFERENCES access_groups(name) ON DELETE CASCADE,
			principal_id TEXT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
			created_at   TEXT NOT NULL,

			PRIMARY KEY (group_name, principal_id)
		);

		CREATE INDEX IF NOT EXISTS idx_group_members_principal ON group_members(principal_id);

		CREATE TABLE IF NOT EXISTS gateways (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL UNIQUE,
			hostname         TEXT NOT NULL DEFAULT '',
			public_ip        TEXT NOT NULL DEFAULT '',
			protocol         TEXT NOT NULL,
			port             INTEGER NOT NULL,
			crypto_profile   TEXT NOT NULL,
			vpn_subnet       TEXT NOT NULL,
			tls_auth_enabled INTEGER NOT NULL DEFAULT 0,
			tls_auth_key     TEXT NOT NULL DEFAULT '',
			full_tunnel      INTEGER NOT NULL DEFAULT 0,
			push_dns         INTEGER NOT NULL DEFAULT 0,
			dns_servers_json TEXT NOT NULL DEFAULT '[]',
			agent_pubkey_fp  TEXT NOT NULL DEFAULT '',
			agent_url        TEXT NOT NULL DEFAULT '',
			last_heartbeat   TEXT,
			is_active        INTEGER NOT NULL DEFAULT 1,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_gateways_agent_fp ON gateways(agent_pubkey_fp);

		CREATE TABLE IF NOT EXISTS networks (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			cidr        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			is_active   INTEGER NOT NULL DEFAULT 1,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS access_rules (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			type       TEXT NOT NULL,
			value      TEXT NOT NULL,
			port_range TEXT NOT NULL DEFAULT '',
			protocol   TEXT NOT NULL DEFAULT '',
			network_id TEXT REFERENCES networks(id),
			is_active  INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (type IN ('ip', 'cidr', 'hostname', 'wildcard'))
		);

		CREATE INDEX IF NOT EXISTS idx_access_rules_network ON access_rules(network_id);

		CREATE TABLE IF NOT EXISTS proxy_apps (
			id                   TEXT PRIMARY KEY,
			name                 TEXT NOT NULL,
			slug                 TEXT NOT NULL UNIQUE,
			internal_url         TEXT NOT NULL,
			preserve_host_header INTEGER NOT NULL DEFAULT 0,
			strip_prefix         INTEGER NOT NULL DEFAULT 0,
			websocket_enabled    INTEGER NOT NULL DEFAULT 0,
			timeout_seconds      INTEGER NOT NULL DEFAULT 30,
			is_active            INTEGER NOT NULL DEFAULT 1,
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS mesh_hubs (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL UNIQUE,
			public_endpoint  TEXT NOT NULL,
			protocol         TEXT NOT NULL,
			port             INTEGER NOT NULL,
			crypto_profile   TEXT NOT NULL,
			vpn_subnet       TEXT NOT NULL,
			tls_auth_enabled INTEGER NOT NULL DEFAULT 0,
			tls_auth_key     TEXT NOT NULL DEFAULT '',
			full_tunnel      INTEGER NOT NULL DEFAULT 0,
			push_dns         INTEGER NOT NULL DEFAULT 0,
			dns_servers_json TEXT NOT NULL DEFAULT '[]',
			agent_pubkey_fp  TEXT NOT NULL DEFAULT '',
			agent_url        TEXT NOT NULL DEFAULT '',
			last_heartbeat   TEXT,
			is_active        INTEGER NOT NULL DEFAULT 1,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS mesh_spokes (
			id                  TEXT PRIMARY KEY,
			hub_id              TEXT NOT NULL REFERENCES mesh_hubs(id) ON DELETE CASCADE,
			name                TEXT NOT NULL,
			local_networks_json TEXT NOT NULL DEFAULT '[]',
			agent_pubkey_fp     TEXT NOT NULL DEFAULT '',
			last_heartbeat      TEXT,
			is_active           INTEGER NOT NULL DEFAULT 1,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL,

			UNIQUE (hub_id, name)
		);

		CREATE TABLE IF NOT EXISTS assignments (
			subject_type TEXT NOT NULL,
			subject_id   TEXT NOT NULL,
			object_type  TEXT NOT NULL,
			object_id    TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			created_by   TEXT,

			PRIMARY KEY (subject_type, subject_id, object_type, object_id),
			CHECK (subject_type IN ('user', 'group', 'network', 'rule')),
			CHECK (object_type IN ('gateway', 'rule', 'proxy_app', 'mesh_hub', 'mesh_spoke'))
		);

		CREATE INDEX IF NOT EXISTS idx_assignments_object ON assignments(object_type, object_id);

		CREATE TABLE IF NOT EXISTS vpn_configs (
			id             TEXT PRIMARY KEY,
			kind           TEXT NOT NULL,
			principal_id   TEXT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
			target_id      TEXT NOT NULL,
			file_name      TEXT NOT NULL,
			cert_serial    TEXT NOT NULL UNIQUE,
			ca_fingerprint TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			expires_at     TEXT NOT NULL,
			downloaded     INTEGER NOT NULL DEFAULT 0,
			is_revoked     INTEGER NOT NULL DEFAULT 0,
			revoked_at     TEXT,
			revoke_reason  TEXT,

			CHECK (kind IN ('gateway', 'mesh'))
		);

		CREATE INDEX IF NOT EXISTS idx_vpn_configs_principal ON vpn_configs(principal_id);
		CREATE INDEX IF NOT EXISTS idx_vpn_configs_target ON vpn_configs(target_id);

		CREATE TABLE IF NOT EXISTS config_downloads (
			handle_hash TEXT PRIMARY KEY,
			config_id   TEXT NOT NULL REFERENCES vpn_configs(id) ON DELETE CASCADE,
			content     BLOB NOT NULL,
			expires_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS api_keys (
			id                TEXT PRIMARY KEY,
			principal_id      TEXT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
			name              TEXT NOT NULL,
			key_prefix        TEXT NOT NULL,
			key_hash          TEXT NOT NULL UNIQUE,
			scopes_json       TEXT NOT NULL,
			admin_provisioned INTEGER NOT NULL DEFAULT 0,
			created_by        TEXT NOT NULL,
			created_at        TEXT NOT NULL,
			last_used_at      TEXT,
			expires_at        TEXT,
			is_revoked        INTEGER NOT NULL DEFAULT 0,
			revoked_at        TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_api_keys_principal ON api_keys(principal_id);

		CREATE TABLE IF NOT EXISTS revocations (
			credential_id TEXT PRIMARY KEY,
			kind          TEXT NOT NULL,
			principal_id  TEXT NOT NULL,
			serial        TEXT NOT NULL DEFAULT '',
			reason        TEXT NOT NULL,
			revoked_by    TEXT NOT NULL,
			revoked_at    TEXT NOT NULL,

			CHECK (kind IN ('vpn_config', 'mesh_config', 'api_key'))
		);

		CREATE INDEX IF NOT EXISTS idx_revocations_serial ON revocations(serial);

		CREATE TABLE IF NOT EXISTS certificate_authorities (
			id          TEXT PRIMARY KEY,
			subject     TEXT NOT NULL,
			serial      TEXT NOT NULL,
			not_before  TEXT NOT NULL,
			not_after   TEXT NOT NULL,
			fingerprint TEXT NOT NULL UNIQUE,
			cert_pem    TEXT NOT NULL,
			key_sealed  BLOB NOT NULL,
			status      TEXT NOT NULL,
			source      TEXT NOT NULL,
			created_by  TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			rotated_at  TEXT,

			CHECK (status IN ('active', 'rotated_out')),
			CHECK (source IN ('generated', 'imported'))
		);

		CREATE TABLE IF NOT EXISTS ca_state (
			id           INTEGER PRIMARY KEY CHECK (id = 1),
			active_ca_id TEXT REFERENCES certificate_authorities(id),
			version      INTEGER NOT NULL,
			updated_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor       TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Seed the single active-CA row so swaps are always UPDATEs guarded by version.
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO ca_state (id, active_ca_id, version, updated_at) VALUES (1, NULL, 0, ?)`,
		formatTime(time.Now()),
	)
	return err
}

// runMigrations applies column additions for databases created by older
// releases. These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "gateways",
			column: "agent_url",
			apply:  `ALTER TABLE gateways ADD COLUMN agent_url TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "mesh_hubs",
			column: "agent_url",
			apply:  `ALTER TABLE mesh_hubs ADD COLUMN agent_url TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "vpn_configs",
			column: "ca_fingerprint",
			apply:  `ALTER TABLE vpn_configs ADD COLUMN ca_fingerprint TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("beginning transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("committing transaction", err)
	}
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY constraint failed")
}

// isForeignKeyViolation checks for rows still referenced elsewhere.
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func formatOptTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseOptTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeStrings(v []string) string {
	if v == nil {
		v = []string{}
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func decodeStrings(s string) ([]string, error) {
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("decoding string list: %w", err)
	}
	if v == nil {
		v = []string{}
	}
	return v, nil
}
