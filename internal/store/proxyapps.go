// ABOUTME: Proxy application entity and store methods
// ABOUTME: Applications are published by slug and reached through the access proxy

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProxyApplication is an internal HTTP service exposed through the proxy.
type ProxyApplication struct {
	ID                 string
	Name               string
	Slug               string
	InternalURL        string
	PreserveHostHeader bool
	StripPrefix        bool
	WebsocketEnabled   bool
	TimeoutSeconds     int
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Validate checks the application's fields before persistence.
func (a *ProxyApplication) Validate() error {
	if err := validateName("application name", a.Name); err != nil {
		return err
	}
	if len(a.Slug) > 63 || !slugPattern.MatchString(a.Slug) {
		return invalidf("slug %q must be lowercase alphanumerics separated by single dashes", a.Slug)
	}
	if err := validateInternalURL(a.InternalURL); err != nil {
		return err
	}
	if a.TimeoutSeconds < 1 || a.TimeoutSeconds > 3600 {
		return invalidf("timeout must be between 1 and 3600 seconds, got %d", a.TimeoutSeconds)
	}
	return nil
}

// CreateProxyApplication inserts a new application.
func (s *SQLiteStore) CreateProxyApplication(ctx context.Context, a *ProxyApplication) error {
	if a.TimeoutSeconds == 0 {
		a.TimeoutSeconds = 30
	}
	if err := a.Validate(); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxy_apps (id, name, slug, internal_url, preserve_host_header, strip_prefix,
			websocket_enabled, timeout_seconds, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Name, a.Slug, a.InternalURL, a.PreserveHostHeader, a.StripPrefix,
		a.WebsocketEnabled, a.TimeoutSeconds, a.IsActive, formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return conflict(fmt.Sprintf("slug %s is already taken", a.Slug))
		}
		return fmt.Errorf("inserting proxy application: %w", err)
	}
	return nil
}

const proxyAppColumns = `id, name, slug, internal_url, preserve_host_header, strip_prefix,
	websocket_enabled, timeout_seconds, is_active, created_at, updated_at`

func scanProxyApp(scanner interface{ Scan(dest ...any) error }) (*ProxyApplication, error) {
	var a ProxyApplication
	var createdAt, updatedAt string
	if err := scanner.Scan(&a.ID, &a.Name, &a.Slug, &a.InternalURL, &a.PreserveHostHeader, &a.StripPrefix,
		&a.WebsocketEnabled, &a.TimeoutSeconds, &a.IsActive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetProxyApplication retrieves an application by ID.
func (s *SQLiteStore) GetProxyApplication(ctx context.Context, id string) (*ProxyApplication, error) {
	a, err := scanProxyApp(s.db.QueryRowContext(ctx, `SELECT `+proxyAppColumns+` FROM proxy_apps WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, notFound("proxy application")
	}
	if err != nil {
		return nil, fmt.Errorf("querying proxy application: %w", err)
	}
	return a, nil
}

// GetProxyApplicationBySlug retrieves an application by slug.
func (s *SQLiteStore) GetProxyApplicationBySlug(ctx context.Context, slug string) (*ProxyApplication, error) {
	a, err := scanProxyApp(s.db.QueryRowContext(ctx, `SELECT `+proxyAppColumns+` FROM proxy_apps WHERE slug = ?`, slug))
	if err == sql.ErrNoRows {
		return nil, notFound("proxy application")
	}
	if err != nil {
		return nil, fmt.Errorf("querying proxy application by slug: %w", err)
	}
	return a, nil
}

// ListProxyApplications returns all applications ordered by slug.
func (s *SQLiteStore) ListProxyApplications(ctx context.Context) ([]*ProxyApplication, error) {
	return listProxyApps(ctx, s.db)
}

func listProxyApps(ctx context.Context, q queryer) ([]*ProxyApplication, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+proxyAppColumns+` FROM proxy_apps ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("listing proxy applications: %w", err)
	}
	defer rows.Close()

	apps := []*ProxyApplication{}
	for rows.Next() {
		a, err := scanProxyApp(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning proxy application: %w", err)
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// UpdateProxyApplication replaces an application's mutable fields.
func (s *SQLiteStore) UpdateProxyApplication(ctx context.Context, a *ProxyApplication) error {
	if err := a.Validate(); err != nil {
		return err
	}
	a.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE proxy_apps
		SET name = ?, slug = ?, internal_url = ?, preserve_host_header = ?, strip_prefix = ?,
			websocket_enabled = ?, timeout_seconds = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`, a.Name, a.Slug, a.InternalURL, a.PreserveHostHeader, a.StripPrefix,
		a.WebsocketEnabled, a.TimeoutSeconds, a.IsActive, formatTime(a.UpdatedAt), a.ID)
	if err != nil {
		if isConstraintViolation(err) {
			return conflict(fmt.Sprintf("slug %s is already taken", a.Slug))
		}
		return fmt.Errorf("updating proxy application: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound("proxy application")
	}
	return nil
}

// DeleteProxyApplication removes an application and its assignment edges.
func (s *SQLiteStore) DeleteProxyApplication(ctx context.Context, id string) error {
	return s.deleteObject(ctx, "proxy_apps", ObjectProxyApp, id, "proxy application")
}
