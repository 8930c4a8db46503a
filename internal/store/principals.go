// ABOUTME: Principal entity and store methods for SSO and local users
// ABOUTME: Claim groups are a per-login snapshot; manual groups live in group_members

package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PrincipalSource records how a principal authenticates.
type PrincipalSource string

const (
	PrincipalSourceSSO   PrincipalSource = "sso"
	PrincipalSourceLocal PrincipalSource = "local"
)

// Principal is an authenticated user of the VPN.
type Principal struct {
	ID           string
	Email        string
	Name         string
	Source       PrincipalSource
	PasswordHash string // local principals only
	IsAdmin      bool
	IsActive     bool
	ClaimGroups  []string // from the identity provider at the last login
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLoginAt  *time.Time
}

// Validate checks the principal's fields before persistence.
func (p *Principal) Validate() error {
	if _, err := mail.ParseAddress(p.Email); err != nil || !strings.Contains(p.Email, "@") {
		return invalidf("invalid email %q", p.Email)
	}
	if err := validateName("name", p.Name); err != nil {
		return err
	}
	switch p.Source {
	case PrincipalSourceSSO:
	case PrincipalSourceLocal:
		if p.PasswordHash == "" {
			return invalidf("local principals require a password")
		}
	default:
		return invalidf("principal source must be sso or local, got %q", p.Source)
	}
	for _, g := range p.ClaimGroups {
		if err := ValidateGroupName(g); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreatePrincipal inserts a new principal. Generates ID and timestamps if not set.
func (s *SQLiteStore) CreatePrincipal(ctx context.Context, p *Principal) error {
	p.Email = NormalizeEmail(p.Email)
	if err := p.Validate(); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO principals (id, email, name, source, password_hash, is_admin, is_active,
				claim_groups_json, created_at, updated_at, last_login_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			p.ID, p.Email, p.Name, p.Source, nullString(p.PasswordHash), p.IsAdmin, p.IsActive,
			encodeStrings(p.ClaimGroups), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
			formatOptTime(p.LastLoginAt),
		)
		if err != nil {
			if isConstraintViolation(err) {
				return conflict(fmt.Sprintf("principal with email %s already exists", p.Email))
			}
			return fmt.Errorf("inserting principal: %w", err)
		}
		if err := ensureClaimGroups(ctx, tx, p.ClaimGroups); err != nil {
			return err
		}
		s.logger.Debug("created principal", "id", p.ID, "source", p.Source)
		return nil
	})
}

const principalColumns = `id, email, name, source, password_hash, is_admin, is_active,
	claim_groups_json, created_at, updated_at, last_login_at`

func scanPrincipal(scanner interface{ Scan(dest ...any) error }) (*Principal, error) {
	var p Principal
	var source, claimJSON, createdAt, updatedAt string
	var passwordHash, lastLogin sql.NullString

	if err := scanner.Scan(&p.ID, &p.Email, &p.Name, &source, &passwordHash, &p.IsAdmin, &p.IsActive,
		&claimJSON, &createdAt, &updatedAt, &lastLogin); err != nil {
		return nil, err
	}
	p.Source = PrincipalSource(source)
	p.PasswordHash = passwordHash.String

	var err error
	if p.ClaimGroups, err = decodeStrings(claimJSON); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if p.LastLoginAt, err = parseOptTime(lastLogin); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPrincipal retrieves a principal by ID.
func (s *SQLiteStore) GetPrincipal(ctx context.Context, id string) (*Principal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = ?`, id)
	p, err := scanPrincipal(row)
	if err == sql.ErrNoRows {
		return nil, notFound("principal")
	}
	if err != nil {
		return nil, fmt.Errorf("querying principal: %w", err)
	}
	return p, nil
}

// GetPrincipalByEmail retrieves a principal by email, case-insensitively.
func (s *SQLiteStore) GetPrincipalByEmail(ctx context.Context, email string) (*Principal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+principalColumns+` FROM principals WHERE email = ?`, NormalizeEmail(email))
	p, err := scanPrincipal(row)
	if err == sql.ErrNoRows {
		return nil, notFound("principal")
	}
	if err != nil {
		return nil, fmt.Errorf("querying principal by email: %w", err)
	}
	return p, nil
}

// ListPrincipals returns all principals ordered by email.
func (s *SQLiteStore) ListPrincipals(ctx context.Context) ([]*Principal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+principalColumns+` FROM principals ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("listing principals: %w", err)
	}
	defer rows.Close()

	principals := []*Principal{}
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning principal: %w", err)
		}
		principals = append(principals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating principals: %w", err)
	}
	return principals, nil
}

// CountPrincipals returns the number of principals.
func (s *SQLiteStore) CountPrincipals(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM principals`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting principals: %w", err)
	}
	return n, nil
}

// UpdatePrincipal updates name, flags and password hash.
// Returns ErrNotFound if the principal doesn't exist.
func (s *SQLiteStore) UpdatePrincipal(ctx context.Context, p *Principal) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE principals
		SET name = ?, is_admin = ?, is_active = ?, password_hash = ?, updated_at = ?
		WHERE id = ?
	`, p.Name, p.IsAdmin, p.IsActive, nullString(p.PasswordHash), formatTime(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("updating principal: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound("principal")
	}
	return nil
}

// RecordLogin replaces the principal's claim-group snapshot and stamps the
// login time. Claim group names are registered so they can be assigned.
func (s *SQLiteStore) RecordLogin(ctx context.Context, principalID string, claimGroups []string, at time.Time) error {
	for _, g := range claimGroups {
		if err := ValidateGroupName(g); err != nil {
			return err
		}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE principals SET claim_groups_json = ?, last_login_at = ?, updated_at = ?
			WHERE id = ?
		`, encodeStrings(claimGroups), formatTime(at), formatTime(at), principalID)
		if err != nil {
			return fmt.Errorf("recording login: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return notFound("principal")
		}
		return ensureClaimGroups(ctx, tx, claimGroups)
	})
}

// DeletePrincipal removes a principal along with its assignment edges,
// group memberships, configs and API keys. Ledger rows are kept.
func (s *SQLiteStore) DeletePrincipal(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM assignments WHERE subject_type = ? AND subject_id = ?`, SubjectUser, id); err != nil {
			return fmt.Errorf("deleting principal assignments: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM principals WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting principal: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return notFound("principal")
		}
		s.logger.Debug("deleted principal", "id", id)
		return nil
	})
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
