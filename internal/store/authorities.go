// ABOUTME: Certificate authority records and the single active-CA pointer
// ABOUTME: Swaps are guarded by a version counter so concurrent rotations cannot both win

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CAStatus is the lifecycle state of a stored CA.
type CAStatus string

const (
	CAActive     CAStatus = "active"
	CARotatedOut CAStatus = "rotated_out"
)

// CASource records how a CA came to exist.
type CASource string

const (
	CAGenerated CASource = "generated"
	CAImported  CASource = "imported"
)

// CertificateAuthority is a stored signing root. The private key is kept
// sealed; the store never sees it in the clear unless no passphrase is set.
type CertificateAuthority struct {
	ID          string
	Subject     string
	Serial      string
	NotBefore   time.Time
	NotAfter    time.Time
	Fingerprint string // SHA-256 of the DER certificate, hex
	CertPEM     string
	KeySealed   []byte
	Status      CAStatus
	Source      CASource
	CreatedBy   string
	CreatedAt   time.Time
	RotatedAt   *time.Time
}

const caColumns = `id, subject, serial, not_before, not_after, fingerprint, cert_pem, key_sealed,
	status, source, created_by, created_at, rotated_at`

func scanCA(scanner interface{ Scan(dest ...any) error }) (*CertificateAuthority, error) {
	var ca CertificateAuthority
	var status, source, notBefore, notAfter, createdAt string
	var rotatedAt sql.NullString
	if err := scanner.Scan(&ca.ID, &ca.Subject, &ca.Serial, &notBefore, &notAfter, &ca.Fingerprint, &ca.CertPEM,
		&ca.KeySealed, &status, &source, &ca.CreatedBy, &createdAt, &rotatedAt); err != nil {
		return nil, err
	}
	ca.Status = CAStatus(status)
	ca.Source = CASource(source)
	var err error
	if ca.NotBefore, err = parseTime(notBefore); err != nil {
		return nil, err
	}
	if ca.NotAfter, err = parseTime(notAfter); err != nil {
		return nil, err
	}
	if ca.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if ca.RotatedAt, err = parseOptTime(rotatedAt); err != nil {
		return nil, err
	}
	return &ca, nil
}

// ActiveCA returns the active CA and the version of the pointer that
// selected it. With no CA yet it returns ErrNotFound and the current version.
func (s *SQLiteStore) ActiveCA(ctx context.Context) (*CertificateAuthority, int64, error) {
	var version int64
	var activeID sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT active_ca_id, version FROM ca_state WHERE id = 1`).Scan(&activeID, &version)
	if err != nil {
		return nil, 0, unavailable("reading ca state", err)
	}
	if !activeID.Valid {
		return nil, version, notFound("certificate authority")
	}
	ca, err := s.GetCA(ctx, activeID.String)
	if err != nil {
		return nil, version, err
	}
	return ca, version, nil
}

// CAVersion returns the version of the active-CA pointer. It moves on every
// swap, so a cached CA is current exactly when its version matches.
func (s *SQLiteStore) CAVersion(ctx context.Context) (int64, error) {
	var version int64
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM ca_state WHERE id = 1`).Scan(&version); err != nil {
		return 0, unavailable("reading ca state", err)
	}
	return version, nil
}

// GetCA retrieves a CA by ID, active or not.
func (s *SQLiteStore) GetCA(ctx context.Context, id string) (*CertificateAuthority, error) {
	ca, err := scanCA(s.db.QueryRowContext(ctx, `SELECT `+caColumns+` FROM certificate_authorities WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, notFound("certificate authority")
	}
	if err != nil {
		return nil, fmt.Errorf("querying certificate authority: %w", err)
	}
	return ca, nil
}

// SwapActiveCA stores ca, marks the previous active CA rotated out, and
// points ca_state at ca. It fails with ErrVersionConflict when the pointer
// moved since expectedVersion was read; nothing is written in that case.
func (s *SQLiteStore) SwapActiveCA(ctx context.Context, ca *CertificateAuthority, expectedVersion int64) (int64, error) {
	if ca.ID == "" {
		ca.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if ca.CreatedAt.IsZero() {
		ca.CreatedAt = now
	}
	ca.Status = CAActive

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE certificate_authorities SET status = ?, rotated_at = ? WHERE status = ?
		`, CARotatedOut, formatTime(now), CAActive)
		if err != nil {
			return fmt.Errorf("retiring active ca: %w", err)
		}
		retired, _ := result.RowsAffected()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO certificate_authorities (`+caColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		`, ca.ID, ca.Subject, ca.Serial, formatTime(ca.NotBefore), formatTime(ca.NotAfter), ca.Fingerprint,
			ca.CertPEM, ca.KeySealed, ca.Status, ca.Source, ca.CreatedBy, formatTime(ca.CreatedAt))
		if err != nil {
			if isConstraintViolation(err) {
				return conflict("certificate authority with this fingerprint already exists")
			}
			return fmt.Errorf("inserting certificate authority: %w", err)
		}

		result, err = tx.ExecContext(ctx, `
			UPDATE ca_state SET active_ca_id = ?, version = version + 1, updated_at = ?
			WHERE id = 1 AND version = ?
		`, ca.ID, formatTime(now), expectedVersion)
		if err != nil {
			return fmt.Errorf("swapping active ca: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrVersionConflict
		}
		s.logger.Info("active CA swapped", "ca_id", ca.ID, "source", ca.Source, "retired", retired)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return expectedVersion + 1, nil
}

// ListCAHistory returns every CA ever stored, newest first.
func (s *SQLiteStore) ListCAHistory(ctx context.Context) ([]*CertificateAuthority, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+caColumns+` FROM certificate_authorities ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("listing certificate authorities: %w", err)
	}
	defer rows.Close()

	cas := []*CertificateAuthority{}
	for rows.Next() {
		ca, err := scanCA(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning certificate authority: %w", err)
		}
		cas = append(cas, ca)
	}
	return cas, rows.Err()
}
