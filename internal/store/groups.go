// ABOUTME: Group names and manual group membership
// ABOUTME: Claim groups are registered at login; manual groups are created by admins

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GroupSource records where a group name was first seen.
type GroupSource string

const (
	GroupSourceClaim  GroupSource = "claim"
	GroupSourceManual GroupSource = "manual"
)

// Group is a named set of principals.
type Group struct {
	Name        string
	Source      GroupSource
	MemberCount int // manual members only
	CreatedAt   time.Time
}

func ensureClaimGroups(ctx context.Context, q queryer, names []string) error {
	now := formatTime(time.Now())
	for _, name := range names {
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO access_groups (name, source, created_at) VALUES (?, ?, ?)`,
			name, GroupSourceClaim, now); err != nil {
			return fmt.Errorf("registering claim group %s: %w", name, err)
		}
	}
	return nil
}

// CreateGroup creates a manual group. A name already registered from claims
// is promoted to manual; an existing manual group is a conflict.
func (s *SQLiteStore) CreateGroup(ctx context.Context, name string) (*Group, error) {
	if err := ValidateGroupName(name); err != nil {
		return nil, err
	}
	g := &Group{Name: name, Source: GroupSourceManual, CreatedAt: time.Now().UTC()}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var source string
		err := tx.QueryRowContext(ctx, `SELECT source FROM access_groups WHERE name = ?`, name).Scan(&source)
		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx, `INSERT INTO access_groups (name, source, created_at) VALUES (?, ?, ?)`,
				name, GroupSourceManual, formatTime(g.CreatedAt))
			if err != nil {
				return fmt.Errorf("inserting group: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("querying group: %w", err)
		case GroupSource(source) == GroupSourceManual:
			return conflict(fmt.Sprintf("group %s already exists", name))
		default:
			_, err = tx.ExecContext(ctx, `UPDATE access_groups SET source = ? WHERE name = ?`, GroupSourceManual, name)
			if err != nil {
				return fmt.Errorf("promoting group: %w", err)
			}
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("created group", "name", name)
	return g, nil
}

// GetGroup retrieves a group by name.
func (s *SQLiteStore) GetGroup(ctx context.Context, name string) (*Group, error) {
	return getGroup(ctx, s.db, name)
}

func getGroup(ctx context.Context, q queryer, name string) (*Group, error) {
	var g Group
	var source, createdAt string
	err := q.QueryRowContext(ctx, `
		SELECT g.name, g.source, g.created_at,
			(SELECT COUNT(*) FROM group_members m WHERE m.group_name = g.name)
		FROM access_groups g WHERE g.name = ?
	`, name).Scan(&g.Name, &source, &createdAt, &g.MemberCount)
	if err == sql.ErrNoRows {
		return nil, notFound("group " + name)
	}
	if err != nil {
		return nil, fmt.Errorf("querying group: %w", err)
	}
	g.Source = GroupSource(source)
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &g, nil
}

// ListGroups returns all known groups ordered by name.
func (s *SQLiteStore) ListGroups(ctx context.Context) ([]*Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.name, g.source, g.created_at,
			(SELECT COUNT(*) FROM group_members m WHERE m.group_name = g.name)
		FROM access_groups g ORDER BY g.name
	`)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	defer rows.Close()

	groups := []*Group{}
	for rows.Next() {
		var g Group
		var source, createdAt string
		if err := rows.Scan(&g.Name, &source, &createdAt, &g.MemberCount); err != nil {
			return nil, fmt.Errorf("scanning group: %w", err)
		}
		g.Source = GroupSource(source)
		if g.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		groups = append(groups, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating groups: %w", err)
	}
	return groups, nil
}

// DeleteGroup removes a group, its memberships and its assignment edges.
// Principals whose claims still carry the name keep it until their next login.
func (s *SQLiteStore) DeleteGroup(ctx context.Context, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM assignments WHERE subject_type = ? AND subject_id = ?`, SubjectGroup, name); err != nil {
			return fmt.Errorf("deleting group assignments: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM access_groups WHERE name = ?`, name)
		if err != nil {
			return fmt.Errorf("deleting group: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return notFound("group " + name)
		}
		return nil
	})
}

// AddGroupMember adds a principal to a manual group. This operation is
// idempotent - adding an existing member succeeds silently.
func (s *SQLiteStore) AddGroupMember(ctx context.Context, groupName, principalID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getGroup(ctx, tx, groupName); err != nil {
			return err
		}
		if err := requireRow(ctx, tx, "principals", principalID, "principal"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO group_members (group_name, principal_id, created_at) VALUES (?, ?, ?)`,
			groupName, principalID, formatTime(time.Now()))
		if err != nil {
			return fmt.Errorf("adding group member: %w", err)
		}
		return nil
	})
}

// RemoveGroupMember removes a principal from a manual group. This operation
// is idempotent - removing a non-member succeeds silently.
func (s *SQLiteStore) RemoveGroupMember(ctx context.Context, groupName, principalID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM group_members WHERE group_name = ? AND principal_id = ?`, groupName, principalID)
	if err != nil {
		return fmt.Errorf("removing group member: %w", err)
	}
	return nil
}

// ListGroupMembers returns the principal IDs manually added to a group.
func (s *SQLiteStore) ListGroupMembers(ctx context.Context, groupName string) ([]string, error) {
	return s.queryStrings(ctx, `SELECT principal_id FROM group_members WHERE group_name = ? ORDER BY principal_id`, groupName)
}

// ListManualGroups returns the manual groups a principal belongs to.
func (s *SQLiteStore) ListManualGroups(ctx context.Context, principalID string) ([]string, error) {
	return s.queryStrings(ctx, `SELECT group_name FROM group_members WHERE principal_id = ? ORDER BY group_name`, principalID)
}

func (s *SQLiteStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating: %w", err)
	}
	return out, nil
}

// requireRow returns a not-found error unless table has a row with the id.
func requireRow(ctx context.Context, q queryer, table, id, what string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return notFound(what + " " + id)
	}
	if err != nil {
		return fmt.Errorf("checking %s: %w", what, err)
	}
	return nil
}
