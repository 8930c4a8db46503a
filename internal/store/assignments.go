// ABOUTME: Assignment edges between subjects and assignable objects
// ABOUTME: Assign and Unassign are idempotent; endpoints are checked in the same transaction

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SubjectType is the source side of an assignment edge.
type SubjectType string

const (
	SubjectUser    SubjectType = "user"
	SubjectGroup   SubjectType = "group"
	SubjectNetwork SubjectType = "network" // network served by a gateway
	SubjectRule    SubjectType = "rule"    // rule contained by a gateway
)

// ObjectType is the target side of an assignment edge.
type ObjectType string

const (
	ObjectGateway   ObjectType = "gateway"
	ObjectRule      ObjectType = "rule"
	ObjectProxyApp  ObjectType = "proxy_app"
	ObjectMeshHub   ObjectType = "mesh_hub"
	ObjectMeshSpoke ObjectType = "mesh_spoke"
)

// Assignment is a single edge in the assignment graph.
type Assignment struct {
	SubjectType SubjectType
	SubjectID   string
	ObjectType  ObjectType
	ObjectID    string
	CreatedAt   time.Time
	CreatedBy   string
}

// ValidatePair checks that an edge between the two types is meaningful.
func ValidatePair(st SubjectType, ot ObjectType) error {
	switch st {
	case SubjectUser, SubjectGroup:
		switch ot {
		case ObjectGateway, ObjectRule, ObjectProxyApp, ObjectMeshHub, ObjectMeshSpoke:
			return nil
		}
	case SubjectNetwork, SubjectRule:
		if ot == ObjectGateway {
			return nil
		}
	default:
		return invalidf("unknown subject type %q", st)
	}
	return invalidf("cannot assign %s to %s", st, ot)
}

func subjectExists(ctx context.Context, q queryer, st SubjectType, id string) error {
	switch st {
	case SubjectUser:
		return requireRow(ctx, q, "principals", id, "principal")
	case SubjectGroup:
		_, err := getGroup(ctx, q, id)
		return err
	case SubjectNetwork:
		return requireRow(ctx, q, "networks", id, "network")
	case SubjectRule:
		return requireRow(ctx, q, "access_rules", id, "access rule")
	}
	return invalidf("unknown subject type %q", st)
}

func objectTable(ot ObjectType) (table, what string, err error) {
	switch ot {
	case ObjectGateway:
		return "gateways", "gateway", nil
	case ObjectRule:
		return "access_rules", "access rule", nil
	case ObjectProxyApp:
		return "proxy_apps", "proxy application", nil
	case ObjectMeshHub:
		return "mesh_hubs", "mesh hub", nil
	case ObjectMeshSpoke:
		return "mesh_spokes", "mesh spoke", nil
	}
	return "", "", invalidf("unknown object type %q", ot)
}

// Assign adds an edge. This operation is idempotent - assigning an existing
// pair succeeds silently. Both endpoints must exist.
func (s *SQLiteStore) Assign(ctx context.Context, st SubjectType, subjectID string, ot ObjectType, objectID, createdBy string) error {
	if err := ValidatePair(st, ot); err != nil {
		return err
	}
	table, what, err := objectTable(ot)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := subjectExists(ctx, tx, st, subjectID); err != nil {
			return err
		}
		if err := requireRow(ctx, tx, table, objectID, what); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO assignments (subject_type, subject_id, object_type, object_id, created_at, created_by)
			VALUES (?, ?, ?, ?, ?, ?)
		`, st, subjectID, ot, objectID, formatTime(time.Now()), nullString(createdBy))
		if err != nil {
			return fmt.Errorf("adding assignment: %w", err)
		}
		s.logger.Debug("assigned", "subject_type", st, "subject_id", subjectID, "object_type", ot, "object_id", objectID)
		return nil
	})
}

// Unassign removes an edge. This operation is idempotent - removing a
// non-existent edge succeeds silently.
func (s *SQLiteStore) Unassign(ctx context.Context, st SubjectType, subjectID string, ot ObjectType, objectID string) error {
	if err := ValidatePair(st, ot); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM assignments
		WHERE subject_type = ? AND subject_id = ? AND object_type = ? AND object_id = ?
	`, st, subjectID, ot, objectID)
	if err != nil {
		return fmt.Errorf("removing assignment: %w", err)
	}
	s.logger.Debug("unassigned", "subject_type", st, "subject_id", subjectID, "object_type", ot, "object_id", objectID)
	return nil
}

// ListAssignments returns every edge pointing at an object. Returns an
// empty slice if there are none.
func (s *SQLiteStore) ListAssignments(ctx context.Context, ot ObjectType, objectID string) ([]Assignment, error) {
	return queryAssignments(ctx, s.db, `
		SELECT subject_type, subject_id, object_type, object_id, created_at, created_by
		FROM assignments WHERE object_type = ? AND object_id = ?
		ORDER BY subject_type, subject_id
	`, ot, objectID)
}

// ListSubjectAssignments returns every edge leaving a subject.
func (s *SQLiteStore) ListSubjectAssignments(ctx context.Context, st SubjectType, subjectID string) ([]Assignment, error) {
	return queryAssignments(ctx, s.db, `
		SELECT subject_type, subject_id, object_type, object_id, created_at, created_by
		FROM assignments WHERE subject_type = ? AND subject_id = ?
		ORDER BY object_type, object_id
	`, st, subjectID)
}

func queryAssignments(ctx context.Context, q queryer, query string, args ...any) ([]Assignment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing assignments: %w", err)
	}
	defer rows.Close()

	edges := []Assignment{}
	for rows.Next() {
		var a Assignment
		var st, ot, createdAt string
		var createdBy sql.NullString
		if err := rows.Scan(&st, &a.SubjectID, &ot, &a.ObjectID, &createdAt, &createdBy); err != nil {
			return nil, fmt.Errorf("scanning assignment: %w", err)
		}
		a.SubjectType = SubjectType(st)
		a.ObjectType = ObjectType(ot)
		a.CreatedBy = createdBy.String
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		edges = append(edges, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating assignments: %w", err)
	}
	return edges, nil
}

// AccessGraph is a consistent snapshot of everything access resolution reads.
type AccessGraph struct {
	Gateways    []*Gateway
	Networks    []*Network
	Rules       []*AccessRule
	ProxyApps   []*ProxyApplication
	Hubs        []*MeshHub
	Spokes      []*MeshSpoke
	Assignments []Assignment
}

// LoadAccessGraph reads the assignment graph and all assignable objects in
// one transaction so resolution sees a single point in time.
func (s *SQLiteStore) LoadAccessGraph(ctx context.Context) (*AccessGraph, error) {
	var g AccessGraph
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if g.Gateways, err = listGateways(ctx, tx); err != nil {
			return err
		}
		if g.Networks, err = listNetworks(ctx, tx); err != nil {
			return err
		}
		if g.Rules, err = listAccessRules(ctx, tx); err != nil {
			return err
		}
		if g.ProxyApps, err = listProxyApps(ctx, tx); err != nil {
			return err
		}
		if g.Hubs, err = listHubs(ctx, tx); err != nil {
			return err
		}
		if g.Spokes, err = listSpokes(ctx, tx, ""); err != nil {
			return err
		}
		g.Assignments, err = queryAssignments(ctx, tx, `
			SELECT subject_type, subject_id, object_type, object_id, created_at, created_by
			FROM assignments ORDER BY subject_type, subject_id, object_type, object_id
		`)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}
