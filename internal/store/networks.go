// ABOUTME: Network and access rule entities with store methods
// ABOUTME: Rules scoped to a network apply only where that network is served

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Network is an internal address range reachable through gateways.
type Network struct {
	ID          string
	Name        string
	CIDR        string
	Description string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate checks the network's fields before persistence.
func (n *Network) Validate() error {
	if err := validateName("network name", n.Name); err != nil {
		return err
	}
	return ValidateCIDR("network cidr", n.CIDR)
}

// CreateNetwork inserts a new network.
func (s *SQLiteStore) CreateNetwork(ctx context.Context, n *Network) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	n.CreatedAt, n.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO networks (id, name, cidr, description, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.Name, n.CIDR, n.Description, n.IsActive, formatTime(n.CreatedAt), formatTime(n.UpdatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return conflict(fmt.Sprintf("network %s already exists", n.Name))
		}
		return fmt.Errorf("inserting network: %w", err)
	}
	return nil
}

const networkColumns = `id, name, cidr, description, is_active, created_at, updated_at`

func scanNetwork(scanner interface{ Scan(dest ...any) error }) (*Network, error) {
	var n Network
	var createdAt, updatedAt string
	if err := scanner.Scan(&n.ID, &n.Name, &n.CIDR, &n.Description, &n.IsActive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if n.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &n, nil
}

// GetNetwork retrieves a network by ID.
func (s *SQLiteStore) GetNetwork(ctx context.Context, id string) (*Network, error) {
	n, err := scanNetwork(s.db.QueryRowContext(ctx, `SELECT `+networkColumns+` FROM networks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, notFound("network")
	}
	if err != nil {
		return nil, fmt.Errorf("querying network: %w", err)
	}
	return n, nil
}

// ListNetworks returns all networks ordered by name.
func (s *SQLiteStore) ListNetworks(ctx context.Context) ([]*Network, error) {
	return listNetworks(ctx, s.db)
}

func listNetworks(ctx context.Context, q queryer) ([]*Network, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+networkColumns+` FROM networks ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing networks: %w", err)
	}
	defer rows.Close()

	networks := []*Network{}
	for rows.Next() {
		n, err := scanNetwork(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning network: %w", err)
		}
		networks = append(networks, n)
	}
	return networks, rows.Err()
}

// UpdateNetwork replaces a network's mutable fields.
func (s *SQLiteStore) UpdateNetwork(ctx context.Context, n *Network) error {
	if err := n.Validate(); err != nil {
		return err
	}
	n.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE networks SET name = ?, cidr = ?, description = ?, is_active = ?, updated_at = ? WHERE id = ?
	`, n.Name, n.CIDR, n.Description, n.IsActive, formatTime(n.UpdatedAt), n.ID)
	if err != nil {
		if isConstraintViolation(err) {
			return conflict(fmt.Sprintf("network %s already exists", n.Name))
		}
		return fmt.Errorf("updating network: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return notFound("network")
	}
	return nil
}

// DeleteNetwork removes a network and its gateway edges. A network still
// scoping access rules cannot be deleted, since its rules would turn global.
func (s *SQLiteStore) DeleteNetwork(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM assignments WHERE subject_type = ? AND subject_id = ?`, SubjectNetwork, id); err != nil {
			return fmt.Errorf("deleting network assignments: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM networks WHERE id = ?`, id)
		if err != nil {
			if isForeignKeyViolation(err) {
				return inUse("network is still referenced by access rules")
			}
			return fmt.Errorf("deleting network: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return notFound("network")
		}
		return nil
	})
}

// RuleType is the kind of destination an access rule matches.
type RuleType string

const (
	RuleTypeIP       RuleType = "ip"
	RuleTypeCIDR     RuleType = "cidr"
	RuleTypeHostname RuleType = "hostname"
	RuleTypeWildcard RuleType = "wildcard"
)

// RuleProtocol restricts a rule to one transport; empty or "any" matches all.
type RuleProtocol string

const (
	RuleProtocolAny  RuleProtocol = "any"
	RuleProtocolTCP  RuleProtocol = "tcp"
	RuleProtocolUDP  RuleProtocol = "udp"
	RuleProtocolICMP RuleProtocol = "icmp"
)

// AccessRule grants reachability to a destination. Only active cidr rules
// produce pushed routes.
type AccessRule struct {
	ID        string
	Name      string
	Type      RuleType
	Value     string
	PortRange string       // "N" or "N-M"; empty for all ports
	Protocol  RuleProtocol // empty for any
	NetworkID *string      // nil = global
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the rule's fields before persistence.
func (r *AccessRule) Validate() error {
	if err := validateName("rule name", r.Name); err != nil {
		return err
	}
	if err := ValidateRuleValue(r.Type, r.Value); err != nil {
		return err
	}
	if _, _, err := ParsePortRange(r.PortRange); err != nil {
		return err
	}
	return validateRuleProtocol(r.Protocol)
}

func (s *SQLiteStore) checkRuleNetwork(ctx context.Context, r *AccessRule) error {
	if r.NetworkID == nil {
		return nil
	}
	return requireRow(ctx, s.db, "networks", *r.NetworkID, "network")
}

// CreateAccessRule inserts a new rule.
func (s *SQLiteStore) CreateAccessRule(ctx context.Context, r *AccessRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := s.checkRuleNetwork(ctx, r); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_rules (id, name, type, value, port_range, protocol, network_id, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Name, r.Type, r.Value, r.PortRange, r.Protocol, r.NetworkID, r.IsActive,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return notFound("network")
		}
		return fmt.Errorf("inserting access rule: %w", err)
	}
	return nil
}

const ruleColumns = `id, name, type, value, port_range, protocol, network_id, is_active, created_at, updated_at`

func scanRule(scanner interface{ Scan(dest ...any) error }) (*AccessRule, error) {
	var r AccessRule
	var ruleType, protocol, createdAt, updatedAt string
	var networkID sql.NullString
	if err := scanner.Scan(&r.ID, &r.Name, &ruleType, &r.Value, &r.PortRange, &protocol, &networkID,
		&r.IsActive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Type = RuleType(ruleType)
	r.Protocol = RuleProtocol(protocol)
	if networkID.Valid {
		id := networkID.String
		r.NetworkID = &id
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetAccessRule retrieves a rule by ID.
func (s *SQLiteStore) GetAccessRule(ctx context.Context, id string) (*AccessRule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM access_rules WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, notFound("access rule")
	}
	if err != nil {
		return nil, fmt.Errorf("querying access rule: %w", err)
	}
	return r, nil
}

// ListAccessRules returns all rules ordered by name.
func (s *SQLiteStore) ListAccessRules(ctx context.Context) ([]*AccessRule, error) {
	return listAccessRules(ctx, s.db)
}

func listAccessRules(ctx context.Context, q queryer) ([]*AccessRule, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+ruleColumns+` FROM access_rules ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("listing access rules: %w", err)
	}
	defer rows.Close()

	rules := []*AccessRule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning access rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// UpdateAccessRule replaces a rule's mutable fields.
func (s *SQLiteStore) UpdateAccessRule(ctx context.Context, r *AccessRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := s.checkRuleNetwork(ctx, r); err != nil {
		return err
	}
	r.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE access_rules
		SET name = ?, type = ?, value = ?, port_range = ?, protocol = ?, network_id = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`, r.Name, r.Type, r.Value, r.PortRange, r.Protocol, r.NetworkID, r.IsActive, formatTime(r.UpdatedAt), r.ID)
	if err != nil {
		return fmt.Errorf("updating access rule: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound("access rule")
	}
	return nil
}

// DeleteAccessRule removes a rule with its inbound edges and its
// contained-by edges to gateways.
func (s *SQLiteStore) DeleteAccessRule(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM assignments
			WHERE (object_type = ? AND object_id = ?) OR (subject_type = ? AND subject_id = ?)
		`, ObjectRule, id, SubjectRule, id); err != nil {
			return fmt.Errorf("deleting rule assignments: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM access_rules WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting access rule: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return notFound("access rule")
		}
		return nil
	})
}
