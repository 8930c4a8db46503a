// ABOUTME: Mesh hub and spoke entities with store methods
// ABOUTME: Spokes advertise local networks and belong to exactly one hub

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MeshHub is the rendezvous server for a site-to-site mesh.
type MeshHub struct {
	ID             string
	Name           string
	PublicEndpoint string // host:port
	TunnelSettings
	AgentPubkeyFP string
	AgentURL      string
	LastHeartbeat *time.Time
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (s *SQLiteStore) validateHub(h *MeshHub) error {
	if err := validateName("hub name", h.Name); err != nil {
		return err
	}
	if err := validateEndpoint(h.PublicEndpoint); err != nil {
		return err
	}
	if err := h.TunnelSettings.validate(); err != nil {
		return err
	}
	if err := s.validateProfile(h.CryptoProfile); err != nil {
		return err
	}
	return validateAgentURL(h.AgentURL)
}

// CreateMeshHub inserts a new hub.
func (s *SQLiteStore) CreateMeshHub(ctx context.Context, h *MeshHub) error {
	if err := s.validateHub(h); err != nil {
		return err
	}
	if err := h.ensureTLSAuthKey(); err != nil {
		return err
	}
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	h.CreatedAt, h.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mesh_hubs (id, name, public_endpoint, protocol, port, crypto_profile, vpn_subnet,
			tls_auth_enabled, tls_auth_key, full_tunnel, push_dns, dns_servers_json, agent_pubkey_fp,
			agent_url, last_heartbeat, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		h.ID, h.Name, h.PublicEndpoint, h.Protocol, h.Port, h.CryptoProfile, h.VPNSubnet,
		h.TLSAuthEnabled, h.TLSAuthKey, h.FullTunnel, h.PushDNS, encodeStrings(h.DNSServers), h.AgentPubkeyFP,
		h.AgentURL, formatOptTime(h.LastHeartbeat), h.IsActive, formatTime(h.CreatedAt), formatTime(h.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return conflict(fmt.Sprintf("mesh hub %s already exists", h.Name))
		}
		return fmt.Errorf("inserting mesh hub: %w", err)
	}
	return nil
}

const hubColumns = `id, name, public_endpoint, protocol, port, crypto_profile, vpn_subnet,
	tls_auth_enabled, tls_auth_key, full_tunnel, push_dns, dns_servers_json, agent_pubkey_fp,
	agent_url, last_heartbeat, is_active, created_at, updated_at`

func scanHub(scanner interface{ Scan(dest ...any) error }) (*MeshHub, error) {
	var h MeshHub
	var protocol, profile, dnsJSON, createdAt, updatedAt string
	var heartbeat sql.NullString
	if err := scanner.Scan(&h.ID, &h.Name, &h.PublicEndpoint, &protocol, &h.Port, &profile, &h.VPNSubnet,
		&h.TLSAuthEnabled, &h.TLSAuthKey, &h.FullTunnel, &h.PushDNS, &dnsJSON, &h.AgentPubkeyFP,
		&h.AgentURL, &heartbeat, &h.IsActive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	h.Protocol = Transport(protocol)
	h.CryptoProfile = CryptoProfile(profile)
	var err error
	if h.DNSServers, err = decodeStrings(dnsJSON); err != nil {
		return nil, err
	}
	if h.LastHeartbeat, err = parseOptTime(heartbeat); err != nil {
		return nil, err
	}
	if h.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if h.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &h, nil
}

// GetMeshHub retrieves a hub by ID.
func (s *SQLiteStore) GetMeshHub(ctx context.Context, id string) (*MeshHub, error) {
	h, err := scanHub(s.db.QueryRowContext(ctx, `SELECT `+hubColumns+` FROM mesh_hubs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, notFound("mesh hub")
	}
	if err != nil {
		return nil, fmt.Errorf("querying mesh hub: %w", err)
	}
	return h, nil
}

// GetMeshHubByAgentFingerprint finds the hub whose agent holds the SSH key.
func (s *SQLiteStore) GetMeshHubByAgentFingerprint(ctx context.Context, fp string) (*MeshHub, error) {
	if fp == "" {
		return nil, notFound("mesh hub")
	}
	h, err := scanHub(s.db.QueryRowContext(ctx, `SELECT `+hubColumns+` FROM mesh_hubs WHERE agent_pubkey_fp = ?`, fp))
	if err == sql.ErrNoRows {
		return nil, notFound("mesh hub")
	}
	if err != nil {
		return nil, fmt.Errorf("querying mesh hub by agent key: %w", err)
	}
	return h, nil
}

// ListMeshHubs returns all hubs ordered by name.
func (s *SQLiteStore) ListMeshHubs(ctx context.Context) ([]*MeshHub, error) {
	return listHubs(ctx, s.db)
}

func listHubs(ctx context.Context, q queryer) ([]*MeshHub, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+hubColumns+` FROM mesh_hubs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing mesh hubs: %w", err)
	}
	defer rows.Close()

	hubs := []*MeshHub{}
	for rows.Next() {
		h, err := scanHub(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning mesh hub: %w", err)
		}
		hubs = append(hubs, h)
	}
	return hubs, rows.Err()
}

// UpdateMeshHub replaces a hub's mutable fields.
func (s *SQLiteStore) UpdateMeshHub(ctx context.Context, h *MeshHub) error {
	if err := s.validateHub(h); err != nil {
		return err
	}
	if err := h.ensureTLSAuthKey(); err != nil {
		return err
	}
	h.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE mesh_hubs
		SET name = ?, public_endpoint = ?, protocol = ?, port = ?, crypto_profile = ?, vpn_subnet = ?,
			tls_auth_enabled = ?, tls_auth_key = ?, full_tunnel = ?, push_dns = ?, dns_servers_json = ?,
			agent_pubkey_fp = ?, agent_url = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`,
		h.Name, h.PublicEndpoint, h.Protocol, h.Port, h.CryptoProfile, h.VPNSubnet,
		h.TLSAuthEnabled, h.TLSAuthKey, h.FullTunnel, h.PushDNS, encodeStrings(h.DNSServers),
		h.AgentPubkeyFP, h.AgentURL, h.IsActive, formatTime(h.UpdatedAt), h.ID,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return conflict(fmt.Sprintf("mesh hub %s already exists", h.Name))
		}
		return fmt.Errorf("updating mesh hub: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound("mesh hub")
	}
	return nil
}

// DeleteMeshHub removes a hub, its spokes, and their assignment edges.
func (s *SQLiteStore) DeleteMeshHub(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM assignments
			WHERE (object_type = ? AND object_id = ?)
			   OR (object_type = ? AND object_id IN (SELECT id FROM mesh_spokes WHERE hub_id = ?))
		`, ObjectMeshHub, id, ObjectMeshSpoke, id); err != nil {
			return fmt.Errorf("deleting hub assignments: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM mesh_hubs WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting mesh hub: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return notFound("mesh hub")
		}
		return nil
	})
}

// MeshSpoke is a site behind a hub that advertises its local networks.
type MeshSpoke struct {
	ID            string
	HubID         string
	Name          string
	LocalNetworks []string
	AgentPubkeyFP string
	LastHeartbeat *time.Time
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Validate checks the spoke's fields before persistence.
func (sp *MeshSpoke) Validate() error {
	if err := validateName("spoke name", sp.Name); err != nil {
		return err
	}
	if sp.HubID == "" {
		return invalidf("spoke requires a hub")
	}
	for _, cidr := range sp.LocalNetworks {
		if err := ValidateCIDR("local network", cidr); err != nil {
			return err
		}
	}
	return nil
}

// CreateMeshSpoke inserts a new spoke under an existing hub.
func (s *SQLiteStore) CreateMeshSpoke(ctx context.Context, sp *MeshSpoke) error {
	if err := sp.Validate(); err != nil {
		return err
	}
	if sp.ID == "" {
		sp.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sp.CreatedAt, sp.UpdatedAt = now, now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireRow(ctx, tx, "mesh_hubs", sp.HubID, "mesh hub"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO mesh_spokes (id, hub_id, name, local_networks_json, agent_pubkey_fp, last_heartbeat,
				is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sp.ID, sp.HubID, sp.Name, encodeStrings(sp.LocalNetworks), sp.AgentPubkeyFP,
			formatOptTime(sp.LastHeartbeat), sp.IsActive, formatTime(sp.CreatedAt), formatTime(sp.UpdatedAt))
		if err != nil {
			if isConstraintViolation(err) {
				return conflict(fmt.Sprintf("spoke %s already exists on this hub", sp.Name))
			}
			return fmt.Errorf("inserting mesh spoke: %w", err)
		}
		return nil
	})
}

const spokeColumns = `id, hub_id, name, local_networks_json, agent_pubkey_fp, last_heartbeat,
	is_active, created_at, updated_at`

func scanSpoke(scanner interface{ Scan(dest ...any) error }) (*MeshSpoke, error) {
	var sp MeshSpoke
	var localJSON, createdAt, updatedAt string
	var heartbeat sql.NullString
	if err := scanner.Scan(&sp.ID, &sp.HubID, &sp.Name, &localJSON, &sp.AgentPubkeyFP, &heartbeat,
		&sp.IsActive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if sp.LocalNetworks, err = decodeStrings(localJSON); err != nil {
		return nil, err
	}
	if sp.LastHeartbeat, err = parseOptTime(heartbeat); err != nil {
		return nil, err
	}
	if sp.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sp.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &sp, nil
}

// GetMeshSpoke retrieves a spoke by ID.
func (s *SQLiteStore) GetMeshSpoke(ctx context.Context, id string) (*MeshSpoke, error) {
	sp, err := scanSpoke(s.db.QueryRowContext(ctx, `SELECT `+spokeColumns+` FROM mesh_spokes WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, notFound("mesh spoke")
	}
	if err != nil {
		return nil, fmt.Errorf("querying mesh spoke: %w", err)
	}
	return sp, nil
}

// GetMeshSpokeByAgentFingerprint finds the spoke whose agent holds the SSH key.
func (s *SQLiteStore) GetMeshSpokeByAgentFingerprint(ctx context.Context, fp string) (*MeshSpoke, error) {
	if fp == "" {
		return nil, notFound("mesh spoke")
	}
	sp, err := scanSpoke(s.db.QueryRowContext(ctx, `SELECT `+spokeColumns+` FROM mesh_spokes WHERE agent_pubkey_fp = ?`, fp))
	if err == sql.ErrNoRows {
		return nil, notFound("mesh spoke")
	}
	if err != nil {
		return nil, fmt.Errorf("querying mesh spoke by agent key: %w", err)
	}
	return sp, nil
}

// ListMeshSpokes returns spokes ordered by name; an empty hubID lists all.
func (s *SQLiteStore) ListMeshSpokes(ctx context.Context, hubID string) ([]*MeshSpoke, error) {
	return listSpokes(ctx, s.db, hubID)
}

func listSpokes(ctx context.Context, q queryer, hubID string) ([]*MeshSpoke, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+spokeColumns+` FROM mesh_spokes WHERE (? = '' OR hub_id = ?) ORDER BY name, id`, hubID, hubID)
	if err != nil {
		return nil, fmt.Errorf("listing mesh spokes: %w", err)
	}
	defer rows.Close()

	spokes := []*MeshSpoke{}
	for rows.Next() {
		sp, err := scanSpoke(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning mesh spoke: %w", err)
		}
		spokes = append(spokes, sp)
	}
	return spokes, rows.Err()
}

// UpdateMeshSpoke replaces a spoke's mutable fields. The hub cannot change.
func (s *SQLiteStore) UpdateMeshSpoke(ctx context.Context, sp *MeshSpoke) error {
	if err := sp.Validate(); err != nil {
		return err
	}
	sp.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE mesh_spokes
		SET name = ?, local_networks_json = ?, agent_pubkey_fp = ?, is_active = ?, updated_at = ?
		WHERE id = ? AND hub_id = ?
	`, sp.Name, encodeStrings(sp.LocalNetworks), sp.AgentPubkeyFP, sp.IsActive, formatTime(sp.UpdatedAt), sp.ID, sp.HubID)
	if err != nil {
		if isConstraintViolation(err) {
			return conflict(fmt.Sprintf("spoke %s already exists on this hub", sp.Name))
		}
		return fmt.Errorf("updating mesh spoke: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound("mesh spoke")
	}
	return nil
}

// DeleteMeshSpoke removes a spoke and its assignment edges.
func (s *SQLiteStore) DeleteMeshSpoke(ctx context.Context, id string) error {
	return s.deleteObject(ctx, "mesh_spokes", ObjectMeshSpoke, id, "mesh spoke")
}
