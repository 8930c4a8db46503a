// ABOUTME: Gateway entity and store methods
// ABOUTME: Gateways terminate client tunnels and serve zero or more networks

package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TunnelSettings are the VPN server settings shared by gateways and mesh hubs.
type TunnelSettings struct {
	Protocol       Transport
	Port           int
	CryptoProfile  CryptoProfile
	VPNSubnet      string
	TLSAuthEnabled bool
	TLSAuthKey     string // generated on create when TLS auth is enabled
	FullTunnel     bool
	PushDNS        bool
	DNSServers     []string
}

func (t *TunnelSettings) validate() error {
	if err := validateTransport(t.Protocol); err != nil {
		return err
	}
	if err := validatePort("port", t.Port); err != nil {
		return err
	}
	if err := ValidateCIDR("vpn subnet", t.VPNSubnet); err != nil {
		return err
	}
	if t.PushDNS && len(t.DNSServers) == 0 {
		return invalidf("push dns requires at least one dns server")
	}
	return validateDNSServers(t.DNSServers)
}

func (t *TunnelSettings) ensureTLSAuthKey() error {
	if !t.TLSAuthEnabled || t.TLSAuthKey != "" {
		return nil
	}
	key, err := NewTLSAuthKey()
	if err != nil {
		return err
	}
	t.TLSAuthKey = key
	return nil
}

// NewTLSAuthKey generates a 2048-bit OpenVPN static key in its PEM-like format.
func NewTLSAuthKey() (string, error) {
	buf := make([]byte, 256)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating tls-auth key: %w", err)
	}
	var b strings.Builder
	b.WriteString("-----BEGIN OpenVPN Static key V1-----\n")
	for i := 0; i < len(buf); i += 16 {
		b.WriteString(hex.EncodeToString(buf[i : i+16]))
		b.WriteByte('\n')
	}
	b.WriteString("-----END OpenVPN Static key V1-----\n")
	return b.String(), nil
}

// Gateway is a VPN server clients connect to.
type Gateway struct {
	ID       string
	Name     string
	Hostname string
	PublicIP string
	TunnelSettings
	AgentPubkeyFP string // SSH key fingerprint of the gateway agent
	AgentURL      string // where revocations are pushed; empty disables push
	LastHeartbeat *time.Time
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Address returns the host clients dial: the hostname if set, else the public IP.
func (g *Gateway) Address() string {
	if g.Hostname != "" {
		return g.Hostname
	}
	return g.PublicIP
}

func (s *SQLiteStore) validateGateway(g *Gateway) error {
	if err := validateName("gateway name", g.Name); err != nil {
		return err
	}
	if g.Hostname == "" && g.PublicIP == "" {
		return invalidf("gateway requires a hostname or public ip")
	}
	if g.Hostname != "" {
		if err := ValidateHostname(g.Hostname); err != nil {
			return err
		}
	}
	if g.PublicIP != "" {
		if _, err := netip.ParseAddr(g.PublicIP); err != nil {
			return invalidf("invalid public ip %q", g.PublicIP)
		}
	}
	if err := g.TunnelSettings.validate(); err != nil {
		return err
	}
	if err := s.validateProfile(g.CryptoProfile); err != nil {
		return err
	}
	return validateAgentURL(g.AgentURL)
}

// CreateGateway inserts a new gateway.
func (s *SQLiteStore) CreateGateway(ctx context.Context, g *Gateway) error {
	if err := s.validateGateway(g); err != nil {
		return err
	}
	if err := g.ensureTLSAuthKey(); err != nil {
		return err
	}
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	g.CreatedAt, g.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateways (id, name, hostname, public_ip, protocol, port, crypto_profile, vpn_subnet,
			tls_auth_enabled, tls_auth_key, full_tunnel, push_dns, dns_servers_json, agent_pubkey_fp,
			agent_url, last_heartbeat, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		g.ID, g.Name, g.Hostname, g.PublicIP, g.Protocol, g.Port, g.CryptoProfile, g.VPNSubnet,
		g.TLSAuthEnabled, g.TLSAuthKey, g.FullTunnel, g.PushDNS, encodeStrings(g.DNSServers), g.AgentPubkeyFP,
		g.AgentURL, formatOptTime(g.LastHeartbeat), g.IsActive, formatTime(g.CreatedAt), formatTime(g.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return conflict(fmt.Sprintf("gateway %s already exists", g.Name))
		}
		return fmt.Errorf("inserting gateway: %w", err)
	}
	s.logger.Debug("created gateway", "id", g.ID, "name", g.Name)
	return nil
}

const gatewayColumns = `id, name, hostname, public_ip, protocol, port, crypto_profile, vpn_subnet,
	tls_auth_enabled, tls_auth_key, full_tunnel, push_dns, dns_servers_json, agent_pubkey_fp,
	agent_url, last_heartbeat, is_active, created_at, updated_at`

func scanGateway(scanner interface{ Scan(dest ...any) error }) (*Gateway, error) {
	var g Gateway
	var protocol, profile, dnsJSON, createdAt, updatedAt string
	var heartbeat sql.NullString

	if err := scanner.Scan(&g.ID, &g.Name, &g.Hostname, &g.PublicIP, &protocol, &g.Port, &profile, &g.VPNSubnet,
		&g.TLSAuthEnabled, &g.TLSAuthKey, &g.FullTunnel, &g.PushDNS, &dnsJSON, &g.AgentPubkeyFP,
		&g.AgentURL, &heartbeat, &g.IsActive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	g.Protocol = Transport(protocol)
	g.CryptoProfile = CryptoProfile(profile)

	var err error
	if g.DNSServers, err = decodeStrings(dnsJSON); err != nil {
		return nil, err
	}
	if g.LastHeartbeat, err = parseOptTime(heartbeat); err != nil {
		return nil, err
	}
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if g.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

// GetGateway retrieves a gateway by ID.
func (s *SQLiteStore) GetGateway(ctx context.Context, id string) (*Gateway, error) {
	g, err := scanGateway(s.db.QueryRowContext(ctx, `SELECT `+gatewayColumns+` FROM gateways WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, notFound("gateway")
	}
	if err != nil {
		return nil, fmt.Errorf("querying gateway: %w", err)
	}
	return g, nil
}

// GetGatewayByAgentFingerprint finds the gateway whose agent holds the SSH key.
func (s *SQLiteStore) GetGatewayByAgentFingerprint(ctx context.Context, fp string) (*Gateway, error) {
	if fp == "" {
		return nil, notFound("gateway")
	}
	g, err := scanGateway(s.db.QueryRowContext(ctx,
		`SELECT `+gatewayColumns+` FROM gateways WHERE agent_pubkey_fp = ?`, fp))
	if err == sql.ErrNoRows {
		return nil, notFound("gateway")
	}
	if err != nil {
		return nil, fmt.Errorf("querying gateway by agent key: %w", err)
	}
	return g, nil
}

// ListGateways returns all gateways ordered by name.
func (s *SQLiteStore) ListGateways(ctx context.Context) ([]*Gateway, error) {
	return listGateways(ctx, s.db)
}

func listGateways(ctx context.Context, q queryer) ([]*Gateway, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+gatewayColumns+` FROM gateways ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing gateways: %w", err)
	}
	defer rows.Close()

	gateways := []*Gateway{}
	for rows.Next() {
		g, err := scanGateway(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning gateway: %w", err)
		}
		gateways = append(gateways, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating gateways: %w", err)
	}
	return gateways, nil
}

// UpdateGateway replaces a gateway's mutable fields.
// Returns ErrNotFound if the gateway doesn't exist.
func (s *SQLiteStore) UpdateGateway(ctx context.Context, g *Gateway) error {
	if err := s.validateGateway(g); err != nil {
		return err
	}
	if err := g.ensureTLSAuthKey(); err != nil {
		return err
	}
	g.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE gateways
		SET name = ?, hostname = ?, public_ip = ?, protocol = ?, port = ?, crypto_profile = ?, vpn_subnet = ?,
			tls_auth_enabled = ?, tls_auth_key = ?, full_tunnel = ?, push_dns = ?, dns_servers_json = ?,
			agent_pubkey_fp = ?, agent_url = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`,
		g.Name, g.Hostname, g.PublicIP, g.Protocol, g.Port, g.CryptoProfile, g.VPNSubnet,
		g.TLSAuthEnabled, g.TLSAuthKey, g.FullTunnel, g.PushDNS, encodeStrings(g.DNSServers),
		g.AgentPubkeyFP, g.AgentURL, g.IsActive, formatTime(g.UpdatedAt), g.ID,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return conflict(fmt.Sprintf("gateway %s already exists", g.Name))
		}
		return fmt.Errorf("updating gateway: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound("gateway")
	}
	return nil
}

// DeleteGateway removes a gateway and every assignment edge touching it.
// Issued configs are kept as history.
func (s *SQLiteStore) DeleteGateway(ctx context.Context, id string) error {
	return s.deleteObject(ctx, "gateways", ObjectGateway, id, "gateway")
}

// deleteObject removes an assignable object row and its inbound edges.
func (s *SQLiteStore) deleteObject(ctx context.Context, table string, objectType ObjectType, id, what string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM assignments WHERE object_type = ? AND object_id = ?`, objectType, id); err != nil {
			return fmt.Errorf("deleting %s assignments: %w", what, err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
		if err != nil {
			if isForeignKeyViolation(err) {
				return inUse(what + " is still referenced")
			}
			return fmt.Errorf("deleting %s: %w", what, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return notFound(what)
		}
		s.logger.Debug("deleted "+what, "id", id)
		return nil
	})
}

// HeartbeatTarget identifies which table a heartbeat belongs to.
type HeartbeatTarget string

const (
	HeartbeatGateway HeartbeatTarget = "gateway"
	HeartbeatHub     HeartbeatTarget = "mesh_hub"
	HeartbeatSpoke   HeartbeatTarget = "mesh_spoke"
)

// SetLastHeartbeat records the latest heartbeat. Older timestamps never
// overwrite newer ones, so out-of-order writes converge.
func (s *SQLiteStore) SetLastHeartbeat(ctx context.Context, target HeartbeatTarget, id string, at time.Time) error {
	var table string
	switch target {
	case HeartbeatGateway:
		table = "gateways"
	case HeartbeatHub:
		table = "mesh_hubs"
	case HeartbeatSpoke:
		table = "mesh_spokes"
	default:
		return invalidf("unknown heartbeat target %q", target)
	}
	ts := formatTime(at)
	_, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET last_heartbeat = ? WHERE id = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		ts, id, ts)
	if err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	return nil
}
