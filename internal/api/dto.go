// ABOUTME: Request and response bodies for the HTTP API
// ABOUTME: Timestamps are RFC3339 strings; a TLS auth key only goes to its own agent

package api

import (
	"time"

	"github.com/2389/tunnelward/internal/identity"
	"github.com/2389/tunnelward/internal/store"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// LoginRequest is the body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SessionResponse carries a session token and who it belongs to.
type SessionResponse struct {
	Token     string             `json:"token"`
	ExpiresAt string             `json:"expires_at"`
	Principal *PrincipalResponse `json:"principal"`
}

// PrincipalResponse is a principal as seen by API callers.
type PrincipalResponse struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	Name        string   `json:"name"`
	Source      string   `json:"source"`
	Groups      []string `json:"groups"`
	IsAdmin     bool     `json:"is_admin"`
	IsActive    bool     `json:"is_active"`
	CreatedAt   string   `json:"created_at,omitempty"`
	LastLoginAt *string  `json:"last_login_at,omitempty"`
}

func principalFromIdentity(p *identity.Principal) *PrincipalResponse {
	groups := p.Groups
	if groups == nil {
		groups = []string{}
	}
	return &PrincipalResponse{
		ID:       p.ID,
		Email:    p.Email,
		Name:     p.Name,
		Source:   string(p.Source),
		Groups:   groups,
		IsAdmin:  p.IsAdmin,
		IsActive: p.IsActive,
	}
}

func principalFromStore(sp *store.Principal, manual []string) *PrincipalResponse {
	resp := principalFromIdentity(identity.Project(sp, manual))
	resp.CreatedAt = formatTime(sp.CreatedAt)
	resp.LastLoginAt = formatTimePtr(sp.LastLoginAt)
	return resp
}

// CreatePrincipalRequest creates a local principal.
type CreatePrincipalRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"is_admin"`
}

// UpdatePrincipalRequest changes mutable principal fields. Nil fields are
// left unchanged.
type UpdatePrincipalRequest struct {
	Name     *string `json:"name,omitempty"`
	IsAdmin  *bool   `json:"is_admin,omitempty"`
	IsActive *bool   `json:"is_active,omitempty"`
	Password *string `json:"password,omitempty"`
}

// GroupResponse is one group.
type GroupResponse struct {
	Name        string `json:"name"`
	Source      string `json:"source"`
	MemberCount int    `json:"member_count"`
	CreatedAt   string `json:"created_at"`
}

func groupResponse(g *store.Group) GroupResponse {
	return GroupResponse{
		Name:        g.Name,
		Source:      string(g.Source),
		MemberCount: g.MemberCount,
		CreatedAt:   formatTime(g.CreatedAt),
	}
}

// CreateGroupRequest creates a manual group.
type CreateGroupRequest struct {
	Name string `json:"name"`
}

// TunnelSettingsBody is the tunnel section shared by gateways and hubs.
type TunnelSettingsBody struct {
	Protocol       string   `json:"protocol"`
	Port           int      `json:"port"`
	CryptoProfile  string   `json:"crypto_profile"`
	VPNSubnet      string   `json:"vpn_subnet"`
	TLSAuthEnabled bool     `json:"tls_auth_enabled"`
	FullTunnel     bool     `json:"full_tunnel"`
	PushDNS        bool     `json:"push_dns"`
	DNSServers     []string `json:"dns_servers,omitempty"`
}

func tunnelBody(t store.TunnelSettings) TunnelSettingsBody {
	return TunnelSettingsBody{
		Protocol:       string(t.Protocol),
		Port:           t.Port,
		CryptoProfile:  string(t.CryptoProfile),
		VPNSubnet:      t.VPNSubnet,
		TLSAuthEnabled: t.TLSAuthEnabled,
		FullTunnel:     t.FullTunnel,
		PushDNS:        t.PushDNS,
		DNSServers:     t.DNSServers,
	}
}

// apply copies the body onto settings. The existing TLS auth key is kept
// while TLS auth stays enabled.
func (b TunnelSettingsBody) apply(t *store.TunnelSettings) {
	key := t.TLSAuthKey
	*t = store.TunnelSettings{
		Protocol:       store.Transport(b.Protocol),
		Port:           b.Port,
		CryptoProfile:  store.CryptoProfile(b.CryptoProfile),
		VPNSubnet:      b.VPNSubnet,
		TLSAuthEnabled: b.TLSAuthEnabled,
		FullTunnel:     b.FullTunnel,
		PushDNS:        b.PushDNS,
		DNSServers:     b.DNSServers,
	}
	if b.TLSAuthEnabled {
		t.TLSAuthKey = key
	}
}

// GatewayRequest creates or replaces a gateway.
type GatewayRequest struct {
	Name     string             `json:"name"`
	Hostname string             `json:"hostname"`
	PublicIP string             `json:"public_ip"`
	Tunnel   TunnelSettingsBody `json:"tunnel"`
	AgentKey string             `json:"agent_pubkey,omitempty"`
	AgentURL string             `json:"agent_url,omitempty"`
	IsActive *bool              `json:"is_active,omitempty"`
}

// GatewayResponse is one gateway.
type GatewayResponse struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Hostname      string             `json:"hostname"`
	PublicIP      string             `json:"public_ip"`
	Tunnel        TunnelSettingsBody `json:"tunnel"`
	AgentPubkeyFP string             `json:"agent_fingerprint,omitempty"`
	AgentURL      string             `json:"agent_url,omitempty"`
	IsActive      bool               `json:"is_active"`
	Online        bool               `json:"online"`
	LastHeartbeat *string            `json:"last_heartbeat,omitempty"`
	CreatedAt     string             `json:"created_at"`
	UpdatedAt     string             `json:"updated_at"`
}

// NetworkRequest creates or replaces a network.
type NetworkRequest struct {
	Name        string `json:"name"`
	CIDR        string `json:"cidr"`
	Description string `json:"description"`
	IsActive    *bool  `json:"is_active,omitempty"`
}

// NetworkResponse is one network.
type NetworkResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CIDR        string `json:"cidr"`
	Description string `json:"description,omitempty"`
	IsActive    bool   `json:"is_active"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func networkResponse(n *store.Network) NetworkResponse {
	return NetworkResponse{
		ID:          n.ID,
		Name:        n.Name,
		CIDR:        n.CIDR,
		Description: n.Description,
		IsActive:    n.IsActive,
		CreatedAt:   formatTime(n.CreatedAt),
		UpdatedAt:   formatTime(n.UpdatedAt),
	}
}

// RuleRequest creates or replaces an access rule.
type RuleRequest struct {
	Name      string  `json:"name"`
	Type      string  `json:"type"`
	Value     string  `json:"value"`
	PortRange string  `json:"port_range,omitempty"`
	Protocol  string  `json:"protocol,omitempty"`
	NetworkID *string `json:"network_id,omitempty"`
	IsActive  *bool   `json:"is_active,omitempty"`
}

// RuleResponse is one access rule.
type RuleResponse struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Type      string  `json:"type"`
	Value     string  `json:"value"`
	PortRange string  `json:"port_range,omitempty"`
	Protocol  string  `json:"protocol,omitempty"`
	NetworkID *string `json:"network_id,omitempty"`
	IsActive  bool    `json:"is_active"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

func ruleResponse(r *store.AccessRule) RuleResponse {
	return RuleResponse{
		ID:        r.ID,
		Name:      r.Name,
		Type:      string(r.Type),
		Value:     r.Value,
		PortRange: r.PortRange,
		Protocol:  string(r.Protocol),
		NetworkID: r.NetworkID,
		IsActive:  r.IsActive,
		CreatedAt: formatTime(r.CreatedAt),
		UpdatedAt: formatTime(r.UpdatedAt),
	}
}

// ProxyAppRequest creates or replaces a proxy application.
type ProxyAppRequest struct {
	Name               string `json:"name"`
	Slug               string `json:"slug"`
	InternalURL        string `json:"internal_url"`
	PreserveHostHeader bool   `json:"preserve_host_header"`
	StripPrefix        bool   `json:"strip_prefix"`
	WebsocketEnabled   bool   `json:"websocket_enabled"`
	TimeoutSeconds     int    `json:"timeout_seconds,omitempty"`
	IsActive           *bool  `json:"is_active,omitempty"`
}

// ProxyAppResponse is one proxy application.
type ProxyAppResponse struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Slug               string `json:"slug"`
	InternalURL        string `json:"internal_url"`
	PreserveHostHeader bool   `json:"preserve_host_header"`
	StripPrefix        bool   `json:"strip_prefix"`
	WebsocketEnabled   bool   `json:"websocket_enabled"`
	TimeoutSeconds     int    `json:"timeout_seconds"`
	IsActive           bool   `json:"is_active"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

func proxyAppResponse(a *store.ProxyApplication) ProxyAppResponse {
	return ProxyAppResponse{
		ID:                 a.ID,
		Name:               a.Name,
		Slug:               a.Slug,
		InternalURL:        a.InternalURL,
		PreserveHostHeader: a.PreserveHostHeader,
		StripPrefix:        a.StripPrefix,
		WebsocketEnabled:   a.WebsocketEnabled,
		TimeoutSeconds:     a.TimeoutSeconds,
		IsActive:           a.IsActive,
		CreatedAt:          formatTime(a.CreatedAt),
		UpdatedAt:          formatTime(a.UpdatedAt),
	}
}

// HubRequest creates or replaces a mesh hub.
type HubRequest struct {
	Name           string             `json:"name"`
	PublicEndpoint string             `json:"public_endpoint"`
	Tunnel         TunnelSettingsBody `json:"tunnel"`
	AgentKey       string             `json:"agent_pubkey,omitempty"`
	AgentURL       string             `json:"agent_url,omitempty"`
	IsActive       *bool              `json:"is_active,omitempty"`
}

// HubResponse is one mesh hub.
type HubResponse struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	PublicEndpoint string             `json:"public_endpoint"`
	Tunnel         TunnelSettingsBody `json:"tunnel"`
	AgentPubkeyFP  string             `json:"agent_fingerprint,omitempty"`
	AgentURL       string             `json:"agent_url,omitempty"`
	IsActive       bool               `json:"is_active"`
	Online         bool               `json:"online"`
	LastHeartbeat  *string            `json:"last_heartbeat,omitempty"`
	CreatedAt      string             `json:"created_at"`
	UpdatedAt      string             `json:"updated_at"`
}

// SpokeRequest creates or replaces a mesh spoke.
type SpokeRequest struct {
	HubID         string   `json:"hub_id"`
	Name          string   `json:"name"`
	LocalNetworks []string `json:"local_networks"`
	AgentKey      string   `json:"agent_pubkey,omitempty"`
	IsActive      *bool    `json:"is_active,omitempty"`
}

// SpokeResponse is one mesh spoke.
type SpokeResponse struct {
	ID            string   `json:"id"`
	HubID         string   `json:"hub_id"`
	Name          string   `json:"name"`
	LocalNetworks []string `json:"local_networks"`
	AgentPubkeyFP string   `json:"agent_fingerprint,omitempty"`
	IsActive      bool     `json:"is_active"`
	Online        bool     `json:"online"`
	LastHeartbeat *string  `json:"last_heartbeat,omitempty"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
}

// AssignmentRequest creates or removes one edge.
type AssignmentRequest struct {
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	ObjectType  string `json:"object_type"`
	ObjectID    string `json:"object_id"`
}

// AssignmentResponse is one edge.
type AssignmentResponse struct {
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	ObjectType  string `json:"object_type"`
	ObjectID    string `json:"object_id"`
	CreatedBy   string `json:"created_by,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func assignmentResponse(a store.Assignment) AssignmentResponse {
	return AssignmentResponse{
		SubjectType: string(a.SubjectType),
		SubjectID:   a.SubjectID,
		ObjectType:  string(a.ObjectType),
		ObjectID:    a.ObjectID,
		CreatedBy:   a.CreatedBy,
		CreatedAt:   formatTime(a.CreatedAt),
	}
}

// AccessCheckResponse answers GET /access/check.
type AccessCheckResponse struct {
	PrincipalID string `json:"principal_id"`
	Kind        string `json:"kind"`
	ID          string `json:"id"`
	Allowed     bool   `json:"allowed"`
}

// IssueConfigRequest asks for a config for a gateway or mesh hub.
type IssueConfigRequest struct {
	TargetKind string `json:"target_kind"`
	TargetID   string `json:"target_id"`
}

// ConfigResponse is a config record. The file itself is only available
// through the download handle.
type ConfigResponse struct {
	ID            string  `json:"id"`
	Kind          string  `json:"kind"`
	PrincipalID   string  `json:"principal_id"`
	TargetID      string  `json:"target_id"`
	FileName      string  `json:"file_name"`
	CertSerial    string  `json:"cert_serial"`
	CAFingerprint string  `json:"ca_fingerprint"`
	Status        string  `json:"status"`
	Downloaded    bool    `json:"downloaded"`
	CreatedAt     string  `json:"created_at"`
	ExpiresAt     string  `json:"expires_at"`
	RevokedAt     *string `json:"revoked_at,omitempty"`
	RevokeReason  string  `json:"revoke_reason,omitempty"`
}

func configResponse(c *store.VPNConfig, now time.Time) ConfigResponse {
	return ConfigResponse{
		ID:            c.ID,
		Kind:          string(c.Kind),
		PrincipalID:   c.PrincipalID,
		TargetID:      c.TargetID,
		FileName:      c.FileName,
		CertSerial:    c.CertSerial,
		CAFingerprint: c.CAFingerprint,
		Status:        string(c.Status(now)),
		Downloaded:    c.Downloaded,
		CreatedAt:     formatTime(c.CreatedAt),
		ExpiresAt:     formatTime(c.ExpiresAt),
		RevokedAt:     formatTimePtr(c.RevokedAt),
		RevokeReason:  c.RevokeReason,
	}
}

// IssuedConfigResponse is returned once when a config is issued.
type IssuedConfigResponse struct {
	Config      ConfigResponse `json:"config"`
	DownloadURL string         `json:"download_url"`
	Routes      []string       `json:"routes"`
}

// RevokeRequest carries the reason for a revocation.
type RevokeRequest struct {
	Reason string `json:"reason"`
}

// RevokeResponse reports a single revocation.
type RevokeResponse struct {
	CredentialID   string `json:"credential_id"`
	AlreadyRevoked bool   `json:"already_revoked"`
}

// APIKeyRequest creates an API key.
type APIKeyRequest struct {
	PrincipalID string   `json:"principal_id,omitempty"`
	Name        string   `json:"name"`
	Scopes      []string `json:"scopes"`
	ExpiresAt   *string  `json:"expires_at,omitempty"`
}

// APIKeyResponse is a key record without its secret.
type APIKeyResponse struct {
	ID               string   `json:"id"`
	PrincipalID      string   `json:"principal_id"`
	Name             string   `json:"name"`
	KeyPrefix        string   `json:"key_prefix"`
	Scopes           []string `json:"scopes"`
	AdminProvisioned bool     `json:"admin_provisioned"`
	CreatedBy        string   `json:"created_by"`
	CreatedAt        string   `json:"created_at"`
	LastUsedAt       *string  `json:"last_used_at,omitempty"`
	ExpiresAt        *string  `json:"expires_at,omitempty"`
	IsRevoked        bool     `json:"is_revoked"`
	RevokedAt        *string  `json:"revoked_at,omitempty"`
}

func apiKeyResponse(k *store.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:               k.ID,
		PrincipalID:      k.PrincipalID,
		Name:             k.Name,
		KeyPrefix:        k.KeyPrefix,
		Scopes:           k.Scopes,
		AdminProvisioned: k.AdminProvisioned,
		CreatedBy:        k.CreatedBy,
		CreatedAt:        formatTime(k.CreatedAt),
		LastUsedAt:       formatTimePtr(k.LastUsedAt),
		ExpiresAt:        formatTimePtr(k.ExpiresAt),
		IsRevoked:        k.IsRevoked,
		RevokedAt:        formatTimePtr(k.RevokedAt),
	}
}

// IssuedAPIKeyResponse includes the secret, shown once.
type IssuedAPIKeyResponse struct {
	APIKeyResponse
	Secret string `json:"secret"`
}

// DeleteCountResponse reports how many records a bulk delete removed.
type DeleteCountResponse struct {
	Deleted int64 `json:"deleted"`
}

// CAResponse describes one CA generation. The private key is never
// returned.
type CAResponse struct {
	ID          string  `json:"id"`
	Subject     string  `json:"subject"`
	Serial      string  `json:"serial"`
	Fingerprint string  `json:"fingerprint"`
	NotBefore   string  `json:"not_before"`
	NotAfter    string  `json:"not_after"`
	Status      string  `json:"status"`
	Source      string  `json:"source"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at"`
	RotatedAt   *string `json:"rotated_at,omitempty"`
	CertPEM     string  `json:"certificate_pem,omitempty"`
}

func caResponse(c *store.CertificateAuthority, withPEM bool) CAResponse {
	resp := CAResponse{
		ID:          c.ID,
		Subject:     c.Subject,
		Serial:      c.Serial,
		Fingerprint: c.Fingerprint,
		NotBefore:   formatTime(c.NotBefore),
		NotAfter:    formatTime(c.NotAfter),
		Status:      string(c.Status),
		Source:      string(c.Source),
		CreatedBy:   c.CreatedBy,
		CreatedAt:   formatTime(c.CreatedAt),
		RotatedAt:   formatTimePtr(c.RotatedAt),
	}
	if withPEM {
		resp.CertPEM = c.CertPEM
	}
	return resp
}

// ImportCARequest carries a PEM certificate and private key.
type ImportCARequest struct {
	CertificatePEM string `json:"certificate_pem"`
	PrivateKeyPEM  string `json:"private_key_pem"`
}

// AuditEntryResponse is one audit log entry.
type AuditEntryResponse struct {
	ID         string         `json:"id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Timestamp  string         `json:"timestamp"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// RevocationResponse is one ledger record.
type RevocationResponse struct {
	CredentialID string `json:"credential_id"`
	Kind         string `json:"kind"`
	PrincipalID  string `json:"principal_id"`
	Serial       string `json:"serial,omitempty"`
	Reason       string `json:"reason"`
	RevokedBy    string `json:"revoked_by"`
	RevokedAt    string `json:"revoked_at"`
}

// SyncResponse is what an agent pulls to reconcile its local state.
type SyncResponse struct {
	Kind           string              `json:"kind"`
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	IsActive       bool                `json:"is_active"`
	Tunnel         *TunnelSettingsBody `json:"tunnel,omitempty"`
	TLSAuthKey     string              `json:"tls_auth_key,omitempty"`
	CAFingerprint  string              `json:"ca_fingerprint"`
	CACertPEM      string              `json:"ca_certificate_pem"`
	RevokedSerials []string            `json:"revoked_serials"`
	GeneratedAt    string              `json:"generated_at"`
}
