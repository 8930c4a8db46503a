// ABOUTME: OpenVPN client profile rendering and per-profile key generation
// ABOUTME: Crypto profiles pick the key algorithm and the cipher directives

package issuer

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"text/template"

	"github.com/2389/tunnelward/internal/apperr"
	"github.com/2389/tunnelward/internal/store"
)

// generateKey creates the client key pair for a crypto profile.
func generateKey(profile store.CryptoProfile) (crypto.Signer, error) {
	switch profile {
	case store.CryptoModern:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case store.CryptoFIPS:
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case store.CryptoCompatible:
		return rsa.GenerateKey(rand.Reader, 2048)
	default:
		return nil, apperr.Newf(apperr.KindValidation, "unknown crypto profile %q", profile)
	}
}

func marshalKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling client key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

type cipherSuite struct {
	DataCiphers string
	Fallback    string
	Auth        string
	TLSCipher   string
	TLSMin      string
}

var cipherSuites = map[store.CryptoProfile]cipherSuite{
	store.CryptoModern: {
		DataCiphers: "AES-256-GCM:CHACHA20-POLY1305",
		Auth:        "SHA256",
		TLSMin:      "1.2",
	},
	store.CryptoFIPS: {
		DataCiphers: "AES-256-GCM",
		Auth:        "SHA384",
		TLSCipher:   "TLS-ECDHE-ECDSA-WITH-AES-256-GCM-SHA384",
		TLSMin:      "1.2",
	},
	store.CryptoCompatible: {
		DataCiphers: "AES-256-GCM:AES-128-GCM:AES-256-CBC",
		Fallback:    "AES-256-CBC",
		Auth:        "SHA256",
	},
}

type routeLine struct {
	IPv6    bool
	Network string
	Mask    string
	Prefix  string
}

func routeLines(prefixes []netip.Prefix) []routeLine {
	out := make([]routeLine, 0, len(prefixes))
	for _, p := range prefixes {
		if p.Addr().Is6() {
			out = append(out, routeLine{IPv6: true, Prefix: p.String()})
			continue
		}
		mask := net.CIDRMask(p.Bits(), 32)
		out = append(out, routeLine{
			Network: p.Addr().String(),
			Mask:    net.IP(mask).String(),
		})
	}
	return out
}

type profileData struct {
	Name       string
	Remote     string
	Port       int
	Proto      store.Transport
	Suite      cipherSuite
	FullTunnel bool
	Routes     []routeLine
	PushDNS    bool
	DNSServers []string
	CACert     string
	ClientCert string
	ClientKey  string
	TLSAuthKey string
}

var profileTemplate = template.Must(template.New("ovpn").Parse(`# {{.Name}}
client
dev tun
proto {{.Proto}}
remote {{.Remote}} {{.Port}}
resolv-retry infinite
nobind
persist-key
persist-tun
remote-cert-tls server
data-ciphers {{.Suite.DataCiphers}}
{{- if .Suite.Fallback}}
data-ciphers-fallback {{.Suite.Fallback}}
{{- end}}
auth {{.Suite.Auth}}
{{- if .Suite.TLSMin}}
tls-version-min {{.Suite.TLSMin}}
{{- end}}
{{- if .Suite.TLSCipher}}
tls-cipher {{.Suite.TLSCipher}}
{{- end}}
verb 3
{{- if .FullTunnel}}
redirect-gateway def1
{{- else}}
route-nopull
{{- range .Routes}}
{{- if .IPv6}}
route-ipv6 {{.Prefix}}
{{- else}}
route {{.Network}} {{.Mask}}
{{- end}}
{{- end}}
{{- end}}
{{- if .PushDNS}}
{{- range .DNSServers}}
dhcp-option DNS {{.}}
{{- end}}
{{- end}}
<ca>
{{.CACert}}</ca>
<cert>
{{.ClientCert}}</cert>
<key>
{{.ClientKey}}</key>
{{- if .TLSAuthKey}}
key-direction 1
<tls-auth>
{{.TLSAuthKey}}</tls-auth>
{{- end}}
`))

func renderProfile(d profileData) ([]byte, error) {
	var buf bytes.Buffer
	if err := profileTemplate.Execute(&buf, d); err != nil {
		return nil, fmt.Errorf("rendering client profile: %w", err)
	}
	return buf.Bytes(), nil
}

// splitEndpoint breaks a hub's host:port endpoint apart, falling back to the
// tunnel port when the endpoint has none.
func splitEndpoint(endpoint string, fallbackPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint, fallbackPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, fallbackPort
	}
	return host, port
}
