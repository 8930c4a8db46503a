// ABOUTME: Pass/fail evaluation of a requested destination against reachable rules
// ABOUTME: Hostname and wildcard rules never route, they only allow or deny

package access

import (
	"net/netip"
	"strings"

	"github.com/2389/tunnelward/internal/identity"
	"github.com/2389/tunnelward/internal/store"
)

// Destination is a connection a client is trying to open through a gateway.
type Destination struct {
	Host     string             `json:"host"`
	Port     int                `json:"port,omitempty"`
	Protocol store.RuleProtocol `json:"protocol,omitempty"`
}

// AllowsDestination reports whether any active rule that applies to p on
// the gateway matches dst. There is no implicit allow.
func (s *Snapshot) AllowsDestination(p *identity.Principal, gwID string, dst Destination) bool {
	if !s.CanAccess(p, Target{Kind: TargetGateway, ID: gwID}) {
		return false
	}
	host := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(dst.Host), "."))
	if host == "" {
		return false
	}
	addr, addrErr := netip.ParseAddr(host)
	isIP := addrErr == nil

	for _, r := range s.gatewayRules(p, gwID) {
		if !protocolMatches(r.Protocol, dst.Protocol) || !portMatches(r.PortRange, dst.Port) {
			continue
		}
		switch r.Type {
		case store.RuleTypeIP:
			if want, err := netip.ParseAddr(r.Value); err == nil && isIP && want == addr {
				return true
			}
		case store.RuleTypeCIDR:
			if pfx, err := netip.ParsePrefix(r.Value); err == nil && isIP && pfx.Contains(addr) {
				return true
			}
		case store.RuleTypeHostname:
			if !isIP && strings.EqualFold(r.Value, host) {
				return true
			}
		case store.RuleTypeWildcard:
			if !isIP && wildcardMatches(r.Value, host) {
				return true
			}
		}
	}
	return false
}

// wildcardMatches matches "*.corp.io" against one or more leading labels:
// "a.corp.io" and "a.b.corp.io" match, "corp.io" does not.
func wildcardMatches(pattern, host string) bool {
	suffix, ok := strings.CutPrefix(strings.ToLower(pattern), "*")
	if !ok {
		return false
	}
	labels, ok := strings.CutSuffix(host, suffix)
	if !ok || labels == "" {
		return false
	}
	for _, l := range strings.Split(labels, ".") {
		if l == "" {
			return false
		}
	}
	return true
}

func protocolMatches(rule, requested store.RuleProtocol) bool {
	if rule == "" || rule == store.RuleProtocolAny || requested == "" || requested == store.RuleProtocolAny {
		return true
	}
	return rule == requested
}

func portMatches(portRange string, port int) bool {
	if port <= 0 || portRange == "" {
		return true
	}
	lo, hi, err := store.ParsePortRange(portRange)
	if err != nil {
		return false
	}
	return port >= lo && port <= hi
}
