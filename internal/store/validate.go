// ABOUTME: Write-time validation for stored entities
// ABOUTME: Malformed CIDRs, slugs, profiles and rule values are rejected before persistence

package store

import (
	"net"
	"net/netip"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/2389/tunnelward/internal/apperr"
)

var (
	slugPattern      = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	groupNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)
	hostnameLabel    = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
)

func invalidf(format string, args ...any) error {
	return apperr.Newf(apperr.KindValidation, format, args...)
}

// ValidateCIDR checks that s parses as a network prefix in canonical form.
func ValidateCIDR(field, s string) error {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return invalidf("%s: invalid CIDR %q", field, s)
	}
	if p.Masked() != p {
		return invalidf("%s: %q has host bits set (did you mean %s?)", field, s, p.Masked())
	}
	return nil
}

// ValidateGroupName checks a group name against the allowed character set.
func ValidateGroupName(name string) error {
	if !groupNamePattern.MatchString(name) {
		return invalidf("group name %q must be lowercase alphanumerics, dots, dashes or underscores", name)
	}
	return nil
}

func validateName(field, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return invalidf("%s is required", field)
	}
	if len(name) > 100 {
		return invalidf("%s exceeds maximum length of 100 characters", field)
	}
	return nil
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return invalidf("%s must be between 1 and 65535, got %d", field, port)
	}
	return nil
}

func validateTransport(p Transport) error {
	switch p {
	case TransportUDP, TransportTCP:
		return nil
	default:
		return invalidf("protocol must be udp or tcp, got %q", p)
	}
}

func validateDNSServers(servers []string) error {
	for _, s := range servers {
		if _, err := netip.ParseAddr(s); err != nil {
			return invalidf("dns server %q is not an IP address", s)
		}
	}
	return nil
}

// ValidateHostname checks an RFC 1123 host name, case-insensitively.
func ValidateHostname(host string) error {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" || len(host) > 253 {
		return invalidf("invalid hostname %q", host)
	}
	for _, label := range strings.Split(host, ".") {
		if !hostnameLabel.MatchString(label) {
			return invalidf("invalid hostname %q", host)
		}
	}
	return nil
}

// ParsePortRange parses "N" or "N-M". An empty string means all ports.
func ParsePortRange(s string) (lo, hi int, err error) {
	if s == "" {
		return 1, 65535, nil
	}
	first, second, isRange := strings.Cut(s, "-")
	lo, err = strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0, 0, invalidf("invalid port range %q", s)
	}
	hi = lo
	if isRange {
		hi, err = strconv.Atoi(strings.TrimSpace(second))
		if err != nil {
			return 0, 0, invalidf("invalid port range %q", s)
		}
	}
	if lo < 1 || hi > 65535 || lo > hi {
		return 0, 0, invalidf("invalid port range %q", s)
	}
	return lo, hi, nil
}

// ValidateRuleValue checks that value is well-formed for the rule type.
func ValidateRuleValue(t RuleType, value string) error {
	switch t {
	case RuleTypeIP:
		if _, err := netip.ParseAddr(value); err != nil {
			return invalidf("rule value %q is not an IP address", value)
		}
	case RuleTypeCIDR:
		return ValidateCIDR("rule value", value)
	case RuleTypeHostname:
		return ValidateHostname(value)
	case RuleTypeWildcard:
		rest, ok := strings.CutPrefix(value, "*.")
		if !ok {
			return invalidf("wildcard rule %q must start with \"*.\"", value)
		}
		if err := ValidateHostname(rest); err != nil {
			return invalidf("wildcard rule %q has an invalid suffix", value)
		}
	default:
		return invalidf("rule type must be ip, cidr, hostname or wildcard, got %q", t)
	}
	return nil
}

func validateRuleProtocol(p RuleProtocol) error {
	switch p {
	case "", RuleProtocolAny, RuleProtocolTCP, RuleProtocolUDP, RuleProtocolICMP:
		return nil
	default:
		return invalidf("rule protocol must be tcp, udp, icmp or any, got %q", p)
	}
}

func validateEndpoint(endpoint string) error {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil || host == "" {
		return invalidf("public endpoint %q must be host:port", endpoint)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return invalidf("public endpoint %q has an invalid port", endpoint)
	}
	return validatePort("public endpoint port", n)
}

func validateInternalURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return invalidf("internal url %q must be an absolute http or https URL", raw)
	}
	return nil
}

func validateAgentURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return invalidf("agent url %q must be an absolute http or https URL", raw)
	}
	return nil
}
