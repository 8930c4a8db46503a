// ABOUTME: API key scope grammar: "*" or "read:<resource>" / "write:<resource>"
// ABOUTME: Scopes narrow what a key may do below its owner's own permissions

package auth

import (
	"slices"
	"strings"

	"github.com/2389/tunnelward/internal/apperr"
)

// Action is the verb half of a scope.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// ScopeAll grants every action on every resource the owner can reach.
const ScopeAll = "*"

// Resources that scopes may name.
const (
	ResourceAccess      = "access"
	ResourceAPIKeys     = "api-keys"
	ResourceAssignments = "assignments"
	ResourceAudit       = "audit"
	ResourceCA          = "ca"
	ResourceConfigs     = "configs"
	ResourceGateways    = "gateways"
	ResourceGroups      = "groups"
	ResourceMesh        = "mesh"
	ResourceNetworks    = "networks"
	ResourcePrincipals  = "principals"
	ResourceProxyApps   = "proxy-apps"
	ResourceRules       = "rules"
)

var knownResources = []string{
	ResourceAccess, ResourceAPIKeys, ResourceAssignments, ResourceAudit, ResourceCA, ResourceConfigs,
	ResourceGateways, ResourceGroups, ResourceMesh, ResourceNetworks, ResourcePrincipals,
	ResourceProxyApps, ResourceRules,
}

// NormalizeScopes validates scopes and returns them trimmed, sorted and
// deduplicated. An empty list is rejected.
func NormalizeScopes(scopes []string) ([]string, error) {
	if len(scopes) == 0 {
		return nil, apperr.New(apperr.KindValidation, "at least one scope is required")
	}
	out := make([]string, 0, len(scopes))
	for _, raw := range scopes {
		s := strings.TrimSpace(raw)
		if s == ScopeAll {
			out = append(out, s)
			continue
		}
		action, resource, ok := strings.Cut(s, ":")
		if !ok {
			return nil, apperr.Newf(apperr.KindValidation, "scope %q must be %q or action:resource", raw, ScopeAll)
		}
		if Action(action) != ActionRead && Action(action) != ActionWrite {
			return nil, apperr.Newf(apperr.KindValidation, "scope %q: action must be read or write", raw)
		}
		if !slices.Contains(knownResources, resource) {
			return nil, apperr.Newf(apperr.KindValidation, "scope %q: unknown resource %q", raw, resource)
		}
		out = append(out, s)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// ScopesAllow reports whether scopes permit action on resource. A write
// scope also permits reads of the same resource.
func ScopesAllow(scopes []string, action Action, resource string) bool {
	for _, s := range scopes {
		if s == ScopeAll {
			return true
		}
		a, r, ok := strings.Cut(s, ":")
		if !ok || r != resource {
			continue
		}
		if Action(a) == action || Action(a) == ActionWrite {
			return true
		}
	}
	return false
}
