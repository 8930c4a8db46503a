// ABOUTME: Tests for API key scope parsing and matching
// ABOUTME: Write implies read; unknown actions and resources are rejected

package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tunnelward/internal/apperr"
)

func TestNormalizeScopes(t *testing.T) {
	got, err := NormalizeScopes([]string{" write:gateways", "read:audit", "write:gateways"})
	require.NoError(t, err)
	assert.Equal(t, []string{"read:audit", "write:gateways"}, got)

	got, err = NormalizeScopes([]string{"*"})
	require.NoError(t, err)
	assert.Equal(t, []string{"*"}, got)

	for _, bad := range [][]string{nil, {"gateways"}, {"delete:gateways"}, {"read:everything"}, {""}} {
		_, err := NormalizeScopes(bad)
		assert.True(t, apperr.IsKind(err, apperr.KindValidation), "%v", bad)
	}
}

func TestScopesAllow(t *testing.T) {
	tests := []struct {
		scopes   []string
		action   Action
		resource string
		want     bool
	}{
		{[]string{"read:gateways"}, ActionRead, ResourceGateways, true},
		{[]string{"read:gateways"}, ActionWrite, ResourceGateways, false},
		{[]string{"write:gateways"}, ActionRead, ResourceGateways, true},
		{[]string{"write:gateways"}, ActionWrite, ResourceNetworks, false},
		{[]string{"*"}, ActionWrite, ResourceCA, true},
		{nil, ActionRead, ResourceAudit, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ScopesAllow(tt.scopes, tt.action, tt.resource), "%v %s:%s", tt.scopes, tt.action, tt.resource)
	}
}
