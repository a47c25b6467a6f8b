package rpcfront

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPolicyRegistryResolvesKnownCommands(t *testing.T) {
	reg := NewPolicyRegistry(nil)

	pol := reg.Resolve("system.run")
	require.True(t, pol.Dangerous)
	require.True(t, pol.RequireApprovalToken)
	require.True(t, pol.RequireSafeExposure)
	require.Equal(t, "RFSN_ALLOW_NODE_EXEC", pol.BreakGlassEnv)

	pol = reg.Resolve("fs.read")
	require.False(t, pol.Dangerous)
	require.True(t, pol.RequireSessionKey)
}

func TestPolicyRegistryUnknownCommandFallback(t *testing.T) {
	reg := NewPolicyRegistry(nil)

	pol := reg.Resolve("some.custom.command")
	require.False(t, pol.Dangerous)
	require.True(t, pol.RequireSessionKey)
	require.Equal(t, "node:some.custom.command", pol.Capability)
}

func TestPolicyRegistryExtraOverridesDefault(t *testing.T) {
	reg := NewPolicyRegistry(map[string]CommandPolicy{
		"fs.read": {Capability: "node:fs_read", Dangerous: true},
	})

	pol := reg.Resolve("fs.read")
	require.True(t, pol.Dangerous)
}
