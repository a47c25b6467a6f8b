package sandbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLeadingTokenSkipsEnvAssignments(t *testing.T) {
	require.Equal(t, "git", LeadingToken("FOO=bar BAZ=qux git status"))
}

func TestLeadingTokenStripsPathPrefix(t *testing.T) {
	require.Equal(t, "python", LeadingToken("/usr/bin/python -V"))
}

func TestLeadingTokenEmpty(t *testing.T) {
	require.Equal(t, "", LeadingToken("   "))
}

func TestContainsCommandSubstitution(t *testing.T) {
	require.True(t, ContainsCommandSubstitution("echo $(whoami)"))
	require.True(t, ContainsCommandSubstitution("echo `whoami`"))
	require.False(t, ContainsCommandSubstitution("echo hello"))
}

func TestInvokesShellDashC(t *testing.T) {
	require.True(t, InvokesShellDashC("bash -c 'rm -rf /'"))
	require.False(t, InvokesShellDashC("git status"))
}

func TestContainsShellMetacharacters(t *testing.T) {
	require.True(t, ContainsShellMetacharacters("ls; rm -rf /"))
	require.False(t, ContainsShellMetacharacters("ls -la"))
}
