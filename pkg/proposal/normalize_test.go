package proposal

import (
	"testing"

	"github.com/openclaw/kernel/pkg/policy"
	"github.com/stretchr/testify/require"
)

func TestNormalizeExecUnknownField(t *testing.T) {
	pol := &policy.Document{ExecSafeBins: []string{"git"}}
	res := Normalize("exec", map[string]any{"command": "git status", "bogus": 1}, pol, true)
	require.Contains(t, res.Reasons, "invalid:args:unknown_field:bogus")
}

func TestNormalizeExecBinNotAllowlisted(t *testing.T) {
	pol := &policy.Document{ExecSafeBins: []string{"git", "rg"}}
	res := Normalize("exec", map[string]any{"command": "python -V"}, pol, true)
	require.Contains(t, res.Reasons, "policy:exec_bin_not_allowlisted:python")
}

func TestNormalizeExecHostAndElevatedForbidden(t *testing.T) {
	pol := &policy.Document{ExecSafeBins: []string{"ls"}}
	res := Normalize("exec", map[string]any{"command": "ls", "host": "gateway", "elevated": true}, pol, true)
	require.Contains(t, res.Reasons, "policy:exec_host_forbidden:gateway")
	require.Contains(t, res.Reasons, "policy:exec_elevated_forbidden")
}

func TestNormalizeExecCommandSubstitutionBlocked(t *testing.T) {
	pol := &policy.Document{ExecSafeBins: []string{"echo"}, BlockExecCommandSubstitution: true}
	res := Normalize("exec", map[string]any{"command": "echo $(whoami)"}, pol, true)
	require.Contains(t, res.Reasons, "policy:exec_command_substitution_forbidden")
}

func TestNormalizeExecAllowedGrantsCapability(t *testing.T) {
	pol := &policy.Document{ExecSafeBins: []string{"git"}}
	res := Normalize("exec", map[string]any{"command": "git status"}, pol, true)
	require.Empty(t, res.Reasons)
	require.Contains(t, res.DynamicCapabilities, "proc:spawn:git")
	require.Equal(t, "sandbox", res.Args["host"])
}

func TestNormalizeWebFetchDerivesHostnameCapability(t *testing.T) {
	pol := &policy.Document{}
	res := Normalize("web_fetch", map[string]any{"url": "https://docs.example.com/x"}, pol, true)
	require.Empty(t, res.Reasons)
	require.Equal(t, "docs.example.com", res.Hostname())
	require.Contains(t, res.DynamicCapabilities, "net:outbound:docs.example.com")
}

func TestNormalizeWebFetchRejectsBadScheme(t *testing.T) {
	pol := &policy.Document{}
	res := Normalize("web_fetch", map[string]any{"url": "ftp://example.com"}, pol, true)
	require.Contains(t, res.Reasons, "invalid:args:shape:url_scheme")
}

func TestNormalizeBrowserChromeEvalForbidden(t *testing.T) {
	pol := &policy.Document{}
	args := map[string]any{
		"action":  "act",
		"profile": "chrome",
		"request": map[string]any{"kind": "evaluate", "function": "return 1"},
	}
	res := Normalize("browser", args, pol, true)
	require.Contains(t, res.Reasons, "policy:browser_unsafe_eval_chrome_forbidden")
}

func TestNormalizeBrowserEvalDemandsCapability(t *testing.T) {
	pol := &policy.Document{}
	args := map[string]any{
		"action":  "act",
		"profile": "firefox",
		"request": map[string]any{"kind": "evaluate", "function": "return 1"},
	}
	res := Normalize("browser", args, pol, true)
	require.Empty(t, res.Reasons)
	require.Contains(t, res.DynamicCapabilities, "browser:unsafe_eval")
}

func TestNormalizeBrowserUndocumentedKindWithFunctionBodyStillDemandsCapability(t *testing.T) {
	pol := &policy.Document{}
	args := map[string]any{
		"action":  "act",
		"profile": "firefox",
		"request": map[string]any{"kind": "inject_script", "function": "return 1"},
	}
	res := Normalize("browser", args, pol, true)
	require.Empty(t, res.Reasons)
	require.Contains(t, res.DynamicCapabilities, "browser:unsafe_eval")
}

func TestNormalizePassThroughOtherTools(t *testing.T) {
	pol := &policy.Document{}
	args := map[string]any{"path": "README.md"}
	res := Normalize("read", args, pol, true)
	require.Empty(t, res.Reasons)
	require.Equal(t, args, res.Args)
}
