package gate

import (
	"testing"

	"github.com/openclaw/kernel/pkg/policy"
	"github.com/openclaw/kernel/pkg/proposal"
	"github.com/stretchr/testify/require"
)

func TestEvaluateAllowedRead(t *testing.T) {
	g := New(nil)
	pol := &policy.Document{
		Mode:                policy.ModeAllowlist,
		AllowTools:          []string{"read"},
		GrantedCapabilities: []string{"fs:read:workspace"},
		ToolRules: map[string]policy.ToolRule{
			"read": {CapabilitiesRequired: []string{"fs:read:workspace"}},
		},
	}
	p := proposal.New("read", map[string]any{"path": "README.md"}, "agent", "session-1", "", 1)

	d := g.Evaluate(pol, p, true)

	require.Equal(t, VerdictAllow, d.Verdict)
	require.Equal(t, []string{"fs:read:workspace"}, d.CapsGranted)
	require.True(t, d.HasStamp())
}

func TestEvaluateExecDeniedForUnknownBinary(t *testing.T) {
	g := New(nil)
	pol := &policy.Document{
		Mode:                policy.ModeAllowAll,
		ExecSafeBins:        []string{"git", "rg"},
		GrantedCapabilities: []string{"proc:spawn:git", "proc:spawn:rg"},
	}
	p := proposal.New("exec", map[string]any{"command": "python -V"}, "agent", "session-1", "", 1)

	d := g.Evaluate(pol, p, true)

	require.Equal(t, VerdictDeny, d.Verdict)
	require.Contains(t, d.Reasons, "policy:exec_bin_not_allowlisted:python")
}

func TestEvaluateHostOverrideAttempt(t *testing.T) {
	g := New(nil)
	pol := &policy.Document{Mode: policy.ModeAllowAll, ExecSafeBins: []string{"ls"}}
	p := proposal.New("exec", map[string]any{"command": "ls", "host": "gateway", "elevated": true}, "agent", "session-1", "", 1)

	d := g.Evaluate(pol, p, true)

	require.Equal(t, VerdictDeny, d.Verdict)
	require.Contains(t, d.Reasons, "policy:exec_host_forbidden:gateway")
	require.Contains(t, d.Reasons, "policy:exec_elevated_forbidden")
}

func TestEvaluateFetchDeniedWhenAllowlistEmpty(t *testing.T) {
	g := New(nil)
	pol := &policy.Document{Mode: policy.ModeAllowAll, EnforceFetchDomainAllowlist: true}
	p := proposal.New("web_fetch", map[string]any{"url": "https://docs.example.com/x"}, "agent", "session-1", "", 1)

	d := g.Evaluate(pol, p, true)

	require.Equal(t, VerdictDeny, d.Verdict)
	require.Contains(t, d.Reasons, "policy:net_domain_allowlist_empty")
}

func TestEvaluateFetchAllowedAfterDomainAddition(t *testing.T) {
	g := New(nil)
	pol := &policy.Document{
		Mode:                        policy.ModeAllowAll,
		EnforceFetchDomainAllowlist: true,
		FetchAllowedDomains:         []string{"docs.example.com"},
		GrantedCapabilities:         []string{"net:outbound", "net:outbound:*"},
	}
	p := proposal.New("web_fetch", map[string]any{"url": "https://docs.example.com/x"}, "agent", "session-1", "", 1)

	d := g.Evaluate(pol, p, true)

	require.Equal(t, VerdictAllow, d.Verdict)
	require.Contains(t, d.CapsGranted, "net:outbound:docs.example.com")
}

func TestEvaluateFetchAllowedViaWildcardDomainEntry(t *testing.T) {
	g := New(nil)
	pol := &policy.Document{
		Mode:                        policy.ModeAllowAll,
		EnforceFetchDomainAllowlist: true,
		FetchAllowedDomains:         []string{"*.example.com"},
		GrantedCapabilities:         []string{"net:outbound", "net:outbound:*"},
	}
	p := proposal.New("web_fetch", map[string]any{"url": "https://docs.example.com/x"}, "agent", "session-1", "", 1)

	d := g.Evaluate(pol, p, true)

	require.Equal(t, VerdictAllow, d.Verdict)
}

func TestEvaluateFetchDeniedOutsideWildcardDomain(t *testing.T) {
	g := New(nil)
	pol := &policy.Document{
		Mode:                        policy.ModeAllowAll,
		EnforceFetchDomainAllowlist: true,
		FetchAllowedDomains:         []string{"*.example.com"},
		GrantedCapabilities:         []string{"net:outbound", "net:outbound:*"},
	}
	p := proposal.New("web_fetch", map[string]any{"url": "https://evil.com/x"}, "agent", "session-1", "", 1)

	d := g.Evaluate(pol, p, true)

	require.Equal(t, VerdictDeny, d.Verdict)
}

func TestEvaluateToolDenied(t *testing.T) {
	g := New(nil)
	pol := &policy.Document{Mode: policy.ModeAllowAll, DenyTools: []string{"exec"}}
	p := proposal.New("exec", map[string]any{"command": "ls"}, "agent", "session-1", "", 1)

	d := g.Evaluate(pol, p, true)

	require.Equal(t, VerdictDeny, d.Verdict)
	require.Equal(t, []string{"policy:tool_denied"}, d.Reasons)
}

func TestEvaluateArgsTooLarge(t *testing.T) {
	g := New(nil)
	pol := &policy.Document{Mode: policy.ModeAllowAll, MaxArgsBytes: 10}
	p := proposal.New("read", map[string]any{"path": "a-fairly-long-path/that/exceeds/ten/bytes.txt"}, "agent", "session-1", "", 1)

	d := g.Evaluate(pol, p, true)

	require.Equal(t, VerdictDeny, d.Verdict)
	require.Equal(t, []string{"policy:args_too_large"}, d.Reasons)
}

func TestEvaluateRequireSandboxReroute(t *testing.T) {
	g := New(nil)
	pol := &policy.Document{
		Mode: policy.ModeAllowAll,
		ToolRules: map[string]policy.ToolRule{
			"read": {RequireSandbox: true},
		},
	}
	p := proposal.New("read", map[string]any{"path": "README.md"}, "agent", "session-1", "", 1)

	d := g.Evaluate(pol, p, false)

	require.Equal(t, VerdictRequireSandboxOnly, d.Verdict)
}

func TestEvaluateMissingCapabilityDenies(t *testing.T) {
	g := New(nil)
	pol := &policy.Document{
		Mode: policy.ModeAllowAll,
		ToolRules: map[string]policy.ToolRule{
			"read": {CapabilitiesRequired: []string{"fs:read:workspace"}},
		},
	}
	p := proposal.New("read", map[string]any{"path": "README.md"}, "agent", "session-1", "", 1)

	d := g.Evaluate(pol, p, true)

	require.Equal(t, VerdictDeny, d.Verdict)
	require.Equal(t, []string{"capability_missing:fs:read:workspace"}, d.Reasons)
}

type stubFeedback struct{ risk policy.Risk }

func (s stubFeedback) AdjustedRisk(toolName string, base policy.Risk) policy.Risk { return s.risk }

func TestEvaluateAdaptiveRiskFromFeedback(t *testing.T) {
	g := New(stubFeedback{risk: policy.RiskHigh})
	pol := &policy.Document{Mode: policy.ModeAllowAll}
	p := proposal.New("read", map[string]any{"path": "README.md"}, "agent", "session-1", "", 1)

	d := g.Evaluate(pol, p, true)

	require.Equal(t, policy.RiskHigh, d.Risk)
}

func TestDecisionWithoutStampNotRecognized(t *testing.T) {
	var zero *Decision
	require.False(t, zero.HasStamp())
	require.False(t, (&Decision{}).HasStamp())
}
