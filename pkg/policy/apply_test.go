package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyNarrowsAllowTools(t *testing.T) {
	base := &Document{AllowTools: []string{"read", "write", "exec"}}
	narrower := []string{"read", "write"}
	out := Apply(base, Constraints{AllowTools: &narrower})
	require.ElementsMatch(t, []string{"read", "write"}, out.AllowTools)
}

func TestApplyNeverWidensAllowTools(t *testing.T) {
	base := &Document{AllowTools: []string{"read"}}
	wider := []string{"read", "write", "exec"}
	out := Apply(base, Constraints{AllowTools: &wider})
	require.ElementsMatch(t, []string{"read"}, out.AllowTools)
}

func TestApplyUnionsDenyTools(t *testing.T) {
	base := &Document{DenyTools: []string{"exec"}}
	out := Apply(base, Constraints{DenyTools: []string{"browser"}})
	require.ElementsMatch(t, []string{"exec", "browser"}, out.DenyTools)
}

func TestApplyMaxArgsBytesTakesMinimum(t *testing.T) {
	base := &Document{MaxArgsBytes: 65536}
	smaller := 1024
	out := Apply(base, Constraints{MaxArgsBytes: &smaller})
	require.Equal(t, 1024, out.MaxArgsBytes)

	larger := 200000
	out2 := Apply(base, Constraints{MaxArgsBytes: &larger})
	require.Equal(t, 65536, out2.MaxArgsBytes)
}

func TestApplyPermissiveBooleanRequiresBoth(t *testing.T) {
	base := &Document{FetchAllowSubdomains: true}
	falseVal := false
	out := Apply(base, Constraints{FetchAllowSubdomains: &falseVal})
	require.False(t, out.FetchAllowSubdomains)

	base2 := &Document{FetchAllowSubdomains: false}
	trueVal := true
	out2 := Apply(base2, Constraints{FetchAllowSubdomains: &trueVal})
	require.False(t, out2.FetchAllowSubdomains)
}

func TestApplyRestrictiveBooleanEitherTrue(t *testing.T) {
	base := &Document{EnforceFetchDomainAllowlist: false}
	trueVal := true
	out := Apply(base, Constraints{EnforceFetchDomainAllowlist: &trueVal})
	require.True(t, out.EnforceFetchDomainAllowlist)
}

func TestApplyRiskEscalatesToStricter(t *testing.T) {
	require.Equal(t, RiskHigh, ApplyRisk(RiskLow, RiskHigh))
	require.Equal(t, RiskMedium, ApplyRisk(RiskMedium, RiskLow))
	require.Equal(t, RiskLow, ApplyRisk(RiskLow, ""))
}

func TestApplyDoesNotMutateBase(t *testing.T) {
	base := &Document{AllowTools: []string{"read", "write"}}
	narrower := []string{"read"}
	_ = Apply(base, Constraints{AllowTools: &narrower})
	require.ElementsMatch(t, []string{"read", "write"}, base.AllowTools)
}
