package policy

// Constraints is a caller-supplied narrowing overlay: environment knobs or
// per-call hints that may only restrict the active policy further. Apply
// implements spec §4.1's strict-intersection rule and is the single place
// that enforces policy monotonicity (P2): the result never grants more than
// either input allowed.
type Constraints struct {
	Mode *Mode

	AllowTools *[]string
	DenyTools  []string // always unioned in, never subtracted

	GrantedCapabilities *[]string
	ExecSafeBins        *[]string

	FetchAllowedDomains         *[]string
	FetchAllowSubdomains        *bool
	EnforceFetchDomainAllowlist *bool
	BlockExecCommandSubstitution *bool

	MaxArgsBytes *int
}

// Apply returns a new Document that is the strict intersection of base and
// c: permissive sets only shrink, permissive booleans only turn true when
// BOTH inputs already agree, restrictive booleans turn true when EITHER
// input sets them, numeric ceilings take the minimum, and DenyTools only
// grows. base is never mutated.
func Apply(base *Document, c Constraints) *Document {
	out := base.clone()

	if c.Mode != nil {
		// A narrowing mode change is only accepted if it does not loosen:
		// allow_all -> allowlist narrows; allowlist -> allow_all would
		// widen and is ignored, leaving the base mode in place.
		if *c.Mode == ModeAllowlist {
			out.Mode = ModeAllowlist
		}
	}

	if c.AllowTools != nil {
		out.AllowTools = intersectStrings(out.AllowTools, *c.AllowTools)
	}
	if len(c.DenyTools) > 0 {
		out.DenyTools = unionStrings(out.DenyTools, c.DenyTools)
	}

	if c.GrantedCapabilities != nil {
		out.GrantedCapabilities = intersectStrings(out.GrantedCapabilities, *c.GrantedCapabilities)
	}
	if c.ExecSafeBins != nil {
		out.ExecSafeBins = intersectStrings(out.ExecSafeBins, *c.ExecSafeBins)
	}
	if c.FetchAllowedDomains != nil {
		out.FetchAllowedDomains = intersectStrings(out.FetchAllowedDomains, *c.FetchAllowedDomains)
	}

	// Permissive flags: stricter result requires both to already be true.
	if c.FetchAllowSubdomains != nil {
		out.FetchAllowSubdomains = out.FetchAllowSubdomains && *c.FetchAllowSubdomains
	}
	// Restrictive flags: stricter result is true if either says so.
	if c.EnforceFetchDomainAllowlist != nil {
		out.EnforceFetchDomainAllowlist = out.EnforceFetchDomainAllowlist || *c.EnforceFetchDomainAllowlist
	}
	if c.BlockExecCommandSubstitution != nil {
		out.BlockExecCommandSubstitution = out.BlockExecCommandSubstitution || *c.BlockExecCommandSubstitution
	}

	if c.MaxArgsBytes != nil {
		effective := out.EffectiveMaxArgsBytes()
		if *c.MaxArgsBytes < effective {
			out.MaxArgsBytes = *c.MaxArgsBytes
		} else {
			out.MaxArgsBytes = effective
		}
	}

	return out
}

// intersectStrings returns the elements present in both a and b, or a
// itself if b is nil (no narrowing requested on this field). An empty,
// non-nil b narrows to the empty set, per P2.
func intersectStrings(a, b []string) []string {
	if b == nil {
		return a
	}
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, v := range a {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, v := range append(append([]string{}, a...), b...) {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// ApplyRisk returns the stricter (higher) of the per-tool rule's risk and
// a restricting override, implementing the "risk levels escalate to the
// stricter of the two" clause of §4.1.
func ApplyRisk(base, override Risk) Risk {
	if override == "" {
		return base
	}
	return Stricter(base, override)
}
