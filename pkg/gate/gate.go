// Package gate implements the Policy Gate (C3): the deterministic
// allow/deny/require-sandbox cascade every tool proposal passes through
// before a capability demand is ever granted.
package gate

import (
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/openclaw/kernel/pkg/canonicaljson"
	"github.com/openclaw/kernel/pkg/policy"
	"github.com/openclaw/kernel/pkg/proposal"
)

// Verdict is the outcome category of a Gate evaluation.
type Verdict string

const (
	VerdictAllow              Verdict = "allow"
	VerdictDeny               Verdict = "deny"
	VerdictRequireSandboxOnly Verdict = "require_sandbox_only"
	VerdictRequireHuman       Verdict = "require_human"
)

// stamp is an unexported integrity marker. Only Gate.Evaluate
// can produce one, so a Decision carrying a non-zero stamp could only have
// come from a real Gate — this is the mechanism backing P7 (decision
// integrity): the Dispatcher checks HasStamp before ever executing.
type stamp struct{ seq uint64 }

// Decision is the result of one Gate.Evaluate call.
type Decision struct {
	Verdict        Verdict
	Reasons        []string
	Risk           policy.Risk
	NormalizedArgs map[string]any
	CapsGranted    []string

	s stamp
}

// HasStamp reports whether d was produced by a real Gate. A zero-value or
// hand-constructed Decision never satisfies this.
func (d *Decision) HasStamp() bool {
	return d != nil && d.s.seq != 0
}

// FeedbackTracker supplies the adaptive per-tool risk escalation consulted
// in step 2 of Evaluate. Implemented by pkg/feedback.Tracker.
type FeedbackTracker interface {
	// AdjustedRisk returns base, possibly raised or lowered one level, for toolName
	// based on recent error-rate history. Returning base unchanged is
	// always a valid implementation (e.g. when adaptive risk is off).
	AdjustedRisk(toolName string, base policy.Risk) policy.Risk
}

var heuristicHigh = regexp.MustCompile(`exec|bash|process|spawn|fetch|web|browser|http`)
var heuristicMedium = regexp.MustCompile(`write|edit|patch|delete`)

// Gate evaluates proposals against an active policy document.
type Gate struct {
	audit    *AuditRing
	feedback FeedbackTracker
	seq      atomic.Uint64
}

// New constructs a Gate. feedback may be nil, in which case adaptive risk
// escalation (spec step 2's C9 hook) is a no-op.
func New(feedback FeedbackTracker) *Gate {
	return &Gate{audit: NewAuditRing(2000), feedback: feedback}
}

// Audit exposes the bounded capability-check audit ring for operational
// inspection; the Gate's own decisions never read from it.
func (g *Gate) Audit() *AuditRing { return g.audit }

// Evaluate runs the full ten-step cascade and returns a stamped Decision.
func (g *Gate) Evaluate(pol *policy.Document, p *proposal.Proposal, sandboxed bool) *Decision {
	d := &Decision{s: stamp{seq: g.seq.Add(1)}}

	// Step 1: run the Normalizer; its failure reasons deny outright.
	norm := proposal.Normalize(p.ToolName, p.Args, pol, sandboxed)
	if len(norm.Reasons) > 0 {
		d.Verdict = VerdictDeny
		d.Reasons = norm.Reasons
		return d
	}

	rule, hasRule := pol.ToolRuleFor(p.ToolName)

	// Step 2: resolve risk.
	risk := resolveBaseRisk(p, rule, hasRule)
	if g.feedback != nil {
		risk = g.feedback.AdjustedRisk(p.ToolName, risk)
	}
	d.Risk = risk

	// Step 3: explicit deny list.
	if pol.IsDenied(p.ToolName) {
		d.Verdict = VerdictDeny
		d.Reasons = []string{"policy:tool_denied"}
		return d
	}

	// Step 4: allowlist mode.
	if pol.EffectiveMode() == policy.ModeAllowlist && !pol.IsAllowlisted(p.ToolName) {
		d.Verdict = VerdictDeny
		d.Reasons = []string{"policy:tool_not_allowlisted"}
		return d
	}

	// Step 5: args size cap.
	maxBytes := pol.EffectiveMaxArgsBytes()
	if hasRule && rule.MaxArgsBytes > 0 {
		maxBytes = rule.MaxArgsBytes
	}
	if size := len(canonicaljson.MustMarshal(norm.Args)); size > maxBytes {
		d.Verdict = VerdictDeny
		d.Reasons = []string{"policy:args_too_large"}
		return d
	}

	// Step 6: sandbox reroute.
	if hasRule && rule.RequireSandbox && !sandboxed {
		d.Verdict = VerdictRequireSandboxOnly
		d.Reasons = []string{"policy:require_sandbox_only"}
		return d
	}

	// Step 7: dynamic capability demands from normalized args, plus the
	// fetch-domain-allowlist check.
	var reasons []string
	if p.ToolName == "web_fetch" && pol.EnforceFetchDomainAllowlist {
		if len(pol.FetchAllowedDomains) == 0 {
			reasons = append(reasons, "policy:net_domain_allowlist_empty")
		} else if host := norm.Hostname(); host != "" && !domainAllowed(pol, host) {
			reasons = append(reasons, "policy:net_domain_not_allowlisted:"+host)
		}
	}
	if len(reasons) > 0 {
		d.Verdict = VerdictDeny
		d.Reasons = reasons
		return d
	}

	// Step 8: union explicit + tool-rule + dynamic demands, dedup by trim.
	required := unionCapabilities(p.CapabilitiesRequired, ruleCapabilities(rule, hasRule), norm.DynamicCapabilities)

	// Step 9: wildcard capability grant check.
	missing := MissingCapabilities(pol.GrantedCapabilities, required)
	allowed := len(missing) == 0
	g.audit.Record(AuditEntry{
		Subject:  p.SessionKey,
		ToolName: p.ToolName,
		Required: required,
		Missing:  missing,
		Allowed:  allowed,
	})
	if !allowed {
		d.Verdict = VerdictDeny
		for _, m := range missing {
			d.Reasons = append(d.Reasons, "capability_missing:"+m)
		}
		return d
	}

	// Step 10: allow.
	d.Verdict = VerdictAllow
	d.NormalizedArgs = norm.Args
	d.CapsGranted = dedupTrim(required)
	return d
}

func resolveBaseRisk(p *proposal.Proposal, rule policy.ToolRule, hasRule bool) policy.Risk {
	if p.Risk != "" {
		return policy.Risk(p.Risk)
	}
	if hasRule && rule.Risk != "" {
		return rule.Risk
	}
	name := strings.ToLower(p.ToolName)
	switch {
	case heuristicHigh.MatchString(name):
		return policy.RiskHigh
	case heuristicMedium.MatchString(name):
		return policy.RiskMedium
	default:
		return policy.RiskLow
	}
}

func ruleCapabilities(rule policy.ToolRule, hasRule bool) []string {
	if !hasRule {
		return nil
	}
	return rule.CapabilitiesRequired
}

// domainAllowed reports whether host satisfies the document's fetch
// allowlist. A "*.example.com" entry always matches any subdomain of
// example.com regardless of FetchAllowSubdomains; FetchAllowSubdomains
// additionally extends a bare "example.com" entry to cover subdomains.
func domainAllowed(pol *policy.Document, host string) bool {
	for _, d := range pol.FetchAllowedDomains {
		if host == d {
			return true
		}
		if wildcard, ok := strings.CutPrefix(d, "*."); ok {
			if host == wildcard || strings.HasSuffix(host, "."+wildcard) {
				return true
			}
			continue
		}
		if pol.FetchAllowSubdomains && strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func unionCapabilities(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, set := range sets {
		for _, c := range set {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

func dedupTrim(in []string) []string {
	return unionCapabilities(in)
}
