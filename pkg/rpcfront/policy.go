package rpcfront

// CommandPolicy is the capability policy resolved for one node command
// name (node.invoke step 3): what scope, session binding, and approval
// discipline the command demands before it may reach node transport.
type CommandPolicy struct {
	// Capability names the capability label bound into the approval-token
	// hash (spec §4.7 step 6: "{capability, subject, payloadHash, agentId,
	// sessionKey}").
	Capability string

	// Dangerous marks the command as one the Dangerous-Action Limiter and
	// Dangerous Ledger track: concurrency caps, idempotency dedupe, and
	// global-slot admission all apply.
	Dangerous bool

	RequireAdminScope     bool
	RequireSessionKey     bool
	RequireApprovalToken  bool
	RequireSafeExposure   bool

	// BreakGlassEnv names the environment variable that, when set to "1",
	// permits this command to bypass its own safe-exposure requirement
	// (spec §6's per-capability break-glass).
	BreakGlassEnv string
}

// PolicyRegistry resolves a CommandPolicy for a command name, falling
// back to a conservative default for commands it has no explicit entry
// for.
type PolicyRegistry struct {
	policies map[string]CommandPolicy
}

// NewPolicyRegistry constructs a registry seeded with defaultCommandPolicies,
// overridden/extended by extra.
func NewPolicyRegistry(extra map[string]CommandPolicy) *PolicyRegistry {
	merged := make(map[string]CommandPolicy, len(defaultCommandPolicies)+len(extra))
	for k, v := range defaultCommandPolicies {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return &PolicyRegistry{policies: merged}
}

// Resolve returns the policy for command.
func (p *PolicyRegistry) Resolve(command string) CommandPolicy {
	if pol, ok := p.policies[command]; ok {
		return pol
	}
	return CommandPolicy{
		Capability:        "node:" + command,
		RequireSessionKey: true,
	}
}

// defaultCommandPolicies covers the node commands the kernel knows out of
// the box, dangerous (system.run, browser.proxy, fs.write) and not
// (fs.read, admin.shutdown). Unlisted commands fall back to Resolve's
// conservative default (session-key required, not dangerous).
var defaultCommandPolicies = map[string]CommandPolicy{
	"system.run": {
		Capability:           "node:exec",
		Dangerous:            true,
		RequireSessionKey:    true,
		RequireApprovalToken: true,
		RequireSafeExposure:  true,
		BreakGlassEnv:        "RFSN_ALLOW_NODE_EXEC",
	},
	"browser.proxy": {
		Capability:           "node:browser_proxy",
		Dangerous:            true,
		RequireSessionKey:    true,
		RequireApprovalToken: true,
		RequireSafeExposure:  true,
		BreakGlassEnv:        "RFSN_ALLOW_BROWSER_PROXY",
	},
	"fs.write": {
		Capability:           "node:fs_write",
		Dangerous:            true,
		RequireSessionKey:    true,
		RequireApprovalToken: true,
		RequireSafeExposure:  true,
	},
	"fs.read": {
		Capability:        "node:fs_read",
		RequireSessionKey: true,
	},
	"admin.shutdown": {
		Capability:        "node:admin_shutdown",
		RequireAdminScope: true,
		RequireSessionKey: true,
	},
}
