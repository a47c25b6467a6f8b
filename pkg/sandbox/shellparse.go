package sandbox

import "strings"

// LeadingToken returns the first whitespace-delimited token of command —
// the binary name a shell would resolve and exec first — skipping leading
// environment-variable assignments (FOO=bar cmd ...). Both the Proposal
// Normalizer and the RPC Enforcement Front's system.run re-validation use
// this single parser so a command can never be classified differently at
// the two checkpoints (spec §4.7 step 7: "the same shell-parser used in
// C2").
func LeadingToken(command string) string {
	fields := strings.Fields(command)
	for _, f := range fields {
		if isEnvAssignment(f) {
			continue
		}
		return stripPathPrefix(f)
	}
	return ""
}

func isEnvAssignment(token string) bool {
	eq := strings.IndexByte(token, '=')
	if eq <= 0 {
		return false
	}
	name := token[:eq]
	for i, r := range name {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func stripPathPrefix(token string) string {
	if idx := strings.LastIndexByte(token, '/'); idx >= 0 {
		return token[idx+1:]
	}
	return token
}

// ContainsCommandSubstitution reports whether command embeds $(...) or
// backtick command substitution, the construct policy.blockExecCommandSubstitution
// forbids.
func ContainsCommandSubstitution(command string) bool {
	return strings.Contains(command, "$(") || strings.Contains(command, "`")
}

// shellMetacharacters is the set system.run re-validation treats as abuse
// when found outside of the bare leading-token + args form.
const shellMetacharacters = "|;&<>\n"

// ContainsShellMetacharacters reports whether command contains characters
// that would let a single "command" string smuggle in a second command.
func ContainsShellMetacharacters(command string) bool {
	return strings.ContainsAny(command, shellMetacharacters)
}

// InvokesShellDashC reports whether command's leading token is a shell
// invoked with -c, the classic way to smuggle arbitrary commands past a
// leading-token allowlist check.
func InvokesShellDashC(command string) bool {
	bin := LeadingToken(command)
	switch bin {
	case "sh", "bash", "zsh", "dash", "ksh":
	default:
		return false
	}
	fields := strings.Fields(command)
	for _, f := range fields[1:] {
		if f == "-c" || strings.HasPrefix(f, "-c") {
			return true
		}
	}
	return false
}
