package proposal

import (
	"net/url"
	"strings"

	"github.com/openclaw/kernel/pkg/policy"
	"github.com/openclaw/kernel/pkg/sandbox"
)

// execFields and the other per-tool field sets below are the ONLY fields
// Normalize accepts for their respective tool; anything else produces
// invalid:args:unknown_field:<key>.
var execFields = map[string]struct{}{
	"command": {}, "workdir": {}, "yieldMs": {}, "background": {}, "timeout": {},
	"pty": {}, "host": {}, "security": {}, "ask": {}, "node": {}, "elevated": {}, "env": {},
}

var webFetchFields = map[string]struct{}{
	"url": {}, "extractMode": {}, "maxChars": {},
}

// Result is the outcome of normalizing one proposal's arguments.
type Result struct {
	// Args holds the normalized argument tree. Only meaningful when
	// len(Reasons) == 0.
	Args map[string]any
	// Reasons lists every violation found, machine-readable tokens in the
	// invalid:* / policy:* taxonomy. A non-empty Reasons means deny.
	Reasons []string
	// DynamicCapabilities lists capabilities the args themselves demand
	// (e.g. proc:spawn:git, net:outbound:docs.example.com), derived here
	// so the Gate can union them with the policy's declared requirements.
	DynamicCapabilities []string

	// hostname is the normalized web_fetch hostname, exposed via Hostname().
	hostname string
}

func (r *Result) fail(reason string) {
	r.Reasons = append(r.Reasons, reason)
}

// Normalize shape- and field-validates args for toolName against pol,
// producing normalized args and/or deny reasons. Deterministic and
// idempotent: the same inputs always produce the same output.
func Normalize(toolName string, args map[string]any, pol *policy.Document, sandboxed bool) *Result {
	switch toolName {
	case "exec":
		return normalizeExec(args, pol)
	case "web_fetch":
		return normalizeWebFetch(args, pol)
	case "browser":
		return normalizeBrowser(args, pol)
	default:
		return &Result{Args: args}
	}
}

func normalizeExec(args map[string]any, pol *policy.Document) *Result {
	res := &Result{Args: map[string]any{}}

	for k := range args {
		if _, ok := execFields[k]; !ok {
			res.fail("invalid:args:unknown_field:" + k)
		}
	}

	commandVal, hasCommand := args["command"]
	command, _ := commandVal.(string)
	if !hasCommand || command == "" {
		res.fail("invalid:args:missing:command")
	} else if strings.ContainsRune(command, 0) || strings.ContainsRune(command, '\r') {
		res.fail("invalid:args:shape:command")
	}

	if pol.BlockExecCommandSubstitution && command != "" && sandbox.ContainsCommandSubstitution(command) {
		res.fail("policy:exec_command_substitution_forbidden")
	}

	if hostVal, ok := args["host"]; ok {
		host, _ := hostVal.(string)
		if host != "" && host != "sandbox" {
			res.fail("policy:exec_host_forbidden:" + host)
		}
	}

	if elevated, ok := args["elevated"].(bool); ok && elevated {
		res.fail("policy:exec_elevated_forbidden")
	}
	if _, ok := args["security"]; ok {
		res.fail("policy:exec_security_forbidden")
	}
	if _, ok := args["ask"]; ok {
		res.fail("policy:exec_ask_forbidden")
	}
	if _, ok := args["node"]; ok {
		res.fail("policy:exec_node_forbidden")
	}
	if _, ok := args["env"]; ok {
		res.fail("policy:exec_env_forbidden")
	}

	if command != "" && len(res.Reasons) == 0 {
		bin := sandbox.LeadingToken(command)
		if !containsString(pol.ExecSafeBins, bin) {
			res.fail("policy:exec_bin_not_allowlisted:" + bin)
		} else {
			res.DynamicCapabilities = append(res.DynamicCapabilities, "proc:spawn:"+bin)
		}
	}

	if len(res.Reasons) > 0 {
		return res
	}

	for k, v := range args {
		res.Args[k] = v
	}
	res.Args["host"] = "sandbox"
	return res
}

func normalizeWebFetch(args map[string]any, pol *policy.Document) *Result {
	res := &Result{Args: map[string]any{}}

	for k := range args {
		if _, ok := webFetchFields[k]; !ok {
			res.fail("invalid:args:unknown_field:" + k)
		}
	}

	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		res.fail("invalid:args:missing:url")
		return res
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		res.fail("invalid:args:shape:url")
		return res
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		res.fail("invalid:args:shape:url_scheme")
		return res
	}

	if mode, ok := args["extractMode"]; ok {
		m, _ := mode.(string)
		if m != "markdown" && m != "text" {
			res.fail("invalid:args:shape:extractMode")
		}
	}
	if maxChars, ok := args["maxChars"]; ok {
		n, isFloat := maxChars.(float64)
		if !isFloat || n < 100 {
			res.fail("invalid:args:shape:maxChars")
		}
	}

	if len(res.Reasons) > 0 {
		return res
	}

	hostname := normalizeHostname(parsed.Hostname())
	res.DynamicCapabilities = append(res.DynamicCapabilities, "net:outbound:"+hostname)

	for k, v := range args {
		res.Args[k] = v
	}
	res.Args["url"] = rawURL
	res.hostname = hostname
	return res
}

// hostname carries the normalized fetch hostname out to the Gate's domain
// allowlist check without re-parsing the URL.
func (r *Result) Hostname() string { return r.hostname }

func normalizeHostname(host string) string {
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

func normalizeBrowser(args map[string]any, pol *policy.Document) *Result {
	res := &Result{Args: args}

	action, _ := args["action"].(string)
	if action != "act" {
		return res
	}

	request, _ := args["request"].(map[string]any)
	if request == nil {
		return res
	}
	fnBody, hasFn := request["function"].(string)

	if profile, _ := args["profile"].(string); profile == "chrome" && hasFn && fnBody != "" {
		res.fail("policy:browser_unsafe_eval_chrome_forbidden")
		return res
	}

	if hasFn && fnBody != "" {
		res.DynamicCapabilities = append(res.DynamicCapabilities, "browser:unsafe_eval")
	}
	return res
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

