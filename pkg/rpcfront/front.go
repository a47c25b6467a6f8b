package rpcfront

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openclaw/kernel/pkg/capability"
	"github.com/openclaw/kernel/pkg/kernelerr"
	"github.com/openclaw/kernel/pkg/ledger"
	"github.com/openclaw/kernel/pkg/limiter"
	"github.com/openclaw/kernel/pkg/sandbox"
	"github.com/openclaw/kernel/pkg/telemetry"
)

// Transport forwards an admitted command to the node and returns its
// response payload. Implemented by the node-websocket transport in
// cmd/kerneld; a stub is used in tests.
type Transport interface {
	Invoke(ctx context.Context, nodeID, command string, params map[string]any, budget ExecBudget) (map[string]any, error)
}

// Config carries the RFSN_* break-glass and exposure settings resolved
// once at Front construction (spec §6).
type Config struct {
	SafeMode              bool
	AllowDangerousExposed bool
	AllowArbitraryEnv     bool
	SafeExposure          bool
	WorkspaceRoot         string
}

// ConfigFromEnv resolves Config from the RFSN_* environment variables.
func ConfigFromEnv() Config {
	return Config{
		SafeMode:              envFlag("RFSN_SAFE_MODE"),
		AllowDangerousExposed: envFlag("RFSN_ALLOW_DANGEROUS_EXPOSED"),
		AllowArbitraryEnv:     envFlag("RFSN_ALLOW_ARBITRARY_ENV"),
	}
}

func envFlag(name string) bool {
	return os.Getenv(name) == "1"
}

// InvokeRequest is the decoded node.invoke call.
type InvokeRequest struct {
	NodeID         string
	Command        string
	Params         map[string]any
	TimeoutMs      int64
	IdempotencyKey string
	ClientID       string
	DeviceID       string
}

// InvokeResult is node.invoke's response envelope (spec §6).
type InvokeResult struct {
	OK              bool
	Payload         map[string]any
	OutputTruncated bool
}

// Front is the RPC Enforcement Front (C7).
type Front struct {
	sessions     *SessionRegistry
	policies     *PolicyRegistry
	limiter      *limiter.Limiter
	capability   *capability.Manager
	idempotency  *IdempotencyGuard
	ledger       *ledger.Ledger
	transport    Transport
	cfg          Config
	now          func() time.Time
}

// Option configures a Front.
type Option func(*Front)

// WithConfig overrides the RFSN_* settings resolved from the environment.
func WithConfig(cfg Config) Option { return func(f *Front) { f.cfg = cfg } }

// WithClock overrides the Front's time source (tests only).
func WithClock(now func() time.Time) Option { return func(f *Front) { f.now = now } }

// New constructs a Front.
func New(sessions *SessionRegistry, policies *PolicyRegistry, lim *limiter.Limiter, capMgr *capability.Manager, idemp *IdempotencyGuard, led *ledger.Ledger, transport Transport, opts ...Option) *Front {
	f := &Front{
		sessions:    sessions,
		policies:    policies,
		limiter:     lim,
		capability:  capMgr,
		idempotency: idemp,
		ledger:      led,
		transport:   transport,
		cfg:         ConfigFromEnv(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func deniedErr(code kernelerr.Code, msg string) error {
	return kernelerr.New(code, msg)
}

// Invoke runs req through the full node.invoke discipline of spec §4.7 and,
// on admission, forwards to Transport.
func (f *Front) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "rpcfront.invoke",
		attribute.String("node_id", req.NodeID),
		attribute.String("command", req.Command),
	)
	defer span.End()

	// Step 1: strip caller-supplied bypass fields; the caller's params
	// never reach node transport unfiltered.
	params, approvalToken := StripBypassFields(req.Params)

	// Step 2: node session lookup.
	session, ok := f.sessions.Lookup(req.NodeID)
	if !ok {
		return nil, deniedErr(kernelerr.CodeNotConnected, "unknown node: "+req.NodeID)
	}

	// Step 3: resolve capability policy.
	pol := f.policies.Resolve(req.Command)

	rateKey := limiter.Key(session.SessionKey, req.ClientID, req.DeviceID, req.Command)
	ledgerScope := "node-danger:" + req.NodeID

	deny := func(code kernelerr.Code, reason string) (*InvokeResult, error) {
		f.limiter.NoteDenial(rateKey, f.now())
		f.appendDangerousOutcome(ledgerScope, req, "denied", "", reason)
		err := deniedErr(code, reason)
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	payloadHash := PayloadHash(req.NodeID, req.Command, params)

	// Step 4: dangerous-command idempotency dedupe.
	if pol.Dangerous && req.IdempotencyKey != "" && f.idempotency != nil {
		dedupeKey := DedupeKey(rateKey, req.IdempotencyKey)
		cached, err := f.idempotency.Peek(dedupeKey)
		if err == nil && cached != nil && cached.PayloadHash != payloadHash {
			return deny(kernelerr.CodeApprovalIdempotency, "idempotency key reused with different payload")
		}
	}

	// Step 5: rate limit, admin scope, break-glass, session-key, safe exposure.
	switch f.limiter.CheckAndConsume(rateKey, f.now()) {
	case limiter.OutcomeBlocked:
		return deny(kernelerr.CodeBlocked, "key is tripwire-blocked")
	case limiter.OutcomeRateLimited:
		return deny(kernelerr.CodeRateLimited, "rate limit exceeded")
	}

	if pol.RequireAdminScope && !session.AdminScope {
		return deny(kernelerr.CodeNotAllowed, "admin scope required")
	}
	if pol.RequireSessionKey && session.SessionKey == "" {
		return deny(kernelerr.CodeNotAllowed, "session key required")
	}
	if pol.RequireSafeExposure {
		breakGlass := pol.BreakGlassEnv != "" && envFlag(pol.BreakGlassEnv)
		if !f.cfg.SafeExposure && !f.cfg.AllowDangerousExposed && !breakGlass {
			return deny(kernelerr.CodeNotAllowed, "dangerous command requires safe exposure")
		}
	}
	if pol.Dangerous && f.cfg.SafeMode {
		return deny(kernelerr.CodePolicyExecSecurityForbidden, "safe mode disables dangerous node commands")
	}

	// Step 6: approval-token consumption.
	if pol.RequireApprovalToken {
		bindHash := capability.BindHash(map[string]any{
			"capability":  pol.Capability,
			"subject":     req.NodeID,
			"payloadHash": payloadHash,
			"agentId":     session.AgentID,
			"sessionKey":  session.SessionKey,
		})
		if approvalToken == "" || !f.capability.ConsumeToken(approvalToken, bindHash) {
			return deny(kernelerr.CodeApprovalTokenMissing, "missing or invalid approval token")
		}
	}

	// Step 7: system.run re-validation.
	if req.Command == "system.run" {
		if err := f.validateSystemRun(params); err != nil {
			return deny(kernelerr.CodePolicyExecSecurityForbidden, err.Error())
		}
		params = f.filterSystemRunEnv(params)
	}

	// Step 8: concurrency + global dangerous-slot admission.
	if pol.Dangerous {
		if err := f.limiter.AcquireConcurrency(rateKey); err != nil {
			return deny(kernelerr.CodeTooManyConcurrent, err.Error())
		}
		defer f.limiter.ReleaseConcurrency(rateKey)

		if err := f.limiter.AcquireDangerousSlot(); err != nil {
			return deny(kernelerr.CodeSlotsExhausted, err.Error())
		}
		defer f.limiter.ReleaseDangerousSlot()
	}

	// Step 9: resolve and clamp the exec budget.
	budget := ClampBudget(pol.Dangerous, req.TimeoutMs)

	invoke := func() (map[string]any, error) {
		invokeCtx, invokeSpan := telemetry.StartSpan(ctx, "rpcfront.transport_invoke")
		defer invokeSpan.End()
		payload, err := f.transport.Invoke(invokeCtx, req.NodeID, req.Command, params, budget)
		if err != nil {
			telemetry.RecordError(invokeCtx, err)
		}
		return payload, err
	}

	var payload map[string]any
	var err error
	if pol.Dangerous && req.IdempotencyKey != "" && f.idempotency != nil {
		dedupeKey := DedupeKey(rateKey, req.IdempotencyKey)
		payload, err = f.idempotency.Do(dedupeKey, payloadHash, invoke)
		if err == ErrIdempotencyConflict {
			return deny(kernelerr.CodeApprovalIdempotency, "idempotency key reused with different payload")
		}
	} else {
		payload, err = invoke()
	}

	if err != nil {
		f.limiter.NoteDenial(rateKey, f.now())
		f.appendDangerousOutcome(ledgerScope, req, "denied", "failure", err.Error())
		return nil, err
	}

	// Step 10: hard-cap the response payload.
	truncated := false
	payload, truncated = capPayload(payload, MaxResponsePayload)

	f.limiter.NoteSuccess(rateKey, f.now())

	// Step 11: record outcome in the dangerous ledger.
	f.appendDangerousOutcome(ledgerScope, req, "allowed", "success", "")

	return &InvokeResult{OK: true, Payload: payload, OutputTruncated: truncated}, nil
}

func (f *Front) appendDangerousOutcome(scope string, req InvokeRequest, decision, result, reason string) {
	if f.ledger == nil {
		return
	}
	_, _ = f.ledger.Append(scope, map[string]any{
		"type":          "node_invoke",
		"nodeId":        req.NodeID,
		"command":       req.Command,
		"decision":      decision,
		"result":        result,
		"reason":        reason,
		"sessionKeyHash": hashSessionKey(req.ClientID + req.DeviceID),
	})
}

// hashSessionKey one-way hashes a client/device identifier for the
// dangerous ledger, which never records raw session keys (spec §4.7 step
// 11: "hashed session key").
func hashSessionKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// validateSystemRun applies pkg/sandbox's shell-metacharacter, command
// substitution and "shell -c" checks to the command, then checks that a
// given cwd lies inside the workspace root. The Normalizer's leading-token
// (safe-bin) allowlist is not applied here.
func (f *Front) validateSystemRun(params map[string]any) error {
	command, _ := params["command"].(string)
	if command == "" {
		return kernelerr.New(kernelerr.CodeInvalidArgsMissing, "system.run requires a command")
	}
	if sandbox.ContainsShellMetacharacters(command) {
		return kernelerr.New(kernelerr.CodePolicyExecCommandSubst, "shell metacharacter abuse")
	}
	if sandbox.ContainsCommandSubstitution(command) {
		return kernelerr.New(kernelerr.CodePolicyExecCommandSubst, "command substitution forbidden")
	}
	if sandbox.InvokesShellDashC(command) {
		return kernelerr.New(kernelerr.CodePolicyExecSecurityForbidden, "shell -c invocation forbidden")
	}

	if cwd, ok := params["cwd"].(string); ok && cwd != "" {
		if err := f.checkWorkspaceContainment(cwd); err != nil {
			return err
		}
	}
	return nil
}

func (f *Front) checkWorkspaceContainment(cwd string) error {
	if f.cfg.WorkspaceRoot == "" {
		return nil
	}
	info, err := os.Stat(cwd)
	if err != nil || !info.IsDir() {
		return kernelerr.New(kernelerr.CodePolicyExecSecurityForbidden, "cwd missing or not a directory")
	}
	resolved, err := filepath.EvalSymlinks(cwd)
	if err != nil {
		return kernelerr.New(kernelerr.CodePolicyExecSecurityForbidden, "cwd could not be resolved")
	}
	root, err := filepath.EvalSymlinks(f.cfg.WorkspaceRoot)
	if err != nil {
		return kernelerr.New(kernelerr.CodePolicyExecSecurityForbidden, "workspace root could not be resolved")
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return kernelerr.New(kernelerr.CodePolicyExecSecurityForbidden, "cwd outside workspace root")
	}
	return nil
}

// asStringMap normalizes params["env"] to map[string]string, accepting both
// a literal map[string]string (tests) and a map[string]any (what every real
// caller produces once JSON decoding has run the payload through
// map[string]any unmarshalling).
func asStringMap(v any) (map[string]string, bool) {
	switch m := v.(type) {
	case map[string]string:
		return m, true
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, val := range m {
			switch s := val.(type) {
			case string:
				out[k] = s
			default:
				out[k] = fmt.Sprintf("%v", s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

func (f *Front) filterSystemRunEnv(params map[string]any) map[string]any {
	rawEnv, ok := asStringMap(params["env"])
	if !ok {
		return params
	}
	filtered, _ := FilterEnv(rawEnv, f.cfg.AllowArbitraryEnv)
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	out["env"] = filtered
	return out
}

// capPayload truncates each of the "stdout", "stderr" and "data" string
// fields to at most max bytes and reports whether any was cut. Each field
// is capped on its own: the total encoded size of payload is not bounded,
// and other fields pass through untouched.
func capPayload(payload map[string]any, max int64) (map[string]any, bool) {
	truncated := false
	for _, field := range []string{"stdout", "stderr", "data"} {
		s, ok := payload[field].(string)
		if !ok || int64(len(s)) <= max {
			continue
		}
		payload[field] = s[:max]
		truncated = true
	}
	return payload, truncated
}
