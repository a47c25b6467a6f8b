package dispatcher

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openclaw/kernel/pkg/gate"
	"github.com/openclaw/kernel/pkg/kernelerr"
	"github.com/openclaw/kernel/pkg/ledger"
	"github.com/openclaw/kernel/pkg/policy"
	"github.com/openclaw/kernel/pkg/proposal"
	"github.com/openclaw/kernel/pkg/telemetry"
)

// Meta carries the request-scoped identity and policy context for one
// Dispatch call (spec §4.6).
type Meta struct {
	Actor        string
	WorkspaceDir string
	SessionKey   string
	SessionID    string
	AgentID      string
	Provenance   *proposal.Provenance
	Policy       *policy.Document
	Sandboxed    bool

	// KernelWrapped marks a Meta that has already passed through Dispatch.
	// Dispatch refuses any call whose Meta has it set (spec §4.6 step 1,
	// "anti-double-wrap"). Dispatch does not hand a Meta to the tool
	// callback, so a re-entering caller must carry the flag itself.
	KernelWrapped bool
}

// ToolCallback is the signature every dispatched tool implements:
// frozen args, a cancellation context, and a progress-update sink.
type ToolCallback func(ctx context.Context, callID string, args map[string]any, onUpdate func(any)) (*Result, error)

// FeedbackNotifier is the subset of pkg/feedback.Tracker the Dispatcher
// needs.
type FeedbackNotifier interface {
	RecordSuccess(toolName string)
	RecordFailure(toolName string)
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

const (
	// DefaultToolTimeout mirrors the teacher's own default tool deadline.
	DefaultToolTimeout = 2 * time.Minute
	// DefaultMaxResultBytes mirrors the teacher's default result cap.
	DefaultMaxResultBytes   = 100_000
	defaultTruncationSuffix = "\n...[truncated]"
)

// Dispatcher is the single path through which every tool call is gated,
// recorded, and invoked.
type Dispatcher struct {
	gate     *gate.Gate
	ledger   *ledger.Ledger
	feedback FeedbackNotifier
	now      Clock

	// captureOutputSummary mirrors RFSN_LEDGER_CAPTURE_OUTPUT: when
	// false (the default), successful results are recorded with the
	// literal summary "omitted" rather than the first 280 chars of the
	// result.
	captureOutputSummary bool

	// toolExecutor is the Chain(PanicRecovery, ResultSizeLimit, Timeout)
	// wrapper every tool callback invocation runs through.
	toolTimeout      time.Duration
	perToolTimeouts  map[string]time.Duration
	maxResultBytes   int
	truncationSuffix string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCaptureOutputSummary opts into recording a capped result summary
// in the ledger's result entries.
func WithCaptureOutputSummary(capture bool) Option {
	return func(d *Dispatcher) { d.captureOutputSummary = capture }
}

// WithClock overrides the Dispatcher's time source (tests only).
func WithClock(now Clock) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithToolTimeout overrides the default and per-tool callback timeouts.
func WithToolTimeout(defaultTimeout time.Duration, perTool map[string]time.Duration) Option {
	return func(d *Dispatcher) {
		d.toolTimeout = defaultTimeout
		d.perToolTimeouts = perTool
	}
}

// WithMaxResultBytes overrides the result-size cap the ResultSizeLimit
// middleware truncates against.
func WithMaxResultBytes(maxBytes int) Option {
	return func(d *Dispatcher) { d.maxResultBytes = maxBytes }
}

// New constructs a Dispatcher.
func New(g *gate.Gate, led *ledger.Ledger, feedback FeedbackNotifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		gate:             g,
		ledger:           led,
		feedback:         feedback,
		now:              time.Now,
		toolTimeout:      DefaultToolTimeout,
		maxResultBytes:   DefaultMaxResultBytes,
		truncationSuffix: defaultTruncationSuffix,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// toolExecutor wraps cb in the PanicRecovery/ResultSizeLimit/Timeout chain,
// matching the teacher's own middleware ordering (panic recovery outermost,
// so a timeout-induced panic in a misbehaving callback is still caught).
func (d *Dispatcher) toolExecutor(cb ToolCallback, callID string) Executor {
	base := func(ec *ExecutionContext) (*Result, error) {
		return cb(ec.Context, callID, ec.Params, func(any) {})
	}
	return Chain(
		PanicRecovery(),
		ResultSizeLimit(d.maxResultBytes, d.truncationSuffix),
		Timeout(d.toolTimeout, d.perToolTimeouts),
	)(base)
}

// ledgerAppend appends to the ledger if one is configured; a nil Ledger
// is valid (e.g. in unit tests that don't exercise durability).
func (d *Dispatcher) ledgerAppend(sessionKey string, payload any) {
	if d.ledger == nil {
		return
	}
	_, _ = d.ledger.Append(sessionKey, payload)
}

func summaryOf(res *Result, capture bool) string {
	if !capture {
		return "omitted"
	}
	if res == nil {
		return ""
	}
	var sb strings.Builder
	if res.Error != "" {
		sb.WriteString(res.Error)
	} else if msg, ok := res.DisplayData["message"].(string); ok {
		sb.WriteString(msg)
	}
	s := sb.String()
	if len(s) > 280 {
		s = s[:280]
	}
	return s
}

// Dispatch runs tool through the full gate-and-record sequence of spec
// §4.6, then invokes cb with the frozen, gate-approved arguments. signal
// cancels cb cooperatively: cb must observe ctx.Done() itself; Dispatch
// still writes the error ledger entry when cancellation aborts execution.
func (d *Dispatcher) Dispatch(ctx context.Context, toolName string, args map[string]any, callID string, meta Meta, cb ToolCallback) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "dispatcher.dispatch",
		attribute.String("tool", toolName),
		attribute.String("call_id", callID),
		attribute.String("actor", meta.Actor),
	)
	defer span.End()

	if meta.KernelWrapped {
		err := kernelerr.New(kernelerr.CodeIntegrityDoubleWrap, "tool already passed through the kernel dispatcher").
			WithContext("tool", toolName).WithContext("callId", callID)
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	prop := proposal.New(toolName, args, meta.Actor, meta.SessionKey, meta.AgentID, d.now().UnixMilli())
	prop.Provenance = meta.Provenance

	d.ledgerAppend(meta.SessionKey, map[string]any{
		"type":     "proposal",
		"callId":   callID,
		"proposal": prop,
	})

	_, gateSpan := telemetry.StartSpan(ctx, "dispatcher.gate_evaluate")
	decision := d.gate.Evaluate(meta.Policy, prop, meta.Sandboxed)
	gateSpan.SetAttributes(attribute.String("verdict", string(decision.Verdict)))
	gateSpan.End()

	d.ledgerAppend(meta.SessionKey, map[string]any{
		"type":     "decision",
		"callId":   callID,
		"proposal": prop.ID,
		"verdict":  decision.Verdict,
		"reasons":  decision.Reasons,
		"risk":     decision.Risk,
	})

	if !decision.HasStamp() {
		err := kernelerr.New(kernelerr.CodeIntegrityMissingStamp, "gate decision missing integrity stamp").
			WithContext("tool", toolName).WithContext("callId", callID)
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	if decision.Verdict != gate.VerdictAllow {
		summary := strings.Join(decision.Reasons, ",")
		d.ledgerAppend(meta.SessionKey, map[string]any{
			"type":    "result",
			"callId":  callID,
			"status":  "error",
			"summary": summary,
		})
		err := kernelerr.New(codeForVerdict(decision.Verdict), "denied: "+summary).
			WithContext("tool", toolName).WithContext("callId", callID).WithContext("reasons", decision.Reasons)
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	frozenArgs := freeze(decision.NormalizedArgs).(map[string]any)

	wrappedMeta := meta
	wrappedMeta.KernelWrapped = true

	toolCtx, toolSpan := telemetry.StartSpan(ctx, "dispatcher.tool_invoke", attribute.String("tool", toolName))
	execCtx := &ExecutionContext{
		Context:   toolCtx,
		ToolName:  toolName,
		SessionID: meta.SessionID,
		CallID:    callID,
		Params:    frozenArgs,
		StartTime: d.now(),
	}
	start := d.now()
	res, err := d.toolExecutor(cb, callID)(execCtx)
	duration := d.now().Sub(start)
	toolSpan.End()

	if err != nil {
		d.ledgerAppend(meta.SessionKey, map[string]any{
			"type":     "error",
			"callId":   callID,
			"error":    err.Error(),
			"duration": duration.Milliseconds(),
		})
		if d.feedback != nil {
			d.feedback.RecordFailure(toolName)
		}
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	d.ledgerAppend(meta.SessionKey, map[string]any{
		"type":     "result",
		"callId":   callID,
		"status":   "success",
		"duration": duration.Milliseconds(),
		"summary":  summaryOf(res, d.captureOutputSummary),
	})
	if d.feedback != nil {
		d.feedback.RecordSuccess(toolName)
	}

	return res, nil
}

func codeForVerdict(v gate.Verdict) kernelerr.Code {
	switch v {
	case gate.VerdictRequireSandboxOnly:
		return kernelerr.CodePolicyExecSecurityForbidden
	case gate.VerdictRequireHuman:
		return kernelerr.CodeApprovalTokenMissing
	default:
		return kernelerr.CodeNotAllowed
	}
}

// freeze returns a recursively immutable-by-convention deep copy of v:
// maps and slices are copied so the tool callback cannot mutate what the
// Gate approved out from under the ledger's recorded decision.
func freeze(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = freeze(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = freeze(val)
		}
		return out
	default:
		return v
	}
}
