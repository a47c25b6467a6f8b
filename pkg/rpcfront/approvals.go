package rpcfront

import (
	"context"

	"github.com/openclaw/kernel/pkg/capability"
	"github.com/openclaw/kernel/pkg/kernelerr"
)

// ApprovalRequest is the decoded exec.approval.request call (spec §6). ID
// is optional: a caller that already knows the approval id it wants to
// reuse (e.g. retrying after a dropped connection) may supply one; a
// pending id that is still outstanding is refused rather than duplicated.
type ApprovalRequest struct {
	ID          string
	Command     string
	CommandArgv []string
	CommandEnv  map[string]string
	Cwd         string
	SessionKey  string
	AgentID     string
	TimeoutMs   int64
}

// ApprovalResponse is exec.approval.request / capability.approval.request's
// shared response envelope.
type ApprovalResponse struct {
	ID             string
	Decision       capability.Decision
	ApprovalToken  string
	CreatedAtMs    int64
	ExpiresAtMs    int64
}

// defaultApprovalTimeoutMs applies when a caller omits timeoutMs.
const defaultApprovalTimeoutMs = 120_000

// RequestExecApproval implements exec.approval.request: creates a pending
// approval bound to the exec payload, awaits resolution, and returns the
// decision (with a token on allow).
func (f *Front) RequestExecApproval(ctx context.Context, req ApprovalRequest) (*ApprovalResponse, error) {
	if req.Command == "" {
		return nil, kernelerr.New(kernelerr.CodeInvalidArgsMissing, "command is required")
	}
	timeoutMs := req.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultApprovalTimeoutMs
	}

	payload := map[string]any{
		"command":     req.Command,
		"commandArgv": req.CommandArgv,
		"commandEnv":  req.CommandEnv,
		"cwd":         req.Cwd,
	}

	record, ok := f.capability.Create(req.ID, req.SessionKey, req.Command, payload, "high", timeoutMs)
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeApprovalRefusedExists, "an approval for this id is already pending")
	}

	return f.awaitApproval(ctx, record, timeoutMs)
}

// ResolveExecApproval implements exec.approval.resolve: finalizes a pending
// approval's decision. Re-resolving an already-decided or unknown id
// changes nothing and returns an approval-already-final error.
func (f *Front) ResolveExecApproval(ctx context.Context, id string, decision capability.Decision, resolvedBy string) error {
	if _, ok := f.capability.Resolve(ctx, id, decision, resolvedBy); !ok {
		return kernelerr.New(kernelerr.CodeApprovalAlreadyFinal, "approval already resolved or unknown")
	}
	return nil
}

// RequestCapabilityApproval implements capability.approval.request: same
// create/await/issue discipline as RequestExecApproval, but bound by
// {capability, subject, payloadHash, agentId, sessionKey} instead of a raw
// exec payload — used by node.invoke's dangerous-command approval path
// when no pre-issued token is available.
func (f *Front) RequestCapabilityApproval(ctx context.Context, capabilityName, subject, payloadHash, sessionKey, agentID string, timeoutMs int64) (*ApprovalResponse, error) {
	if capabilityName == "" || subject == "" || payloadHash == "" {
		return nil, kernelerr.New(kernelerr.CodeInvalidArgsMissing, "capability, subject, and payloadHash are required")
	}
	if timeoutMs <= 0 {
		timeoutMs = defaultApprovalTimeoutMs
	}

	bindPayload := map[string]any{
		"capability":  capabilityName,
		"subject":     subject,
		"payloadHash": payloadHash,
		"agentId":     agentID,
		"sessionKey":  sessionKey,
	}

	record, ok := f.capability.Create("", sessionKey, capabilityName, bindPayload, "high", timeoutMs)
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeApprovalRefusedExists, "an approval for this id is already pending")
	}

	return f.awaitApproval(ctx, record, timeoutMs)
}

func (f *Front) awaitApproval(ctx context.Context, record *capability.Record, timeoutMs int64) (*ApprovalResponse, error) {
	decision, resolved := f.capability.WaitForDecision(ctx, record, timeoutMs)
	if !resolved {
		return &ApprovalResponse{
			ID:          record.ID,
			CreatedAtMs: record.CreatedAt.UnixMilli(),
			ExpiresAtMs: record.ExpiresAt.UnixMilli(),
		}, nil
	}

	var tok string
	if decision == capability.DecisionAllowOnce || decision == capability.DecisionAllowAlways {
		tok = f.capability.IssueToken(record.BindHash)
	}

	return &ApprovalResponse{
		ID:            record.ID,
		Decision:      decision,
		ApprovalToken: tok,
		CreatedAtMs:   record.CreatedAt.UnixMilli(),
		ExpiresAtMs:   record.ExpiresAt.UnixMilli(),
	}, nil
}
