package rpcfront

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openclaw/kernel/pkg/capability"
	"github.com/openclaw/kernel/pkg/kernelerr"
	"github.com/openclaw/kernel/pkg/ledger"
	"github.com/openclaw/kernel/pkg/limiter"
)

type stubTransport struct {
	gotParams map[string]any
	response  map[string]any
	err       error
	calls     int
}

func (s *stubTransport) Invoke(ctx context.Context, nodeID, command string, params map[string]any, budget ExecBudget) (map[string]any, error) {
	s.calls++
	s.gotParams = params
	if s.err != nil {
		return nil, s.err
	}
	if s.response != nil {
		return s.response, nil
	}
	return map[string]any{"ok": true}, nil
}

func newTestFront(t *testing.T, transport Transport, safeExposure bool) (*Front, *SessionRegistry, *capability.Manager) {
	t.Helper()
	sessions := NewSessionRegistry()
	sessions.Register(&NodeSession{NodeID: "node-1", SessionKey: "sess-1", AgentID: "agent-1"})

	lim := limiter.New(limiter.Config{})
	capMgr := capability.New()
	led := ledger.New(t.TempDir())

	f := New(sessions, NewPolicyRegistry(nil), lim, capMgr, NewIdempotencyGuard(nil), led, transport,
		WithConfig(Config{SafeExposure: safeExposure}))
	return f, sessions, capMgr
}

func TestInvokeUnknownNodeReturnsNotConnected(t *testing.T) {
	transport := &stubTransport{}
	f, _, _ := newTestFront(t, transport, true)

	_, err := f.Invoke(context.Background(), InvokeRequest{NodeID: "ghost", Command: "fs.read", Params: map[string]any{}})
	require.Error(t, err)
	require.Equal(t, kernelerr.CodeNotConnected, kernelerr.GetCode(err))
	require.Equal(t, 0, transport.calls)
}

func TestInvokeNonDangerousCommandSucceeds(t *testing.T) {
	transport := &stubTransport{}
	f, _, _ := newTestFront(t, transport, true)

	res, err := f.Invoke(context.Background(), InvokeRequest{
		NodeID: "node-1", Command: "fs.read", Params: map[string]any{"path": "a.txt"},
	})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, 1, transport.calls)
}

func TestInvokeDangerousCommandRequiresApprovalToken(t *testing.T) {
	transport := &stubTransport{}
	f, _, _ := newTestFront(t, transport, true)

	_, err := f.Invoke(context.Background(), InvokeRequest{
		NodeID: "node-1", Command: "fs.write", Params: map[string]any{"path": "a.txt"},
	})
	require.Error(t, err)
	require.Equal(t, kernelerr.CodeApprovalTokenMissing, kernelerr.GetCode(err))
	require.Equal(t, 0, transport.calls)
}

func TestInvokeDangerousCommandWithValidTokenSucceeds(t *testing.T) {
	transport := &stubTransport{}
	f, _, capMgr := newTestFront(t, transport, true)

	payloadHash := PayloadHash("node-1", "fs.write", map[string]any{"path": "a.txt"})
	bindHash := capability.BindHash(map[string]any{
		"capability":  "node:fs_write",
		"subject":     "node-1",
		"payloadHash": payloadHash,
		"agentId":     "agent-1",
		"sessionKey":  "sess-1",
	})
	token := capMgr.IssueToken(bindHash)

	res, err := f.Invoke(context.Background(), InvokeRequest{
		NodeID: "node-1", Command: "fs.write",
		Params: map[string]any{"path": "a.txt", "approvalToken": token},
	})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, 1, transport.calls)
	_, hasToken := transport.gotParams["approvalToken"]
	require.False(t, hasToken, "approvalToken must be stripped before reaching transport")
}

func TestInvokeDangerousCommandDeniedWithoutSafeExposure(t *testing.T) {
	transport := &stubTransport{}
	f, _, capMgr := newTestFront(t, transport, false)

	payloadHash := PayloadHash("node-1", "fs.write", map[string]any{"path": "a.txt"})
	bindHash := capability.BindHash(map[string]any{
		"capability":  "node:fs_write",
		"subject":     "node-1",
		"payloadHash": payloadHash,
		"agentId":     "agent-1",
		"sessionKey":  "sess-1",
	})
	token := capMgr.IssueToken(bindHash)

	_, err := f.Invoke(context.Background(), InvokeRequest{
		NodeID: "node-1", Command: "fs.write",
		Params: map[string]any{"path": "a.txt", "approvalToken": token},
	})
	require.Error(t, err)
	require.Equal(t, kernelerr.CodeNotAllowed, kernelerr.GetCode(err))
}

func TestInvokeStripsBypassFields(t *testing.T) {
	transport := &stubTransport{}
	f, _, _ := newTestFront(t, transport, true)

	_, err := f.Invoke(context.Background(), InvokeRequest{
		NodeID: "node-1", Command: "fs.read",
		Params: map[string]any{"path": "a.txt", "approved": true, "approvalDecision": "allow_once"},
	})
	require.NoError(t, err)
	_, hasApproved := transport.gotParams["approved"]
	_, hasDecision := transport.gotParams["approvalDecision"]
	require.False(t, hasApproved)
	require.False(t, hasDecision)
}

func TestInvokeRateLimitedAfterMaxAttempts(t *testing.T) {
	sessions := NewSessionRegistry()
	sessions.Register(&NodeSession{NodeID: "node-1", SessionKey: "sess-1"})
	lim := limiter.New(limiter.Config{MaxAttempts: 1})
	capMgr := capability.New()
	led := ledger.New(t.TempDir())
	transport := &stubTransport{}
	f := New(sessions, NewPolicyRegistry(nil), lim, capMgr, NewIdempotencyGuard(nil), led, transport,
		WithConfig(Config{SafeExposure: true}))

	req := InvokeRequest{NodeID: "node-1", Command: "fs.read", Params: map[string]any{"path": "a.txt"}}
	_, err := f.Invoke(context.Background(), req)
	require.NoError(t, err)

	_, err = f.Invoke(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, kernelerr.CodeRateLimited, kernelerr.GetCode(err))
}

func TestInvokeSystemRunRejectsShellMetacharacters(t *testing.T) {
	transport := &stubTransport{}
	f, _, capMgr := newTestFront(t, transport, true)

	payloadHash := PayloadHash("node-1", "system.run", map[string]any{"command": "ls; rm -rf /"})
	bindHash := capability.BindHash(map[string]any{
		"capability":  "node:exec",
		"subject":     "node-1",
		"payloadHash": payloadHash,
		"agentId":     "agent-1",
		"sessionKey":  "sess-1",
	})
	token := capMgr.IssueToken(bindHash)

	_, err := f.Invoke(context.Background(), InvokeRequest{
		NodeID: "node-1", Command: "system.run",
		Params: map[string]any{"command": "ls; rm -rf /", "approvalToken": token},
	})
	require.Error(t, err)
	require.Equal(t, kernelerr.CodePolicyExecSecurityForbidden, kernelerr.GetCode(err))
	require.Equal(t, 0, transport.calls)
}

func TestInvokeSystemRunFiltersUnsafeEnvWithJSONShapedParams(t *testing.T) {
	transport := &stubTransport{}
	f, _, capMgr := newTestFront(t, transport, true)

	// A real node.invoke caller's params arrive from encoding/json into
	// map[string]any, so nested object fields like "env" decode to
	// map[string]any too, never to a literal map[string]string.
	params := map[string]any{
		"command": "ls",
		"env": map[string]any{
			"PATH":           "/usr/bin",
			"AWS_SECRET_KEY": "shh",
		},
	}

	payloadHash := PayloadHash("node-1", "system.run", params)
	bindHash := capability.BindHash(map[string]any{
		"capability":  "node:exec",
		"subject":     "node-1",
		"payloadHash": payloadHash,
		"agentId":     "agent-1",
		"sessionKey":  "sess-1",
	})
	token := capMgr.IssueToken(bindHash)
	params["approvalToken"] = token

	res, err := f.Invoke(context.Background(), InvokeRequest{
		NodeID: "node-1", Command: "system.run", Params: params,
	})
	require.NoError(t, err)
	require.True(t, res.OK)

	gotEnv, ok := transport.gotParams["env"].(map[string]string)
	require.True(t, ok, "env must reach transport as map[string]string")
	require.Equal(t, "/usr/bin", gotEnv["PATH"])
	_, hasSecret := gotEnv["AWS_SECRET_KEY"]
	require.False(t, hasSecret, "unsafe env key must be filtered before reaching transport")
}

func TestInvokeIdempotencyKeyReuseWithDifferentPayloadDenied(t *testing.T) {
	transport := &stubTransport{}
	f, _, capMgr := newTestFront(t, transport, true)

	issueToken := func(path string) string {
		payloadHash := PayloadHash("node-1", "fs.write", map[string]any{"path": path})
		bindHash := capability.BindHash(map[string]any{
			"capability":  "node:fs_write",
			"subject":     "node-1",
			"payloadHash": payloadHash,
			"agentId":     "agent-1",
			"sessionKey":  "sess-1",
		})
		return capMgr.IssueToken(bindHash)
	}

	_, err := f.Invoke(context.Background(), InvokeRequest{
		NodeID: "node-1", Command: "fs.write", IdempotencyKey: "K",
		Params: map[string]any{"path": "a.txt", "approvalToken": issueToken("a.txt")},
	})
	require.NoError(t, err)

	_, err = f.Invoke(context.Background(), InvokeRequest{
		NodeID: "node-1", Command: "fs.write", IdempotencyKey: "K",
		Params: map[string]any{"path": "b.txt", "approvalToken": issueToken("b.txt")},
	})
	require.Error(t, err)
	require.Equal(t, kernelerr.CodeApprovalIdempotency, kernelerr.GetCode(err))
}

func TestClampBudgetNeverExceedsDefaultTimeout(t *testing.T) {
	b := ClampBudget(false, 10*time.Minute.Milliseconds())
	require.Equal(t, DefaultExecBudget.Timeout, b.Timeout)
}

func TestClampBudgetHonorsShorterCallerTimeout(t *testing.T) {
	b := ClampBudget(false, 5000)
	require.Equal(t, 5*time.Second, b.Timeout)
}

func TestClampBudgetDangerousUsesStricterDefaults(t *testing.T) {
	b := ClampBudget(true, 0)
	require.Equal(t, DefaultDangerousBudget, b)
}
