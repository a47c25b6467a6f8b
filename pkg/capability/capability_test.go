package capability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBindHashDeterministic(t *testing.T) {
	h1 := BindHash(map[string]any{"b": 1, "a": 2})
	h2 := BindHash(map[string]any{"a": 2, "b": 1})
	require.Equal(t, h1, h2)
}

func TestCreateRefusesDuplicateExplicitID(t *testing.T) {
	m := New()
	_, ok := m.Create("req-1", "sess-1", "exec", map[string]any{"command": "ls"}, "high", 60_000)
	require.True(t, ok)

	_, ok = m.Create("req-1", "sess-1", "exec", map[string]any{"command": "ls"}, "high", 60_000)
	require.False(t, ok)
}

func TestResolveThenWaitReturnsDecisionImmediately(t *testing.T) {
	m := New()
	r, ok := m.Create("", "sess-1", "exec", map[string]any{"command": "ls"}, "high", 60_000)
	require.True(t, ok)

	_, resolved := m.Resolve(context.Background(), r.ID, DecisionAllowOnce, "human:alice")
	require.True(t, resolved)

	d, ok := m.WaitForDecision(context.Background(), r, 1000)
	require.True(t, ok)
	require.Equal(t, DecisionAllowOnce, d)
}

func TestWaitForDecisionBlocksUntilResolve(t *testing.T) {
	m := New()
	r, _ := m.Create("", "sess-1", "exec", map[string]any{"command": "ls"}, "high", 60_000)

	done := make(chan Decision, 1)
	go func() {
		d, _ := m.WaitForDecision(context.Background(), r, 5000)
		done <- d
	}()

	time.Sleep(10 * time.Millisecond)
	_, _ = m.Resolve(context.Background(), r.ID, DecisionDeny, "human:bob")

	select {
	case d := <-done:
		require.Equal(t, DecisionDeny, d)
	case <-time.After(time.Second):
		t.Fatal("WaitForDecision never returned")
	}
}

func TestWaitForDecisionTimesOut(t *testing.T) {
	m := New()
	r, _ := m.Create("", "sess-1", "exec", map[string]any{"command": "ls"}, "high", 60_000)

	_, ok := m.WaitForDecision(context.Background(), r, 10)
	require.False(t, ok)
}

func TestReResolveIsNoOp(t *testing.T) {
	m := New()
	r, _ := m.Create("", "sess-1", "exec", map[string]any{"command": "ls"}, "high", 60_000)

	_, ok := m.Resolve(context.Background(), r.ID, DecisionAllowOnce, "human:alice")
	require.True(t, ok)

	_, ok = m.Resolve(context.Background(), r.ID, DecisionDeny, "human:eve")
	require.False(t, ok)
}

func TestConsumeTokenSingleUse(t *testing.T) {
	m := New()
	payload := map[string]any{"command": "ls"}
	r, _ := m.Create("", "sess-1", "exec", payload, "high", 60_000)
	tok, ok := m.Resolve(context.Background(), r.ID, DecisionAllowOnce, "human:alice")
	require.True(t, ok)
	require.NotEmpty(t, tok)

	bindHash := BindHash(payload)
	require.True(t, m.ConsumeToken(tok, bindHash))
	require.False(t, m.ConsumeToken(tok, bindHash))
}

func TestConsumeTokenRejectsMismatchedBindHash(t *testing.T) {
	m := New()
	payload := map[string]any{"command": "ls"}
	r, _ := m.Create("", "sess-1", "exec", payload, "high", 60_000)
	tok, _ := m.Resolve(context.Background(), r.ID, DecisionAllowOnce, "human:alice")

	otherPayload := map[string]any{"command": "rm -rf /"}
	require.False(t, m.ConsumeToken(tok, BindHash(otherPayload)))
	// still consumable with the correct hash afterward
	require.True(t, m.ConsumeToken(tok, BindHash(payload)))
}

func TestConsumeTokenRejectsExpired(t *testing.T) {
	m := New(WithTokenTTL(time.Millisecond))
	payload := map[string]any{"command": "ls"}
	r, _ := m.Create("", "sess-1", "exec", payload, "high", 60_000)
	tok, _ := m.Resolve(context.Background(), r.ID, DecisionAllowOnce, "human:alice")

	time.Sleep(5 * time.Millisecond)
	require.False(t, m.ConsumeToken(tok, BindHash(payload)))
}

func TestDenyDoesNotIssueToken(t *testing.T) {
	m := New()
	r, _ := m.Create("", "sess-1", "exec", map[string]any{"command": "ls"}, "high", 60_000)
	tok, ok := m.Resolve(context.Background(), r.ID, DecisionDeny, "human:alice")
	require.True(t, ok)
	require.Empty(t, tok)
}
