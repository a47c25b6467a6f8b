package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendFirstEntryChainsFromGenesis(t *testing.T) {
	l := New(t.TempDir())
	env, err := l.Append("sess-1", map[string]any{"tool": "read_file"})
	require.NoError(t, err)
	require.Equal(t, genesisHash, env.PrevHash)
	require.NotEmpty(t, env.Hash)
}

func TestAppendChainsPrevHashToPriorHash(t *testing.T) {
	l := New(t.TempDir())
	env1, err := l.Append("sess-1", map[string]any{"n": 1})
	require.NoError(t, err)
	env2, err := l.Append("sess-1", map[string]any{"n": 2})
	require.NoError(t, err)
	require.Equal(t, env1.Hash, env2.PrevHash)
}

func TestAppendRedactsSecretFields(t *testing.T) {
	l := New(t.TempDir())
	env, err := l.Append("sess-1", map[string]any{
		"apiKey":        "sk-live-secret",
		"password":      "hunter2",
		"Authorization": "Bearer abc123",
		"command":       "ls",
	})
	require.NoError(t, err)

	m := env.Payload.(map[string]any)
	require.Equal(t, redactedPlaceholder, m["apiKey"])
	require.Equal(t, redactedPlaceholder, m["password"])
	require.Equal(t, redactedPlaceholder, m["Authorization"])
	require.Equal(t, "ls", m["command"])
}

func TestAppendRedactsNestedSecretFields(t *testing.T) {
	l := New(t.TempDir())
	env, err := l.Append("sess-1", map[string]any{
		"request": map[string]any{"token": "tok-abc"},
	})
	require.NoError(t, err)
	m := env.Payload.(map[string]any)
	nested := m["request"].(map[string]any)
	require.Equal(t, redactedPlaceholder, nested["token"])
}

func TestSidecarMatchesLastEnvelopeHash(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	_, err := l.Append("sess-1", map[string]any{"n": 1})
	require.NoError(t, err)
	env2, err := l.Append("sess-1", map[string]any{"n": 2})
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(dir, SafeKey("sess-1")+".jsonl.last"))
	require.NoError(t, err)
	require.Equal(t, env2.Hash+"\n", string(b))
}

func TestSidecarDeletionDoesNotCorruptFutureAppends(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	env1, err := l.Append("sess-1", map[string]any{"n": 1})
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, SafeKey("sess-1")+".jsonl.last")))

	env2, err := l.Append("sess-1", map[string]any{"n": 2})
	require.NoError(t, err)
	require.Equal(t, env1.Hash, env2.PrevHash)

	require.NoError(t, l.Verify("sess-1"))
}

func TestSafeKeySanitizesUnsafeCharacters(t *testing.T) {
	require.Equal(t, "a_b_c", SafeKey("a/b c"))
	require.Equal(t, "_", SafeKey(""))
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	_, err := l.Append("sess-1", map[string]any{"n": 1})
	require.NoError(t, err)

	path := filepath.Join(dir, SafeKey("sess-1")+".jsonl")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := []byte(`{"prevHash":"GENESIS","hash":"deadbeef","payload":{"n":999}}` + "\n")
	_ = data
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	require.Error(t, l.Verify("sess-1"))
}

func TestReadAllReturnsEnvelopesInAppendOrder(t *testing.T) {
	l := New(t.TempDir())
	_, err := l.Append("sess-1", map[string]any{"n": 1})
	require.NoError(t, err)
	_, err = l.Append("sess-1", map[string]any{"n": 2})
	require.NoError(t, err)

	envs, err := l.ReadAll("sess-1")
	require.NoError(t, err)
	require.Len(t, envs, 2)
	require.Equal(t, float64(1), envs[0].Payload.(map[string]any)["n"])
	require.Equal(t, float64(2), envs[1].Payload.(map[string]any)["n"])
}

func TestReadAllOnMissingLedgerReturnsEmpty(t *testing.T) {
	l := New(t.TempDir())
	envs, err := l.ReadAll("never-appended")
	require.NoError(t, err)
	require.Empty(t, envs)
}
