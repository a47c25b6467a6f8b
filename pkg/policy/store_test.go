package policy

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreLoadUnsignedWhenVerificationDisabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mode":"allowlist","allowTools":["read"]}`), 0o600))

	s := NewStore(false, nil)
	require.NoError(t, s.Load(path))
	require.True(t, s.HasActive())
	require.True(t, s.Active().IsAllowlisted("read"))
}

func TestStoreLoadRequiresPathWhenVerifying(t *testing.T) {
	s := NewStore(true, []byte("irrelevant"))
	err := s.Load("")
	require.Error(t, err)
}

func TestStoreLoadRequiresPublicKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	s := NewStore(true, nil)
	require.Error(t, s.Load(path))
}

func TestStoreLoadVerifiesEd25519Signature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	content := []byte(`{"mode":"allowlist","allowTools":["read"]}`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	sig := ed25519.Sign(priv, content)
	require.NoError(t, os.WriteFile(path+".sig", []byte(base64.StdEncoding.EncodeToString(sig)), 0o600))

	pkixBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pkixBytes})

	s := NewStore(true, pemBytes)
	require.NoError(t, s.Load(path))
	require.True(t, s.Active().IsAllowlisted("read"))
}

func TestStoreLoadRejectsBadSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	content := []byte(`{"mode":"allowlist"}`)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	sig := ed25519.Sign(otherPriv, content)
	require.NoError(t, os.WriteFile(path+".sig", []byte(base64.StdEncoding.EncodeToString(sig)), 0o600))

	pkixBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pkixBytes})

	s := NewStore(true, pemBytes)
	require.Error(t, s.Load(path))
	require.False(t, s.HasActive())
}

func TestStoreLoadFailureKeepsPreviousPolicyActive(t *testing.T) {
	dir := t.TempDir()
	goodPath := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(goodPath, []byte(`{"mode":"allowlist","allowTools":["read"]}`), 0o600))

	s := NewStore(false, nil)
	require.NoError(t, s.Load(goodPath))

	require.Error(t, s.Load(filepath.Join(dir, "missing.json")))
	require.True(t, s.Active().IsAllowlisted("read"))
}

func TestStoreSha256Stable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mode":"allowlist"}`), 0o600))

	s := NewStore(false, nil)
	require.NoError(t, s.Load(path))
	first := s.Sha256()
	require.NotEmpty(t, first)
	require.NoError(t, s.Load(path))
	require.Equal(t, first, s.Sha256())
}
