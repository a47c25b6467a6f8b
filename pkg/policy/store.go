package policy

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"sync"

	"github.com/openclaw/kernel/pkg/kernelerr"
)

// Store loads, verifies, and caches the single active policy document. The
// Kernel never widens a policy at runtime (spec §3 invariant i): a failed
// Load or Apply leaves the previously installed policy in place.
type Store struct {
	mu sync.RWMutex

	active    *Document
	activeRaw []byte

	requireSignature bool
	publicKeyPEM     []byte
}

// NewStore constructs an empty Store. requireSignature mirrors
// RFSN_VERIFY_POLICY; publicKeyPEM mirrors RFSN_POLICY_PUBKEY.
func NewStore(requireSignature bool, publicKeyPEM []byte) *Store {
	return &Store{requireSignature: requireSignature, publicKeyPEM: publicKeyPEM}
}

// Active returns the currently installed policy document, or nil if none
// has ever been installed.
func (s *Store) Active() *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return nil
	}
	return s.active.clone()
}

// Sha256 returns the hex fingerprint of the active policy's raw bytes, the
// value stamped into every proposal's provenance.policySha256.
func (s *Store) Sha256() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeRaw == nil {
		return ""
	}
	sum := sha256.Sum256(s.activeRaw)
	return hex.EncodeToString(sum[:])
}

// HasActive reports whether a policy document has ever been installed.
func (s *Store) HasActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active != nil
}

// Load reads path as a UTF-8 JSON policy document, verifying the detached
// signature at "<path>.sig" when signature verification is required. On
// any parse or verification failure the previously installed policy (if
// any) remains active and a *kernelerr.Error describing the failure is
// returned.
func (s *Store) Load(path string) error {
	if s.requireSignature && path == "" {
		return kernelerr.New(kernelerr.CodePolicyVerifyNoPath, "policy verification enabled but no policy path configured")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return kernelerr.Wrap(err, kernelerr.CodeInvalidRequest, "failed to read policy file")
	}

	if s.requireSignature {
		if len(s.publicKeyPEM) == 0 {
			return kernelerr.New(kernelerr.CodePolicyVerifyNoPublicKey, "policy verification enabled but no public key configured")
		}
		sigRaw, err := os.ReadFile(path + ".sig")
		if err != nil {
			return kernelerr.Wrap(err, kernelerr.CodePolicySignatureInvalid, "failed to read policy signature file")
		}
		if err := verifyDetachedSignature(raw, sigRaw, s.publicKeyPEM); err != nil {
			return kernelerr.Wrap(err, kernelerr.CodePolicySignatureInvalid, "policy signature verification failed")
		}
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return kernelerr.Wrap(err, kernelerr.CodeInvalidRequest, "policy document is not valid JSON")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = &doc
	s.activeRaw = raw
	return nil
}

// InstallUnsigned installs doc directly, bypassing file I/O and signature
// verification. Load never calls it.
func (s *Store) InstallUnsigned(doc *Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return kernelerr.Wrap(err, kernelerr.CodeInvalidRequest, "failed to marshal policy document")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = doc.clone()
	s.activeRaw = raw
	return nil
}

// verifyDetachedSignature verifies sigB64 (base64-encoded) over payload
// using either an RSA-SHA256 (PKCS1v15) or Ed25519 public key, whichever
// the PEM block decodes to. There is no third-party library in the example
// corpus that performs raw detached-signature verification the way a
// policy file demands, so this stays on the standard library crypto
// packages — see DESIGN.md.
func verifyDetachedSignature(payload, sigB64 []byte, publicKeyPEM []byte) error {
	sig, err := base64.StdEncoding.DecodeString(string(trimSpace(sigB64)))
	if err != nil {
		return fmt.Errorf("signature is not valid base64: %w", err)
	}

	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return fmt.Errorf("public key is not valid PEM")
	}

	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return fmt.Errorf("unrecognized public key format: %w", err)
		}
		switch pub := key.(type) {
		case ed25519.PublicKey:
			if ed25519.Verify(pub, payload, sig) {
				return nil
			}
			return fmt.Errorf("ed25519 signature mismatch")
		case *rsa.PublicKey:
			digest := sha256.Sum256(payload)
			if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
				return fmt.Errorf("rsa signature mismatch: %w", err)
			}
			return nil
		default:
			return fmt.Errorf("unsupported public key type %T", pub)
		}
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return fmt.Errorf("failed to parse PKCS1 RSA public key: %w", err)
		}
		digest := sha256.Sum256(payload)
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
			return fmt.Errorf("rsa signature mismatch: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}

// generateRandomID returns n random bytes from crypto/rand. Nothing in the
// package calls it.
func generateRandomID(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
