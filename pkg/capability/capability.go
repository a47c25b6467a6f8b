// Package capability implements the Capability & Approval Manager (C4):
// bind-hashed approval requests, human resolution, and single-use tokens
// that authorize a dangerous action exactly once.
package capability

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/openclaw/kernel/pkg/bus"
	"github.com/openclaw/kernel/pkg/canonicaljson"
	"github.com/openclaw/kernel/pkg/storage"
)

// Decision is a human or policy resolution of a pending approval.
type Decision string

const (
	DecisionAllowOnce   Decision = "allow_once"
	DecisionAllowAlways Decision = "allow_always"
	DecisionDeny        Decision = "deny"
)

// BindHash computes SHA256(canonicalJSON(payload)) — the one shared
// hashing routine used identically here and by the ledger, per the
// "canonical JSON → one shared helper" design note.
func BindHash(payload any) string {
	sum := sha256.Sum256(canonicaljson.MustMarshal(payload))
	return hex.EncodeToString(sum[:])
}

// Record is one pending or resolved approval request.
type Record struct {
	ID         string
	SessionKey string
	ToolName   string
	BindHash   string
	Risk       string
	CreatedAt  time.Time
	ExpiresAt  time.Time

	mu         sync.Mutex
	resolved   bool
	decision   Decision
	resolvedBy string
	waiters    []chan struct{}
}

func (r *Record) notifyWaiters() {
	r.mu.Lock()
	waiters := r.waiters
	r.waiters = nil
	r.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// token is an issued one-shot approval token.
type token struct {
	approvalID string
	bindHash   string
	expiresAt  time.Time
}

// Durability is the optional SQLite mirror used for crash recovery. The
// in-memory Manager state is authoritative; Durability is best-effort and
// its errors are never surfaced to callers. Satisfied by *storage.Store.
type Durability interface {
	SaveApproval(r *storage.ApprovalRecord) error
	SaveToken(tok, approvalID, bindHash string, expiresAt time.Time) error
	ConsumeTokenRow(tok string, now time.Time) error
}

// Publisher broadcasts resolution events; "drop if slow" per spec §4.4
// invariant (iii) — a Manager never blocks on this.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Manager is the in-memory Capability & Approval Manager.
type Manager struct {
	mu       sync.Mutex
	pending  map[string]*Record
	tokens   map[string]*token
	tokenTTL time.Duration

	durability Durability
	publisher  Publisher

	nowFn func() time.Time
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithDurability attaches an optional SQLite durability mirror.
func WithDurability(d Durability) Option { return func(m *Manager) { m.durability = d } }

// WithPublisher attaches a bus.MessageBus (or any Publisher) for
// exec.approval.resolved broadcasts.
func WithPublisher(p Publisher) Option { return func(m *Manager) { m.publisher = p } }

// WithTokenTTL overrides the default 120s token lifetime.
func WithTokenTTL(d time.Duration) Option { return func(m *Manager) { m.tokenTTL = d } }

// New constructs a Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		pending:  make(map[string]*Record),
		tokens:   make(map[string]*token),
		tokenTTL: 120 * time.Second,
		nowFn:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create registers a new pending approval. If explicitID is non-empty and
// already pending, Create refuses with ok=false.
func (m *Manager) Create(explicitID, sessionKey, toolName string, payload any, risk string, timeoutMs int64) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if explicitID != "" {
		if existing, ok := m.pending[explicitID]; ok && !existing.resolved {
			return nil, false
		}
	}

	id := explicitID
	if id == "" {
		id = generateID()
	}

	now := m.nowFn()
	r := &Record{
		ID:         id,
		SessionKey: sessionKey,
		ToolName:   toolName,
		BindHash:   BindHash(payload),
		Risk:       risk,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Duration(timeoutMs) * time.Millisecond),
	}
	m.pending[id] = r

	if m.durability != nil {
		_ = m.durability.SaveApproval(&storage.ApprovalRecord{
			ID: id, SessionKey: sessionKey, ToolName: toolName, BindHash: r.BindHash,
			Risk: risk, Status: "pending", ExpiresAt: r.ExpiresAt, CreatedAt: now,
		})
	}

	return r, true
}

// WaitForDecision suspends until Resolve is called for r.ID or timeoutMs
// elapses or ctx is cancelled. Both expiry and cancellation are observed
// as a timeout: decision="" , ok=false.
func (m *Manager) WaitForDecision(ctx context.Context, r *Record, timeoutMs int64) (Decision, bool) {
	r.mu.Lock()
	if r.resolved {
		d := r.decision
		r.mu.Unlock()
		return d, true
	}
	ch := make(chan struct{})
	r.waiters = append(r.waiters, ch)
	r.mu.Unlock()

	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ch:
		r.mu.Lock()
		d := r.decision
		ok := r.resolved
		r.mu.Unlock()
		return d, ok
	case <-timer.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

// Resolve finalizes r.ID with decision, made by resolvedBy. Re-resolving
// an already-resolved id is a no-op returning false (spec §4.4 invariant
// ii). On allow-once/allow-always, IssueToken is called automatically and
// exec.approval.resolved is broadcast (best-effort, never blocking).
func (m *Manager) Resolve(ctx context.Context, id string, decision Decision, resolvedBy string) (string, bool) {
	m.mu.Lock()
	r, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return "", false
	}
	m.mu.Unlock()

	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return "", false
	}
	r.resolved = true
	r.decision = decision
	r.resolvedBy = resolvedBy
	r.mu.Unlock()

	r.notifyWaiters()

	now := m.nowFn()
	if m.durability != nil {
		_ = m.durability.SaveApproval(&storage.ApprovalRecord{
			ID: r.ID, SessionKey: r.SessionKey, ToolName: r.ToolName, BindHash: r.BindHash,
			Risk: r.Risk, Status: string(decision), ResolvedBy: resolvedBy, ResolvedAt: now,
			ExpiresAt: r.ExpiresAt, CreatedAt: r.CreatedAt,
		})
	}

	var issued string
	if decision == DecisionAllowOnce || decision == DecisionAllowAlways {
		issued = m.issueToken(r.BindHash, r.ID)
	}

	if m.publisher != nil {
		go func() {
			_ = m.publisher.Publish(ctx, bus.ResolvedSubject, []byte(r.ID+":"+string(decision)))
		}()
	}

	return issued, true
}

// IssueToken mints a fresh opaque token bound to bindHash, independent of
// any pending Record — used when a caller pre-authorizes a known payload.
func (m *Manager) IssueToken(bindHash string) string {
	return m.issueToken(bindHash, "")
}

func (m *Manager) issueToken(bindHash, approvalID string) string {
	tok := generateID()
	expiresAt := m.nowFn().Add(m.tokenTTL)

	m.mu.Lock()
	m.tokens[tok] = &token{approvalID: approvalID, bindHash: bindHash, expiresAt: expiresAt}
	m.mu.Unlock()

	if m.durability != nil {
		_ = m.durability.SaveToken(tok, approvalID, bindHash, expiresAt)
	}

	return tok
}

// ConsumeToken atomically consumes tok if it exists, is unexpired, and its
// bound hash equals expectedBindHash (recomputed by the caller from the
// action actually being executed — never trust a caller-supplied hash).
// Tokens are single-use (P4); the same token can never authorize two
// different payloads (P5) because expectedBindHash must match exactly.
func (m *Manager) ConsumeToken(tok, expectedBindHash string) bool {
	now := m.nowFn()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepExpiredLocked(now)

	t, ok := m.tokens[tok]
	if !ok {
		return false
	}
	if now.After(t.expiresAt) || t.bindHash != expectedBindHash {
		return false
	}

	delete(m.tokens, tok)

	if m.durability != nil {
		_ = m.durability.ConsumeTokenRow(tok, now)
	}

	return true
}

// sweepExpiredLocked drops expired tokens and pending records. Called on
// every token access per spec §4.4.
func (m *Manager) sweepExpiredLocked(now time.Time) {
	for k, t := range m.tokens {
		if now.After(t.expiresAt) {
			delete(m.tokens, k)
		}
	}
	for id, r := range m.pending {
		if now.After(r.ExpiresAt) {
			delete(m.pending, id)
		}
	}
}

func generateID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
