package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// ApprovalRecord mirrors one capability-approval request for durability
// across restarts. The in-memory record in pkg/capability is
// authoritative; this is a recovery aid only.
type ApprovalRecord struct {
	ID         string
	SessionKey string
	ToolName   string
	BindHash   string
	Risk       string
	Status     string // pending, allow_once, allow_always, deny, expired
	ResolvedBy string
	ResolvedAt time.Time
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// SaveApproval inserts or updates an approval record.
func (s *Store) SaveApproval(r *ApprovalRecord) error {
	if s.db == nil {
		return ErrStoreClosed
	}

	var resolvedAt any
	if !r.ResolvedAt.IsZero() {
		resolvedAt = r.ResolvedAt
	}
	var resolvedBy any
	if r.ResolvedBy != "" {
		resolvedBy = r.ResolvedBy
	}

	_, err := s.db.Exec(`
		INSERT INTO capability_approvals (id, session_key, tool_name, bind_hash, risk, status, resolved_by, resolved_at, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			resolved_by = excluded.resolved_by,
			resolved_at = excluded.resolved_at
	`, r.ID, r.SessionKey, r.ToolName, r.BindHash, r.Risk, r.Status, resolvedBy, resolvedAt, r.ExpiresAt, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("save approval: %w", err)
	}

	eventType := EventApprovalCreated
	if r.Status != "pending" {
		eventType = EventApprovalDecided
	}
	s.notify(newEvent(eventType, r.SessionKey, r.ID, map[string]any{
		"tool_name": r.ToolName,
		"risk":      r.Risk,
		"status":    r.Status,
	}))

	return nil
}

// LoadPendingApprovals returns approvals that had not resolved by the
// time of the last shutdown, used to repopulate the in-memory manager on
// startup.
func (s *Store) LoadPendingApprovals() ([]*ApprovalRecord, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT id, session_key, tool_name, bind_hash, risk, status, resolved_by, resolved_at, expires_at, created_at
		FROM capability_approvals
		WHERE status = 'pending'
	`)
	if err != nil {
		return nil, fmt.Errorf("load pending approvals: %w", err)
	}
	defer rows.Close()

	var out []*ApprovalRecord
	for rows.Next() {
		r := &ApprovalRecord{}
		var resolvedBy sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.SessionKey, &r.ToolName, &r.BindHash, &r.Risk, &r.Status,
			&resolvedBy, &resolvedAt, &r.ExpiresAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		if resolvedBy.Valid {
			r.ResolvedBy = resolvedBy.String
		}
		if resolvedAt.Valid {
			r.ResolvedAt = resolvedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveToken persists a one-shot approval token.
func (s *Store) SaveToken(token, approvalID, bindHash string, expiresAt time.Time) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	_, err := s.db.Exec(`
		INSERT INTO capability_tokens (token, approval_id, bind_hash, expires_at)
		VALUES (?, ?, ?, ?)
	`, token, approvalID, bindHash, expiresAt)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// ConsumeTokenRow marks a token consumed. A token that was already
// consumed, expired, or never existed matches no row and is not an error
// (nil is returned). Mirrors the in-memory
// manager's ConsumeToken semantics for crash recovery only; the live
// single-use guarantee (P4/P5) is enforced in-memory, not here.
func (s *Store) ConsumeTokenRow(token string, now time.Time) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	_, err := s.db.Exec(`
		UPDATE capability_tokens SET consumed_at = ?
		WHERE token = ? AND consumed_at IS NULL AND expires_at > ?
	`, now, token, now)
	if err != nil {
		return fmt.Errorf("consume token: %w", err)
	}
	return nil
}

// IdempotencyEntry is one cached dangerous-command response keyed by the
// caller-supplied idempotency key (spec P6).
type IdempotencyEntry struct {
	Key          string
	PayloadHash  string
	ResponseJSON string
	CreatedAt    time.Time
}

// LoadIdempotency returns the cached entry for key, or nil if absent.
func (s *Store) LoadIdempotency(key string) (*IdempotencyEntry, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	row := s.db.QueryRow(`
		SELECT idempotency_key, payload_hash, response_json, created_at
		FROM dangerous_idempotency WHERE idempotency_key = ?
	`, key)

	e := &IdempotencyEntry{}
	err := row.Scan(&e.Key, &e.PayloadHash, &e.ResponseJSON, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load idempotency: %w", err)
	}
	return e, nil
}

// SaveIdempotency inserts a new cached response. Callers must first check
// LoadIdempotency to implement the same-key/different-payload deny path;
// this call fails silently (no-op) if the key already exists so that the
// in-memory layer remains authoritative for the conflict decision.
func (s *Store) SaveIdempotency(e *IdempotencyEntry) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO dangerous_idempotency (idempotency_key, payload_hash, response_json, created_at)
		VALUES (?, ?, ?, ?)
	`, e.Key, e.PayloadHash, e.ResponseJSON, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("save idempotency: %w", err)
	}
	return nil
}
