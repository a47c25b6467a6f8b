package rpcfront

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/openclaw/kernel/pkg/canonicaljson"
	"github.com/openclaw/kernel/pkg/storage"
)

// PayloadHash computes the deterministic digest of a dangerous command's
// identity (spec §4.7 step 4: "(nodeId, command, normalized-params)").
func PayloadHash(nodeID, command string, normalizedParams map[string]any) string {
	sum := sha256.Sum256(canonicaljson.MustMarshal(map[string]any{
		"nodeId":  nodeID,
		"command": command,
		"params":  normalizedParams,
	}))
	return hex.EncodeToString(sum[:])
}

// DedupeKey builds the idempotency cache key scoping a caller-supplied
// idempotencyKey to the rate-limit key it was presented under.
func DedupeKey(rateLimitKey, idempotencyKey string) string {
	return "node-danger:" + rateLimitKey + ":" + idempotencyKey
}

// IdempotencyStore is the durability interface consulted for dangerous
// command dedupe. Satisfied by *storage.Store. Best-effort only: the
// in-memory cache in IdempotencyGuard is authoritative, mirroring the
// pkg/capability Manager/Durability split.
type IdempotencyStore interface {
	LoadIdempotency(key string) (*storage.IdempotencyEntry, error)
	SaveIdempotency(e *storage.IdempotencyEntry) error
}

type idempotencyConflict struct{}

func (idempotencyConflict) Error() string {
	return "idempotency key reused with different payload"
}

// ErrIdempotencyConflict is returned when a dedupe key is replayed with a
// changed payload hash.
var ErrIdempotencyConflict error = idempotencyConflict{}

type cachedResponse struct {
	payloadHash string
	response    map[string]any
}

// IdempotencyGuard dedupes concurrent and repeated dangerous-command
// invocations sharing an idempotency key. An in-memory cache is
// authoritative (so dedupe holds even with no durable store configured);
// a singleflight.Group additionally collapses genuinely concurrent callers
// into one in-flight call; IdempotencyStore persists the result so a later
// replay after a process restart still sees it.
type IdempotencyGuard struct {
	store IdempotencyStore
	group singleflight.Group

	mu    sync.Mutex
	cache map[string]cachedResponse
}

// NewIdempotencyGuard constructs a guard. store may be nil, in which case
// only the in-process cache applies (no cross-restart replay).
func NewIdempotencyGuard(store IdempotencyStore) *IdempotencyGuard {
	return &IdempotencyGuard{store: store, cache: make(map[string]cachedResponse)}
}

// Peek returns the cached entry for dedupeKey, or nil if none is recorded.
func (g *IdempotencyGuard) Peek(dedupeKey string) (*storage.IdempotencyEntry, error) {
	g.mu.Lock()
	cached, ok := g.cache[dedupeKey]
	g.mu.Unlock()
	if ok {
		payload, _ := json.Marshal(cached.response)
		return &storage.IdempotencyEntry{Key: dedupeKey, PayloadHash: cached.payloadHash, ResponseJSON: string(payload)}, nil
	}
	if g.store == nil {
		return nil, nil
	}
	return g.store.LoadIdempotency(dedupeKey)
}

// Do executes fn at most once for dedupeKey. If a prior call (in-memory,
// or recovered from the durable store) used the same key with a DIFFERENT
// payloadHash, Do returns ErrIdempotencyConflict without calling fn. If the
// same payloadHash was already recorded, the cached response is returned
// without calling fn again. Concurrent callers sharing dedupeKey collapse
// into a single fn invocation via singleflight.
func (g *IdempotencyGuard) Do(dedupeKey, payloadHash string, fn func() (map[string]any, error)) (map[string]any, error) {
	if entry, err := g.Peek(dedupeKey); err == nil && entry != nil {
		if entry.PayloadHash != payloadHash {
			return nil, ErrIdempotencyConflict
		}
		var cached map[string]any
		if json.Unmarshal([]byte(entry.ResponseJSON), &cached) == nil {
			return cached, nil
		}
	}

	v, err, _ := g.group.Do(dedupeKey, func() (any, error) {
		result, err := fn()
		if err != nil {
			return nil, err
		}

		g.mu.Lock()
		g.cache[dedupeKey] = cachedResponse{payloadHash: payloadHash, response: result}
		g.mu.Unlock()

		if g.store != nil {
			if payload, marshalErr := json.Marshal(result); marshalErr == nil {
				_ = g.store.SaveIdempotency(&storage.IdempotencyEntry{
					Key:          dedupeKey,
					PayloadHash:  payloadHash,
					ResponseJSON: string(payload),
					CreatedAt:    time.Now(),
				})
			}
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}
