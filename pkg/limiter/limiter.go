// Package limiter implements the Dangerous-Action Limiter (C5): a per-key
// sliding-window rate limiter with a denial tripwire, per-key concurrency
// caps, and a global pool of concurrent-dangerous-action slots.
package limiter

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// Outcome classifies the result of CheckAndConsume.
type Outcome string

const (
	OutcomeAllowed     Outcome = "allowed"
	OutcomeBlocked     Outcome = "blocked"
	OutcomeRateLimited Outcome = "rate_limited"
)

var (
	// ErrTooManyConcurrent is returned by AcquireConcurrency when the
	// per-key concurrency cap K is already held.
	ErrTooManyConcurrent = errors.New("too many concurrent dangerous actions for key")

	// ErrDangerousSlotsExhausted is returned by AcquireDangerousSlot when
	// the global ceiling G is already held.
	ErrDangerousSlotsExhausted = errors.New("global dangerous-action slots exhausted")
)

const (
	defaultWindow       = 60 * time.Second
	defaultMaxAttempts  = 20
	defaultMaxDenials   = 5
	defaultBlockFor     = 5 * time.Minute
	defaultPerKeyCap    = 2
	defaultGlobalSlots  = 16
	defaultMaxKeys      = 5000
	defaultGlobalRateHz = 50
)

type keyState struct {
	mu sync.Mutex

	windowStart time.Time
	attempts    int
	denials     int

	blockedUntil time.Time
	concurrent   int

	lastSeen time.Time
}

// Config tunes the limiter. Zero values fall back to spec defaults.
type Config struct {
	Window          time.Duration
	MaxAttempts     int
	MaxDenials      int
	BlockFor        time.Duration
	PerKeyCap       int
	GlobalSlots     int
	MaxKeys         int
	GlobalRateLimit rate.Limit // secondary global token-bucket layer; 0 disables
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.MaxDenials <= 0 {
		c.MaxDenials = defaultMaxDenials
	}
	if c.BlockFor <= 0 {
		c.BlockFor = defaultBlockFor
	}
	if c.PerKeyCap <= 0 {
		c.PerKeyCap = defaultPerKeyCap
	}
	if c.GlobalSlots <= 0 {
		c.GlobalSlots = defaultGlobalSlots
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = defaultMaxKeys
	}
	return c
}

// Limiter is the Dangerous-Action Limiter. Safe for concurrent use.
type Limiter struct {
	cfg Config

	statesMu sync.Mutex
	states   *lru.Cache[string, *keyState]

	globalMu    sync.Mutex
	globalSlots int

	globalBucket *rate.Limiter

	nowFn func() time.Time
}

// New constructs a Limiter. Zero-valued Config fields take spec defaults (W=60s,
// A=20, D=5, B=5min, K=2, G=16, 5000 tracked keys).
func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()

	states, _ := lru.New[string, *keyState](cfg.MaxKeys)

	l := &Limiter{
		cfg:    cfg,
		states: states,
		nowFn:  time.Now,
	}
	if cfg.GlobalRateLimit > 0 {
		l.globalBucket = rate.NewLimiter(cfg.GlobalRateLimit, int(cfg.GlobalRateLimit)+1)
	}
	return l
}

func (l *Limiter) stateFor(key string) *keyState {
	l.statesMu.Lock()
	defer l.statesMu.Unlock()

	if s, ok := l.states.Get(key); ok {
		return s
	}
	s := &keyState{}
	l.states.Add(key, s)
	return s
}

// CheckAndConsume evaluates one attempt against key's sliding window.
// Blocked keys (blockedUntil > now) return OutcomeBlocked without
// touching window counters. A window whose age exceeds Window resets
// attempts AND denials atomically (spec §4.5 edge case: a denial accrued
// in a prior window never counts toward the current tripwire). Exceeding
// MaxAttempts records an implicit denial and returns OutcomeRateLimited;
// otherwise the attempt is counted and allowed.
func (l *Limiter) CheckAndConsume(key string, now time.Time) Outcome {
	s := l.stateFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now

	if !s.blockedUntil.IsZero() && now.Before(s.blockedUntil) {
		return OutcomeBlocked
	}

	l.rollWindowLocked(s, now)

	if s.attempts >= l.cfg.MaxAttempts {
		l.noteDenialLocked(s, now)
		return OutcomeRateLimited
	}

	s.attempts++

	if l.globalBucket != nil && !l.globalBucket.AllowN(now, 1) {
		return OutcomeRateLimited
	}

	return OutcomeAllowed
}

// NoteDenial records a denial for key outside of CheckAndConsume (e.g. a
// downstream component rejected the action for a reason unrelated to
// rate limiting, such as a missing capability). Once denials reach
// MaxDenials, the key is blocked until now+BlockFor.
func (l *Limiter) NoteDenial(key string, now time.Time) {
	s := l.stateFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	l.rollWindowLocked(s, now)
	l.noteDenialLocked(s, now)
}

func (l *Limiter) noteDenialLocked(s *keyState, now time.Time) {
	s.denials++
	if s.denials >= l.cfg.MaxDenials {
		s.blockedUntil = now.Add(l.cfg.BlockFor)
	}
}

// NoteSuccess relaxes the tripwire on sustained success by decrementing
// the denial counter (floor 0).
func (l *Limiter) NoteSuccess(key string, now time.Time) {
	s := l.stateFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	l.rollWindowLocked(s, now)
	if s.denials > 0 {
		s.denials--
	}
}

// rollWindowLocked must be called with s.mu held.
func (l *Limiter) rollWindowLocked(s *keyState, now time.Time) {
	if s.windowStart.IsZero() || now.Sub(s.windowStart) >= l.cfg.Window {
		s.windowStart = now
		s.attempts = 0
		s.denials = 0
	}
}

// AcquireConcurrency reserves one of the per-key concurrency slots.
func (l *Limiter) AcquireConcurrency(key string) error {
	s := l.stateFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.concurrent >= l.cfg.PerKeyCap {
		return ErrTooManyConcurrent
	}
	s.concurrent++
	return nil
}

// ReleaseConcurrency releases a slot acquired by AcquireConcurrency.
func (l *Limiter) ReleaseConcurrency(key string) {
	s := l.stateFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.concurrent > 0 {
		s.concurrent--
	}
}

// AcquireDangerousSlot reserves one of G global concurrent-dangerous
// slots shared across all keys.
func (l *Limiter) AcquireDangerousSlot() error {
	l.globalMu.Lock()
	defer l.globalMu.Unlock()
	if l.globalSlots >= l.cfg.GlobalSlots {
		return ErrDangerousSlotsExhausted
	}
	l.globalSlots++
	return nil
}

// ReleaseDangerousSlot releases a slot acquired by AcquireDangerousSlot.
func (l *Limiter) ReleaseDangerousSlot() {
	l.globalMu.Lock()
	defer l.globalMu.Unlock()
	if l.globalSlots > 0 {
		l.globalSlots--
	}
}

// Blocked reports whether key is currently tripwire-blocked, without
// consuming an attempt.
func (l *Limiter) Blocked(key string, now time.Time) bool {
	s := l.stateFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.blockedUntil.IsZero() && now.Before(s.blockedUntil)
}
