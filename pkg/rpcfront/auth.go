// Package rpcfront implements the RPC Enforcement Front (C7): the gate
// every inbound node-command RPC passes through before it reaches node
// transport, applying the same rate-limiting, capability, and approval
// discipline the Dispatcher applies to in-process tool calls.
package rpcfront

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("no authentication token provided")
	ErrInvalidToken = errors.New("invalid authentication token")
	ErrExpiredToken = errors.New("token has expired")
	ErrRevokedToken = errors.New("token has been revoked")
)

// Claims identifies the node session a bearer token authenticates.
type Claims struct {
	NodeID     string `json:"nodeId"`
	SessionKey string `json:"sessionKey,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
	AdminScope bool   `json:"adminScope,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager issues and validates the bearer tokens a node presents on
// every node.invoke call.
type TokenManager struct {
	secretKey     []byte
	mu            sync.RWMutex
	revokedTokens map[string]time.Time // token ID -> revocation time
}

// NewTokenManager creates a token manager with the given HMAC secret.
func NewTokenManager(secretKey string) *TokenManager {
	return &TokenManager{
		secretKey:     []byte(secretKey),
		revokedTokens: make(map[string]time.Time),
	}
}

// GenerateToken issues a new node-session token.
func (tm *TokenManager) GenerateToken(nodeID, sessionKey, agentID string, adminScope bool, duration time.Duration) (string, error) {
	tokenID, err := generateTokenID()
	if err != nil {
		return "", fmt.Errorf("failed to generate token ID: %w", err)
	}

	now := time.Now()
	claims := &Claims{
		NodeID:     nodeID,
		SessionKey: sessionKey,
		AgentID:    agentID,
		AdminScope: adminScope,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   nodeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a bearer token and returns its claims.
func (tm *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	tm.mu.RLock()
	_, revoked := tm.revokedTokens[claims.ID]
	tm.mu.RUnlock()
	if revoked {
		return nil, ErrRevokedToken
	}

	return claims, nil
}

// RevokeToken revokes a previously issued token by its jti.
func (tm *TokenManager) RevokeToken(tokenString string) error {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return ErrInvalidToken
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.revokedTokens[claims.ID] = time.Now()
	return nil
}

// CleanupRevokedTokens drops revocation entries older than 24h.
func (tm *TokenManager) CleanupRevokedTokens() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	cutoff := time.Now().Add(-24 * time.Hour)
	for id, revokedAt := range tm.revokedTokens {
		if revokedAt.Before(cutoff) {
			delete(tm.revokedTokens, id)
		}
	}
}

// RevokedTokenCount reports the number of tracked revocations (tests only).
func (tm *TokenManager) RevokedTokenCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.revokedTokens)
}

// BearerFromRequest extracts the "Bearer <token>" value from an HTTP
// request's Authorization header.
func BearerFromRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrNoToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", ErrInvalidToken
	}
	return parts[1], nil
}

// Authenticate validates the bearer token on r and returns its claims.
func (tm *TokenManager) Authenticate(r *http.Request) (*Claims, error) {
	token, err := BearerFromRequest(r)
	if err != nil {
		return nil, err
	}
	return tm.ValidateToken(token)
}

type claimsContextKey struct{}

// ContextWithClaims stashes claims on ctx for downstream handlers.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext retrieves claims stashed by ContextWithClaims.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*Claims)
	return claims, ok
}

// Middleware returns an http.Handler wrapper that authenticates every
// request via TokenManager before calling next, stashing Claims in the
// request context.
func (tm *TokenManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := tm.Authenticate(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}

func generateTokenID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
