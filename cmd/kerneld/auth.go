package main

import (
	"github.com/openclaw/kernel/pkg/config"
	"github.com/openclaw/kernel/pkg/rpcfront"
)

// newTokenManagerFromEnv builds the node-token signer from the
// deployment's configured secret. config.Load already rejects an empty
// NodeTokenSecret, so this is only reached with a non-empty value.
func newTokenManagerFromEnv(cfg *config.Config) *rpcfront.TokenManager {
	return rpcfront.NewTokenManager(cfg.NodeTokenSecret)
}
