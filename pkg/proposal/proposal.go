// Package proposal defines the Action Proposal record and the Normalizer
// (C2) that shape- and field-validates tool arguments before the Gate ever
// sees them.
package proposal

import (
	"github.com/google/uuid"
)

// Provenance records the model/context lineage of a proposal, stamped into
// every proposal's provenance field for audit purposes.
type Provenance struct {
	ModelID      string   `json:"modelId,omitempty"`
	PolicySha256 string   `json:"policySha256,omitempty"`
	PromptHash   string   `json:"promptHash,omitempty"`
	ContextRefs  []string `json:"contextRefs,omitempty"`
}

// Proposal is an immutable record of a tool-execution intent, produced
// fresh for every attempt (spec §3).
type Proposal struct {
	ID          string         `json:"id"`
	TimestampMs int64          `json:"timestampMs"`
	Actor       string         `json:"actor"`
	SessionKey  string         `json:"sessionKey"`
	AgentID     string         `json:"agentId,omitempty"`
	ToolName    string         `json:"toolName"`
	Args        map[string]any `json:"args"`

	CapabilitiesRequired []string    `json:"capabilitiesRequired,omitempty"`
	Risk                 string      `json:"risk,omitempty"`
	Provenance           *Provenance `json:"provenance,omitempty"`
}

// New constructs a fresh Proposal with a generated UUID. timestampMs is
// supplied by the caller (not time.Now() internally) so dispatch remains
// deterministic under test.
func New(toolName string, args map[string]any, actor, sessionKey, agentID string, timestampMs int64) *Proposal {
	return &Proposal{
		ID:          uuid.NewString(),
		TimestampMs: timestampMs,
		Actor:       actor,
		SessionKey:  sessionKey,
		AgentID:     agentID,
		ToolName:    toolName,
		Args:        args,
	}
}
