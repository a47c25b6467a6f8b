package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openclaw/kernel/pkg/kernelerr"
)

// invokeRequestWire is node.invoke's decoded-frame contract (spec §6).
type invokeRequestWire struct {
	NodeID         string         `json:"nodeId"`
	Command        string         `json:"command"`
	Params         map[string]any `json:"params"`
	TimeoutMs      int64          `json:"timeoutMs,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

type invokeResponseWire struct {
	OK      bool           `json:"ok"`
	Payload map[string]any `json:"payload,omitempty"`
}

type execApprovalRequestWire struct {
	ID          string            `json:"id,omitempty"`
	Command     string            `json:"command"`
	CommandArgv []string          `json:"commandArgv,omitempty"`
	CommandEnv  map[string]string `json:"commandEnv,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	SessionKey  string            `json:"sessionKey"`
	AgentID     string            `json:"agentId,omitempty"`
	TimeoutMs   int64             `json:"timeoutMs,omitempty"`
}

type execApprovalResolveWire struct {
	ID       string `json:"id"`
	Decision string `json:"decision"`
}

type capabilityApprovalRequestWire struct {
	Capability  string `json:"capability"`
	Subject     string `json:"subject"`
	PayloadHash string `json:"payloadHash"`
	SessionKey  string `json:"sessionKey"`
	AgentID     string `json:"agentId,omitempty"`
	TimeoutMs   int64  `json:"timeoutMs,omitempty"`
}

type approvalResponseWire struct {
	ID            string `json:"id"`
	Decision      string `json:"decision,omitempty"`
	ApprovalToken string `json:"approvalToken,omitempty"`
	CreatedAtMs   int64  `json:"createdAtMs"`
	ExpiresAtMs   int64  `json:"expiresAtMs"`
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return kernelerr.New(kernelerr.CodeInvalidArgsShape, "malformed request body").WithContext("decode_error", err.Error())
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondKernelError maps a kernelerr.Error onto the four wire-level error
// codes spec §6 enumerates (INVALID_REQUEST, UNAVAILABLE, NOT_CONNECTED,
// NOT_ALLOWED) and an HTTP status consistent with it.
func respondKernelError(w http.ResponseWriter, err error) {
	var kerr *kernelerr.Error
	if !errors.As(err, &kerr) {
		// Not a kernelerr.Error at all: a raw transport failure (e.g. the
		// node hub's connection/timeout errors), which spec §6 classes as
		// UNAVAILABLE regardless of its underlying text.
		respondJSON(w, http.StatusBadGateway, map[string]string{
			"code":    string(kernelerr.CodeUnavailable),
			"message": err.Error(),
		})
		return
	}

	status, code := http.StatusBadRequest, kernelerr.CodeInvalidRequest
	switch kerr.Code.Kind() {
	case kernelerr.KindShape:
		status, code = http.StatusBadRequest, kernelerr.CodeInvalidRequest
	case kernelerr.KindPolicy:
		status, code = http.StatusForbidden, kernelerr.CodeNotAllowed
	case kernelerr.KindApproval:
		status, code = http.StatusConflict, kernelerr.CodeInvalidRequest
	case kernelerr.KindResource:
		status, code = http.StatusServiceUnavailable, kernelerr.CodeUnavailable
	case kernelerr.KindIntegrity:
		status, code = http.StatusInternalServerError, kernelerr.CodeUnavailable
	default:
		status, code = http.StatusBadGateway, kernelerr.CodeUnavailable
	}
	switch kerr.Code {
	case kernelerr.CodeNotConnected:
		status, code = http.StatusServiceUnavailable, kernelerr.CodeNotConnected
	case kernelerr.CodeNotAllowed, kernelerr.CodeApprovalIdempotency:
		status, code = http.StatusForbidden, kernelerr.CodeNotAllowed
	}

	body := map[string]any{
		"code":    string(code),
		"message": kerr.Message,
	}
	if kerr.BreakGlassHint != "" {
		body["breakGlassHint"] = kerr.BreakGlassHint
	}
	respondJSON(w, status, body)
}
