package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openclaw/kernel/pkg/capability"
	"github.com/openclaw/kernel/pkg/kernel"
	"github.com/openclaw/kernel/pkg/kernelerr"
	"github.com/openclaw/kernel/pkg/rpcfront"
	"github.com/openclaw/kernel/pkg/telemetry"
)

// newRouter builds the kernel's HTTP method surface (spec §6): node.invoke
// and the approval RPCs behind node-token auth, the node websocket upgrade,
// an unauthenticated /healthz, and an optional /metrics.
func newRouter(k *kernel.Kernel, hub *NodeHub, tm *rpcfront.TokenManager, log *slog.Logger, enableMetrics bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracingMiddleware)
	r.Use(slogRequestLogger(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealthz(k, hub))
	if enableMetrics {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(tm.Middleware)
		r.Post("/rpc/node.invoke", handleInvoke(k))
		r.Post("/rpc/exec.approval.request", handleExecApprovalRequest(k))
		r.Post("/rpc/exec.approval.resolve", handleExecApprovalResolve(k))
		r.Post("/rpc/capability.approval.request", handleCapabilityApprovalRequest(k))
		r.Get("/node/connect", handleNodeConnect(hub))
	})

	return r
}

// tracingMiddleware wraps each request in a span named by its route, so
// node.invoke and the approval RPCs each produce a trace an operator can
// follow from HTTP entry through kernel enforcement.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.StartSpan(r.Context(), r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
			attribute.String("http.request_id", middleware.GetReqID(r.Context())),
		)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", ww.Status()))
		if ww.Status() >= 400 {
			telemetry.RecordError(ctx, fmt.Errorf("http status %d", ww.Status()))
		}
	})
}

func slogRequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func handleHealthz(k *kernel.Kernel, hub *NodeHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{
			"status":       "ok",
			"time":         time.Now().UTC().Format(time.RFC3339),
			"nodesOnline":  hub.Count(),
			"policyActive": k.PolicyStore.HasActive(),
			"sessionsOpen": k.Sessions.Count(),
		})
	}
}

func handleInvoke(k *kernel.Kernel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req invokeRequestWire
		if err := decodeJSON(r, &req); err != nil {
			respondKernelError(w, err)
			return
		}
		if req.NodeID == "" || req.Command == "" {
			respondKernelError(w, kernelerr.New(kernelerr.CodeInvalidArgsMissing, "nodeId and command are required"))
			return
		}

		result, err := k.Front.Invoke(r.Context(), rpcfront.InvokeRequest{
			NodeID:         req.NodeID,
			Command:        req.Command,
			Params:         req.Params,
			TimeoutMs:      req.TimeoutMs,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			respondKernelError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, invokeResponseWire{OK: result.OK, Payload: result.Payload})
	}
}

func handleExecApprovalRequest(k *kernel.Kernel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req execApprovalRequestWire
		if err := decodeJSON(r, &req); err != nil {
			respondKernelError(w, err)
			return
		}

		resp, err := k.Front.RequestExecApproval(r.Context(), rpcfront.ApprovalRequest{
			ID:          req.ID,
			Command:     req.Command,
			CommandArgv: req.CommandArgv,
			CommandEnv:  req.CommandEnv,
			Cwd:         req.Cwd,
			SessionKey:  req.SessionKey,
			AgentID:     req.AgentID,
			TimeoutMs:   req.TimeoutMs,
		})
		if err != nil {
			respondKernelError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, approvalResponseToWire(resp))
	}
}

func handleExecApprovalResolve(k *kernel.Kernel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req execApprovalResolveWire
		if err := decodeJSON(r, &req); err != nil {
			respondKernelError(w, err)
			return
		}
		if req.ID == "" {
			respondKernelError(w, kernelerr.New(kernelerr.CodeInvalidArgsMissing, "id is required"))
			return
		}

		claims, _ := rpcfront.ClaimsFromContext(r.Context())
		resolvedBy := "operator"
		if claims != nil {
			resolvedBy = claims.NodeID
		}

		if err := k.Front.ResolveExecApproval(r.Context(), req.ID, capability.Decision(req.Decision), resolvedBy); err != nil {
			respondKernelError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func handleCapabilityApprovalRequest(k *kernel.Kernel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req capabilityApprovalRequestWire
		if err := decodeJSON(r, &req); err != nil {
			respondKernelError(w, err)
			return
		}

		resp, err := k.Front.RequestCapabilityApproval(r.Context(), req.Capability, req.Subject, req.PayloadHash, req.SessionKey, req.AgentID, req.TimeoutMs)
		if err != nil {
			respondKernelError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, approvalResponseToWire(resp))
	}
}

func approvalResponseToWire(resp *rpcfront.ApprovalResponse) approvalResponseWire {
	return approvalResponseWire{
		ID:            resp.ID,
		Decision:      string(resp.Decision),
		ApprovalToken: resp.ApprovalToken,
		CreatedAtMs:   resp.CreatedAtMs,
		ExpiresAtMs:   resp.ExpiresAtMs,
	}
}

func handleNodeConnect(hub *NodeHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := rpcfront.ClaimsFromContext(r.Context())
		if !ok || claims.NodeID == "" {
			respondJSON(w, http.StatusUnauthorized, map[string]string{"code": string(kernelerr.CodeNotAllowed), "message": "node identity required"})
			return
		}
		hub.HandleConnect(claims.NodeID, w, r)
	}
}
