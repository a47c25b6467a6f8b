// Package dispatcher implements the Dispatcher (C6): the single path
// through which every tool call passes proposal construction, gate
// evaluation, ledger recording, and feedback notification before the
// tool callback actually runs.
package dispatcher

import (
	"context"
	"time"
)

// Result is a tool invocation's outcome. Middlewares observe and may
// rewrite it (size limiting, panic recovery) before the Dispatcher
// records it to the ledger.
type Result struct {
	Success       bool           `json:"success"`
	Data          map[string]any `json:"data,omitempty"`
	DisplayData   map[string]any `json:"display_data,omitempty"`
	Error         string         `json:"error,omitempty"`
	ShouldAbridge bool           `json:"should_abridge,omitempty"`
}

// ExecutionContext carries request metadata through the middleware chain.
type ExecutionContext struct {
	Context   context.Context
	ToolName  string
	SessionID string
	CallID    string
	Params    map[string]any
	StartTime time.Time
	Attempt   int
	Metadata  map[string]any
}

// Executor is the function signature for tool execution.
type Executor func(ctx *ExecutionContext) (*Result, error)

// Middleware wraps an Executor with additional behavior.
type Middleware func(next Executor) Executor

// Chain composes middlewares in order (first middleware is outermost).
func Chain(middlewares ...Middleware) Middleware {
	return func(final Executor) Executor {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
