package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/rpcflow/rpcflow/internal/runtime/logging"
	metadatapkg "github.com/rpcflow/rpcflow/internal/runtime/metadata"
)

// DispatchContext provides information about a command dispatch to hooks.
type DispatchContext struct {
	// CommandName is the registered command being dispatched.
	CommandName string
	// CorrelationID identifies the invocation being serviced.
	CorrelationID string
	// InvokerID identifies the client that sent the request, when known.
	InvokerID string
	// Metadata contains the caller-supplied request metadata.
	Metadata metadatapkg.Metadata
	// Context is the context the handler runs under.
	Context context.Context
	// StartedAt is when the dispatch began.
	StartedAt time.Time
	// Duration is how long the dispatch took. Set in OnDispatchDone and
	// OnDispatchError only.
	Duration time.Duration
}

// ExecutionHooks defines callbacks for command dispatch lifecycle events.
// All hooks are optional, nil hooks are simply not called. Cached replays of
// an already-completed invocation do not fire hooks, so each hook fires at
// most once per correlation id.
type ExecutionHooks struct {
	// OnDispatchStart is called before the handler runs.
	OnDispatchStart func(ctx DispatchContext)

	// OnDispatchDone is called after a handler completes with a normal or
	// application-error outcome.
	OnDispatchDone func(ctx DispatchContext, outcome Outcome)

	// OnDispatchError is called when a handler faults or times out.
	OnDispatchError func(ctx DispatchContext, err error)
}

// Merge combines two ExecutionHooks, creating hooks that call both. The hooks
// from other are called after the hooks from h.
func (h ExecutionHooks) Merge(other ExecutionHooks) ExecutionHooks {
	return ExecutionHooks{
		OnDispatchStart: chainStartHooks(h.OnDispatchStart, other.OnDispatchStart),
		OnDispatchDone:  chainDoneHooks(h.OnDispatchDone, other.OnDispatchDone),
		OnDispatchError: chainErrorHooks(h.OnDispatchError, other.OnDispatchError),
	}
}

func chainStartHooks(a, b func(DispatchContext)) func(DispatchContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext) {
		a(ctx)
		b(ctx)
	}
}

func chainDoneHooks(a, b func(DispatchContext, Outcome)) func(DispatchContext, Outcome) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext, o Outcome) {
		a(ctx, o)
		b(ctx, o)
	}
}

func chainErrorHooks(a, b func(DispatchContext, error)) func(DispatchContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h ExecutionHooks) fireStart(ctx DispatchContext) {
	if h.OnDispatchStart != nil {
		h.OnDispatchStart(ctx)
	}
}

func (h ExecutionHooks) fireDone(ctx DispatchContext, outcome Outcome) {
	if h.OnDispatchDone != nil {
		h.OnDispatchDone(ctx, outcome)
	}
}

func (h ExecutionHooks) fireError(ctx DispatchContext, err error) {
	if h.OnDispatchError != nil {
		h.OnDispatchError(ctx, err)
	}
}

// LoggingHooks returns pre-built hooks that log dispatch lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) ExecutionHooks {
	return ExecutionHooks{
		OnDispatchStart: func(ctx DispatchContext) {
			logger.Debug("Dispatch started", loggingpkg.LogFields{
				"command":        ctx.CommandName,
				"correlation_id": ctx.CorrelationID,
				"invoker_id":     ctx.InvokerID,
			})
		},
		OnDispatchDone: func(ctx DispatchContext, outcome Outcome) {
			logger.Info("Dispatch completed", loggingpkg.LogFields{
				"command":        ctx.CommandName,
				"correlation_id": ctx.CorrelationID,
				"outcome":        outcome.String(),
				"duration_ms":    ctx.Duration.Milliseconds(),
			})
		},
		OnDispatchError: func(ctx DispatchContext, err error) {
			logger.Error("Dispatch failed", err, loggingpkg.LogFields{
				"command":        ctx.CommandName,
				"correlation_id": ctx.CorrelationID,
				"duration_ms":    ctx.Duration.Milliseconds(),
			})
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on dispatch
// failures.
func AlertingHooks(alertFunc func(ctx DispatchContext, err error)) ExecutionHooks {
	return ExecutionHooks{
		OnDispatchError: alertFunc,
	}
}
