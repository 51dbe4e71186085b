package runtime

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/rpcflow/rpcflow/internal/runtime/errors"
	loggingpkg "github.com/rpcflow/rpcflow/internal/runtime/logging"
)

// DispatchFunc services one decoded request and produces an outcome.
type DispatchFunc func(ctx context.Context, req *RequestEnvelope) Outcome

// Interceptor wraps a dispatch function. Interceptors compose outside-in: the
// first interceptor in a chain sees the request first.
type Interceptor func(next DispatchFunc) DispatchFunc

// chainInterceptors folds the interceptors around the terminal dispatch.
func chainInterceptors(terminal DispatchFunc, interceptors []Interceptor) DispatchFunc {
	dispatch := terminal
	for i := len(interceptors) - 1; i >= 0; i-- {
		dispatch = interceptors[i](dispatch)
	}
	return dispatch
}

// DefaultInterceptors returns the standard chain installed by the executor:
// panic recovery outermost, then tracing, then request logging.
func DefaultInterceptors(logger loggingpkg.ServiceLogger) []Interceptor {
	return []Interceptor{
		RecovererInterceptor(),
		TracerInterceptor(),
		LoggingInterceptor(logger),
	}
}

// RecovererInterceptor converts handler panics into faulted outcomes so a
// misbehaving handler cannot take the dispatch loop down.
func RecovererInterceptor() Interceptor {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, req *RequestEnvelope) (out Outcome) {
			defer func() {
				if r := recover(); r != nil {
					out = Faulted(errspkg.Newf(errspkg.KindUnknown, "handler panic: %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}

// TracerInterceptor wraps handler execution in an OpenTelemetry span.
func TracerInterceptor() Interceptor {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, req *RequestEnvelope) Outcome {
			tracer := otel.Tracer("rpcflow")
			ctx, span := tracer.Start(ctx, "DispatchCommand",
				trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				attribute.String("rpc.correlation_id", req.CorrelationID),
				attribute.String("rpc.invoker_id", req.InvokerID),
				attribute.Int("rpc.request_bytes", len(req.Payload)),
			)

			out := next(ctx, req)
			if out.IsFault() {
				span.SetAttributes(attribute.String("rpc.fault", fmt.Sprintf("%v", out.FaultError())))
			}
			return out
		}
	}
}

// LoggingInterceptor logs each dispatched request with its metadata.
func LoggingInterceptor(logger loggingpkg.ServiceLogger) Interceptor {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, req *RequestEnvelope) Outcome {
			logger.Debug("Dispatching request", loggingpkg.LogFields{
				"correlation_id": req.CorrelationID,
				"invoker_id":     req.InvokerID,
				"reply_to":       req.ReplyTo,
				"payload_bytes":  len(req.Payload),
			})
			out := next(ctx, req)
			if out.IsFault() {
				logger.Error("Handler faulted", out.FaultError(), loggingpkg.LogFields{
					"correlation_id": req.CorrelationID,
				})
			}
			return out
		}
	}
}
