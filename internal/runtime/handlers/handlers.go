// Package handlers provides typed bindings over the byte-oriented runtime:
// a generic invoker that serializes requests and deserializes responses, and
// adapters that lift typed functions into command handlers. The wire layer
// stays []byte; these bindings pick a serializer per schema.
package handlers

import (
	"context"
	"errors"

	runtimepkg "github.com/rpcflow/rpcflow/internal/runtime"
	errspkg "github.com/rpcflow/rpcflow/internal/runtime/errors"
	metadatapkg "github.com/rpcflow/rpcflow/internal/runtime/metadata"
	serializerpkg "github.com/rpcflow/rpcflow/internal/runtime/serializer"
)

// Application error codes synthesized by the typed layer.
const (
	ErrorCodePayloadInvalid      = "PayloadInvalid"
	ErrorCodeContentTypeMismatch = "ContentTypeMismatch"
)

// TypedHandler is a command handler over decoded values. Returning an error
// of remote kind (see errors.Remote) produces an application error response
// with that code; any other error faults the dispatch.
type TypedHandler[TReq, TResp any] func(ctx context.Context, req TReq, md metadatapkg.Metadata) (TResp, error)

// TypedInvoker serializes requests and deserializes responses around a
// CommandInvoker.
type TypedInvoker[TReq, TResp any] struct {
	invoker  *runtimepkg.CommandInvoker
	request  serializerpkg.Serializer[TReq]
	response serializerpkg.Serializer[TResp]
}

// NewTypedInvoker binds serializers to an invoker.
func NewTypedInvoker[TReq, TResp any](
	inv *runtimepkg.CommandInvoker,
	request serializerpkg.Serializer[TReq],
	response serializerpkg.Serializer[TResp],
) (*TypedInvoker[TReq, TResp], error) {
	if inv == nil {
		return nil, errspkg.ErrServiceRequired
	}
	if request == nil || response == nil {
		return nil, errspkg.ErrSerializerRequired
	}
	return &TypedInvoker[TReq, TResp]{invoker: inv, request: request, response: response}, nil
}

// NewJSONInvoker binds JSON serializers on both sides.
func NewJSONInvoker[TReq, TResp any](inv *runtimepkg.CommandInvoker) (*TypedInvoker[TReq, TResp], error) {
	return NewTypedInvoker[TReq, TResp](inv, serializerpkg.JSON[TReq]{}, serializerpkg.JSON[TResp]{})
}

// Invoke serializes req, performs the call and deserializes the response
// payload. Remote application errors are returned as-is with a zero TResp.
func (ti *TypedInvoker[TReq, TResp]) Invoke(ctx context.Context, req TReq, options ...runtimepkg.InvokeOption) (TResp, error) {
	var zero TResp

	payload, err := ti.request.Serialize(req)
	if err != nil {
		return zero, errspkg.Wrap(errspkg.KindPayloadInvalid, "serializing request", err)
	}

	options = append(options, runtimepkg.WithContentType(ti.request.ContentType()))
	resp, err := ti.invoker.Invoke(ctx, payload, options...)
	if err != nil {
		return zero, err
	}

	value, err := ti.response.Deserialize(resp.Payload)
	if err != nil {
		return zero, errspkg.Wrap(errspkg.KindPayloadInvalid, "deserializing response", err)
	}
	return value, nil
}

// NewCommandHandler lifts a typed function into a byte-level command handler.
// Requests whose content type disagrees with the serializer, or whose payload
// does not decode, are answered with an application error rather than faulted;
// the request is unambiguously bad, not the executor.
func NewCommandHandler[TReq, TResp any](
	handler TypedHandler[TReq, TResp],
	request serializerpkg.Serializer[TReq],
	response serializerpkg.Serializer[TResp],
) runtimepkg.CommandHandler {
	return func(ctx context.Context, env *runtimepkg.RequestEnvelope) runtimepkg.Outcome {
		if env.ContentType != "" && env.ContentType != request.ContentType() {
			return runtimepkg.ApplicationError(ErrorCodeContentTypeMismatch, nil)
		}

		req, err := request.Deserialize(env.Payload)
		if err != nil {
			return runtimepkg.ApplicationError(ErrorCodePayloadInvalid, nil)
		}

		resp, err := handler(ctx, req, env.Metadata)
		if err != nil {
			var rerr *errspkg.Error
			if errors.As(err, &rerr) && rerr.Kind == errspkg.KindRemote {
				return runtimepkg.ApplicationError(rerr.Code, rerr.Payload)
			}
			return runtimepkg.Faulted(err)
		}

		payload, err := response.Serialize(resp)
		if err != nil {
			return runtimepkg.Faulted(errspkg.Wrap(errspkg.KindPayloadInvalid, "serializing response", err))
		}
		return runtimepkg.Ok(payload)
	}
}

// RegisterTyped registers a typed handler with explicit serializers.
func RegisterTyped[TReq, TResp any](
	ctx context.Context,
	ex *runtimepkg.CommandExecutor,
	commandName string,
	handler TypedHandler[TReq, TResp],
	request serializerpkg.Serializer[TReq],
	response serializerpkg.Serializer[TResp],
	opts runtimepkg.HandlerOptions,
) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if request == nil || response == nil {
		return errspkg.ErrSerializerRequired
	}
	return ex.RegisterHandler(ctx, commandName, NewCommandHandler(handler, request, response), opts)
}

// RegisterJSON registers a typed handler with JSON on both sides.
func RegisterJSON[TReq, TResp any](
	ctx context.Context,
	ex *runtimepkg.CommandExecutor,
	commandName string,
	handler TypedHandler[TReq, TResp],
	opts runtimepkg.HandlerOptions,
) error {
	return RegisterTyped(ctx, ex, commandName, handler, serializerpkg.JSON[TReq]{}, serializerpkg.JSON[TResp]{}, opts)
}
