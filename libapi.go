package rpcflow

import (
	"context"

	runtimepkg "github.com/rpcflow/rpcflow/internal/runtime"
	configpkg "github.com/rpcflow/rpcflow/internal/runtime/config"
	errspkg "github.com/rpcflow/rpcflow/internal/runtime/errors"
	handlerpkg "github.com/rpcflow/rpcflow/internal/runtime/handlers"
	idspkg "github.com/rpcflow/rpcflow/internal/runtime/ids"
	jsoncodec "github.com/rpcflow/rpcflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/rpcflow/rpcflow/internal/runtime/logging"
	metadatapkg "github.com/rpcflow/rpcflow/internal/runtime/metadata"
	serializerpkg "github.com/rpcflow/rpcflow/internal/runtime/serializer"
	topicspkg "github.com/rpcflow/rpcflow/internal/runtime/topics"
	transportpkg "github.com/rpcflow/rpcflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Transport           = transportpkg.Transport

	// Request/response RPC
	CommandInvoker   = runtimepkg.CommandInvoker
	CommandExecutor  = runtimepkg.CommandExecutor
	CommandHandler   = runtimepkg.CommandHandler
	InvokerOptions   = runtimepkg.InvokerOptions
	HandlerOptions   = runtimepkg.HandlerOptions
	InvokeOption     = runtimepkg.InvokeOption
	RequestEnvelope  = runtimepkg.RequestEnvelope
	ResponseEnvelope = runtimepkg.ResponseEnvelope
	AppError         = runtimepkg.AppError
	Outcome          = runtimepkg.Outcome
	CommandStats     = runtimepkg.CommandStats

	// Streaming
	StreamInvoker        = runtimepkg.StreamInvoker
	StreamExecutor       = runtimepkg.StreamExecutor
	StreamHandler        = runtimepkg.StreamHandler
	StreamInvokerOptions = runtimepkg.StreamInvokerOptions
	StreamHandlerOptions = runtimepkg.StreamHandlerOptions
	ClientStream         = runtimepkg.ClientStream
	ServerStream         = runtimepkg.ServerStream
	StreamEntry          = runtimepkg.StreamEntry
	StreamCancelledError = runtimepkg.StreamCancelledError

	// Telemetry
	TelemetrySender   = runtimepkg.TelemetrySender
	TelemetryReceiver = runtimepkg.TelemetryReceiver
	TelemetryHandler  = runtimepkg.TelemetryHandler
	TelemetryMessage  = runtimepkg.TelemetryMessage
	TelemetryOptions  = runtimepkg.TelemetryOptions
	TelemetryOption   = runtimepkg.TelemetryOption

	// Dispatch extension points
	Interceptor     = runtimepkg.Interceptor
	DispatchFunc    = runtimepkg.DispatchFunc
	ExecutionHooks  = runtimepkg.ExecutionHooks
	DispatchContext = runtimepkg.DispatchContext

	// Typed bindings
	TypedInvoker[TReq, TResp any] = handlerpkg.TypedInvoker[TReq, TResp]
	TypedHandler[TReq, TResp any] = handlerpkg.TypedHandler[TReq, TResp]
	Serializer[T any]             = serializerpkg.Serializer[T]
	JSONSerializer[T any]         = serializerpkg.JSON[T]
	CBORSerializer[T any]         = serializerpkg.CBOR[T]
	RawSerializer                 = serializerpkg.Raw

	Metadata  = metadatapkg.Metadata
	TokenMap  = topicspkg.TokenMap
	Resolver  = topicspkg.Resolver
	ErrorKind = errspkg.Kind
	Error     = errspkg.Error

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	ConfigValidationError = errspkg.ConfigValidationError

	// Transport capabilities
	Capabilities     = transportpkg.Capabilities
	TransportBuilder = transportpkg.Builder
	TransportConfig  = transportpkg.Config
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig

	// Request/response RPC
	NewCommandInvoker  = runtimepkg.NewCommandInvoker
	NewCommandExecutor = runtimepkg.NewCommandExecutor
	Ok                 = runtimepkg.Ok
	ApplicationError   = runtimepkg.ApplicationError
	Faulted            = runtimepkg.Faulted
	WithInvokeTimeout  = runtimepkg.WithInvokeTimeout
	WithInvokeMetadata = runtimepkg.WithInvokeMetadata
	WithInvokeTokens   = runtimepkg.WithInvokeTokens
	WithContentType    = runtimepkg.WithContentType

	// Streaming
	NewStreamInvoker  = runtimepkg.NewStreamInvoker
	NewStreamExecutor = runtimepkg.NewStreamExecutor
	ErrEndOfStream    = runtimepkg.ErrEndOfStream

	// Telemetry
	NewTelemetrySender       = runtimepkg.NewTelemetrySender
	NewTelemetryReceiver     = runtimepkg.NewTelemetryReceiver
	WithTelemetryMetadata    = runtimepkg.WithTelemetryMetadata
	WithTelemetryTokens      = runtimepkg.WithTelemetryTokens
	WithTelemetryContentType = runtimepkg.WithTelemetryContentType

	// Dispatch extension points
	DefaultInterceptors  = runtimepkg.DefaultInterceptors
	RecovererInterceptor = runtimepkg.RecovererInterceptor
	TracerInterceptor    = runtimepkg.TracerInterceptor
	LoggingInterceptor   = runtimepkg.LoggingInterceptor
	LoggingHooks         = runtimepkg.LoggingHooks
	AlertingHooks        = runtimepkg.AlertingHooks

	// Topic resolution
	NewResolver = topicspkg.NewResolver

	// Error taxonomy
	KindOf      = errspkg.KindOf
	IsTimeout   = errspkg.IsTimeout
	IsCancelled = errspkg.IsCancelled
	IsRemote    = errspkg.IsRemote
	RemoteError = errspkg.Remote

	ErrServiceRequired    = errspkg.ErrServiceRequired
	ErrHandlerRequired    = errspkg.ErrHandlerRequired
	ErrCommandName        = errspkg.ErrCommandName
	ErrTopicRequired      = errspkg.ErrTopicRequired
	ErrPayloadRequired    = errspkg.ErrPayloadRequired
	ErrSerializerRequired = errspkg.ErrSerializerRequired
	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrClosed             = errspkg.ErrClosed
	ErrDuplicateHandler   = errspkg.ErrDuplicateHandler
	ErrCorrelationInUse   = errspkg.ErrCorrelationInUse

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger                 = loggingpkg.Nop

	NewMetadata = metadatapkg.New

	CreateULID          = idspkg.CreateULID
	CreateCorrelationID = idspkg.CreateCorrelationID

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	// Transport registry
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetCapabilities          = transportpkg.GetCapabilities
)

// Error kind constants for branching on failure modes.
const (
	KindUnknown         = errspkg.KindUnknown
	KindTimeout         = errspkg.KindTimeout
	KindCancelled       = errspkg.KindCancelled
	KindRemote          = errspkg.KindRemote
	KindPayloadInvalid  = errspkg.KindPayloadInvalid
	KindUnresolvedToken = errspkg.KindUnresolvedToken
	KindTransport       = errspkg.KindTransport
)

// Application error codes synthesized by the runtime.
const (
	ErrorCodeInternal  = runtimepkg.ErrorCodeInternal
	ErrorCodeTimeout   = runtimepkg.ErrorCodeTimeout
	ErrorCodeCancelled = runtimepkg.ErrorCodeCancelled
)

// Built-in topic tokens, applied last during resolution.
const (
	BuiltinTokenClientID    = runtimepkg.BuiltinTokenClientID
	BuiltinTokenCommandName = runtimepkg.BuiltinTokenCommandName
)

// NewTypedInvoker binds request and response serializers to an invoker.
func NewTypedInvoker[TReq, TResp any](inv *CommandInvoker, request Serializer[TReq], response Serializer[TResp]) (*TypedInvoker[TReq, TResp], error) {
	return handlerpkg.NewTypedInvoker(inv, request, response)
}

// NewJSONInvoker binds JSON serializers on both sides of an invoker.
func NewJSONInvoker[TReq, TResp any](inv *CommandInvoker) (*TypedInvoker[TReq, TResp], error) {
	return handlerpkg.NewJSONInvoker[TReq, TResp](inv)
}

// RegisterTypedHandler registers a typed handler with explicit serializers.
func RegisterTypedHandler[TReq, TResp any](ctx context.Context, ex *CommandExecutor, commandName string, handler TypedHandler[TReq, TResp], request Serializer[TReq], response Serializer[TResp], opts HandlerOptions) error {
	return handlerpkg.RegisterTyped(ctx, ex, commandName, handler, request, response, opts)
}

// RegisterJSONHandler registers a typed handler with JSON on both sides.
func RegisterJSONHandler[TReq, TResp any](ctx context.Context, ex *CommandExecutor, commandName string, handler TypedHandler[TReq, TResp], opts HandlerOptions) error {
	return handlerpkg.RegisterJSON(ctx, ex, commandName, handler, opts)
}

// NewEntryServiceLogger adapts a fluent entry logger to the ServiceLogger
// interface.
func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
