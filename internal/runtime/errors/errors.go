package errors

import (
	"fmt"

	sterrors "errors"
)

var (
	ErrServiceRequired    = sterrors.New("rpcflow: service is required")
	ErrHandlerRequired    = sterrors.New("rpcflow: handler function is required")
	ErrCommandName        = sterrors.New("rpcflow: command name is required")
	ErrTopicRequired      = sterrors.New("rpcflow: topic pattern is required")
	ErrPublisherRequired  = sterrors.New("rpcflow: publisher is required")
	ErrSubscriberRequired = sterrors.New("rpcflow: subscriber is required")
	ErrPayloadRequired    = sterrors.New("rpcflow: payload is required")
	ErrSerializerRequired = sterrors.New("rpcflow: serializer is required")
	ErrConfigRequired     = sterrors.New("rpcflow: configuration is required")
	ErrLoggerRequired     = sterrors.New("rpcflow: logger is required")
	ErrClosed             = sterrors.New("rpcflow: instance is closed")
	ErrDuplicateHandler   = sterrors.New("rpcflow: handler already registered for command")
	ErrCorrelationInUse   = sterrors.New("rpcflow: correlation id already pending")
)

// Kind classifies protocol failures so callers can branch on the failure mode
// without string matching.
type Kind int

const (
	KindUnknown Kind = iota

	// KindTimeout: no response arrived within the invocation deadline.
	// Recoverable by retrying the call.
	KindTimeout

	// KindCancelled: the caller or the remote peer cancelled the operation.
	KindCancelled

	// KindRemote: the executor returned an application-level error payload.
	// Carries the application error code and payload; not retried automatically.
	KindRemote

	// KindPayloadInvalid: a request or response envelope was malformed, for
	// example both or neither of the normal and error payloads populated.
	KindPayloadInvalid

	// KindUnresolvedToken: a topic pattern references a token that is absent
	// from every supplied token layer.
	KindUnresolvedToken

	// KindTransport: the publish or subscribe call itself failed.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindRemote:
		return "remote_error"
	case KindPayloadInvalid:
		return "payload_invalid"
	case KindUnresolvedToken:
		return "unresolved_token"
	case KindTransport:
		return "transport_failure"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by the protocol runtime.
type Error struct {
	Kind    Kind
	Message string

	// Code and Payload are populated for KindRemote errors and carry the
	// application error the executor embedded in its response.
	Code    string
	Payload []byte

	// Err is the underlying cause, when there is one.
	Err error
}

func (e *Error) Error() string {
	msg := "rpcflow: " + e.Kind.String()
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, &Error{Kind: KindTimeout})
// matches any error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// New constructs a typed runtime error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs a typed runtime error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Remote constructs the error surfaced to an invoker when the executor
// answered with an application error envelope.
func Remote(code string, payload []byte) *Error {
	return &Error{Kind: KindRemote, Code: code, Payload: payload}
}

// KindOf extracts the Kind from an error chain, KindUnknown if none.
func KindOf(err error) Kind {
	var e *Error
	if sterrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsTimeout(err error) bool   { return KindOf(err) == KindTimeout }
func IsCancelled(err error) bool { return KindOf(err) == KindCancelled }
func IsRemote(err error) bool    { return KindOf(err) == KindRemote }

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "rpcflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err in a ConfigValidationError, or returns
// nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
