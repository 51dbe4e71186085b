package runtime

import (
	"context"
	"fmt"

	metadatapkg "github.com/rpcflow/rpcflow/internal/runtime/metadata"
)

// CommandHandler is the user-supplied capability that services one request.
// It returns a tagged Outcome rather than raising application errors through
// the error return, so the executor's response construction is a pure mapping
// over the tag.
type CommandHandler func(ctx context.Context, req *RequestEnvelope) Outcome

type outcomeKind int

const (
	outcomeOK outcomeKind = iota
	outcomeAppError
	outcomeFault
)

// Outcome is the tagged result of a command handler: Ok(payload),
// ApplicationError(code, payload) or Faulted(err).
type Outcome struct {
	kind    outcomeKind
	payload []byte
	code    string
	fault   error
	md      metadatapkg.Metadata
}

// Ok reports handler success with a normal response payload.
func Ok(payload []byte) Outcome {
	return Outcome{kind: outcomeOK, payload: payload}
}

// ApplicationError reports a handler-signalled application error. The code
// and payload are surfaced to the invoker as a remote error.
func ApplicationError(code string, payload []byte) Outcome {
	return Outcome{kind: outcomeAppError, code: code, payload: payload}
}

// Faulted reports an unexpected handler failure. The executor maps it to an
// internal-error response without exposing the fault detail on the wire.
func Faulted(err error) Outcome {
	return Outcome{kind: outcomeFault, fault: err}
}

// WithMetadata attaches response metadata to the outcome.
func (o Outcome) WithMetadata(md metadatapkg.Metadata) Outcome {
	o.md = md
	return o
}

// IsFault reports whether the outcome is an unexpected failure.
func (o Outcome) IsFault() bool { return o.kind == outcomeFault }

// FaultError returns the underlying fault, nil for non-fault outcomes.
func (o Outcome) FaultError() error { return o.fault }

func (o Outcome) String() string {
	switch o.kind {
	case outcomeOK:
		return fmt.Sprintf("ok(%d bytes)", len(o.payload))
	case outcomeAppError:
		return fmt.Sprintf("app_error(%s)", o.code)
	default:
		return fmt.Sprintf("fault(%v)", o.fault)
	}
}

// Response maps the outcome onto a response envelope for the given
// correlation id.
func (o Outcome) Response(correlationID string) *ResponseEnvelope {
	switch o.kind {
	case outcomeOK:
		return NewResponse(correlationID, o.payload, o.md)
	case outcomeAppError:
		return NewErrorResponse(correlationID, o.code, o.payload, o.md)
	default:
		return NewErrorResponse(correlationID, ErrorCodeInternal, nil, o.md)
	}
}
