package runtime

import (
	"context"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/rpcflow/rpcflow/internal/runtime/errors"
	idspkg "github.com/rpcflow/rpcflow/internal/runtime/ids"
	metadatapkg "github.com/rpcflow/rpcflow/internal/runtime/metadata"
)

// Application error codes synthesized by the runtime itself.
const (
	ErrorCodeInternal  = "InternalError"
	ErrorCodeTimeout   = "ExecutionTimeout"
	ErrorCodeCancelled = "Cancelled"
)

// RequestEnvelope is a single RPC request as seen on the wire. The invoker
// owns it until published; the executor receives it as an immutable value.
type RequestEnvelope struct {
	Payload       []byte
	CorrelationID string
	ReplyTo       string
	InvokerID     string
	ContentType   string
	TTL           time.Duration

	// Metadata holds caller-supplied entries only; protocol keys are kept on
	// the wire message and never surface here.
	Metadata metadatapkg.Metadata
}

func (e *RequestEnvelope) toMessage(ctx context.Context) *message.Message {
	msg := message.NewMessage(idspkg.CreateULID(), e.Payload)
	msg.Metadata = metadatapkg.ToWatermill(e.Metadata)
	msg.Metadata[metadatapkg.KeyCorrelationID] = e.CorrelationID
	msg.Metadata[metadatapkg.KeyReplyTo] = e.ReplyTo
	msg.Metadata[metadatapkg.KeyInvokerID] = e.InvokerID
	if e.ContentType != "" {
		msg.Metadata[metadatapkg.KeyContentType] = e.ContentType
	}
	if e.TTL > 0 {
		msg.Metadata[metadatapkg.KeyTTLMillis] = strconv.FormatInt(e.TTL.Milliseconds(), 10)
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return msg
}

func decodeRequest(msg *message.Message) (*RequestEnvelope, error) {
	correlationID := msg.Metadata.Get(metadatapkg.KeyCorrelationID)
	if correlationID == "" {
		return nil, errspkg.New(errspkg.KindPayloadInvalid, "request is missing a correlation id")
	}
	replyTo := msg.Metadata.Get(metadatapkg.KeyReplyTo)
	if replyTo == "" {
		return nil, errspkg.Newf(errspkg.KindPayloadInvalid,
			"request %s is missing a reply-to topic", correlationID)
	}

	env := &RequestEnvelope{
		Payload:       msg.Payload,
		CorrelationID: correlationID,
		ReplyTo:       replyTo,
		InvokerID:     msg.Metadata.Get(metadatapkg.KeyInvokerID),
		ContentType:   msg.Metadata.Get(metadatapkg.KeyContentType),
		Metadata:      metadatapkg.FromWatermill(msg.Metadata).StripReserved(),
	}
	if raw := msg.Metadata.Get(metadatapkg.KeyTTLMillis); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errspkg.Wrap(errspkg.KindPayloadInvalid, "bad TTL metadata", err)
		}
		env.TTL = time.Duration(ms) * time.Millisecond
	}
	return env, nil
}

// AppError is the application-level error descriptor an executor embeds in an
// error response.
type AppError struct {
	Code    string
	Payload []byte
}

// ResponseEnvelope is a single RPC response. Exactly one of Payload and Error
// is populated; both or neither is a protocol fault, enforced at construction
// and at decode.
type ResponseEnvelope struct {
	CorrelationID string
	Payload       []byte
	Error         *AppError
	Metadata      metadatapkg.Metadata
}

// NewResponse constructs a normal-payload response envelope.
func NewResponse(correlationID string, payload []byte, md metadatapkg.Metadata) *ResponseEnvelope {
	return &ResponseEnvelope{
		CorrelationID: correlationID,
		Payload:       payload,
		Metadata:      md,
	}
}

// NewErrorResponse constructs an error-payload response envelope.
func NewErrorResponse(correlationID, code string, payload []byte, md metadatapkg.Metadata) *ResponseEnvelope {
	return &ResponseEnvelope{
		CorrelationID: correlationID,
		Error:         &AppError{Code: code, Payload: payload},
		Metadata:      md,
	}
}

// IsError reports whether the envelope carries an application error.
func (e *ResponseEnvelope) IsError() bool { return e.Error != nil }

func (e *ResponseEnvelope) toMessage(ctx context.Context) *message.Message {
	payload := e.Payload
	status := metadatapkg.StatusOK
	if e.Error != nil {
		payload = e.Error.Payload
		status = metadatapkg.StatusError
	}

	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata = metadatapkg.ToWatermill(e.Metadata)
	msg.Metadata[metadatapkg.KeyCorrelationID] = e.CorrelationID
	msg.Metadata[metadatapkg.KeyStatus] = status
	if e.Error != nil {
		msg.Metadata[metadatapkg.KeyErrorCode] = e.Error.Code
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return msg
}

func decodeResponse(msg *message.Message) (*ResponseEnvelope, error) {
	correlationID := msg.Metadata.Get(metadatapkg.KeyCorrelationID)
	if correlationID == "" {
		return nil, errspkg.New(errspkg.KindPayloadInvalid, "response is missing a correlation id")
	}

	env := &ResponseEnvelope{
		CorrelationID: correlationID,
		Metadata:      metadatapkg.FromWatermill(msg.Metadata).StripReserved(),
	}

	switch msg.Metadata.Get(metadatapkg.KeyStatus) {
	case metadatapkg.StatusOK:
		if msg.Metadata.Get(metadatapkg.KeyErrorCode) != "" {
			return nil, errspkg.Newf(errspkg.KindPayloadInvalid,
				"response %s carries both a normal payload and an error code", correlationID)
		}
		env.Payload = msg.Payload
	case metadatapkg.StatusError:
		code := msg.Metadata.Get(metadatapkg.KeyErrorCode)
		if code == "" {
			return nil, errspkg.Newf(errspkg.KindPayloadInvalid,
				"error response %s is missing an error code", correlationID)
		}
		env.Error = &AppError{Code: code, Payload: msg.Payload}
	default:
		// Neither payload variant is identifiable: a protocol fault, not a
		// valid response.
		return nil, errspkg.Newf(errspkg.KindPayloadInvalid,
			"response %s has no recognisable status", correlationID)
	}
	return env, nil
}
