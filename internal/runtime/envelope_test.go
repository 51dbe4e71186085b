package runtime

import (
	"context"
	"testing"
	"time"

	errspkg "github.com/rpcflow/rpcflow/internal/runtime/errors"
	metadatapkg "github.com/rpcflow/rpcflow/internal/runtime/metadata"
)

func TestRequestEnvelopeRoundTrip(t *testing.T) {
	env := &RequestEnvelope{
		Payload:       []byte(`{"n":1}`),
		CorrelationID: "corr-1",
		ReplyTo:       "rpc/add/reply/client-a",
		InvokerID:     "client-a",
		ContentType:   "application/json",
		TTL:           1500 * time.Millisecond,
		Metadata:      metadatapkg.New("user_key", "user_value"),
	}

	msg := env.toMessage(context.Background())
	decoded, err := decodeRequest(msg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded.CorrelationID != env.CorrelationID ||
		decoded.ReplyTo != env.ReplyTo ||
		decoded.InvokerID != env.InvokerID ||
		decoded.ContentType != env.ContentType ||
		decoded.TTL != env.TTL {
		t.Errorf("decoded envelope mismatch: %+v", decoded)
	}
	if string(decoded.Payload) != `{"n":1}` {
		t.Errorf("payload mismatch: %s", decoded.Payload)
	}
	if decoded.Metadata["user_key"] != "user_value" {
		t.Errorf("user metadata lost: %v", decoded.Metadata)
	}
	if _, reserved := decoded.Metadata[metadatapkg.KeyReplyTo]; reserved {
		t.Error("reserved keys must not surface in user metadata")
	}
}

func TestDecodeRequestMissingFields(t *testing.T) {
	env := &RequestEnvelope{Payload: []byte("x"), CorrelationID: "c", ReplyTo: "r"}

	msg := env.toMessage(nil)
	delete(msg.Metadata, metadatapkg.KeyCorrelationID)
	if _, err := decodeRequest(msg); errspkg.KindOf(err) != errspkg.KindPayloadInvalid {
		t.Errorf("missing correlation id: got %v", err)
	}

	msg = env.toMessage(nil)
	delete(msg.Metadata, metadatapkg.KeyReplyTo)
	if _, err := decodeRequest(msg); errspkg.KindOf(err) != errspkg.KindPayloadInvalid {
		t.Errorf("missing reply-to: got %v", err)
	}
}

func TestResponseEnvelopeNormalRoundTrip(t *testing.T) {
	env := NewResponse("corr-2", []byte(`{"n":2}`), metadatapkg.New("k", "v"))

	decoded, err := decodeResponse(env.toMessage(nil))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.IsError() {
		t.Fatal("normal response decoded as error")
	}
	if string(decoded.Payload) != `{"n":2}` || decoded.CorrelationID != "corr-2" {
		t.Errorf("decoded mismatch: %+v", decoded)
	}
	if decoded.Metadata["k"] != "v" {
		t.Errorf("metadata lost: %v", decoded.Metadata)
	}
}

func TestResponseEnvelopeErrorRoundTrip(t *testing.T) {
	env := NewErrorResponse("corr-3", "NegativeValue", []byte(`{"field":"n"}`), nil)

	decoded, err := decodeResponse(env.toMessage(nil))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !decoded.IsError() {
		t.Fatal("error response decoded as normal")
	}
	if decoded.Error.Code != "NegativeValue" || string(decoded.Error.Payload) != `{"field":"n"}` {
		t.Errorf("error descriptor mismatch: %+v", decoded.Error)
	}
	if decoded.Payload != nil {
		t.Error("error response must not populate the normal payload")
	}
}

func TestDecodeResponseProtocolFaults(t *testing.T) {
	// Neither payload variant identifiable.
	msg := NewResponse("c", []byte("x"), nil).toMessage(nil)
	delete(msg.Metadata, metadatapkg.KeyStatus)
	if _, err := decodeResponse(msg); errspkg.KindOf(err) != errspkg.KindPayloadInvalid {
		t.Errorf("missing status: got %v", err)
	}

	// Both populated: ok status plus an error code.
	msg = NewResponse("c", []byte("x"), nil).toMessage(nil)
	msg.Metadata[metadatapkg.KeyErrorCode] = "Boom"
	if _, err := decodeResponse(msg); errspkg.KindOf(err) != errspkg.KindPayloadInvalid {
		t.Errorf("both populated: got %v", err)
	}

	// Error status without a code.
	msg = NewErrorResponse("c", "Code", nil, nil).toMessage(nil)
	delete(msg.Metadata, metadatapkg.KeyErrorCode)
	if _, err := decodeResponse(msg); errspkg.KindOf(err) != errspkg.KindPayloadInvalid {
		t.Errorf("missing error code: got %v", err)
	}

	// Missing correlation id.
	msg = NewResponse("c", []byte("x"), nil).toMessage(nil)
	delete(msg.Metadata, metadatapkg.KeyCorrelationID)
	if _, err := decodeResponse(msg); errspkg.KindOf(err) != errspkg.KindPayloadInvalid {
		t.Errorf("missing correlation id: got %v", err)
	}
}

func TestOutcomeToResponse(t *testing.T) {
	ok := Ok([]byte("fine")).Response("c1")
	if ok.IsError() || string(ok.Payload) != "fine" {
		t.Errorf("ok outcome mapped wrong: %+v", ok)
	}

	appErr := ApplicationError("NegativeValue", []byte("why")).Response("c2")
	if !appErr.IsError() || appErr.Error.Code != "NegativeValue" {
		t.Errorf("app error outcome mapped wrong: %+v", appErr)
	}

	fault := Faulted(errspkg.New(errspkg.KindUnknown, "panic")).Response("c3")
	if !fault.IsError() || fault.Error.Code != ErrorCodeInternal {
		t.Errorf("fault outcome mapped wrong: %+v", fault)
	}
	if len(fault.Error.Payload) != 0 {
		t.Error("fault detail must not leak onto the wire")
	}
}
