// Package serializer defines the pluggable payload serializer capability and
// ships JSON, CBOR and protobuf implementations. The runtime itself only
// moves bytes; typed bindings pick a serializer per schema and the chosen
// content type travels in the wire metadata so the peer can detect mismatches.
package serializer

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/proto"

	jsoncodec "github.com/rpcflow/rpcflow/internal/runtime/jsoncodec"
)

// Serializer converts between typed values and payload bytes.
type Serializer[T any] interface {
	Serialize(value T) ([]byte, error)
	Deserialize(data []byte) (T, error)
	ContentType() string
}

// JSON serializes T via the shared JSON codec.
type JSON[T any] struct{}

func (JSON[T]) Serialize(value T) ([]byte, error) {
	return jsoncodec.Marshal(value)
}

func (JSON[T]) Deserialize(data []byte) (T, error) {
	var value T
	if err := jsoncodec.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("rpcflow: JSON deserialize: %w", err)
	}
	return value, nil
}

func (JSON[T]) ContentType() string { return "application/json" }

// CBOR serializes T using canonical CBOR encoding.
type CBOR[T any] struct{}

func (CBOR[T]) Serialize(value T) ([]byte, error) {
	return cbor.Marshal(value)
}

func (CBOR[T]) Deserialize(data []byte) (T, error) {
	var value T
	if err := cbor.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("rpcflow: CBOR deserialize: %w", err)
	}
	return value, nil
}

func (CBOR[T]) ContentType() string { return "application/cbor" }

// Proto serializes protobuf messages in binary wire format.
type Proto[T proto.Message] struct{}

func (Proto[T]) Serialize(value T) ([]byte, error) {
	return proto.Marshal(value)
}

func (Proto[T]) Deserialize(data []byte) (T, error) {
	var value T
	cloned := value.ProtoReflect().Type().New().Interface()
	if err := proto.Unmarshal(data, cloned); err != nil {
		return value, fmt.Errorf("rpcflow: proto deserialize: %w", err)
	}
	return cloned.(T), nil
}

func (Proto[T]) ContentType() string { return "application/protobuf" }

// Raw passes byte slices through untouched, for callers that manage their own
// encoding.
type Raw struct{}

func (Raw) Serialize(value []byte) ([]byte, error)  { return value, nil }
func (Raw) Deserialize(data []byte) ([]byte, error) { return data, nil }
func (Raw) ContentType() string                     { return "application/octet-stream" }
