// Package serialization provides the codecs backing stores use for their
// binary in-memory format.
package serialization

import (
	"encoding/json"
	"fmt"

	mergeerrors "github.com/devrev/pairdb/splitbrain/internal/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/known/anypb"
)

// Codec encodes and decodes values of one type
type Codec[V any] interface {
	Serialize(v V) ([]byte, error)
	Deserialize(raw []byte) (V, error)
}

// JSONCodec encodes values as JSON
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Serialize(v V) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return data, nil
}

func (JSONCodec[V]) Deserialize(raw []byte) (V, error) {
	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, mergeerrors.Deserialization("cannot decode JSON value", err)
	}
	return v, nil
}

// ProtoCodec stores protobuf messages wrapped in google.protobuf.Any so the
// message type travels with the value. Decoding resolves the type through the
// process's protobuf registry; a type this process does not link in yields a
// DeserializationError rather than a crash.
type ProtoCodec struct {
	resolver *protoregistry.Types
}

// NewProtoCodec creates a codec over a type resolver; nil uses the global registry.
func NewProtoCodec(resolver *protoregistry.Types) *ProtoCodec {
	if resolver == nil {
		resolver = protoregistry.GlobalTypes
	}
	return &ProtoCodec{resolver: resolver}
}

func (c *ProtoCodec) Serialize(v proto.Message) ([]byte, error) {
	wrapped, err := anypb.New(v)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap message: %w", err)
	}
	data, err := proto.Marshal(wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

func (c *ProtoCodec) Deserialize(raw []byte) (proto.Message, error) {
	var wrapped anypb.Any
	if err := proto.Unmarshal(raw, &wrapped); err != nil {
		return nil, mergeerrors.Deserialization("cannot decode message envelope", err)
	}
	msg, err := anypb.UnmarshalNew(&wrapped, proto.UnmarshalOptions{Resolver: c.resolver})
	if err != nil {
		return nil, mergeerrors.Deserialization(
			fmt.Sprintf("cannot resolve message type %s", wrapped.GetTypeUrl()), err).
			WithDetail("type_url", wrapped.GetTypeUrl())
	}
	return msg, nil
}
