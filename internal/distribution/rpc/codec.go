package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is negotiated as the gRPC content-subtype: requests and
// responses are framed as "application/grpc+json" instead of the usual
// protobuf-encoded bytes.
const codecName = "json"

// jsonCodec marshals the message structs in this package as JSON rather
// than Protocol Buffers wire format, since no protoc-generated marshaler
// exists for them.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: failed to marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpc: failed to unmarshal into %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
