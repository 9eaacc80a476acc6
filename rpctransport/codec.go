// Package rpctransport wires the plain-struct controlpb message and
// service types onto google.golang.org/grpc. It stands in for the
// protoc-gen-go / protoc-gen-go-grpc output this module would normally
// have: a grpc codec that marshals controlpb structs as JSON instead of
// the protobuf wire format, and hand-written ServiceDesc/MethodDesc values
// in the same shape protoc-gen-go-grpc emits, built by hand against that
// codec rather than a .proto file.
package rpctransport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the name jsonCodec registers under in grpc's global codec
// registry. Clients and servers in this module do not negotiate it by
// content-subtype; DialOption and ServerOption (server.go) force it.
const CodecName = "nexus-json"

// jsonCodec implements encoding.Codec by marshaling controlpb structs as
// JSON. grpc normally selects a codec via the content-subtype negotiated
// in the RPC's content-type header; DialOption/ServerOption in server.go
// pin every call in this module to this codec.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpctransport: marshal: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpctransport: unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
