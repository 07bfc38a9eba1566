// Package rpc is the RPC lifecycle surface (spec.md section 4.5): a
// permission-gated gRPC service that lets authenticated clients start
// flows, track their progress, and subscribe to the flow manager's
// change stream. There is no protoc toolchain available to this
// environment (see DESIGN.md), so the service is described by a
// hand-written grpc.ServiceDesc and its messages are carried over a
// custom CBOR codec — the same encoding the session wire protocol uses
// — instead of generated protobuf stubs.
package rpc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CodecName is the content-subtype negotiated for this service's RPCs:
// grpc-go dispatches to the codec registered under this name when a
// call is made with grpc.CallContentSubtype(CodecName), or when a
// server is constructed with grpc.ForceServerCodec(Codec).
const CodecName = "cbor"

// cborCodec adapts fxamacker/cbor to grpc's encoding.Codec interface.
type cborCodec struct{}

// Codec is the shared instance registered with encoding.RegisterCodec
// and passed to grpc.ForceServerCodec by NewServer.
var Codec = cborCodec{}

func (cborCodec) Marshal(v interface{}) ([]byte, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor-encoding rpc message: %w", err)
	}
	return b, nil
}

func (cborCodec) Unmarshal(data []byte, v interface{}) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor-decoding rpc message: %w", err)
	}
	return nil
}

func (cborCodec) Name() string { return CodecName }
