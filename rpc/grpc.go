package rpc

import (
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(Codec)
}

// NewServer returns a *grpc.Server with s registered under ServiceDesc,
// instrumented with grpc-ecosystem/go-grpc-prometheus (mirroring the
// teacher's own TaskService client instrumentation) and forced onto the
// CBOR codec instead of protobuf.
func NewServer(s *Server) *grpc.Server {
	gs := grpc.NewServer(
		grpc.ForceServerCodec(Codec),
		grpc.UnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.StreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	)
	RegisterServer(gs, s)
	grpc_prometheus.Register(gs)
	return gs
}

// DialInsecure opens a client connection to target for use by flowctl or
// any other in-process RPC client, negotiating the CBOR content-subtype
// instead of protobuf.
func DialInsecure(target string) (*grpc.ClientConn, error) {
	return grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
}
