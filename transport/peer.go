// Package transport gives session.Transport (spec.md section 6's
// "Transport contract") a concrete, exercised default: a gRPC service
// that moves one SessionMessage envelope per unary call between nodes.
// The messaging transport's reliability and ordering guarantees remain
// an external assumption (spec.md section 1) — this package only moves
// already-encoded envelopes over the wire the node already speaks for
// its RPC lifecycle surface (the CBOR codec in package rpc).
package transport

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"

	"github.com/ledgerflow/flow/manager"
	"github.com/ledgerflow/flow/party"
	"github.com/ledgerflow/flow/rpc"
	"github.com/ledgerflow/flow/session"
	"github.com/ledgerflow/flow/wire"
)

var _ session.Transport = (*GRPCTransport)(nil)

// PeerServiceName is the fully-qualified gRPC service name peer nodes
// dial to deliver session messages to one another.
const PeerServiceName = "flow.v1.Peer"

// DeliverRequest carries one envelope plus enough addressing for the
// receiver to pin the sender's endpoint into any new Session it opens
// (spec.md section 4.2's "Addressing shared identities").
type DeliverRequest struct {
	FromParty    string        `cbor:"fromParty"`
	FromEndpoint string        `cbor:"fromEndpoint"`
	Envelope     wire.Envelope `cbor:"envelope"`
}

// DeliverResponse is empty: delivery is fire-and-forget from the
// flow manager's point of view once Deliver returns without error.
type DeliverResponse struct{}

// PeerServer hands inbound envelopes to a node's Manager.
type PeerServer struct {
	Manager *manager.Manager
}

func (p *PeerServer) Deliver(ctx context.Context, req *DeliverRequest) (*DeliverResponse, error) {
	if err := p.Manager.Deliver(ctx, party.Party(req.FromParty), party.Endpoint(req.FromEndpoint), req.Envelope); err != nil {
		return nil, fmt.Errorf("delivering inbound envelope: %w", err)
	}
	return &DeliverResponse{}, nil
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeliverRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*PeerServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + PeerServiceName + "/Deliver"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*PeerServer).Deliver(ctx, req.(*DeliverRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// PeerServiceDesc is the hand-written equivalent of a protoc-generated
// service descriptor for PeerServiceName.
var PeerServiceDesc = grpc.ServiceDesc{
	ServiceName: PeerServiceName,
	HandlerType: (*PeerServer)(nil),
	Methods:     []grpc.MethodDesc{{MethodName: "Deliver", Handler: deliverHandler}},
	Metadata:    "flow/peer.proto",
}

// RegisterPeerServer registers s on gs.
func RegisterPeerServer(gs *grpc.Server, s *PeerServer) {
	gs.RegisterService(&PeerServiceDesc, s)
}

// GRPCTransport implements session.Transport by dialing each peer
// Endpoint (a gRPC "host:port" target) on first use and caching the
// connection for reuse.
type GRPCTransport struct {
	self         party.Party
	selfEndpoint party.Endpoint

	mu    sync.Mutex
	conns map[party.Endpoint]*grpc.ClientConn
}

// NewGRPCTransport returns a GRPCTransport that identifies outbound
// envelopes as coming from self, reachable back at selfEndpoint.
func NewGRPCTransport(self party.Party, selfEndpoint party.Endpoint) *GRPCTransport {
	return &GRPCTransport{self: self, selfEndpoint: selfEndpoint, conns: make(map[party.Endpoint]*grpc.ClientConn)}
}

func (t *GRPCTransport) conn(to party.Endpoint) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[to]; ok {
		return c, nil
	}
	c, err := rpc.DialInsecure(string(to))
	if err != nil {
		return nil, err
	}
	t.conns[to] = c
	return c, nil
}

// Send delivers env to the node listening at to.
func (t *GRPCTransport) Send(ctx context.Context, to party.Endpoint, env wire.Envelope) error {
	conn, err := t.conn(to)
	if err != nil {
		return fmt.Errorf("dialing peer endpoint %s: %w", to, err)
	}
	req := &DeliverRequest{FromParty: string(t.self), FromEndpoint: string(t.selfEndpoint), Envelope: env}
	out := new(DeliverResponse)
	if err := conn.Invoke(ctx, "/"+PeerServiceName+"/Deliver", req, out); err != nil {
		return fmt.Errorf("delivering to %s: %w", to, err)
	}
	return nil
}
