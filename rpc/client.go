package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Client is a thin hand-written client for ServiceDesc, used by flowctl
// in place of a protoc-generated stub.
type Client struct {
	conn  *grpc.ClientConn
	token string
}

// NewClient wraps conn, attaching token as the bearer credential on every
// call.
func NewClient(conn *grpc.ClientConn, token string) *Client {
	return &Client{conn: conn, token: token}
}

func (c *Client) authed(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
}

func method(name string) string {
	return "/" + ServiceName + "/" + name
}

// StartFlow invokes the StartFlow unary RPC.
func (c *Client) StartFlow(ctx context.Context, req *StartFlowRequest) (*FlowHandle, error) {
	out := new(FlowHandle)
	if err := c.conn.Invoke(c.authed(ctx), method("StartFlow"), req, out); err != nil {
		return nil, fmt.Errorf("StartFlow: %w", err)
	}
	return out, nil
}

// RegisteredFlows invokes the RegisteredFlows unary RPC.
func (c *Client) RegisteredFlows(ctx context.Context) (*RegisteredFlowsResponse, error) {
	out := new(RegisteredFlowsResponse)
	if err := c.conn.Invoke(c.authed(ctx), method("RegisteredFlows"), new(Empty), out); err != nil {
		return nil, fmt.Errorf("RegisteredFlows: %w", err)
	}
	return out, nil
}

// StartTrackedFlow opens the StartTrackedFlow server stream: the first
// received message is always a *FlowHandle, every message after that a
// *ProgressUpdate.
func (c *Client) StartTrackedFlow(ctx context.Context, req *StartFlowRequest) (grpc.ClientStream, error) {
	desc := &grpc.StreamDesc{StreamName: "StartTrackedFlow", ServerStreams: true}
	stream, err := c.conn.NewStream(c.authed(ctx), desc, method("StartTrackedFlow"))
	if err != nil {
		return nil, fmt.Errorf("StartTrackedFlow: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("StartTrackedFlow: sending request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("StartTrackedFlow: %w", err)
	}
	return stream, nil
}

// StateMachinesFeed opens the StateMachinesFeed server stream; every
// received message is a *StateMachineUpdate.
func (c *Client) StateMachinesFeed(ctx context.Context) (grpc.ClientStream, error) {
	desc := &grpc.StreamDesc{StreamName: "StateMachinesFeed", ServerStreams: true}
	stream, err := c.conn.NewStream(c.authed(ctx), desc, method("StateMachinesFeed"))
	if err != nil {
		return nil, fmt.Errorf("StateMachinesFeed: %w", err)
	}
	if err := stream.SendMsg(new(Empty)); err != nil {
		return nil, fmt.Errorf("StateMachinesFeed: sending request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("StateMachinesFeed: %w", err)
	}
	return stream, nil
}
