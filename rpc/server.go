package rpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ledgerflow/flow/flowrun"
	"github.com/ledgerflow/flow/manager"
)

// Server implements the RPC lifecycle surface over a Manager. Its
// methods are invoked through the hand-written ServiceDesc in
// service.go rather than generated stubs.
type Server struct {
	Manager *manager.Manager
}

// bearerToken extracts the token from an incoming call's
// "authorization: Bearer <token>" metadata, the way the node's own
// authz.Authorizer expects to receive it.
func bearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "missing rpc metadata")
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return "", status.Error(codes.Unauthenticated, "missing authorization metadata")
	}
	const prefix = "Bearer "
	if len(vals[0]) <= len(prefix) || vals[0][:len(prefix)] != prefix {
		return "", status.Error(codes.Unauthenticated, "authorization metadata must be a bearer token")
	}
	return vals[0][len(prefix):], nil
}

// StartFlow instantiates a new flow on behalf of the authenticated
// caller, enforcing the StartFlow.<class> permission (spec.md section
// 4.5).
func (s *Server) StartFlow(ctx context.Context, req *StartFlowRequest) (*FlowHandle, error) {
	token, err := bearerToken(ctx)
	if err != nil {
		return nil, err
	}

	def, ok := s.Manager.Registry.Lookup(req.ClassName)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no such flow class %s", req.ClassName)
	}
	var state = def.NewState()
	if len(req.ArgsJSON) != 0 {
		if err := json.Unmarshal(req.ArgsJSON, state); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decoding start arguments: %v", err)
		}
	}

	run, err := s.Manager.StartFlow(ctx, token, req.ClassName, state)
	if err != nil {
		return nil, status.Error(codes.PermissionDenied, err.Error())
	}
	return &FlowHandle{RunID: string(run.ID)}, nil
}

// RegisteredFlows lists every RPC-startable flow class.
func (s *Server) RegisteredFlows(ctx context.Context, _ *Empty) (*RegisteredFlowsResponse, error) {
	if _, err := bearerToken(ctx); err != nil {
		return nil, err
	}
	return &RegisteredFlowsResponse{ClassNames: s.Manager.Registry.ClassNames()}, nil
}

// StartTrackedFlow starts a flow as StartFlow does, then streams its
// progress-tracker steps (spec.md section 4.5's FlowProgressHandle) until
// the run terminates, closing the stream with a final Done update.
func (s *Server) StartTrackedFlow(req *StartFlowRequest, stream grpc.ServerStream) error {
	token, err := bearerToken(stream.Context())
	if err != nil {
		return err
	}

	def, ok := s.Manager.Registry.Lookup(req.ClassName)
	if !ok {
		return status.Errorf(codes.NotFound, "no such flow class %s", req.ClassName)
	}
	var state = def.NewState()
	if len(req.ArgsJSON) != 0 {
		if err := json.Unmarshal(req.ArgsJSON, state); err != nil {
			return status.Errorf(codes.InvalidArgument, "decoding start arguments: %v", err)
		}
	}

	run, err := s.Manager.StartFlow(stream.Context(), token, req.ClassName, state)
	if err != nil {
		return status.Error(codes.PermissionDenied, err.Error())
	}
	if err := stream.SendMsg(&FlowHandle{RunID: string(run.ID)}); err != nil {
		return err
	}

	snapshot, updates, unsubscribe := run.ProgressSnapshot()
	defer unsubscribe()
	for _, step := range snapshot {
		if err := stream.SendMsg(&ProgressUpdate{Step: string(step)}); err != nil {
			return err
		}
	}

	for {
		select {
		case step, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if err := stream.SendMsg(&ProgressUpdate{Step: string(step)}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		case <-waitDone(run):
			outcome, _ := run.Wait(context.Background())
			var final = &ProgressUpdate{Done: true}
			if outcome.Err != nil {
				final.Error = outcome.Err.Error()
			}
			return stream.SendMsg(final)
		}
	}
}

func waitDone(run *flowrun.Run) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		_, _ = run.Wait(context.Background())
		close(ch)
	}()
	return ch
}

// StateMachinesFeed streams the manager's change stream to the caller:
// an Added entry for every flow already live, then every further
// Added/Removed transition (spec.md section 4.4 and section 9's
// Feed{snapshot, updates}).
func (s *Server) StateMachinesFeed(_ *Empty, stream grpc.ServerStream) error {
	if _, err := bearerToken(stream.Context()); err != nil {
		return err
	}

	for _, d := range s.Manager.Runtime.Snapshot() {
		msg := &StateMachineUpdate{Added: &FlowDescriptor{
			RunID:     string(d.RunID),
			ClassName: d.ClassName,
			Initiator: string(d.Initiator),
		}}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}

	ch := s.Manager.Subscribe(stream.Context())
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(toStateMachineUpdate(e)); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func toStateMachineUpdate(e flowrun.Event) *StateMachineUpdate {
	if e.Added != nil {
		return &StateMachineUpdate{Added: &FlowDescriptor{
			RunID:     string(e.Added.RunID),
			ClassName: e.Added.ClassName,
			Initiator: string(e.Added.Initiator),
		}}
	}
	var errStr string
	if e.Removed.Result.Err != nil {
		errStr = e.Removed.Result.Err.Error()
	}
	return &StateMachineUpdate{Removed: &RemovedFlow{RunID: string(e.Removed.RunID), Error: errStr}}
}
