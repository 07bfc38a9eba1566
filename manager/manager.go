// Package manager implements the flow manager (spec.md section 4.4): the
// lifecycle façade over flowrun.Runtime that a node's entrypoint wires up
// once at startup — resurrecting checkpoints before opening inbound
// traffic, permission-checking RPC-initiated starts, and shutting the
// node down gracefully.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ledgerflow/flow/authz"
	"github.com/ledgerflow/flow/flowrun"
	"github.com/ledgerflow/flow/ops"
	"github.com/ledgerflow/flow/party"
	"github.com/ledgerflow/flow/wire"
)

// Manager owns one node's Registry and Runtime, and the broadcast of the
// change stream (spec.md section 4.4) to however many RPC subscribers are
// attached.
type Manager struct {
	Registry *flowrun.Registry
	Runtime  *flowrun.Runtime
	Authz    *authz.Authorizer
	Publisher ops.Publisher

	mu          sync.Mutex
	subscribers map[int]chan flowrun.Event
	nextSub     int

	shuttingDown bool
}

// New wires a Manager around an already-constructed Registry and Runtime.
// Callers must route the Runtime's onChange callback to the returned
// Manager's OnChange method; since flowrun.NewRuntime needs that callback
// before a Manager exists to supply it, declare the Manager variable
// first and close over it:
//
//	var mgr *Manager
//	rt := flowrun.NewRuntime(..., func(e flowrun.Event) { mgr.OnChange(e) })
//	mgr = New(registry, rt, az, pub)
//
// No event fires until mgr.Start resurrects or a flow is started, both of
// which happen after mgr is assigned.
func New(registry *flowrun.Registry, runtime *flowrun.Runtime, az *authz.Authorizer, pub ops.Publisher) *Manager {
	return &Manager{
		Registry:    registry,
		Runtime:     runtime,
		Authz:       az,
		Publisher:   pub,
		subscribers: make(map[int]chan flowrun.Event),
	}
}

// Start begins resurrection of every checkpointed flow, then freezes the
// class registry (spec.md section 9: registries are frozen after
// startup). Callers must not route inbound session traffic to Deliver
// until Start returns.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Runtime.Resurrect(ctx, m.Registry); err != nil {
		return fmt.Errorf("resurrecting flows at startup: %w", err)
	}
	m.Registry.Freeze()
	ops.PublishLog(m.Publisher, ops.LevelInfo, "flow manager ready", "liveFlows", len(m.Runtime.Snapshot()))
	return nil
}

// StartFlow instantiates a new flow on behalf of an authenticated RPC
// caller, enforcing spec.md section 4.5's permission gate:
// StartFlow.<fully-qualified-class-name> or the global override.
func (m *Manager) StartFlow(ctx context.Context, token string, className string, state flowrun.State) (*flowrun.Run, error) {
	if err := m.Authz.Authorize(token, authz.StartFlowPermission(className)); err != nil {
		return nil, err
	}
	def, ok := m.Registry.Lookup(className)
	if !ok {
		return nil, fmt.Errorf("no such flow class %s", className)
	}
	if !def.StartableByRPC {
		return nil, fmt.Errorf("flow class %s is not startable by RPC", className)
	}

	// state overrides the zero value NewState() would otherwise produce,
	// so RPC-supplied start arguments flow into the run's first Step.
	var override = def
	if state != nil {
		var clone = *def
		var original = def.NewState
		clone.NewState = func() flowrun.State { _ = original; return state }
		override = &clone
	}
	return m.Runtime.Start(ctx, override, flowrun.InitiatorRPCUser)
}

// StartScheduled instantiates a flow without a permission check, for
// clock-driven or shell-triggered starts (spec.md section 3's
// initiator-kind "scheduled" and "shell").
func (m *Manager) StartScheduled(ctx context.Context, className string, initiator flowrun.InitiatorKind) (*flowrun.Run, error) {
	def, ok := m.Registry.Lookup(className)
	if !ok {
		return nil, fmt.Errorf("no such flow class %s", className)
	}
	return m.Runtime.Start(ctx, def, initiator)
}

// Deliver routes one inbound envelope to the runtime. Must only be called
// after Start has resurrected checkpointed flows.
func (m *Manager) Deliver(ctx context.Context, from party.Party, fromEndpoint party.Endpoint, env wire.Envelope) error {
	return m.Runtime.Deliver(ctx, m.Registry, from, fromEndpoint, env)
}

// Subscribe registers a new change-stream listener (spec.md section
// 4.4). The returned channel is closed, and the subscription removed,
// when ctx is done. Per spec.md section 5, a slow subscriber never
// blocks flow progress: its channel is bounded and drops the oldest
// event on overflow, marking the loss is left to the RPC layer which
// knows how to represent a gap to its client.
func (m *Manager) Subscribe(ctx context.Context) <-chan flowrun.Event {
	var ch = make(chan flowrun.Event, 64)
	m.mu.Lock()
	var id = m.nextSub
	m.nextSub++
	m.subscribers[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
		close(ch)
	}()
	return ch
}

// OnChange broadcasts e to every subscriber registered through
// Subscribe. It is the callback flowrun.NewRuntime expects; see New's
// doc comment for how to wire it given the construction order.
func (m *Manager) OnChange(e flowrun.Event) {
	m.broadcast(e)
}

func (m *Manager) broadcast(e flowrun.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- e:
		default:
			// Drop-oldest: make room by discarding one queued event, then
			// retry once. A subscriber that is still full after that is
			// falling behind badly enough that losing this event too is
			// an acceptable trade against stalling the flow that produced it.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
			}
		}
	}
}

// Shutdown begins a graceful node shutdown (spec.md section 5): inbound
// traffic should be halted by the caller before calling Shutdown; this
// waits for every currently live run to park inside a Receive,
// ReceiveInto or SendAndReceive, which it does only after its last
// checkpoint has committed, or to terminate, then returns. A run already parked
// inside a Receive or SendAndReceive is skipped rather than waited on:
// it is suspended at a checkpointed point already, and nothing this
// process does from here can make its awaited peer reply arrive, so
// waiting on it would just block shutdown forever. Whoever resurrects
// that run later (on this node or another) picks it up exactly where
// its last checkpoint left it.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()

	for _, d := range m.Runtime.Snapshot() {
		r, ok := m.Runtime.Get(d.RunID)
		if !ok {
			continue
		}
		for !r.Parked() {
			waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			_, err := r.Wait(waitCtx)
			cancel()
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return fmt.Errorf("waiting for run %s to checkpoint during shutdown: %w", d.RunID, ctx.Err())
			}
		}
	}
	ops.PublishLog(m.Publisher, ops.LevelInfo, "flow manager shut down")
	return nil
}

// ShuttingDown reports whether Shutdown has been called.
func (m *Manager) ShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}
