package flowtest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerflow/flow/flowrun"
	"github.com/ledgerflow/flow/party"
	"github.com/ledgerflow/flow/wire"
)

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func decodeState(raw json.RawMessage, into interface{}) error {
	return json.Unmarshal(raw, into)
}

// TestPingPong exercises spec.md section 8's ping-pong scenario: A sends
// 10 and expects two return values; B replies 20, receives 11, replies
// 21. Both sides must observe the exact wire trace the scenario names.
func TestPingPong(t *testing.T) {
	ctx := testCtx(t)
	net := NewNetwork()
	dir := t.TempDir()

	const a, b party.Party = "flowtest.A", "flowtest.B"

	nodeA, err := AddNode(ctx, net, dir, a, func(r *flowrun.Registry) {
		require.NoError(t, r.Register(NewPingPongInitiator(b)))
	})
	require.NoError(t, err)
	defer nodeA.Close()

	nodeB, err := AddNode(ctx, net, dir, b, func(r *flowrun.Registry) {
		require.NoError(t, r.RegisterResponder("flowtest.PingPongFlow", PingPongResponderFactory))
	})
	require.NoError(t, err)
	defer nodeB.Close()

	run, err := nodeA.Manager.StartScheduled(ctx, "flowtest.PingPongFlow", flowrun.InitiatorScheduled)
	require.NoError(t, err)

	outcome, err := run.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, outcome.Err)

	var final PingPongState
	require.NoError(t, decodeState(outcome.Value, &final))
	require.Equal(t, 20, final.Received)
	require.Equal(t, 21, final.Received2)

	var tags []wire.Tag
	for _, e := range net.Trace() {
		tags = append(tags, e.Tag)
	}
	require.Equal(t, []wire.Tag{
		wire.TagSessionInit,
		wire.TagSessionConfirm,
		wire.TagSessionData,
		wire.TagSessionData,
		wire.TagSessionData,
		wire.TagNormalSessionEnd,
		wire.TagNormalSessionEnd,
	}, tags)
}

// TestCrashBetweenSendAndReceive exercises spec.md section 8's restart
// scenario: A opens a session with B and sends "Hello" as a genuine
// SessionData, not piggy-backed on the Init. B is held open exactly
// after it durably ingests "Hello" but before it produces any output,
// then killed and restarted there. The resurrected flow must observe
// the same "Hello" and complete normally, with no duplicate delivery.
func TestCrashBetweenSendAndReceive(t *testing.T) {
	ctx := testCtx(t)
	net := NewNetwork()
	dir := t.TempDir()

	const a, b party.Party = "flowtest.A", "flowtest.B"

	ready := make(chan struct{}, 1)
	pause := make(chan struct{}) // never closed: the original B goroutine stays parked, standing in for a killed process

	registerA := func(r *flowrun.Registry) {
		require.NoError(t, r.Register(NewGreetInitiator(b)))
	}
	registerB := func(r *flowrun.Registry) {
		require.NoError(t, r.RegisterResponder("flowtest.GreetFlow", NewGreetResponderFactory(ready, pause)))
	}

	nodeA, err := AddNode(ctx, net, dir, a, registerA)
	require.NoError(t, err)
	defer nodeA.Close()

	nodeB, err := AddNode(ctx, net, dir, b, registerB)
	require.NoError(t, err)

	_, err = nodeA.Manager.StartScheduled(ctx, "flowtest.GreetFlow", flowrun.InitiatorScheduled)
	require.NoError(t, err)

	select {
	case <-ready:
	case <-ctx.Done():
		t.Fatal("timed out waiting for B to ingest Hello")
	}

	// B is now durably past the receive, parked before any output. This is
	// the crash: drop the live Manager/Runtime and reopen the same SQLite
	// file, the registered responder no longer wired to ready/pause.
	registerBAfterRestart := func(r *flowrun.Registry) {
		require.NoError(t, r.RegisterResponder("flowtest.GreetFlow", NewGreetResponderFactory(nil, nil)))
	}
	require.NoError(t, nodeB.Restart(ctx, registerBAfterRestart))

	// The resurrected run's stepIndex is already past the receiving Step,
	// so it finishes immediately without touching ReceiveInto again. Its
	// Events subscription, established before resurrection runs, is the
	// only way to observe that run's terminal state: no reference to it
	// ever reaches this test.
	var final GreetState
	var sawRemoved bool
	for !sawRemoved {
		select {
		case e := <-nodeB.Events():
			if e.Removed != nil {
				sawRemoved = true
				require.NoError(t, e.Removed.Result.Err)
				require.NoError(t, decodeState(e.Removed.Result.Value, &final))
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for the resurrected flow to finish")
		}
	}
	require.Equal(t, "Hello", final.Hello)

	require.Eventually(t, func() bool {
		return len(nodeB.Manager.Runtime.Snapshot()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	var initCount, dataCount int
	for _, e := range net.Trace() {
		switch e.Tag {
		case wire.TagSessionInit:
			initCount++
		case wire.TagSessionData:
			dataCount++
		}
	}
	require.Equal(t, 1, initCount)
	require.Equal(t, 1, dataCount, "Hello must not be delivered twice across the restart")
}

// TestBusinessExceptionPropagation exercises spec.md section 7 kind 1: a
// responder that declares a business exception must have the initiator
// observe a *flowrun.BusinessException naming the responder's TypeName.
func TestBusinessExceptionPropagation(t *testing.T) {
	ctx := testCtx(t)
	net := NewNetwork()
	dir := t.TempDir()

	const a, b party.Party = "flowtest.A", "flowtest.B"

	nodeA, err := AddNode(ctx, net, dir, a, func(r *flowrun.Registry) {
		require.NoError(t, r.Register(NewAskInitiator(b)))
	})
	require.NoError(t, err)
	defer nodeA.Close()

	nodeB, err := AddNode(ctx, net, dir, b, func(r *flowrun.Registry) {
		require.NoError(t, r.RegisterResponder("flowtest.AskFlow", RaiseBusinessExceptionResponderFactory))
	})
	require.NoError(t, err)
	defer nodeB.Close()

	run, err := nodeA.Manager.StartScheduled(ctx, "flowtest.AskFlow", flowrun.InitiatorScheduled)
	require.NoError(t, err)

	outcome, err := run.Wait(ctx)
	require.NoError(t, err)
	require.Error(t, outcome.Err)

	var be *flowrun.BusinessException
	require.ErrorAs(t, outcome.Err, &be)
	require.Equal(t, RaisingBusinessExceptionTypeName, be.TypeName)
}

// TestNonBusinessExceptionMasking exercises spec.md section 7 kind 2: a
// responder that fails with a plain (non-business) error must never leak
// its original message to the peer; the initiator only ever sees a bare
// UnexpectedFlowEnd.
func TestNonBusinessExceptionMasking(t *testing.T) {
	ctx := testCtx(t)
	net := NewNetwork()
	dir := t.TempDir()

	const a, b party.Party = "flowtest.A", "flowtest.B"

	nodeA, err := AddNode(ctx, net, dir, a, func(r *flowrun.Registry) {
		require.NoError(t, r.Register(NewAskInitiator(b)))
	})
	require.NoError(t, err)
	defer nodeA.Close()

	nodeB, err := AddNode(ctx, net, dir, b, func(r *flowrun.Registry) {
		require.NoError(t, r.RegisterResponder("flowtest.AskFlow", PanicResponderFactory))
	})
	require.NoError(t, err)
	defer nodeB.Close()

	run, err := nodeA.Manager.StartScheduled(ctx, "flowtest.AskFlow", flowrun.InitiatorScheduled)
	require.NoError(t, err)

	outcome, err := run.Wait(ctx)
	require.NoError(t, err)
	require.Error(t, outcome.Err)

	var ufe *flowrun.UnexpectedFlowEnd
	require.ErrorAs(t, outcome.Err, &ufe)
	require.NotContains(t, outcome.Err.Error(), secretFailureMessage)
}

// TestUnknownClassInSessionInit exercises spec.md section 8's scenario:
// a node receiving a SessionInit naming an unregistered flow class must
// answer with exactly one SessionReject, and no other message.
func TestUnknownClassInSessionInit(t *testing.T) {
	ctx := testCtx(t)
	net := NewNetwork()
	dir := t.TempDir()

	const a, b party.Party = "flowtest.A", "flowtest.B"

	nodeA, err := AddNode(ctx, net, dir, a, func(r *flowrun.Registry) {
		require.NoError(t, r.Register(NewUnknownClassInitiator(b)))
	})
	require.NoError(t, err)
	defer nodeA.Close()

	nodeB, err := AddNode(ctx, net, dir, b, nil)
	require.NoError(t, err)
	defer nodeB.Close()

	run, err := nodeA.Manager.StartScheduled(ctx, "flowtest.NoSuchFlow", flowrun.InitiatorScheduled)
	require.NoError(t, err)

	outcome, err := run.Wait(ctx)
	require.NoError(t, err)
	require.Error(t, outcome.Err)

	var ufe *flowrun.UnexpectedFlowEnd
	require.ErrorAs(t, outcome.Err, &ufe)

	trace := net.Trace()
	require.Len(t, trace, 2)
	require.Equal(t, wire.TagSessionInit, trace[0].Tag)
	require.Equal(t, wire.TagSessionReject, trace[1].Tag)
}

// TestVersionNegotiation exercises spec.md section 8's negotiation
// scenario: the initiator registers flowtest.VersionedFlow at version 2
// while the responder only knows version 1; the responder sends its
// version back, and the initiator must record 1 (the lower of the two).
func TestVersionNegotiation(t *testing.T) {
	ctx := testCtx(t)
	net := NewNetwork()
	dir := t.TempDir()

	const a, b party.Party = "flowtest.A", "flowtest.B"

	nodeA, err := AddNode(ctx, net, dir, a, func(r *flowrun.Registry) {
		require.NoError(t, r.Register(NewVersionedInitiator(b)))
	})
	require.NoError(t, err)
	defer nodeA.Close()

	nodeB, err := AddNode(ctx, net, dir, b, func(r *flowrun.Registry) {
		require.NoError(t, r.RegisterResponder("flowtest.VersionedFlow", NewVersionedResponderFactory(1)))
	})
	require.NoError(t, err)
	defer nodeB.Close()

	run, err := nodeA.Manager.StartScheduled(ctx, "flowtest.VersionedFlow", flowrun.InitiatorScheduled)
	require.NoError(t, err)

	outcome, err := run.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, outcome.Err)

	var final VersionState
	require.NoError(t, decodeState(outcome.Value, &final))
	require.Equal(t, int32(1), final.NegotiatedVersion)
}

// TestRoundRobinServiceAddressing exercises spec.md section 4.2's shared
// identity addressing: three replicas answer for the same logical party,
// and three successive sessions must be routed to them in strict
// rotation, with a fourth session wrapping back to the first.
func TestRoundRobinServiceAddressing(t *testing.T) {
	ctx := testCtx(t)
	net := NewNetwork()
	dir := t.TempDir()

	const initiator party.Party = "flowtest.Client"
	const service party.Party = "flowtest.Service"

	var chosen []party.Endpoint
	var mu sync.Mutex
	recordChoice := func(ep party.Endpoint) func() {
		return func() {
			mu.Lock()
			chosen = append(chosen, ep)
			mu.Unlock()
		}
	}

	replicas := make([]*Node, 3)
	for i := range replicas {
		i := i
		p := party.Party("flowtest.Service.replica" + string(rune('A'+i)))
		ep := party.Endpoint(p)
		node, err := AddNode(ctx, net, dir, p, func(r *flowrun.Registry) {
			require.NoError(t, r.RegisterResponder("flowtest.EchoFlow", EchoResponderFactory(recordChoice(ep))))
		})
		require.NoError(t, err)
		defer node.Close()
		replicas[i] = node
		net.RegisterAlias(service, ep, node)
	}

	client, err := AddNode(ctx, net, dir, initiator, func(r *flowrun.Registry) {
		require.NoError(t, r.Register(NewEchoInitiator(service)))
	})
	require.NoError(t, err)
	defer client.Close()

	for i := 0; i < 4; i++ {
		run, err := client.Manager.StartScheduled(ctx, "flowtest.EchoFlow", flowrun.InitiatorScheduled)
		require.NoError(t, err)
		outcome, err := run.Wait(ctx)
		require.NoError(t, err)
		require.NoError(t, outcome.Err)
	}

	require.Equal(t, []party.Endpoint{
		party.Endpoint(replicas[0].Party),
		party.Endpoint(replicas[1].Party),
		party.Endpoint(replicas[2].Party),
		party.Endpoint(replicas[0].Party),
	}, chosen)
}
