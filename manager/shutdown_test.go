package manager_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerflow/flow/flowrun"
	"github.com/ledgerflow/flow/flowtest"
	"github.com/ledgerflow/flow/party"
)

// TestShutdownDoesNotBlockOnParkedRun exercises spec.md section 5's
// graceful shutdown against a run with no way to make forward progress:
// A's AskFlow run is parked inside SendAndReceive awaiting a reply B
// will never send. Before Manager.Shutdown learned to skip parked runs,
// this would hang until the test's context deadline.
func TestShutdownDoesNotBlockOnParkedRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	net := flowtest.NewNetwork()
	dir := t.TempDir()

	const a, b party.Party = "flowtest.A", "flowtest.B"

	nodeA, err := flowtest.AddNode(ctx, net, dir, a, func(r *flowrun.Registry) {
		require.NoError(t, r.Register(flowtest.NewAskInitiator(b)))
	})
	require.NoError(t, err)
	defer nodeA.Close()

	nodeB, err := flowtest.AddNode(ctx, net, dir, b, func(r *flowrun.Registry) {
		require.NoError(t, r.RegisterResponder("flowtest.AskFlow", flowtest.BlockForeverResponderFactory))
	})
	require.NoError(t, err)
	defer nodeB.Close()

	run, err := nodeA.Manager.StartScheduled(ctx, "flowtest.AskFlow", flowrun.InitiatorScheduled)
	require.NoError(t, err)

	require.Eventually(t, run.Parked, 2*time.Second, 10*time.Millisecond,
		"initiator run must park awaiting a reply that never arrives")

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- nodeA.Manager.Shutdown(ctx) }()

	select {
	case err := <-shutdownDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Manager.Shutdown blocked on a run parked awaiting an unreachable peer")
	}
}
