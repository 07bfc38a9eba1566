package flowtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerflow/flow/checkpoint"
	"github.com/ledgerflow/flow/flowrun"
	"github.com/ledgerflow/flow/ops"
	"github.com/ledgerflow/flow/party"
)

// TestCheckpointExistsWhileSuspended exercises spec.md section 8's
// quantified invariant: a live, suspended flow always has a checkpoint
// record, and a terminated flow eventually has none.
func TestCheckpointExistsWhileSuspended(t *testing.T) {
	ctx := testCtx(t)
	net := NewNetwork()
	dir := t.TempDir()

	const a, b party.Party = "flowtest.A", "flowtest.B"

	ready := make(chan struct{}, 1)
	pause := make(chan struct{})

	nodeA, err := AddNode(ctx, net, dir, a, func(r *flowrun.Registry) {
		require.NoError(t, r.Register(NewGreetInitiator(b)))
	})
	require.NoError(t, err)
	defer nodeA.Close()

	nodeB, err := AddNode(ctx, net, dir, b, func(r *flowrun.Registry) {
		require.NoError(t, r.RegisterResponder("flowtest.GreetFlow", NewGreetResponderFactory(ready, pause)))
	})
	require.NoError(t, err)
	defer nodeB.Close()

	_, err = nodeA.Manager.StartScheduled(ctx, "flowtest.GreetFlow", flowrun.InitiatorScheduled)
	require.NoError(t, err)

	select {
	case <-ready:
	case <-ctx.Done():
		t.Fatal("timed out waiting for B to ingest Hello")
	}

	require.Len(t, checkpointRecords(ctx, t, nodeB), 1, "a live, suspended flow must have a checkpoint")

	close(pause)

	require.Eventually(t, func() bool {
		return len(checkpointRecords(ctx, t, nodeB)) == 0
	}, 2*time.Second, 10*time.Millisecond, "a terminated flow must eventually have no checkpoint")
}

func checkpointRecords(ctx context.Context, t *testing.T, n *Node) []checkpoint.Record {
	t.Helper()
	var store = checkpoint.NewSQLiteStore(ops.NewLocalPublisher(ops.Scope{}))
	tx, err := n.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	records, err := store.List(ctx, tx)
	require.NoError(t, err)
	return records
}
