package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerflow/flow/party"
)

// TestDedupRoundTrip exercises spec.md section 8's round-trip law: a
// retransmission of the same (sender, session, message-id) triple is
// recognized as already delivered, the property Dedup gives a flow that
// resends after a restart.
func TestDedupRoundTrip(t *testing.T) {
	var d = NewDedup(16)
	var sender = party.Party("flowtest.A")

	require.False(t, d.SeenOrMark(sender, 1, 1), "first delivery is novel")
	require.True(t, d.SeenOrMark(sender, 1, 1), "retransmission is recognized as a duplicate")
	require.False(t, d.SeenOrMark(sender, 1, 2), "a different message-id is still novel")
	require.False(t, d.SeenOrMark(party.Party("flowtest.C"), 1, 1), "a different sender is still novel")
}

// TestDedupSnapshotRestore exercises the persisted high-water-mark path a
// checkpoint frame relies on: a fresh Dedup restored from an earlier
// cache's Snapshot must still recognize those triples as delivered,
// the way a resurrected run's cache does across a restart.
func TestDedupSnapshotRestore(t *testing.T) {
	var d = NewDedup(16)
	var sender = party.Party("flowtest.A")

	require.False(t, d.SeenOrMark(sender, 1, 1))
	require.False(t, d.SeenOrMark(sender, 1, 2))

	var snap = d.Snapshot()
	require.Len(t, snap, 2)

	var restored = NewDedup(16)
	restored.Restore(snap)

	require.True(t, restored.SeenOrMark(sender, 1, 1), "restored cache recognizes a triple seen before restart")
	require.True(t, restored.SeenOrMark(sender, 1, 2), "restored cache recognizes the second triple too")
	require.False(t, restored.SeenOrMark(sender, 1, 3), "a triple never seen before restart is still novel")
}
