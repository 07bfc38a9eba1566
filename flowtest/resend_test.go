package flowtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerflow/flow/flowrun"
	"github.com/ledgerflow/flow/party"
)

// TestResendOnResurrectAfterTransportFailure exercises spec.md section
// 4.2's "on restart, re-publish every unacknowledged message": B is
// unreachable for A's entire first attempt to open a session, so the
// SessionInit carrying A's request never leaves A's node before A
// "crashes" (Restart). Once resurrected, and B becomes reachable again,
// A's engine must still deliver it without the flow author retrying
// anything itself.
func TestResendOnResurrectAfterTransportFailure(t *testing.T) {
	ctx := testCtx(t)
	net := NewNetwork()
	dir := t.TempDir()

	const a, b party.Party = "flowtest.A", "flowtest.B"

	registerA := func(r *flowrun.Registry) {
		require.NoError(t, r.Register(NewAskInitiator(b)))
	}
	nodeA, err := AddNode(ctx, net, dir, a, registerA)
	require.NoError(t, err)
	defer nodeA.Close()

	replied := make(chan struct{}, 1)
	nodeB, err := AddNode(ctx, net, dir, b, func(r *flowrun.Registry) {
		require.NoError(t, r.RegisterResponder("flowtest.AskFlow", func(initiator party.Party, firstPayload []byte) (*flowrun.Definition, error) {
			return &flowrun.Definition{
				ClassName: "flowtest.AskFlow",
				Version:   1,
				NewState:  func() flowrun.State { return &AskState{} },
				Steps: []flowrun.Step{
					func(io *flowrun.IO, state flowrun.State) error {
						if err := io.Send(io.Context(), initiator, []byte("ok")); err != nil {
							return err
						}
						select {
						case replied <- struct{}{}:
						default:
						}
						return nil
					},
				},
			}, nil
		}))
	})
	require.NoError(t, err)
	defer nodeB.Close()

	// B is unreachable before A ever attempts to open the session, so the
	// very first checkpoint committed for this run already records the
	// SessionInit as pending, and every delivery attempt against it fails.
	net.SetBlocked(nodeB.Endpoint, true)

	_, err = nodeA.Manager.StartScheduled(ctx, "flowtest.AskFlow", flowrun.InitiatorScheduled)
	require.NoError(t, err)

	// Give the doomed first attempt a moment to run and fail before
	// simulating A's crash.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, nodeA.Restart(ctx, registerA))

	net.SetBlocked(nodeB.Endpoint, false)

	select {
	case <-replied:
	case <-ctx.Done():
		t.Fatal("resurrected run never resent its pending SessionInit once the peer became reachable")
	}
}
