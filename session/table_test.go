package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerflow/flow/party"
	"github.com/ledgerflow/flow/wire"
)

// TestReceiveFIFOOrder exercises spec.md section 8's quantified invariant
// that adjacent SessionData messages sent over one session are received
// in send order: Deliver already arrives in transport order, so Receive
// need only dequeue, never reorder.
func TestReceiveFIFOOrder(t *testing.T) {
	var table = NewTable()
	var own = table.OpenInitiating(1, party.Party("flowtest.B")).Own

	for i := 0; i < 5; i++ {
		require.NoError(t, table.Deliver(own, wire.Envelope{
			MessageID: uint64(i + 1),
			Body:      wire.Body{Data: &wire.SessionData{RecipientSessionID: own, Payload: []byte{byte(i)}}},
		}))
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		env, err := table.Receive(ctx, own)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, env.Body.Data.Payload)
	}
}

// TestReceiveBlocksUntilDeliver confirms Receive suspends rather than
// returning early when the inbox is empty, and wakes on Deliver.
func TestReceiveBlocksUntilDeliver(t *testing.T) {
	var table = NewTable()
	var own = table.OpenInitiating(1, party.Party("flowtest.B")).Own

	var got = make(chan wire.Envelope, 1)
	go func() {
		env, err := table.Receive(context.Background(), own)
		require.NoError(t, err)
		got <- env
	}()

	require.NoError(t, table.Deliver(own, wire.Envelope{
		MessageID: 1,
		Body:      wire.Body{Data: &wire.SessionData{RecipientSessionID: own, Payload: []byte("late")}},
	}))

	select {
	case env := <-got:
		require.Equal(t, []byte("late"), env.Body.Data.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive never woke on Deliver")
	}
}
