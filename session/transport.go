package session

import (
	"context"

	"github.com/ledgerflow/flow/party"
	"github.com/ledgerflow/flow/wire"
)

// Transport is the reliable, party-addressed message bus the framework
// assumes (spec.md section 6, "Transport contract"): FIFO delivery per
// (sender, recipient) pair, at-least-once. It is an external
// collaborator — messaging transport is out of scope (spec.md section 1)
// — and the framework depends only on this interface.
type Transport interface {
	Send(ctx context.Context, to party.Endpoint, env wire.Envelope) error
}
