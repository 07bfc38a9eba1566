package session

import (
	"github.com/ledgerflow/flow/party"
	"github.com/ledgerflow/flow/wire"
)

// RestoreParams is the persisted shape of one Session, as recorded in a
// checkpoint, handed back to Table.Restore when a flow is resurrected.
type RestoreParams struct {
	Own              wire.SessionID
	Peer             wire.SessionID
	PeerParty        party.Party
	PeerEndpoint     party.Endpoint
	FlowVersion      int32
	State            State
	ExpectedTypeHint string
	SendSeq          uint64
	Inbox            []wire.Envelope
	Pending          *wire.Envelope
}

// Restore re-creates a Session from a checkpoint's persisted fields and
// registers it in the table, including any inbox entries that were not
// yet drained before the flow was checkpointed.
func (t *Table) Restore(p RestoreParams) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	var s = newSession(p.Own, p.PeerParty)
	s.Peer = p.Peer
	s.PeerEndpoint = p.PeerEndpoint
	s.FlowVersion = p.FlowVersion
	s.State = p.State
	s.ExpectedTypeHint = p.ExpectedTypeHint
	s.sendSeq = p.SendSeq
	s.inbox = append([]wire.Envelope(nil), p.Inbox...)
	s.pendingSend = p.Pending
	t.sessions[p.Own] = s
	return s
}
