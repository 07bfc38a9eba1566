// Package session implements the session protocol engine: the four-state
// per-session handshake (spec.md section 4.2) and the in-memory session
// table (section 4.4) that routes inbound messages to the flow that owns
// each session. All mutation goes through Table's methods, which is the
// single lock point standing in for "mutated only by the runtime thread
// servicing that flow" (section 5) while still letting the node's inbound
// message router deliver concurrently from a different goroutine.
package session

import (
	"github.com/ledgerflow/flow/party"
	"github.com/ledgerflow/flow/wire"
)

// State is a session's position in the four-state machine of spec.md
// section 4.2.
type State int

const (
	StateInitiating State = iota
	StateConfirmed
	StateEnded
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateInitiating:
		return "Initiating"
	case StateConfirmed:
		return "Confirmed"
	case StateEnded:
		return "Ended"
	case StateErrored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// Session is one endpoint's half of a session protocol conversation. Its
// fields are only ever read or written while the owning Table's lock is
// held; see table.go.
type Session struct {
	Own              wire.SessionID
	Peer             wire.SessionID // zero until Confirmed
	PeerParty        party.Party
	PeerEndpoint     party.Endpoint // pinned once an endpoint is chosen
	FlowVersion      int32
	State            State
	ExpectedTypeHint string // set by receive<T>, surfaced in UnexpectedFlowEnd

	sendSeq     uint64
	inbox       []wire.Envelope
	pendingSend *wire.Envelope // most recent outbound envelope not yet confirmed handed to the transport
	notify      chan struct{}
}

// SendSeq returns the session's current outbound sequence counter, for
// checkpointing; see table.go's locking contract on Session fields.
func (s *Session) SendSeq() uint64 { return s.sendSeq }

// UndeliveredInbox returns the envelopes buffered but not yet drained by
// Receive, for checkpointing.
func (s *Session) UndeliveredInbox() []wire.Envelope {
	return append([]wire.Envelope(nil), s.inbox...)
}

// Pending returns the most recently staged outbound envelope this
// session has not yet confirmed delivery of, or nil if none is
// outstanding.
func (s *Session) Pending() *wire.Envelope {
	if s.pendingSend == nil {
		return nil
	}
	var env = *s.pendingSend
	return &env
}

func newSession(own wire.SessionID, peer party.Party) *Session {
	return &Session{
		Own:       own,
		PeerParty: peer,
		State:     StateInitiating,
		notify:    make(chan struct{}, 1),
	}
}

func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
