package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/ledgerflow/flow/party"
	"github.com/ledgerflow/flow/wire"
)

// Table is the in-memory map of session-id to Session state owned by a
// single flow run. It is safe for concurrent use: the flow's own runtime
// goroutine calls Send/Receive-adjacent methods, while the node's inbound
// message router calls Deliver from a different goroutine as messages
// arrive.
type Table struct {
	mu       sync.Mutex
	sessions map[wire.SessionID]*Session
}

// NewTable returns an empty session Table.
func NewTable() *Table {
	return &Table{sessions: make(map[wire.SessionID]*Session)}
}

// OpenInitiating creates and registers a new Session in state Initiating,
// owned by own, addressed to peer.
func (t *Table) OpenInitiating(own wire.SessionID, peer party.Party) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s = newSession(own, peer)
	t.sessions[own] = s
	return s
}

// Adopt registers an already-constructed Session (used when a responder
// flow is instantiated to service an inbound SessionInit).
func (t *Table) Adopt(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.Own] = s
}

// Get returns the Session registered under own, if any.
func (t *Table) Get(own wire.SessionID) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[own]
	return s, ok
}

// All returns every Session currently in the table.
func (t *Table) All() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out = make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// Remove drops a Session from the table (called once it is Ended or
// Errored and the flow no longer needs it).
func (t *Table) Remove(own wire.SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, own)
}

// SetState transitions a Session's state.
func (t *Table) SetState(own wire.SessionID, state State) error {
	t.mu.Lock()
	s, ok := t.sessions[own]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("no session %d", own)
	}
	s.State = state
	t.mu.Unlock()

	s.wake()
	return nil
}

// Confirm transitions an Initiating session to Confirmed, recording the
// peer session-id, the negotiated version, and the pinned endpoint.
func (t *Table) Confirm(own wire.SessionID, peer wire.SessionID, version int32, endpoint party.Endpoint) error {
	t.mu.Lock()
	s, ok := t.sessions[own]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("no session %d", own)
	}
	s.Peer = peer
	s.FlowVersion = version
	s.PeerEndpoint = endpoint
	s.State = StateConfirmed
	t.mu.Unlock()

	s.wake()
	return nil
}

// AwaitConfirmed blocks until own transitions out of Initiating (to
// Confirmed or Errored), or ctx is done.
func (t *Table) AwaitConfirmed(ctx context.Context, own wire.SessionID) (State, error) {
	for {
		t.mu.Lock()
		s, ok := t.sessions[own]
		if !ok {
			t.mu.Unlock()
			return StateErrored, fmt.Errorf("no session %d", own)
		}
		if s.State != StateInitiating {
			var state = s.State
			t.mu.Unlock()
			return state, nil
		}
		var notify = s.notify
		t.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return StateInitiating, ctx.Err()
		}
	}
}

// NextSendSeq returns the next monotonically increasing sequence number
// to stamp on an outbound message for own, incrementing the counter.
func (t *Table) NextSendSeq(own wire.SessionID) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[own]
	if !ok {
		return 0, fmt.Errorf("no session %d", own)
	}
	s.sendSeq++
	return s.sendSeq, nil
}

// MarkPending records env as own's outstanding, not-yet-confirmed
// outbound message, overwriting whatever this session had recorded
// before (each session has only ever one outbound message in flight at
// a time in this protocol).
func (t *Table) MarkPending(own wire.SessionID, env wire.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[own]; ok {
		s.pendingSend = &env
	}
}

// ClearPending drops own's pending record once messageID has actually
// reached the transport, unless a newer send has already superseded it.
func (t *Table) ClearPending(own wire.SessionID, messageID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[own]; ok && s.pendingSend != nil && s.pendingSend.MessageID == messageID {
		s.pendingSend = nil
	}
}

// SetExpectedTypeHint records the type a pending receive<T> expects, so a
// concurrent session end can report it in UnexpectedFlowEnd.
func (t *Table) SetExpectedTypeHint(own wire.SessionID, hint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[own]; ok {
		s.ExpectedTypeHint = hint
	}
}

// Deliver enqueues an inbound envelope onto the addressed session's
// inbox and wakes any blocked receiver. It is the router's only way to
// hand a message to a live flow.
func (t *Table) Deliver(own wire.SessionID, env wire.Envelope) error {
	t.mu.Lock()
	s, ok := t.sessions[own]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("no session %d", own)
	}
	s.inbox = append(s.inbox, env)
	t.mu.Unlock()
	s.wake()
	return nil
}

// Receive blocks until an envelope is available in own's inbox, or ctx is
// done. It preserves FIFO order: the guarantee that messages sent over
// the same session are delivered in send order is the transport's (each
// Deliver call already arrives in order); Receive just dequeues.
func (t *Table) Receive(ctx context.Context, own wire.SessionID) (wire.Envelope, error) {
	for {
		t.mu.Lock()
		s, ok := t.sessions[own]
		if !ok {
			t.mu.Unlock()
			return wire.Envelope{}, fmt.Errorf("no session %d", own)
		}
		if len(s.inbox) > 0 {
			var env = s.inbox[0]
			s.inbox = s.inbox[1:]
			t.mu.Unlock()
			return env, nil
		}
		var notify = s.notify
		t.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return wire.Envelope{}, ctx.Err()
		}
	}
}
