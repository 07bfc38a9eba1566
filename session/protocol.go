package session

import (
	"context"
	"fmt"
	"time"

	"github.com/ledgerflow/flow/hosttx"
	"github.com/ledgerflow/flow/ops"
	"github.com/ledgerflow/flow/party"
	"github.com/ledgerflow/flow/wire"
)

// Engine drives the session protocol state machine (spec.md section 4.2)
// for the sessions held in one flow's Table. Outbound effects are always
// staged through the hosttx.Transaction the caller supplies, so a
// message never reaches the transport ahead of the checkpoint that
// justifies it.
type Engine struct {
	Self       party.Party
	Table      *Table
	Transport  Transport
	Directory  directoryLookup
	RoundRobin *RoundRobin
	Dedup      *Dedup
	Publisher  ops.Publisher
}

// directoryLookup is the subset of directory.Directory this package
// needs; declared locally so that session does not import the directory
// package.
type directoryLookup interface {
	Endpoints(ctx context.Context, p party.Party) ([]party.Endpoint, error)
}

// OpenInitiating creates a new Initiating Session addressed to peerParty,
// resolves one of its endpoints by round-robin, and stages the
// SessionInit for send once tx commits.
func (e *Engine) OpenInitiating(
	ctx context.Context,
	tx *hosttx.Transaction,
	own wire.SessionID,
	messageID uint64,
	peerParty party.Party,
	flowClassName string,
	flowVersion int32,
	applicationID string,
	firstPayload []byte,
) (*Session, error) {
	candidates, err := e.Directory.Endpoints(ctx, peerParty)
	if err != nil {
		return nil, fmt.Errorf("resolving endpoints for %s: %w", peerParty, err)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("party %s has no known endpoints", peerParty)
	}
	var endpoint = e.RoundRobin.Pick(peerParty, candidates)

	var s = e.Table.OpenInitiating(own, peerParty)
	s.PeerEndpoint = endpoint

	var env = wire.Envelope{
		MessageID:   messageID,
		Sequence:    1,
		SenderParty: string(e.Self),
		Body: wire.Body{Init: &wire.SessionInit{
			InitiatorSessionID: own,
			FlowClassName:      flowClassName,
			FlowVersion:        flowVersion,
			ApplicationID:      applicationID,
			Payload:            firstPayload,
		}},
	}
	e.stageSend(tx, own, endpoint, env)
	return s, nil
}

// AcceptInitiating registers a responder-side Session already bound to
// own (the confirmer's own new session-id) and stages its SessionConfirm.
func (e *Engine) AcceptInitiating(
	tx *hosttx.Transaction,
	own wire.SessionID,
	messageID uint64,
	peerParty party.Party,
	peerSessionID wire.SessionID,
	peerEndpoint party.Endpoint,
	negotiatedVersion int32,
	applicationID string,
) *Session {
	var s = e.Table.OpenInitiating(own, peerParty)
	s.Peer = peerSessionID
	s.PeerEndpoint = peerEndpoint
	s.FlowVersion = negotiatedVersion
	s.State = StateConfirmed

	var env = wire.Envelope{
		MessageID:   messageID,
		Sequence:    1,
		SenderParty: string(e.Self),
		Body: wire.Body{Confirm: &wire.SessionConfirm{
			InitiatorSessionID: peerSessionID,
			ConfirmerSessionID: own,
			FlowVersion:        negotiatedVersion,
			ApplicationID:      applicationID,
		}},
	}
	e.stageSend(tx, own, peerEndpoint, env)
	return s
}

// SendData stages a SessionData on an already-Confirmed session.
func (e *Engine) SendData(tx *hosttx.Transaction, own wire.SessionID, messageID uint64, payload []byte) error {
	s, ok := e.Table.Get(own)
	if !ok {
		return fmt.Errorf("no session %d", own)
	}
	if s.State != StateConfirmed {
		return fmt.Errorf("session %d is not confirmed (state %s)", own, s.State)
	}
	seq, err := e.Table.NextSendSeq(own)
	if err != nil {
		return err
	}
	var env = wire.Envelope{
		MessageID:   messageID,
		Sequence:    seq,
		SenderParty: string(e.Self),
		Body:        wire.Body{Data: &wire.SessionData{RecipientSessionID: s.Peer, Payload: payload}},
	}
	e.stageSend(tx, own, s.PeerEndpoint, env)
	return nil
}

// End stages a NormalSessionEnd and transitions own to Ended.
func (e *Engine) End(tx *hosttx.Transaction, own wire.SessionID, messageID uint64) error {
	s, ok := e.Table.Get(own)
	if !ok {
		return fmt.Errorf("no session %d", own)
	}
	seq, err := e.Table.NextSendSeq(own)
	if err != nil {
		return err
	}
	var env = wire.Envelope{
		MessageID:   messageID,
		Sequence:    seq,
		SenderParty: string(e.Self),
		Body:        wire.Body{NormalEnd: &wire.NormalSessionEnd{RecipientSessionID: s.Peer}},
	}
	e.stageSend(tx, own, s.PeerEndpoint, env)
	return e.Table.SetState(own, StateEnded)
}

// ErrorEnd stages an ErrorSessionEnd (optionally carrying a business
// exception) and transitions own to Errored. A nil exc is a bare error
// end, used for non-business (fatal or protocol) errors: the spec
// forbids ever putting the original exception's detail on the wire in
// that case.
func (e *Engine) ErrorEnd(tx *hosttx.Transaction, own wire.SessionID, messageID uint64, exc *wire.BusinessException) error {
	s, ok := e.Table.Get(own)
	if !ok {
		return fmt.Errorf("no session %d", own)
	}
	seq, err := e.Table.NextSendSeq(own)
	if err != nil {
		return err
	}
	var env = wire.Envelope{
		MessageID:   messageID,
		Sequence:    seq,
		SenderParty: string(e.Self),
		Body:        wire.Body{ErrorEnd: &wire.ErrorSessionEnd{RecipientSessionID: s.Peer, Exception: exc}},
	}
	e.stageSend(tx, own, s.PeerEndpoint, env)
	return e.Table.SetState(own, StateErrored)
}

// Reject stages a bare SessionReject in response to an inbound
// SessionInit this node will not service (unknown or non-flow class).
// There is no Session record for a rejected init, so Reject does not
// touch the Table.
func (e *Engine) Reject(tx *hosttx.Transaction, to party.Endpoint, messageID uint64, initiatorSessionID wire.SessionID, reason string) {
	var env = wire.Envelope{
		MessageID:   messageID,
		Sequence:    1,
		SenderParty: string(e.Self),
		Body:        wire.Body{Reject: &wire.SessionReject{InitiatorSessionID: initiatorSessionID, ErrorMessage: reason}},
	}
	e.stageSend(tx, 0, to, env)
}

// Deliver applies an inbound envelope addressed to own: it deduplicates
// SessionData, advances the session state machine for Confirm/End/Error/
// Reject, and (for everything but Confirm, which AwaitConfirmed observes
// directly) enqueues the envelope for a pending receive<T> to consume.
func (e *Engine) Deliver(own wire.SessionID, env wire.Envelope) error {
	s, ok := e.Table.Get(own)
	if !ok {
		return fmt.Errorf("no session %d", own)
	}

	if env.Body.Data != nil {
		if e.Dedup.SeenOrMark(s.PeerParty, own, env.MessageID) {
			ops.SessionMessagesDeduped.Inc()
			return nil
		}
	}

	switch env.Body.Tag() {
	case wire.TagSessionConfirm:
		var c = env.Body.Confirm
		return e.Table.Confirm(own, c.ConfirmerSessionID, c.FlowVersion, s.PeerEndpoint)
	case wire.TagNormalSessionEnd:
		if err := e.Table.SetState(own, StateEnded); err != nil {
			return err
		}
	case wire.TagErrorSessionEnd, wire.TagSessionReject:
		if err := e.Table.SetState(own, StateErrored); err != nil {
			return err
		}
	}
	return e.Table.Deliver(own, env)
}

// maxSendAttempts bounds deliverWithRetry's local retry loop; beyond it,
// a failed send is left recorded as the session's Pending envelope and
// is still re-tried by ResendPending on the next restart.
const maxSendAttempts = 6

func (e *Engine) stageSend(tx *hosttx.Transaction, own wire.SessionID, to party.Endpoint, env wire.Envelope) {
	e.Table.MarkPending(own, env)
	var tag = string(env.Body.Tag())
	tx.AfterCommit(func() {
		go e.deliverWithRetry(own, to, env, tag)
	})
}

// deliverWithRetry hands env to the transport, retrying on failure on
// the same backoff schedule the teacher's shuffle reader uses for a
// dropped broker connection (go/shuffle/read.go's backoff), until it
// succeeds or the attempt budget is spent. spec.md section 7 requires
// delivery be retried until acknowledged; this protocol's only
// acknowledgement is a successful transport call, since it has no
// peer-level ack on the wire, so that is what "acknowledged" means here
// and in Session.Pending.
func (e *Engine) deliverWithRetry(own wire.SessionID, to party.Endpoint, env wire.Envelope, tag string) {
	for attempt := 0; attempt <= maxSendAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(sendBackoff(attempt))
		}
		if err := e.Transport.Send(context.Background(), to, env); err != nil {
			ops.PublishLog(e.Publisher, ops.LevelError, "failed to send session message",
				"tag", tag, "endpoint", string(to), "attempt", attempt, "error", err)
			continue
		}
		e.Table.ClearPending(own, env.MessageID)
		ops.SessionMessagesSent.WithLabelValues(tag).Inc()
		return
	}
}

func sendBackoff(attempt int) time.Duration {
	switch attempt {
	case 0, 1:
		return 10 * time.Millisecond
	case 2, 3, 4, 5:
		return time.Duration(attempt-1) * time.Second
	default:
		return 5 * time.Second
	}
}

// ResendPending re-stages every session's outstanding, not-yet-confirmed
// outbound envelope for delivery. Runtime.Resurrect calls this once per
// resurrected run so spec.md section 4.2's "on restart, re-publish every
// un-acknowledged message" holds even when the crash landed between a
// checkpoint commit and its AfterCommit send actually reaching the wire.
func (e *Engine) ResendPending() {
	for _, s := range e.Table.All() {
		var pending = s.Pending()
		if pending == nil {
			continue
		}
		go e.deliverWithRetry(s.Own, s.PeerEndpoint, *pending, string(pending.Body.Tag()))
	}
}
