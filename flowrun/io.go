package flowrun

import (
	"context"
	"time"

	"github.com/ledgerflow/flow/hosttx"
	"github.com/ledgerflow/flow/ops"
	"github.com/ledgerflow/flow/party"
	"github.com/ledgerflow/flow/wire"
)

// LedgerWatcher is the external collaborator waitForLedgerCommit suspends
// on; the transaction/ledger validation engine itself is out of scope
// (spec.md section 1).
type LedgerWatcher interface {
	AwaitCommit(ctx context.Context, txHash string) error
}

// IO is the set of suspending primitives a Step may call (spec.md section
// 4.1). Each primitive is itself a complete suspension: it stages any
// outbound effect, blocks if it must wait on the network or a timer, and
// checkpoints the run's advance before returning control to the Step. A
// Step should call at most one of these before returning.
type IO struct {
	run *Run
}

// Context returns the run's lifetime context: done once the run is
// canceled (spec.md section 5, "external termination requests mark the
// flow for abort at its next suspension"). Steps should pass this to
// whichever suspending call they make.
func (io *IO) Context() context.Context { return io.run.runCtx }

// Send serializes payload onto a SessionData for the session already
// open with p, opening one with a SessionInit first if this is the first
// contact with p. On a session whose SessionConfirm has not arrived yet,
// it first waits for it. It returns once the checkpoint covering the send
// has committed; it does not wait for any reply.
func (io *IO) Send(ctx context.Context, p party.Party, payload []byte) error {
	var r = io.run
	tx, err := hosttx.Begin(r.runCtx, r.rt.db)
	if err != nil {
		return err
	}

	sid, isNew, err := io.sessionFor(ctx, tx, p, payload)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if !isNew {
		if _, err := r.sessions.AwaitConfirmed(ctx, sid); err != nil {
			_ = tx.Rollback()
			return err
		}
		var mid = r.allocateMessageID()
		if err := r.engine.SendData(tx, sid, mid, payload); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err := r.checkpointAdvance(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

// Receive blocks until a SessionData addressed to the session with p
// arrives, returning its payload, or returns UnexpectedFlowEnd if the
// session ends first.
func (io *IO) Receive(ctx context.Context, p party.Party, typeHint string) ([]byte, error) {
	var r = io.run
	sid, ok := r.sessionByParty[p]
	if !ok {
		return nil, &UnexpectedFlowEnd{Reason: "no open session with " + string(p)}
	}
	r.sessions.SetExpectedTypeHint(sid, typeHint)

	r.setParked(true)
	env, err := r.sessions.Receive(ctx, sid)
	r.setParked(false)
	if err != nil {
		return nil, err
	}
	payload, err := io.resolveInbound(sid, typeHint, env)
	if err != nil {
		return nil, err
	}

	if err := r.checkpointAdvance(nil); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReceiveInto blocks exactly like Receive, but applies fn to the decoded
// payload before checkpointing, so whatever fn writes into the Step's
// State is captured by the same checkpoint that records the message as
// consumed. A Step that merely forwards the payload on can use Receive
// directly; one that needs the payload to survive a crash occurring the
// instant after it arrives (spec.md section 8's "crash between send and
// receive" scenario) should use ReceiveInto instead, since a plain
// Receive's checkpoint is already committed by the time the Step gets a
// chance to mutate State with what it read.
func (io *IO) ReceiveInto(ctx context.Context, p party.Party, typeHint string, apply func(payload []byte) error) error {
	var r = io.run
	sid, ok := r.sessionByParty[p]
	if !ok {
		return &UnexpectedFlowEnd{Reason: "no open session with " + string(p)}
	}
	r.sessions.SetExpectedTypeHint(sid, typeHint)

	r.setParked(true)
	env, err := r.sessions.Receive(ctx, sid)
	r.setParked(false)
	if err != nil {
		return err
	}
	payload, err := io.resolveInbound(sid, typeHint, env)
	if err != nil {
		return err
	}
	if err := apply(payload); err != nil {
		return err
	}
	return r.checkpointAdvance(nil)
}

// SendAndReceive enqueues payload and then receives the reply as a single
// suspension. The outbound send commits together with a checkpoint that
// still points at the calling Step, so the request leaves only once that
// checkpoint is durable; the run then parks until the reply arrives, and
// a second checkpoint records the run's advance. A crash while parked
// re-runs the calling Step, which sends payload again.
func (io *IO) SendAndReceive(ctx context.Context, p party.Party, payload []byte, typeHint string) ([]byte, error) {
	var r = io.run
	tx, err := hosttx.Begin(r.runCtx, r.rt.db)
	if err != nil {
		return nil, err
	}

	sid, isNew, err := io.sessionFor(ctx, tx, p, payload)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if !isNew {
		if _, err := r.sessions.AwaitConfirmed(ctx, sid); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		var mid = r.allocateMessageID()
		if err := r.engine.SendData(tx, sid, mid, payload); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
	}
	r.sessions.SetExpectedTypeHint(sid, typeHint)

	if err := r.writeFrame(tx.Tx(), r.stepIndex); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	r.setParked(true)
	env, err := r.sessions.Receive(ctx, sid)
	r.setParked(false)
	if err != nil {
		return nil, err
	}
	payloadOut, err := io.resolveInbound(sid, typeHint, env)
	if err != nil {
		return nil, err
	}

	if err := r.checkpointAdvance(nil); err != nil {
		return nil, err
	}
	return payloadOut, nil
}

// WaitForLedgerCommit suspends until txHash is durably recorded.
func (io *IO) WaitForLedgerCommit(ctx context.Context, txHash string) error {
	var r = io.run
	if r.rt.ledger == nil {
		return nil
	}
	if err := r.rt.ledger.AwaitCommit(ctx, txHash); err != nil {
		return err
	}
	if err := r.checkpointAdvance(nil); err != nil {
		return err
	}
	return nil
}

// Sleep suspends the run for d.
func (io *IO) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := io.run.checkpointAdvance(nil); err != nil {
		return err
	}
	return nil
}

// sessionFor returns the session-id already bound to p, or opens a new
// Initiating session (staging its SessionInit) if this is the first
// contact. isNew reports the latter, so callers don't also send a
// SessionData piggy-backed on top of the SessionInit's own first payload.
func (io *IO) sessionFor(ctx context.Context, tx *hosttx.Transaction, p party.Party, firstPayload []byte) (wire.SessionID, bool, error) {
	var r = io.run
	if sid, ok := r.sessionByParty[p]; ok {
		return sid, false, nil
	}

	var own = r.allocateSessionID()
	var mid = r.allocateMessageID()
	_, err := r.engine.OpenInitiating(ctx, tx, own, mid, p, r.Class.ClassName, r.Class.Version, string(r.ID), firstPayload)
	if err != nil {
		return 0, false, err
	}
	r.sessionByParty[p] = own
	return own, true, nil
}

// resolveInbound interprets an inbound envelope on behalf of a pending
// receive, translating protocol-level endings into UnexpectedFlowEnd and
// a carried business exception into its local re-raisable form.
func (io *IO) resolveInbound(sid wire.SessionID, typeHint string, env wire.Envelope) ([]byte, error) {
	switch env.Body.Tag() {
	case wire.TagSessionData:
		return env.Body.Data.Payload, nil
	case wire.TagNormalSessionEnd:
		return nil, &UnexpectedFlowEnd{Session: uint64(sid), ExpectedTypeHint: typeHint, Reason: "peer ended the session normally before replying"}
	case wire.TagErrorSessionEnd:
		if exc := env.Body.ErrorEnd.Exception; exc != nil {
			return nil, &BusinessException{TypeName: exc.TypeName, Message: exc.Message}
		}
		return nil, &UnexpectedFlowEnd{Session: uint64(sid), ExpectedTypeHint: typeHint, Reason: "peer failed with a non-business error"}
	case wire.TagSessionReject:
		return nil, &UnexpectedFlowEnd{Session: uint64(sid), ExpectedTypeHint: typeHint, Reason: env.Body.Reject.ErrorMessage}
	default:
		return nil, &UnexpectedFlowEnd{Session: uint64(sid), ExpectedTypeHint: typeHint, Reason: "unexpected message kind"}
	}
}

// publishLog is a convenience for Steps that want to emit an operations
// log tied to this run's scope.
func (io *IO) publishLog(level ops.Level, message string, fields ...interface{}) {
	ops.PublishLog(io.run.rt.publisher(io.run), level, message, fields...)
}
