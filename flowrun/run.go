package flowrun

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ledgerflow/flow/checkpoint"
	"github.com/ledgerflow/flow/hosttx"
	"github.com/ledgerflow/flow/ops"
	"github.com/ledgerflow/flow/party"
	"github.com/ledgerflow/flow/session"
	"github.com/ledgerflow/flow/wire"
)

// RunID is the flow's globally unique, restart-stable identifier
// (spec.md section 3).
type RunID string

// Outcome is a finished Run's terminal result: either a success value
// (flow-author-defined, JSON-marshaled) or a terminating error.
type Outcome struct {
	Value json.RawMessage
	Err   error
}

// Run is one live (or resurrected) instance of a Definition. All field
// access other than through its own goroutine happens via the owning
// Runtime's lock; see runtime.go.
type Run struct {
	ID        RunID
	Class     *Definition
	Initiator InitiatorKind

	rt    *Runtime
	state State

	stepIndex int
	sessions  *session.Table
	engine    *session.Engine

	sessionByParty  map[party.Party]wire.SessionID
	nextMessageID   uint64
	nextSessionSeed uint64
	progress        *progressTracker

	mu       sync.Mutex
	done     bool
	outcome  Outcome
	doneCh   chan struct{}
	cancelFn context.CancelFunc
	runCtx   context.Context

	parked atomic.Bool
}

// Parked reports whether the run is currently blocked inside a Receive
// or SendAndReceive, waiting on a peer that a graceful shutdown can
// never itself deliver. Manager.Shutdown uses this to avoid blocking
// forever on a run it has no way to unstick.
func (r *Run) Parked() bool { return r.parked.Load() }

func (r *Run) setParked(v bool) { r.parked.Store(v) }

func newRun(rt *Runtime, id RunID, def *Definition, initiator InitiatorKind, state State) *Run {
	var ctx, cancel = context.WithCancel(context.Background())
	var t = session.NewTable()
	return &Run{
		ID:             id,
		Class:          def,
		Initiator:      initiator,
		rt:             rt,
		state:          state,
		sessions:       t,
		engine:         rt.newEngine(t),
		sessionByParty: make(map[party.Party]wire.SessionID),
		progress:       newProgressTracker(),
		doneCh:         make(chan struct{}),
		cancelFn:       cancel,
		runCtx:         ctx,
	}
}

// scope satisfies ops.Publisher's bound-to-a-run-id convention for logs
// emitted while executing this Run.
func (r *Run) scope() ops.Scope {
	return ops.Scope{RunID: string(r.ID), FlowClass: r.Class.ClassName}
}

// cancel marks the run for abort at its next suspension point (spec.md
// section 5: "Flows observe cancellation only at suspension points").
func (r *Run) cancel() { r.cancelFn() }

// Wait blocks until the run reaches a terminal state.
func (r *Run) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-r.doneCh:
		return r.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// execute drives the run's Steps to completion. It is always invoked on
// a dedicated goroutine; see Runtime.spawn. A Step that suspends (Send,
// Receive, SendAndReceive, WaitForLedgerCommit, Sleep) checkpoints its
// send effect, if any, and the state as of the moment it suspended,
// atomically with that effect. Once the Step itself returns, execute
// always checkpoints once more: a Step commonly copies a Receive's or
// SendAndReceive's result into its State after the suspending call
// already returned, and that mutation happened after the in-flight
// checkpoint was taken, so it is never persisted by the primitive
// itself. Re-checkpointing the fully-updated State here is what lets a
// resurrected run observe the same values a Step read before it was
// ever interrupted.
func (r *Run) execute() {
	for r.stepIndex < len(r.Class.Steps) {
		if err := r.runCtx.Err(); err != nil {
			r.finishFatal(fmt.Errorf("run canceled: %w", err))
			return
		}

		var step = r.Class.Steps[r.stepIndex]
		var io = &IO{run: r}
		err := step(io, r.state)
		if err != nil {
			r.finish(err)
			return
		}
		if err := r.checkpointAdvance(nil); err != nil {
			r.finishFatal(err)
			return
		}
		r.stepIndex++
	}
	r.finish(nil)
}

// checkpointAdvance opens its own host transaction and persists the run's
// next step index, state, and session table, then commits it. If tx is
// non-nil, the caller has already staged outbound effects into it (the
// suspending IO primitives use this path); checkpointAdvance writes the
// frame into that same transaction instead of opening a new one, so the
// effect and the progress record commit together.
func (r *Run) checkpointAdvance(tx *hosttx.Transaction) error {
	var owns = tx == nil
	if owns {
		var err error
		tx, err = hosttx.Begin(r.runCtx, r.rt.db)
		if err != nil {
			return err
		}
	}

	if err := r.writeFrame(tx.Tx(), r.stepIndex+1); err != nil {
		if owns {
			_ = tx.Rollback()
		}
		return err
	}

	if owns {
		return tx.Commit()
	}
	return nil
}

func (r *Run) writeFrame(tx *sql.Tx, nextStep int) error {
	stateJSON, err := json.Marshal(r.state)
	if err != nil {
		return fmt.Errorf("marshaling flow state: %w", err)
	}

	var sessions = r.sessions.All()
	var persisted = make([]persistedSession, 0, len(sessions))
	var byParty = make(map[string]uint64, len(r.sessionByParty))
	for p, sid := range r.sessionByParty {
		byParty[string(p)] = uint64(sid)
	}
	for _, s := range sessions {
		persisted = append(persisted, persistedSession{
			Own:              s.Own,
			Peer:             s.Peer,
			PeerParty:        s.PeerParty,
			PeerEndpoint:     s.PeerEndpoint,
			FlowVersion:      s.FlowVersion,
			State:            int(s.State),
			ExpectedTypeHint: s.ExpectedTypeHint,
			SendSeq:          s.SendSeq(),
			Inbox:            s.UndeliveredInbox(),
			Pending:          s.Pending(),
		})
	}

	blob, err := marshalFrame(frame{
		ClassName:       r.Class.ClassName,
		Version:         r.Class.Version,
		Initiator:       r.Initiator,
		StepIndex:       nextStep,
		State:           stateJSON,
		Sessions:        persisted,
		SessionByParty:  byParty,
		NextMessageID:   r.nextMessageID,
		NextSessionSeed: r.nextSessionSeed,
		Dedup:           r.rt.dedup.Snapshot(),
	})
	if err != nil {
		return err
	}

	if err := r.rt.store.Put(r.runCtx, tx, checkpoint.RunID(r.ID), checkpoint.Blob(blob)); err != nil {
		return fmt.Errorf("writing checkpoint for run %s: %w", r.ID, err)
	}
	return nil
}

// finish marks the run terminal with err as its result (nil for
// success), classifying it per spec.md section 7, notifying every open
// session's peer, and removing the checkpoint — all inside one host
// transaction (spec.md section 4.3: "checkpoint content and outbound
// message emission commit or fail together").
func (r *Run) finish(err error) {
	tx, beginErr := hosttx.Begin(r.runCtx, r.rt.db)
	if beginErr != nil {
		r.finishFatal(beginErr)
		return
	}

	var outcome = "success"
	if err != nil {
		outcome = classifyOutcome(err)
	}
	r.notifyPeers(tx, err)

	if removeErr := r.rt.store.Remove(r.runCtx, tx.Tx(), checkpoint.RunID(r.ID)); removeErr != nil {
		_ = tx.Rollback()
		r.finishFatal(removeErr)
		return
	}
	tx.AfterCommit(func() {
		ops.FlowsTerminated.WithLabelValues(r.Class.ClassName, outcome).Inc()
		ops.ActiveFlows.Dec()
	})
	if commitErr := tx.Commit(); commitErr != nil {
		r.finishFatal(commitErr)
		return
	}

	var o = Outcome{Err: err}
	if err == nil {
		if stateJSON, marshalErr := json.Marshal(r.state); marshalErr == nil {
			o.Value = stateJSON
		}
	}
	r.complete(o)
}

func (r *Run) finishFatal(err error) {
	r.complete(Outcome{Err: &FatalRunError{RunID: r.ID, Cause: err}})
}

func (r *Run) complete(o Outcome) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.outcome = o
	r.mu.Unlock()
	close(r.doneCh)
	r.rt.onRunFinished(r, o)
}

// notifyPeers tells the peer of every session not already Errored that
// this run has ended, including a session the peer has already closed
// with its own NormalSessionEnd: a nil err becomes a NormalSessionEnd, a
// BusinessException becomes an ErrorSessionEnd carrying it, anything
// else becomes a bare ErrorSessionEnd.
func (r *Run) notifyPeers(tx *hosttx.Transaction, err error) {
	var exc *wire.BusinessException
	if be, ok := err.(*BusinessException); ok {
		exc = &wire.BusinessException{TypeName: be.TypeName, Message: be.Message}
	}
	for _, s := range r.sessions.All() {
		if s.State == session.StateErrored {
			continue
		}
		var mid = r.allocateMessageID()
		if err == nil {
			_ = r.engine.End(tx, s.Own, mid)
			continue
		}
		_ = r.engine.ErrorEnd(tx, s.Own, mid, exc)
	}
}

func classifyOutcome(err error) string {
	switch err.(type) {
	case *BusinessException:
		return "business-exception"
	case *UnexpectedFlowEnd:
		return "unexpected-end"
	default:
		return "fatal"
	}
}

func (r *Run) allocateMessageID() uint64 {
	r.nextMessageID++
	return r.nextMessageID
}

func (r *Run) allocateSessionID() wire.SessionID {
	r.nextSessionSeed++
	// Clear the top bit: spec.md section 3 models session-id as a 63-bit
	// value, and this keeps a derived int64 representation non-negative.
	return wire.SessionID((r.ID.hash() ^ r.nextSessionSeed) &^ (uint64(1) << 63))
}

// hash gives a RunID a cheap, stable numeric seed so session-ids derived
// from different runs don't collide in tests that allocate many runs in
// the same process.
func (id RunID) hash() uint64 {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(id); i++ {
		h ^= uint64(id[i])
		h *= 1099511628211
	}
	return h
}
