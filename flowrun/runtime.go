package flowrun

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ledgerflow/flow/checkpoint"
	"github.com/ledgerflow/flow/directory"
	"github.com/ledgerflow/flow/hosttx"
	"github.com/ledgerflow/flow/ops"
	"github.com/ledgerflow/flow/party"
	"github.com/ledgerflow/flow/session"
	"github.com/ledgerflow/flow/wire"

	"github.com/google/uuid"
)

// Runtime is the cooperative scheduler of spec.md section 4.1: it owns
// the database the checkpoint store and the host transactions are bound
// to, the session protocol plumbing every Run's engine is built from, and
// the map of currently live Runs.
type Runtime struct {
	db        *sql.DB
	store     checkpoint.Store
	self      party.Party
	transport session.Transport
	directory directory.Directory
	pub       ops.Publisher
	ledger    LedgerWatcher

	dedup *session.Dedup
	ring  *session.RoundRobin

	mu      sync.Mutex
	runs    map[RunID]*Run
	pending map[wire.SessionID][]wire.Envelope // undelivered inbound for sessions not yet instantiated

	onChange func(Event)
}

// Event is an Added/Removed entry on the flow manager's change stream
// (spec.md section 4.4).
type Event struct {
	Added   *Descriptor
	Removed *RemovedDescriptor
}

// Descriptor is a snapshot of one live flow, for spec.md section 4.4's
// "live snapshot" and section 4.5's stateMachinesFeed.
type Descriptor struct {
	RunID     RunID
	ClassName string
	Initiator InitiatorKind
}

// RemovedDescriptor reports a flow's terminal result when it leaves the
// live set.
type RemovedDescriptor struct {
	RunID  RunID
	Result Outcome
}

// NewRuntime constructs a Runtime. onChange is called synchronously for
// every Added/Removed transition; callers that need it broadcast to
// multiple subscribers (the RPC surface) should make it non-blocking
// themselves (spec.md section 5: "slow subscribers must not block flow
// progress").
func NewRuntime(
	db *sql.DB,
	store checkpoint.Store,
	self party.Party,
	transport session.Transport,
	dir directory.Directory,
	pub ops.Publisher,
	ledger LedgerWatcher,
	dedupCapacity int,
	onChange func(Event),
) *Runtime {
	return &Runtime{
		db:        db,
		store:     store,
		self:      self,
		transport: transport,
		directory: dir,
		pub:       pub,
		ledger:    ledger,
		dedup:     session.NewDedup(dedupCapacity),
		ring:      session.NewRoundRobin(),
		runs:      make(map[RunID]*Run),
		pending:   make(map[wire.SessionID][]wire.Envelope),
		onChange:  onChange,
	}
}

func (rt *Runtime) newEngine(t *session.Table) *session.Engine {
	return &session.Engine{
		Self:       rt.self,
		Table:      t,
		Transport:  rt.transport,
		Directory:  rt.directory,
		RoundRobin: rt.ring,
		Dedup:      rt.dedup,
		Publisher:  rt.pub,
	}
}

func (rt *Runtime) publisher(r *Run) ops.Publisher {
	if lp, ok := rt.pub.(interface{ WithScope(ops.Scope) ops.Publisher }); ok {
		return lp.WithScope(r.scope())
	}
	return rt.pub
}

// Start allocates a fresh run-id and begins a new Run of def's class,
// permission checks already having been applied by the caller (spec.md
// section 4.4: "after permission check for RPC-initiated flows, bypassed
// for peer-initiated flows").
func (rt *Runtime) Start(ctx context.Context, def *Definition, initiator InitiatorKind) (*Run, error) {
	var id = RunID(uuid.NewString())
	var r = newRun(rt, id, def, initiator, def.NewState())

	rt.mu.Lock()
	rt.runs[id] = r
	rt.mu.Unlock()

	ops.FlowsStarted.WithLabelValues(def.ClassName, string(initiator)).Inc()
	ops.ActiveFlows.Inc()
	rt.emit(Event{Added: &Descriptor{RunID: id, ClassName: def.ClassName, Initiator: initiator}})

	go r.execute()
	return r, nil
}

// Get returns the live Run for id, if any.
func (rt *Runtime) Get(id RunID) (*Run, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	r, ok := rt.runs[id]
	return r, ok
}

// Snapshot returns a descriptor for every currently live run (spec.md
// section 4.4's "live snapshot").
func (rt *Runtime) Snapshot() []Descriptor {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var out = make([]Descriptor, 0, len(rt.runs))
	for id, r := range rt.runs {
		out = append(out, Descriptor{RunID: id, ClassName: r.Class.ClassName, Initiator: r.Initiator})
	}
	return out
}

// Cancel requests graceful termination of id at its next suspension.
func (rt *Runtime) Cancel(id RunID) error {
	rt.mu.Lock()
	r, ok := rt.runs[id]
	rt.mu.Unlock()
	if !ok {
		return fmt.Errorf("no live run %s", id)
	}
	r.cancel()
	return nil
}

func (rt *Runtime) onRunFinished(r *Run, o Outcome) {
	rt.mu.Lock()
	delete(rt.runs, r.ID)
	rt.mu.Unlock()
	rt.emit(Event{Removed: &RemovedDescriptor{RunID: r.ID, Result: o}})
}

func (rt *Runtime) emit(e Event) {
	if rt.onChange != nil {
		rt.onChange(e)
	}
}

// Deliver routes one inbound envelope, per spec.md section 4.4: a
// SessionInit goes through the registry's responder factory (confirming
// or rejecting); everything else is addressed to a session-id already
// owned by a live run, or buffered until that run exists.
func (rt *Runtime) Deliver(ctx context.Context, registry *Registry, from party.Party, fromEndpoint party.Endpoint, env wire.Envelope) error {
	if env.Body.Init != nil {
		return rt.deliverInit(ctx, registry, from, fromEndpoint, env)
	}

	recipient, ok := env.Body.RecipientSessionID()
	if !ok {
		return fmt.Errorf("envelope carries no recipient session id")
	}

	rt.mu.Lock()
	for _, r := range rt.runs {
		if _, ok := r.sessions.Get(recipient); ok {
			rt.mu.Unlock()
			return r.engine.Deliver(recipient, env)
		}
	}
	rt.pending[recipient] = append(rt.pending[recipient], env)
	rt.mu.Unlock()
	return nil
}

func (rt *Runtime) deliverInit(ctx context.Context, registry *Registry, from party.Party, fromEndpoint party.Endpoint, env wire.Envelope) error {
	var init = env.Body.Init
	factory, ok := registry.LookupResponder(init.FlowClassName)
	if !ok {
		return rt.rejectInit(fromEndpoint, init, "Don't know "+init.FlowClassName)
	}

	def, err := factory(from, init.Payload)
	if err != nil {
		return rt.rejectInit(fromEndpoint, init, err.Error())
	}

	var negotiated = def.Version
	if init.FlowVersion < negotiated {
		negotiated = init.FlowVersion
	}

	var id = RunID(uuid.NewString())
	var r = newRun(rt, id, def, InitiatorPeer, def.NewState())
	var own = r.allocateSessionID()
	r.sessionByParty[from] = own

	tx, err := hosttx.Begin(ctx, rt.db)
	if err != nil {
		return err
	}
	var mid = r.allocateMessageID()
	r.engine.AcceptInitiating(tx, own, mid, from, init.InitiatorSessionID, fromEndpoint, negotiated, string(id))

	if err := r.checkpointAdvance(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	rt.mu.Lock()
	rt.runs[id] = r
	var queued = rt.pending[own]
	delete(rt.pending, own)
	rt.mu.Unlock()

	ops.FlowsStarted.WithLabelValues(def.ClassName, string(InitiatorPeer)).Inc()
	ops.ActiveFlows.Inc()
	rt.emit(Event{Added: &Descriptor{RunID: id, ClassName: def.ClassName, Initiator: InitiatorPeer}})

	for _, queuedEnv := range queued {
		_ = r.engine.Deliver(own, queuedEnv)
	}

	go r.execute()
	return nil
}

func (rt *Runtime) rejectInit(to party.Endpoint, init *wire.SessionInit, reason string) error {
	tx, err := hosttx.Begin(context.Background(), rt.db)
	if err != nil {
		return err
	}
	var eng = rt.newEngine(session.NewTable())
	eng.Reject(tx, to, 1, init.InitiatorSessionID, reason)
	return tx.Commit()
}

// Resurrect enumerates the checkpoint store and resumes every flow found
// there, before the caller opens inbound traffic to user messages (spec.md
// section 4.4's startup sequencing).
func (rt *Runtime) Resurrect(ctx context.Context, registry *Registry) error {
	tx, err := rt.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	records, err := rt.store.List(ctx, tx)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, rec := range records {
		f, err := unmarshalFrame(rec.Blob)
		if err != nil {
			return fmt.Errorf("resurrecting run %s: %w", rec.RunID, err)
		}
		def, ok := registry.Lookup(f.ClassName)
		if !ok {
			if factory, rok := registry.LookupResponder(f.ClassName); rok {
				var dErr error
				def, dErr = factory("", nil)
				if dErr != nil {
					return fmt.Errorf("resurrecting run %s: %w", rec.RunID, dErr)
				}
			} else {
				return fmt.Errorf("resurrecting run %s: unknown flow class %s", rec.RunID, f.ClassName)
			}
		}
		r, err := rt.rehydrate(RunID(rec.RunID), def, f)
		if err != nil {
			return fmt.Errorf("resurrecting run %s: %w", rec.RunID, err)
		}

		rt.mu.Lock()
		rt.runs[r.ID] = r
		rt.mu.Unlock()
		ops.FlowsResurrected.Inc()
		ops.ActiveFlows.Inc()
		rt.emit(Event{Added: &Descriptor{RunID: r.ID, ClassName: def.ClassName, Initiator: f.Initiator}})
		go r.execute()
	}
	return nil
}

func (rt *Runtime) rehydrate(id RunID, def *Definition, f frame) (*Run, error) {
	var r = newRun(rt, id, def, f.Initiator, def.NewState())
	r.stepIndex = f.StepIndex
	r.nextMessageID = f.NextMessageID
	r.nextSessionSeed = f.NextSessionSeed

	if err := unmarshalState(f.State, r.state); err != nil {
		return nil, err
	}
	for p, sid := range f.SessionByParty {
		r.sessionByParty[party.Party(p)] = wire.SessionID(sid)
	}
	rehydrateSessions(r, f.Sessions)
	rt.dedup.Restore(f.Dedup)
	r.engine.ResendPending()
	return r, nil
}

func rehydrateSessions(r *Run, persisted []persistedSession) {
	for _, ps := range persisted {
		r.sessions.Restore(session.RestoreParams{
			Own:              ps.Own,
			Peer:             ps.Peer,
			PeerParty:        ps.PeerParty,
			PeerEndpoint:     ps.PeerEndpoint,
			FlowVersion:      ps.FlowVersion,
			State:            session.State(ps.State),
			ExpectedTypeHint: ps.ExpectedTypeHint,
			SendSeq:          ps.SendSeq,
			Inbox:            ps.Inbox,
			Pending:          ps.Pending,
		})
	}
}

// unmarshalState decodes a checkpoint's persisted flow-author state back
// into state, which must be the same pointer type def.NewState() returns.
func unmarshalState(raw json.RawMessage, state State) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, state)
}
