// Package flowrun implements the cooperative flow scheduler: the runtime
// that drives a flow's steps, checkpoints at each suspension, and resumes
// a flow from its last committed step after a restart (spec.md section
// 4.1). Continuation capture follows design option (b) from the source's
// own design notes: a flow is authored as an ordered sequence of Steps
// (a builder, not a free-running goroutine stack), and the step index
// together with a small JSON-serializable State value is everything the
// checkpoint needs to resume byte-for-byte.
package flowrun

import "github.com/ledgerflow/flow/party"

// InitiatorKind records who caused a flow to start, per spec.md section 3.
type InitiatorKind string

const (
	InitiatorRPCUser   InitiatorKind = "rpc-user"
	InitiatorPeer      InitiatorKind = "peer"
	InitiatorScheduled InitiatorKind = "scheduled"
	InitiatorShell     InitiatorKind = "shell"
)

// State is the flow-author-defined local variables carried between Steps.
// It must marshal and unmarshal through encoding/json; the runtime never
// inspects its fields directly.
type State interface{}

// Step is one unit of sequential flow logic. A Step should call at most
// one suspending IO primitive (Send, Receive, SendAndReceive,
// WaitForLedgerCommit, Sleep) before returning: the runtime checkpoints
// after every Step that returns without error, so a Step is exactly one
// "line" of the flow's sequential program from the checkpoint's point of
// view.
type Step func(io *IO, state State) error

// Definition is a registered flow class: spec.md section 4.4's
// "initiating-flow-class -> factory(peer-party) -> responder-flow"
// registry entry, generalized to cover both initiator and responder
// roles of the same class.
type Definition struct {
	ClassName string
	Version   int32

	// StartableByRPC marks a flow class invokable via the RPC lifecycle
	// surface (spec.md section 4.5); Manager.StartFlow refuses flows not
	// so marked, which can still be started by Manager.StartScheduled,
	// as a session responder, or as a sub-flow.
	StartableByRPC bool

	// NewState returns a zero-value State for a fresh run of this class.
	NewState func() State

	// Steps is the ordered program. StepIndex 0 is the flow's entry point
	// and is always where a freshly-instantiated run begins.
	Steps []Step
}

// ResponderFactory builds the Steps and initial State for a flow
// instantiated to service an inbound SessionInit from initiator.
type ResponderFactory func(initiator party.Party, firstPayload []byte) (*Definition, error)

// Registry is the process-wide, frozen-after-startup table of flow
// classes this node can run, per spec.md section 9's "global mutable
// registries" note: additions after Freeze are rejected outside test
// harnesses.
type Registry struct {
	byName map[string]*Definition
	byInit map[string]ResponderFactory
	frozen bool
}

// NewRegistry returns an empty, unfrozen Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Definition),
		byInit: make(map[string]ResponderFactory),
	}
}

// Register adds a flow class that can be started locally: by RPC (if
// StartableByRPC is set) or by a scheduled or shell start.
func (r *Registry) Register(def *Definition) error {
	if r.frozen {
		return errFrozen(def.ClassName)
	}
	r.byName[def.ClassName] = def
	return nil
}

// RegisterResponder adds a factory that builds a responder flow for
// inbound SessionInit messages naming className.
func (r *Registry) RegisterResponder(className string, factory ResponderFactory) error {
	if r.frozen {
		return errFrozen(className)
	}
	r.byInit[className] = factory
	return nil
}

// Freeze stops further registration outside of test harnesses, which may
// call Register/RegisterResponder directly against an explicitly
// unfrozen test Registry instead.
func (r *Registry) Freeze() { r.frozen = true }

// Lookup returns the Definition added with Register for className,
// whether or not it is StartableByRPC.
func (r *Registry) Lookup(className string) (*Definition, bool) {
	d, ok := r.byName[className]
	return d, ok
}

// LookupResponder returns the registered responder factory for className.
func (r *Registry) LookupResponder(className string) (ResponderFactory, bool) {
	f, ok := r.byInit[className]
	return f, ok
}

// ClassNames returns every RPC-startable class name, for
// spec.md section 6's registeredFlows() RPC.
func (r *Registry) ClassNames() []string {
	var out = make([]string, 0, len(r.byName))
	for name, def := range r.byName {
		if def.StartableByRPC {
			out = append(out, name)
		}
	}
	return out
}

func errFrozen(class string) error {
	return &FrozenRegistryError{ClassName: class}
}

// FrozenRegistryError is returned by Register/RegisterResponder once the
// Registry has been frozen.
type FrozenRegistryError struct{ ClassName string }

func (e *FrozenRegistryError) Error() string {
	return "flow class registry is frozen: cannot register " + e.ClassName
}
