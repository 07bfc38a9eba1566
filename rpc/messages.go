package rpc

import "encoding/json"

// StartFlowRequest names the flow class to start and carries its
// RPC-supplied constructor arguments as already-marshaled JSON, matching
// the shape flowrun.State round-trips through at every checkpoint.
type StartFlowRequest struct {
	ClassName string          `cbor:"className"`
	ArgsJSON  json.RawMessage `cbor:"argsJson,omitempty"`
}

// FlowHandle is spec.md section 6's condensed startFlow() response: the
// run-id a client uses to correlate further calls. The result itself is
// not returned synchronously; callers use StartTrackedFlow or watch
// StateMachinesFeed for the run's Removed entry.
type FlowHandle struct {
	RunID string `cbor:"runId"`
}

// ProgressUpdate is one element of a StartTrackedFlow progress stream
// (spec.md section 4.5's progress-tracker feed). The stream ends after a
// message with Done set; Error is non-empty only if the run finished
// with an error.
type ProgressUpdate struct {
	Step  string `cbor:"step,omitempty"`
	Done  bool   `cbor:"done,omitempty"`
	Error string `cbor:"error,omitempty"`
}

// FlowDescriptor mirrors flowrun.Descriptor across the wire.
type FlowDescriptor struct {
	RunID     string `cbor:"runId"`
	ClassName string `cbor:"className"`
	Initiator string `cbor:"initiator"`
}

// RemovedFlow mirrors flowrun.RemovedDescriptor across the wire: a flow
// that left the live set, and the error string of its terminal result if
// it did not succeed.
type RemovedFlow struct {
	RunID string `cbor:"runId"`
	Error string `cbor:"error,omitempty"`
}

// StateMachineUpdate is one element of the StateMachinesFeed stream
// (spec.md section 4.4's "Added { descriptor } | Removed { run-id,
// terminal-result }"). The first messages sent on a new subscription are
// Added entries for every flow already live, giving the client the
// "snapshot" half of the Feed{snapshot, updates} shape (section 9)
// without a separate RPC.
type StateMachineUpdate struct {
	Added   *FlowDescriptor `cbor:"added,omitempty"`
	Removed *RemovedFlow    `cbor:"removed,omitempty"`
}

// RegisteredFlowsResponse lists every RPC-startable flow class (spec.md
// section 6's registeredFlows()).
type RegisteredFlowsResponse struct {
	ClassNames []string `cbor:"classNames"`
}

// Empty is the request message for RPCs that take no arguments.
type Empty struct{}
