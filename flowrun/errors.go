package flowrun

import "fmt"

// BusinessException is the local, re-raisable form of a declared business
// exception received from a peer (spec.md section 7, kind 1). TypeName
// names the peer's original exception type; Go code distinguishes
// exceptions by TypeName rather than by a Go type switch, since the
// receiver never has the peer's concrete type available.
type BusinessException struct {
	TypeName string
	Message  string
}

func (e *BusinessException) Error() string {
	return fmt.Sprintf("%s: %s", e.TypeName, e.Message)
}

// UnexpectedFlowEnd is raised at a pending receive/sendAndReceive when the
// session ends abnormally: a non-business error on the peer, a
// SessionReject, or a timeout. It deliberately never carries the peer's
// original error message (spec.md section 7, kind 2 and kind 3).
type UnexpectedFlowEnd struct {
	Session          uint64
	ExpectedTypeHint string
	Reason           string
}

func (e *UnexpectedFlowEnd) Error() string {
	if e.ExpectedTypeHint != "" {
		return fmt.Sprintf("session %d ended unexpectedly while awaiting %s: %s", e.Session, e.ExpectedTypeHint, e.Reason)
	}
	return fmt.Sprintf("session %d ended unexpectedly: %s", e.Session, e.Reason)
}

// FatalRunError wraps a failure of the runtime itself while driving a
// run: cancellation, a host-transaction failure, or a failed checkpoint
// write (spec.md section 7, kind 3). The flow terminates with this as its
// result; the node itself continues. A non-business error returned by a
// Step is not wrapped: it becomes the run's terminal result as it is.
type FatalRunError struct {
	RunID RunID
	Cause error
}

func (e *FatalRunError) Error() string {
	return fmt.Sprintf("run %s failed fatally: %s", e.RunID, e.Cause)
}

func (e *FatalRunError) Unwrap() error { return e.Cause }
