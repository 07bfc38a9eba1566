package flowrun

import "fmt"

// Subflow runs a nested Definition's Steps to completion synchronously
// within the calling Step, sharing the parent run's session table
// namespace, engine, and transport — spec.md section 2's passing mention
// of a flow "spawning sub-flows" made concrete. It is a restart-
// granularity shortcut: the nested program's own step progress is never
// separately checkpointed, only the parent run's stepIndex is, so a
// crash partway through a Subflow call re-enters the parent Step from
// its last checkpoint and the whole nested program runs again from its
// own first Step. Subflow therefore only suits nested programs whose
// Steps are either idempotent or cheap to repeat; anything else should
// be its own top-level flow class instead, reached over a session.
func Subflow(io *IO, sub *Definition, state State) error {
	// checkpointAdvance records stepIndex+1; lowering stepIndex for the
	// duration makes every nested checkpoint name the calling Step itself.
	io.run.stepIndex--
	defer func() { io.run.stepIndex++ }()
	for _, step := range sub.Steps {
		if err := io.run.runCtx.Err(); err != nil {
			return fmt.Errorf("subflow %s canceled: %w", sub.ClassName, err)
		}
		if err := step(io, state); err != nil {
			return fmt.Errorf("subflow %s: %w", sub.ClassName, err)
		}
		if err := io.run.checkpointAdvance(nil); err != nil {
			return err
		}
	}
	return nil
}
