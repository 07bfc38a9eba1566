// Package checkpoint implements the durable keyed map of run-id to
// serialized continuation the flow runtime suspends into. Every write
// happens under the caller's *sql.Tx (see hosttx.Transaction) so that
// checkpoint state and the side effects it protects commit or fail
// together, per spec.md section 4.3.
package checkpoint

import (
	"context"
	"database/sql"
)

// RunID identifies a flow run. It is opaque to the checkpoint store.
type RunID string

// Blob is an opaque, schema-versioned snapshot of a suspended flow: its
// continuation, its session table, and a schema version byte. The store
// never interprets its contents.
type Blob []byte

// Record pairs a RunID with its stored Blob, returned by List.
type Record struct {
	RunID RunID
	Blob  Blob
}

// Store is a keyed durable map run-id -> blob. All three operations must
// participate in the transaction passed by the caller.
type Store interface {
	// Put writes or overwrites the checkpoint for runID.
	Put(ctx context.Context, tx *sql.Tx, runID RunID, blob Blob) error
	// Remove deletes the checkpoint for runID, if any. Removing an absent
	// checkpoint is not an error: it is how terminal-transition cleanup
	// stays idempotent across replay.
	Remove(ctx context.Context, tx *sql.Tx, runID RunID) error
	// List enumerates every checkpoint. Called only at startup to
	// discover flows to resurrect.
	List(ctx context.Context, tx *sql.Tx) ([]Record, error)
}
