// Package hosttx brackets every side effect the flow framework makes
// externally visible — checkpoint writes/removals, outbound message
// sends, and change-stream emissions — inside one host database
// transaction, so that partial success (spec.md section 5, "host
// transaction discipline") is impossible.
package hosttx

import (
	"context"
	"database/sql"
	"fmt"
)

// Transaction wraps a *sql.Tx together with a queue of effects that must
// only become externally visible once the transaction durably commits
// (outbound network sends, change-stream publishes). Effects written
// directly through Tx() are committed or rolled back with the SQL
// transaction itself; effects registered with AfterCommit run exactly
// once, immediately after a successful Commit.
type Transaction struct {
	tx         *sql.Tx
	afterCommit []func()
	done        bool
}

// Begin starts a new host transaction against db.
func Begin(ctx context.Context, db *sql.DB) (*Transaction, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning host transaction: %w", err)
	}
	return &Transaction{tx: tx}, nil
}

// Tx returns the underlying *sql.Tx for durable writes (checkpoint
// store, any other relational state).
func (t *Transaction) Tx() *sql.Tx { return t.tx }

// AfterCommit registers fn to run once, after Commit succeeds. Effects
// that cannot themselves be made transactional with the database — most
// notably publishing a message onto the messaging transport — must be
// deferred this way so they never fire ahead of the durable state that
// justifies them.
func (t *Transaction) AfterCommit(fn func()) {
	t.afterCommit = append(t.afterCommit, fn)
}

// Commit commits the underlying SQL transaction and, only if that
// succeeds, runs every registered AfterCommit effect in registration
// order.
func (t *Transaction) Commit() error {
	if t.done {
		return fmt.Errorf("host transaction already finalized")
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("committing host transaction: %w", err)
	}
	for _, fn := range t.afterCommit {
		fn()
	}
	return nil
}

// Rollback aborts the transaction. No AfterCommit effect ever runs.
func (t *Transaction) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("rolling back host transaction: %w", err)
	}
	return nil
}
