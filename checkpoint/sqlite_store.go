package checkpoint

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ledgerflow/flow/ops"
)

// SQLiteStore is the default Store, backed by the host's relational
// database via database/sql and the mattn/go-sqlite3 driver. It assumes
// the schema already exists in the database the *sql.Tx values it's given
// belong to; call EnsureSchema once per database at startup.
type SQLiteStore struct {
	publisher ops.Publisher
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore returns a SQLiteStore that logs through publisher.
func NewSQLiteStore(publisher ops.Publisher) *SQLiteStore {
	return &SQLiteStore{publisher: publisher}
}

// EnsureSchema creates the checkpoints table if it doesn't already exist.
// It is idempotent and safe to call on every startup.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS flow_checkpoints (
	run_id TEXT PRIMARY KEY,
	blob   BLOB NOT NULL
)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating flow_checkpoints table: %w", err)
	}
	return nil
}

// OpenSQLite opens (creating if needed) a SQLite database at path and
// ensures the checkpoint schema is present.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %q: %w", path, err)
	}
	if err := EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (s *SQLiteStore) Put(ctx context.Context, tx *sql.Tx, runID RunID, blob Blob) error {
	var _, err = tx.ExecContext(ctx,
		`INSERT INTO flow_checkpoints (run_id, blob) VALUES (?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET blob = excluded.blob`,
		string(runID), []byte(blob))
	if err != nil {
		return fmt.Errorf("writing checkpoint for run %q: %w", runID, err)
	}
	ops.CheckpointsWritten.Inc()
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, tx *sql.Tx, runID RunID) error {
	var _, err = tx.ExecContext(ctx, `DELETE FROM flow_checkpoints WHERE run_id = ?`, string(runID))
	if err != nil {
		return fmt.Errorf("removing checkpoint for run %q: %w", runID, err)
	}
	ops.CheckpointsRemoved.Inc()
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, tx *sql.Tx) ([]Record, error) {
	rows, err := tx.QueryContext(ctx, `SELECT run_id, blob FROM flow_checkpoints`)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var runID string
		var blob []byte
		if err := rows.Scan(&runID, &blob); err != nil {
			return nil, fmt.Errorf("scanning checkpoint row: %w", err)
		}
		out = append(out, Record{RunID: RunID(runID), Blob: Blob(blob)})
	}
	return out, rows.Err()
}
