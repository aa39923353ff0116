package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id  TEXT NOT NULL,
	version INTEGER NOT NULL,
	id      TEXT NOT NULL,
	kind    TEXT NOT NULL,
	at      TEXT NOT NULL,
	data    BLOB,
	UNIQUE (run_id, version)
);
CREATE INDEX IF NOT EXISTS records_kind ON records (kind);
`

// SQLiteStore persists run streams in a SQLite database. The DSN
// ":memory:" keeps the database in process memory, which the tests use.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at dsn and ensures the
// schema exists.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open sqlite: %w", err)
	}
	// SQLite is single-writer; one connection also keeps ":memory:"
	// databases from splitting across the pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, runID string, expectedVersion int, recs []*Record) (int, error) {
	if len(recs) == 0 {
		return s.RunVersion(ctx, runID)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: begin append: %w", err)
	}
	defer tx.Rollback()

	var cur int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), -1) FROM records WHERE run_id = ?`, runID)
	if err := row.Scan(&cur); err != nil {
		return 0, fmt.Errorf("checkpoint: read run version: %w", err)
	}
	if cur != expectedVersion {
		return cur, ErrVersionConflict
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (run_id, version, id, kind, at, data) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: prepare insert: %w", err)
	}
	defer stmt.Close()
	v := cur
	for _, r := range recs {
		v++
		at := r.At
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, runID, v, r.ID, r.Kind, at.UTC().Format(time.RFC3339Nano), []byte(r.Data)); err != nil {
			return 0, fmt.Errorf("checkpoint: insert record %d: %w", v, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("checkpoint: commit append: %w", err)
	}
	return v, nil
}

// Read implements Store.
func (s *SQLiteStore) Read(ctx context.Context, runID string, fromVersion int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, version, id, kind, at, data FROM records WHERE run_id = ? AND version >= ? ORDER BY version`,
		runID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read run %s: %w", runID, err)
	}
	return scanRecords(rows)
}

// ReadAll implements Store.
func (s *SQLiteStore) ReadAll(ctx context.Context, f Filter) ([]*Record, error) {
	q := `SELECT run_id, version, id, kind, at, data FROM records`
	var conds []string
	var args []any
	if f.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, f.RunID)
	}
	if len(f.Kinds) > 0 {
		conds = append(conds, "kind IN (?"+strings.Repeat(", ?", len(f.Kinds)-1)+")")
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY seq"
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read all: %w", err)
	}
	return scanRecords(rows)
}

// RunVersion implements Store.
func (s *SQLiteStore) RunVersion(ctx context.Context, runID string) (int, error) {
	var cur int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), -1) FROM records WHERE run_id = ?`, runID)
	if err := row.Scan(&cur); err != nil {
		return 0, fmt.Errorf("checkpoint: read run version: %w", err)
	}
	return cur, nil
}

// DeleteRun implements Store.
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("checkpoint: delete run %s: %w", runID, err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		r := &Record{}
		var at string
		var data []byte
		if err := rows.Scan(&r.RunID, &r.Version, &r.ID, &r.Kind, &at, &data); err != nil {
			return nil, fmt.Errorf("checkpoint: scan record: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: parse record time: %w", err)
		}
		r.At = t
		if len(data) > 0 {
			r.Data = data
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint: iterate records: %w", err)
	}
	return out, nil
}
