package events

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists transitions to a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) the event log database.
// Use ":memory:" for an in-memory database in tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		detail TEXT,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_job_id ON transitions(job_id);
	CREATE INDEX IF NOT EXISTS idx_transitions_at ON transitions(at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append adds a transition to the log.
func (s *SQLiteStore) Append(ctx context.Context, t Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO transitions (job_id, from_state, to_state, detail, at) VALUES (?, ?, ?, ?, ?)",
		t.JobID, t.From, t.To, t.Detail, t.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// ListForJob returns the transitions recorded for one job, oldest first.
func (s *SQLiteStore) ListForJob(ctx context.Context, jobID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT job_id, from_state, to_state, detail, at FROM transitions WHERE job_id = ? ORDER BY id",
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var at int64
		if err := rows.Scan(&t.JobID, &t.From, &t.To, &t.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.At = time.UnixMilli(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// PruneBefore removes transitions older than the cutoff, returning the
// number removed. Called by the retention reaper.
func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM transitions WHERE at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune transitions: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
