package history

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Event is one orchestration stage transition.
type Event struct {
	RunID      string
	Stage      string
	State      string // pass, fail, degraded
	Detail     string
	OccurredAt time.Time
}

// Store appends orchestration events to a local SQLite database. It is
// best-effort auditing: callers log and continue on error.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the history database at path. ":memory:" is
// accepted for tests.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("empty history database path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	// Append-only audit table; no primary key needed.
	stmt := `CREATE TABLE IF NOT EXISTS run_history(
		occurred_at TIMESTAMP NOT NULL,
		run_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		state TEXT NOT NULL,
		detail TEXT
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

// Append records one event.
func (s *Store) Append(ctx context.Context, e Event) error {
	occurred := e.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_history(occurred_at, run_id, stage, state, detail)
		VALUES(?, ?, ?, ?, ?);`,
		occurred.UTC(), e.RunID, e.Stage, e.State, e.Detail)
	return err
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, run_id, stage, state, detail
		FROM run_history ORDER BY rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.OccurredAt, &e.RunID, &e.Stage, &e.State, &e.Detail); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
