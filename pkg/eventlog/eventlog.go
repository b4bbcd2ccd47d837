// Package eventlog keeps an append-only history of orchestration events
// (assignments, accepts, patrol actions, remediations) in a SQLite database.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	kind TEXT NOT NULL,
	worker TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
`

// Event kinds recorded by the daemon and overseer.
const (
	KindAssigned    = "assigned"
	KindAccepted    = "accepted"
	KindNoChanges   = "no_changes"
	KindHealed      = "healed"
	KindHardFailure = "hard_failure"
	KindShutdown    = "shutdown"
	KindRemediation = "remediation"
)

// Event is one recorded row.
type Event struct {
	ID     int64
	TS     time.Time
	Kind   string
	Worker string
	Detail string
}

// Log wraps the events database.
type Log struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// Open opens (creating if needed) the event database with WAL journaling and
// a 5-second busy timeout, and verifies the connection before returning.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create events schema: %w", err)
	}
	return &Log{db: db, nowFunc: time.Now}, nil
}

// Close releases the database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append records one event. Failures are returned but callers generally
// treat the history as best-effort.
func (l *Log) Append(ctx context.Context, kind, worker, detail string) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO events (ts, kind, worker, detail) VALUES (?, ?, ?, ?)",
		l.nowFunc().UTC().Format(time.RFC3339), kind, worker, detail)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Recent returns up to n most recent events, newest first.
func (l *Log) Recent(ctx context.Context, n int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT id, ts, kind, worker, detail FROM events ORDER BY id DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Kind, &e.Worker, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if t, perr := time.Parse(time.RFC3339, ts); perr == nil {
			e.TS = t
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
