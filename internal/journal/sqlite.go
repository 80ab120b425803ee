package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLite is a WAL-mode SQLite-backed Journal. It is safe for concurrent use.
//
// The database is opened with PRAGMA journal_mode = WAL, and the connection
// pool is limited to one connection because SQLite allows only one writer at
// a time; every call, reads included, serialises through it.
//
// Timestamps are stored as fixed-width UTC text (tsLayout) so that string
// order in the ts column is chronological order.
type SQLite struct {
	db *sql.DB
}

// tsLayout is RFC 3339 with a fraction padded to nine digits.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ddl is the schema DDL, applied idempotently on open.
const ddl = `
CREATE TABLE IF NOT EXISTS events (
    id        TEXT PRIMARY KEY,
    rule      TEXT NOT NULL,
    path      TEXT NOT NULL,
    type      TEXT NOT NULL,
    moved_to  TEXT NOT NULL DEFAULT '',
    ts        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_ts   ON events (ts DESC);
CREATE INDEX IF NOT EXISTS idx_events_rule ON events (rule, ts DESC);
`

// OpenSQLite opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. If path is ":memory:" an in-memory
// database is used; suitable for tests but lost on close.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set WAL mode: %w", err)
	}
	// NORMAL synchronous: durable across application crashes; not OS
	// crashes. A lost tail of journal rows is acceptable for event history.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Append implements Journal.
func (s *SQLite) Append(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, rule, path, type, moved_to, ts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Rule,
		e.Path,
		e.Type,
		e.MovedTo,
		e.Timestamp.UTC().Format(tsLayout),
	)
	if err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	return nil
}

// Events implements Journal. Results are newest-first.
func (s *SQLite) Events(ctx context.Context, q Query) ([]Entry, error) {
	var (
		conds []string
		args  []any
	)
	if q.Rule != "" {
		conds = append(conds, "rule = ?")
		args = append(args, q.Rule)
	}
	if q.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, q.Type)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, q.Since.UTC().Format(tsLayout))
	}

	query := `SELECT id, rule, path, type, moved_to, ts FROM events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(q.Limit), q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e     Entry
			tsStr string
		)
		if err := rows.Scan(&e.ID, &e.Rule, &e.Path, &e.Type, &e.MovedTo, &tsStr); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			// Fall back to second precision; a malformed row should not
			// block the whole page.
			e.Timestamp, _ = time.Parse(time.RFC3339, tsStr)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: rows: %w", err)
	}
	return out, nil
}

// Total implements Journal.
func (s *SQLite) Total(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("journal: count: %w", err)
	}
	return n, nil
}

// Close implements Journal. The journal must not be used after Close.
func (s *SQLite) Close(_ context.Context) error {
	return s.db.Close()
}
