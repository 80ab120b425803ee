// Package journal persists filesystem events delivered by the notifier so
// they can be queried after the fact through the HTTP API. Two backends
// exist: a WAL-mode SQLite database for single-host deployments and a
// PostgreSQL store for fleets that aggregate several daemons.
package journal

import (
	"context"
	"time"
)

// Entry is one journalled filesystem event.
type Entry struct {
	// ID is a UUID assigned when the entry is appended.
	ID string `json:"id"`
	// Rule is the name of the watch rule that produced the event.
	Rule string `json:"rule"`
	// Path is the path the event occurred on.
	Path string `json:"path"`
	// Type is the event class name (write, create, move, ...).
	Type string `json:"type"`
	// MovedTo is the rename destination for move events, empty otherwise.
	MovedTo string `json:"moved_to,omitempty"`
	// Timestamp is when the daemon observed the event.
	Timestamp time.Time `json:"timestamp"`
}

// Query restricts and pages a journal read. Zero values mean "no
// restriction" (and the backend default limit).
type Query struct {
	// Rule filters by rule name.
	Rule string
	// Type filters by event class name.
	Type string
	// Since excludes entries observed before it.
	Since time.Time
	// Limit caps the result size. Backends default to 100 and cap at
	// 1000.
	Limit int
	// Offset skips that many newest-first entries.
	Offset int
}

// Journal is the storage interface the daemon writes events through.
// Implementations must be safe for concurrent use.
type Journal interface {
	// Append persists one entry.
	Append(ctx context.Context, e Entry) error
	// Events returns entries newest-first, restricted by q.
	Events(ctx context.Context, q Query) ([]Entry, error)
	// Total returns the number of persisted entries.
	Total(ctx context.Context) (int64, error)
	// Close releases backend resources.
	Close(ctx context.Context) error
}

// clampLimit applies the shared default and maximum page size.
func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
