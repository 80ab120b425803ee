package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

// openTestJournal opens an on-disk SQLite journal under t.TempDir.
func openTestJournal(t *testing.T) *SQLite {
	t.Helper()
	j, err := OpenSQLite(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = j.Close(context.Background()) })
	return j
}

// entry builds a journal entry with a fresh UUID.
func entry(rule, path, typ string, ts time.Time) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Rule:      rule,
		Path:      path,
		Type:      typ,
		Timestamp: ts,
	}
}

func TestSQLiteAppendAndQuery(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	entries := []Entry{
		entry("etc", "/etc/passwd", "write", base),
		entry("etc", "/etc/shadow", "metadata", base.Add(time.Second)),
		entry("tmp", "/tmp/x", "create", base.Add(2*time.Second)),
	}
	for _, e := range entries {
		if err := j.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := j.Events(ctx, Query{})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	// Newest first.
	if got[0].Path != "/tmp/x" || got[2].Path != "/etc/passwd" {
		t.Fatalf("unexpected order: %v then %v", got[0].Path, got[2].Path)
	}
	if !got[0].Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("timestamp round-trip = %v, want %v", got[0].Timestamp, base.Add(2*time.Second))
	}

	total, err := j.Total(ctx)
	if err != nil {
		t.Fatalf("Total: %v", err)
	}
	if total != 3 {
		t.Fatalf("Total = %d, want 3", total)
	}
}

func TestSQLiteQueryFilters(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, e := range []Entry{
		entry("etc", "/etc/passwd", "write", base),
		entry("etc", "/etc/passwd", "delete", base.Add(time.Second)),
		entry("tmp", "/tmp/x", "write", base.Add(2*time.Second)),
	} {
		if err := j.Append(ctx, e); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	cases := []struct {
		name string
		q    Query
		want int
	}{
		{"by rule", Query{Rule: "etc"}, 2},
		{"by type", Query{Type: "write"}, 2},
		{"rule and type", Query{Rule: "etc", Type: "write"}, 1},
		{"since", Query{Since: base.Add(time.Second)}, 2},
		{"limit", Query{Limit: 1}, 1},
		{"offset", Query{Offset: 2}, 1},
		{"no match", Query{Rule: "absent"}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := j.Events(ctx, tc.q)
			if err != nil {
				t.Fatalf("Events: %v", err)
			}
			if len(got) != tc.want {
				t.Fatalf("got %d entries, want %d", len(got), tc.want)
			}
		})
	}
}

func TestSQLiteMoveRoundTrip(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	e := entry("tmp", "/tmp/d/x", "move", time.Now().UTC())
	e.MovedTo = "/tmp/d/y"
	if err := j.Append(ctx, e); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := j.Events(ctx, Query{Type: "move"})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 1 || got[0].MovedTo != "/tmp/d/y" {
		t.Fatalf("got %+v, want one move to /tmp/d/y", got)
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")
	ctx := context.Background()

	j, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := j.Append(ctx, entry("etc", "/etc/passwd", "write", time.Now().UTC())); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close(ctx)

	total, err := j2.Total(ctx)
	if err != nil {
		t.Fatalf("Total: %v", err)
	}
	if total != 1 {
		t.Fatalf("Total after reopen = %d, want 1", total)
	}
}
