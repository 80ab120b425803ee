package journal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// defaultBatchSize is the maximum number of entries held in memory
	// before an automatic flush is triggered.
	defaultBatchSize = 100

	// defaultFlushInterval is how often the background goroutine flushes
	// pending entries even when the batch has not reached defaultBatchSize.
	defaultFlushInterval = 100 * time.Millisecond
)

// Postgres is a PostgreSQL-backed Journal for deployments that aggregate the
// event history of several daemons.
//
// Appends are batched: entries accumulate in memory and are flushed to the
// database either when the buffer reaches the batch size or when the
// background ticker fires, whichever comes first. Reads always hit the
// database directly, so a page may trail live appends by up to one flush
// interval.
type Postgres struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Entry
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS events (
    id        UUID PRIMARY KEY,
    rule      TEXT NOT NULL,
    path      TEXT NOT NULL,
    type      TEXT NOT NULL,
    moved_to  TEXT NOT NULL DEFAULT '',
    ts        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_ts   ON events (ts DESC);
CREATE INDEX IF NOT EXISTS idx_events_rule ON events (rule, ts DESC);
`

// OpenPostgres opens a pgxpool connection to connStr, pings the database,
// applies the schema, and starts the background flush goroutine.
//
// batchSize ≤ 0 is replaced with the default, as is flushInterval ≤ 0.
func OpenPostgres(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Postgres, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("journal: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}

	p := &Postgres{
		pool:          pool,
		batch:         make([]Entry, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go p.flushLoop()
	return p, nil
}

// flushLoop ticks on flushInterval and flushes the buffer. It exits when
// stopCh is closed.
func (p *Postgres) flushLoop() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			_ = p.Flush(context.Background())
		}
	}
}

// Append implements Journal. The entry is buffered; when the buffer reaches
// the batch size it is flushed synchronously so the caller observes
// back-pressure rather than unbounded memory growth.
func (p *Postgres) Append(ctx context.Context, e Entry) error {
	p.mu.Lock()
	p.batch = append(p.batch, e)
	full := len(p.batch) >= p.batchSize
	p.mu.Unlock()

	if full {
		return p.Flush(ctx)
	}
	return nil
}

// Flush drains the current buffer and sends all rows to PostgreSQL in a
// single pgx.Batch round-trip. Rows that conflict on the primary key are
// silently ignored (idempotent replay support).
//
// Flush is safe to call concurrently: a mutex swap ensures each call drains
// a distinct snapshot of the buffer.
func (p *Postgres) Flush(ctx context.Context) error {
	p.mu.Lock()
	if len(p.batch) == 0 {
		p.mu.Unlock()
		return nil
	}
	toInsert := p.batch
	p.batch = make([]Entry, 0, p.batchSize)
	p.mu.Unlock()

	const query = `
		INSERT INTO events (id, rule, path, type, moved_to, ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	var b pgx.Batch
	for _, e := range toInsert {
		b.Queue(query, e.ID, e.Rule, e.Path, e.Type, e.MovedTo, e.Timestamp.UTC())
	}

	res := p.pool.SendBatch(ctx, &b)
	defer res.Close()
	for range toInsert {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("journal: batch insert: %w", err)
		}
	}
	return nil
}

// Events implements Journal. Results are newest-first.
func (p *Postgres) Events(ctx context.Context, q Query) ([]Entry, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.Rule != "" {
		conds = append(conds, "rule = "+arg(q.Rule))
	}
	if q.Type != "" {
		conds = append(conds, "type = "+arg(q.Type))
	}
	if !q.Since.IsZero() {
		conds = append(conds, "ts >= "+arg(q.Since.UTC()))
	}

	query := `SELECT id, rule, path, type, moved_to, ts FROM events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT %s OFFSET %s",
		arg(clampLimit(q.Limit)), arg(q.Offset))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Rule, &e.Path, &e.Type, &e.MovedTo, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: rows: %w", err)
	}
	return out, nil
}

// Total implements Journal. Buffered-but-unflushed entries are not counted.
func (p *Postgres) Total(ctx context.Context) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("journal: count: %w", err)
	}
	return n, nil
}

// Close implements Journal: it stops the flush goroutine, performs a final
// best-effort flush, and closes the pool. Safe to call more than once.
func (p *Postgres) Close(ctx context.Context) error {
	select {
	case <-p.stopCh:
		// already closed
	default:
		close(p.stopCh)
		<-p.doneCh
		_ = p.Flush(ctx)
	}
	p.pool.Close()
	return nil
}
