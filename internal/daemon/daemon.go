// Package daemon contains the anotifyd orchestrator. It wires the notifier,
// the event journal, the live WebSocket feed, and the operations log
// together, managing their lifecycle through a shared context.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/tripwire/anotify"
	"github.com/tripwire/anotify/internal/config"
	"github.com/tripwire/anotify/internal/feed"
	"github.com/tripwire/anotify/internal/httpapi"
	"github.com/tripwire/anotify/internal/journal"
	"github.com/tripwire/anotify/internal/oplog"
)

// Daemon is the central orchestrator of anotifyd. It maintains one notifier
// subscription per configured watch rule and fans every delivered event into
// the journal and the live feed.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	journal journal.Journal
	bc      *feed.Broadcaster
	ops     *oplog.Log

	notifier *anotify.Anotify

	startTime time.Time
	cancel    context.CancelFunc

	mu          sync.RWMutex
	lastEventAt time.Time
	running     bool
	wg          sync.WaitGroup
}

// Option is a functional option for Daemon construction.
type Option func(*Daemon)

// WithJournal registers the event journal. Without one, events are only fed
// to the live feed.
func WithJournal(j journal.Journal) Option {
	return func(d *Daemon) { d.journal = j }
}

// WithBroadcaster registers the live feed broadcaster.
func WithBroadcaster(bc *feed.Broadcaster) Option {
	return func(d *Daemon) { d.bc = bc }
}

// WithOplog registers the tamper-evident operations log.
func WithOplog(l *oplog.Log) Option {
	return func(d *Daemon) { d.ops = l }
}

// New creates a Daemon from the provided configuration and logger. The
// journal, broadcaster, and oplog are optional — the daemon runs without any
// of them, which is useful in tests.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start builds the notifier and launches one watch goroutine per configured
// rule. It returns a non-nil error if the notifier cannot be constructed; a
// rule whose path cannot be watched yet does not fail Start — its goroutine
// keeps retrying with exponential backoff.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon: already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	an, err := anotify.NewBuilder().
		WithBuffer(d.cfg.Buffer).
		WithLogger(d.logger).
		Build()
	if err != nil {
		cancel()
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return fmt.Errorf("daemon: build notifier: %w", err)
	}
	d.notifier = an

	d.record(oplog.Op{Kind: "daemon-start"})
	d.logger.Info("starting anotifyd",
		slog.Int("num_watches", len(d.cfg.Watches)),
		slog.String("rules", describeRules(d.cfg.Watches)),
		slog.String("api_addr", d.cfg.APIAddr),
	)

	for _, rule := range d.cfg.Watches {
		d.wg.Add(1)
		go d.watchRule(ctx, rule)
	}

	d.logger.Info("anotifyd started")
	return nil
}

// Stop signals all components to shut down and waits for internal goroutines
// to exit. It is safe to call Stop multiple times.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}

	if d.notifier != nil {
		d.notifier.Close()
	}

	// Wait for the per-rule goroutines.
	d.wg.Wait()

	if d.journal != nil {
		if err := d.journal.Close(context.Background()); err != nil {
			d.logger.Warn("error closing journal", slog.Any("error", err))
		}
	}

	d.record(oplog.Op{Kind: "daemon-stop"})
	d.logger.Info("anotifyd stopped")
}

// watchRule maintains one subscription for rule until ctx is cancelled.
// Registration failures and stream terminations (the watched inode being
// removed, for example) are retried with exponential backoff, so a path that
// appears later — or reappears — is picked up again.
func (d *Daemon) watchRule(ctx context.Context, rule config.WatchRule) {
	defer d.wg.Done()

	filter, err := rule.ParsedFilter()
	if err != nil {
		// Validated at config load; a failure here is a programming error
		// worth surfacing, not retrying.
		d.logger.Error("invalid filter in accepted config",
			slog.String("rule", rule.Name),
			slog.Any("error", err),
		)
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry until the daemon stops

	for {
		stream, err := d.notifier.Handle().Watch(ctx, rule.Path, filter)
		if err != nil {
			if anotify.IsKind(err, anotify.ErrClosed) && ctx.Err() != nil {
				return
			}
			d.logger.Warn("cannot subscribe, will retry",
				slog.String("rule", rule.Name),
				slog.String("path", rule.Path),
				slog.Any("error", err),
			)
			d.record(oplog.Op{Kind: "watch-failed", Rule: rule.Name, Path: rule.Path, Detail: err.Error()})

			select {
			case <-ctx.Done():
				return
			case <-time.After(b.NextBackOff()):
				continue
			}
		}

		b.Reset()
		d.record(oplog.Op{
			Kind:   "watch-subscribed",
			Rule:   rule.Name,
			Path:   rule.Path,
			Detail: filter.String(),
		})
		d.logger.Info("watch subscribed",
			slog.String("rule", rule.Name),
			slog.String("path", rule.Path),
			slog.String("filter", filter.String()),
		)

		d.consume(ctx, rule, stream)
		stream.Close()
		d.record(oplog.Op{Kind: "watch-ended", Rule: rule.Name, Path: rule.Path})

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.NextBackOff()):
		}
	}
}

// consume drains one stream until it ends or ctx is cancelled.
func (d *Daemon) consume(ctx context.Context, rule config.WatchRule, stream *anotify.Stream) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-stream.Events():
			if !ok {
				d.logger.Info("watch ended",
					slog.String("rule", rule.Name),
					slog.String("path", rule.Path),
				)
				return
			}
			d.handleEvent(ctx, rule, evt)
		}
	}
}

// handleEvent journals one event and publishes it to the live feed. Errors
// are logged but do not stop the daemon.
func (d *Daemon) handleEvent(ctx context.Context, rule config.WatchRule, evt anotify.Event) {
	entry := journal.Entry{
		ID:        uuid.NewString(),
		Rule:      rule.Name,
		Path:      evt.Path,
		Type:      evt.Type.String(),
		MovedTo:   evt.MovedTo,
		Timestamp: time.Now().UTC(),
	}

	d.mu.Lock()
	d.lastEventAt = entry.Timestamp
	d.mu.Unlock()

	d.logger.Info("event observed",
		slog.String("rule", rule.Name),
		slog.String("path", evt.Path),
		slog.String("type", entry.Type),
	)

	if d.journal != nil {
		if err := d.journal.Append(ctx, entry); err != nil {
			d.logger.Warn("failed to journal event", slog.Any("error", err))
		}
	}

	if d.bc != nil {
		d.bc.Publish(entry)
	}
}

// record appends one operation to the oplog when one is configured.
func (d *Daemon) record(op oplog.Op) {
	if d.ops == nil {
		return
	}
	if _, err := d.ops.Record(op); err != nil {
		d.logger.Warn("failed to record operation",
			slog.String("kind", op.Kind),
			slog.Any("error", err),
		)
	}
}

// Health returns a snapshot of the current daemon state for the /healthz
// endpoint.
func (d *Daemon) Health() httpapi.Health {
	h := httpapi.Health{
		Status:  "ok",
		UptimeS: time.Since(d.startTime).Seconds(),
	}
	if d.notifier != nil {
		if stats, ok := d.notifier.Stats(); ok {
			h.ActiveWatches = stats.ActiveWatches
			h.TotalEvents = stats.TotalEvents
		}
	}
	if d.bc != nil {
		h.FeedClients = d.bc.ClientCount()
	}
	return h
}

// describeRules returns a compact one-line summary of the configured rules
// for startup logging.
func describeRules(rules []config.WatchRule) string {
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name
	}
	return strings.Join(names, ",")
}
