package anotify

import (
	"log/slog"
	"path/filepath"
)

// collector is one consumer's subscription: the watch it is attached to, its
// requested filter, its destination channel, and whether it should be removed
// after the first delivered event.
type collector struct {
	wd     Wd
	once   bool
	sender chan Event
	filter Filter
}

// watch is one installed kernel registration: the subscriptions referencing
// it, the path it was created with, and the union of their filters (the mask
// currently installed in the kernel, minus the always-on self-removal bits).
type watch struct {
	interested map[subID]struct{}
	path       string
	filter     Filter
}

// moveEntry is one cached unpaired rename half. Entries are evicted once
// they have survived a full batch beyond the one that created them, so a
// kernel stream that never delivers the partner half cannot grow the cache.
type moveEntry struct {
	path  string
	batch uint64
}

// registry is the single-owner index mapping subscriptions to kernel watches
// and back. Pure in-memory bookkeeping; only the worker goroutine touches it.
//
// The collector and watch tables form a bipartite graph cross-referenced by
// identifiers only (never pointers): every collector.wd is a key of watches,
// and every watches[wd].interested is exactly the set of collector ids whose
// wd field names that key.
type registry struct {
	collectors map[subID]*collector
	watches    map[Wd]*watch
	byPath     map[string]Wd
	moveCache  map[uint32]moveEntry
	// batch counts handleEvents invocations; used for move-cache eviction.
	batch  uint64
	logger *slog.Logger
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{
		collectors: make(map[subID]*collector),
		watches:    make(map[Wd]*watch),
		byPath:     make(map[string]Wd),
		moveCache:  make(map[uint32]moveEntry),
		logger:     logger,
	}
}

// empty reports whether no watches are installed. The worker disables its
// event arm while empty, since the binding would never produce anything.
func (r *registry) empty() bool { return len(r.watches) == 0 }

// register installs the interest of a new collector. If a watch already
// exists for the path the collector is attached to it, widening the kernel
// mask only when the new filter is not already covered. Otherwise a watch is
// created through the binding. If the binding returns a descriptor that is
// already present (two textual paths naming one inode), the registration is
// merged into the existing watch, which keeps the table keyed uniquely by
// descriptor.
func (r *registry) register(b Binding, req collectorRequest) error {
	events := req.filter.Events()

	if wd, ok := r.byPath[req.path]; ok {
		w := r.watches[wd]
		w.interested[req.id] = struct{}{}
		r.collectors[req.id] = &collector{wd: wd, once: req.once, sender: req.sender, filter: req.filter}

		if w.filter.Has(events) {
			return nil
		}
		w.filter |= events
		got, err := b.Update(wd, w.path, w.filter)
		if err != nil {
			return err
		}
		if got != wd {
			// The binding contract guarantees identifier stability on
			// update; a mismatch means the registry and kernel have
			// diverged and no safe recovery exists.
			panic("anotify: binding returned a different descriptor on update")
		}
		return nil
	}

	wd, err := b.Add(req.path, req.filter)
	if err != nil {
		// The collector was never installed; close its channel so the
		// waiting consumer observes end-of-stream instead of hanging.
		close(req.sender)
		return err
	}

	if w, ok := r.watches[wd]; ok {
		// Same inode under a different name: fold into the existing watch
		// rather than shadowing its table entry.
		w.interested[req.id] = struct{}{}
		r.collectors[req.id] = &collector{wd: wd, once: req.once, sender: req.sender, filter: req.filter}
		w.filter |= events
		if w.filter != events {
			// Add replaced the kernel mask with this filter alone;
			// reinstall the union.
			if _, err := b.Update(wd, w.path, w.filter); err != nil {
				return err
			}
		}
		return nil
	}

	r.watches[wd] = &watch{
		interested: map[subID]struct{}{req.id: {}},
		path:       req.path,
		filter:     events,
	}
	r.byPath[req.path] = wd
	r.collectors[req.id] = &collector{wd: wd, once: req.once, sender: req.sender, filter: req.filter}

	return nil
}

// deregister removes a collector. Unknown ids are a no-op. When the last
// collector of a watch goes away, the watch is removed from the table and the
// kernel in the same transition; otherwise the kernel mask is narrowed to the
// union of the remaining filters when that union shrank.
func (r *registry) deregister(b Binding, id subID) error {
	c, ok := r.collectors[id]
	if !ok {
		return nil
	}
	delete(r.collectors, id)
	close(c.sender)

	w, ok := r.watches[c.wd]
	if !ok {
		// The watch was torn down by a self-removal event; the kernel
		// already dropped it, so there is nothing left to narrow or
		// remove.
		return nil
	}
	delete(w.interested, id)

	if len(w.interested) == 0 {
		r.dropWatch(c.wd, w)
		return b.Remove(c.wd)
	}

	narrowed := Filter(0)
	for rid := range w.interested {
		rc, ok := r.collectors[rid]
		if !ok {
			panic("anotify: watch references a removed collector")
		}
		narrowed |= rc.filter.Events()
	}
	if narrowed != w.filter {
		w.filter = narrowed
		if _, err := b.Update(c.wd, w.path, narrowed); err != nil {
			return err
		}
	}
	return nil
}

// dropWatch removes a watch record and its path index entry.
func (r *registry) dropWatch(wd Wd, w *watch) {
	delete(r.watches, wd)
	if cur, ok := r.byPath[w.path]; ok && cur == wd {
		delete(r.byPath, w.path)
	}
}

// dispatch translates one batch of binding events into user events, delivers
// them to interested collectors with non-blocking sends, and returns the set
// of subscription ids to deregister afterwards (once-subscriptions that were
// served and every subscription of a self-removed watch). Abandoned receivers
// are not detected here; they leave only through a drop request.
func (r *registry) dispatch(batch []RawEvent) map[subID]struct{} {
	r.batch++
	toRemove := make(map[subID]struct{})

	for _, raw := range batch {
		w, ok := r.watches[raw.Wd]
		if !ok {
			r.logger.Debug("event for unknown watch dropped",
				slog.Int("wd", int(raw.Wd)),
			)
			continue
		}

		events := r.translate(raw, w)
		closing := raw.selfRemoved()

		for id := range w.interested {
			c, ok := r.collectors[id]
			if !ok {
				panic("anotify: watch references a removed collector")
			}
			r.deliver(id, c, events, toRemove)
			if closing {
				toRemove[id] = struct{}{}
			}
		}

		if closing {
			// The kernel already dropped this watch; remove the record
			// without calling Binding.Remove, which would fail.
			r.dropWatch(raw.Wd, w)
		}
	}

	r.evictMoveCache()
	return toRemove
}

// deliver sends every matching event to one collector. A full receiver drops
// the event for that collector only, keeping its oldest events; a
// once-satisfied collector is marked for removal, and a collector already
// marked receives nothing more.
func (r *registry) deliver(id subID, c *collector, events []Event, toRemove map[subID]struct{}) {
	for _, evt := range events {
		if !evt.matches(c.filter) {
			continue
		}
		if _, gone := toRemove[id]; gone {
			return
		}
		select {
		case c.sender <- evt:
		default:
			r.logger.Warn("subscriber channel full, dropping event",
				slog.Uint64("id", uint64(id)),
				slog.String("path", evt.Path),
				slog.String("type", evt.Type.String()),
			)
			continue
		}
		if c.once {
			toRemove[id] = struct{}{}
			return
		}
	}
}

// translate converts one raw kernel event into zero or more user events.
// The effective path is the watch path joined with the event's entry name
// when one is present.
func (r *registry) translate(raw RawEvent, w *watch) []Event {
	path := w.path
	if raw.Name != "" {
		path = filepath.Join(w.path, raw.Name)
	}

	var out []Event
	for _, t := range raw.Types {
		switch t {
		case RawOpen:
			out = append(out, Event{Path: path, Type: EventOpen})
		case RawCloseNoModify:
			out = append(out, Event{Path: path, Type: EventCloseNoModify})
		case RawCloseModify:
			out = append(out, Event{Path: path, Type: EventCloseModify})
		case RawRead:
			out = append(out, Event{Path: path, Type: EventRead})
		case RawWrite:
			out = append(out, Event{Path: path, Type: EventWrite})
		case RawMetadata:
			out = append(out, Event{Path: path, Type: EventMetadata})
		case RawCreate:
			out = append(out, Event{Path: path, Type: EventCreate})
		case RawDelete:
			out = append(out, Event{Path: path, Type: EventDelete})
		case RawSelfRemoved:
			out = append(out, Event{Path: path, Type: EventDelete})
		case RawMoveFrom:
			if evt, ok := r.pairMove(raw.Cookie, true, path); ok {
				out = append(out, evt)
			}
		case RawMoveTo:
			if evt, ok := r.pairMove(raw.Cookie, false, path); ok {
				out = append(out, evt)
			}
		}
	}
	return out
}

// pairMove reassembles a rename from its two kernel halves. The first half
// seen is cached under its cookie; the second consumes the entry and yields
// one EventMove on the source path carrying the destination. Cookies are
// single-use.
func (r *registry) pairMove(cookie uint32, from bool, path string) (Event, bool) {
	if entry, ok := r.moveCache[cookie]; ok {
		delete(r.moveCache, cookie)
		if from {
			// The cached half was MoveTo: entry.path is the destination.
			return Event{Path: path, Type: EventMove, MovedTo: entry.path}, true
		}
		return Event{Path: entry.path, Type: EventMove, MovedTo: path}, true
	}
	r.moveCache[cookie] = moveEntry{path: path, batch: r.batch}
	return Event{}, false
}

// evictMoveCache drops unpaired rename halves that have survived a full
// batch beyond the one that cached them. Well-behaved kernel streams pair
// both halves within a batch or two; anything older is an orphan.
func (r *registry) evictMoveCache() {
	for cookie, entry := range r.moveCache {
		if r.batch > entry.batch {
			r.logger.Debug("evicting unpaired move cookie",
				slog.Uint64("cookie", uint64(cookie)),
				slog.String("path", entry.path),
			)
			delete(r.moveCache, cookie)
		}
	}
}

// ids returns the identifiers of all live collectors. Used during worker
// shutdown to close every subscriber channel.
func (r *registry) ids() []subID {
	out := make([]subID, 0, len(r.collectors))
	for id := range r.collectors {
		out = append(out, id)
	}
	return out
}
