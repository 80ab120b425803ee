package anotify

import "log/slog"

// worker is the single goroutine that owns the registry and the binding. All
// other components communicate with it through the shared request channel;
// there is no locking because mutation is confined to this goroutine.
type worker struct {
	shared   *sharedState
	registry *registry
	binding  Binding
	logger   *slog.Logger
	done     chan struct{}
}

func newWorker(shared *sharedState, binding Binding, logger *slog.Logger) *worker {
	return &worker{
		shared:   shared,
		registry: newRegistry(logger),
		binding:  binding,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// run is the worker loop. Each iteration selects between request intake and
// event drainage; Go's pseudo-random select choice keeps the two arms fair,
// so a flood of events cannot starve requests or vice versa.
//
// The event arm is disabled (nil channel) while the registry is empty, since
// the binding would never produce anything. Once the owning handle releases
// the notifier, new subscriptions are rejected while drops keep being served
// so the registry can drain; with requests released and the registry empty
// the loop exits. A close request exits immediately without draining events.
// Binding errors are fatal; request and translation errors are logged and
// swallowed.
func (w *worker) run() {
	defer close(w.done)
	defer w.shutdown()

	w.logger.Info("notify worker started")

	requestsOpen := true

	for {
		if !requestsOpen && w.registry.empty() {
			w.logger.Info("requests released and registry empty, exiting")
			return
		}

		var (
			releaseCh <-chan struct{}
			evCh      <-chan []RawEvent
		)
		if requestsOpen {
			releaseCh = w.shared.release
		}
		if !w.registry.empty() {
			evCh = w.binding.Events()
		}

		select {
		case req := <-w.shared.requests:
			if req.kind == reqClose {
				w.logger.Info("close requested, exiting")
				return
			}
			if req.kind == reqCreate && requestsOpen {
				// A create may be picked before the already closed release
				// arm; check the signal so it is not accepted.
				select {
				case <-w.shared.release:
					w.logger.Info("requests released")
					requestsOpen = false
				default:
				}
			}
			if req.kind == reqCreate && !requestsOpen {
				// Released: no new subscriptions, but drops from the
				// remaining consumers still have to be served so the
				// registry can drain.
				close(req.create.sender)
				continue
			}
			if err := w.handleRequest(req); err != nil {
				w.logger.Error("request failed",
					slog.Any("error", err),
				)
			}

		case <-releaseCh:
			w.logger.Info("requests released")
			requestsOpen = false

		case batch, ok := <-evCh:
			if !ok {
				w.logger.Error("binding event channel closed, exiting")
				return
			}
			w.handleEvents(batch)

		case err := <-w.binding.Errors():
			w.logger.Error("binding failed, exiting",
				slog.Any("error", err),
			)
			return
		}
	}
}

// handleRequest applies one create or drop request to the registry.
func (w *worker) handleRequest(req request) error {
	switch req.kind {
	case reqCreate:
		return w.registry.register(w.binding, req.create)
	case reqDrop:
		return w.registry.deregister(w.binding, req.drop)
	}
	return nil
}

// handleEvents dispatches one binding batch and deregisters every collector
// the dispatch marked for removal. Deregistration errors (a narrowing update
// or a remove failing against a racing kernel) are logged and swallowed.
func (w *worker) handleEvents(batch []RawEvent) {
	toRemove := w.registry.dispatch(batch)
	for id := range toRemove {
		if err := w.registry.deregister(w.binding, id); err != nil {
			w.logger.Error("deregister failed",
				slog.Uint64("id", uint64(id)),
				slog.Any("error", err),
			)
		}
	}
}

// shutdown releases every kernel watch by closing the binding and closes all
// subscriber channels so that pending consumers observe end-of-stream.
func (w *worker) shutdown() {
	w.shared.markClosed()

	// Requests that were enqueued but never served would leave their
	// consumers waiting forever; close their channels too.
drain:
	for {
		select {
		case req := <-w.shared.requests:
			if req.kind == reqCreate {
				close(req.create.sender)
			}
		default:
			break drain
		}
	}

	for _, id := range w.registry.ids() {
		c := w.registry.collectors[id]
		delete(w.registry.collectors, id)
		close(c.sender)
	}

	if err := w.binding.Close(); err != nil {
		w.logger.Warn("error closing binding",
			slog.Any("error", err),
		)
	}

	w.logger.Info("notify worker stopped")
}
