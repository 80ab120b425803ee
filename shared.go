package anotify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// defaultBuffer is the capacity used for both the request channel and each
// per-subscription event channel when the builder does not override it.
const defaultBuffer = 32

// subID is the opaque identifier of one subscription. Identifiers are
// allocated by a monotonic counter and never reused within the lifetime of
// one shared state.
type subID uint64

// request is one message directed at the worker.
type request struct {
	// kind selects which of the payload fields is meaningful.
	kind requestKind
	// create carries the new-subscription payload for reqCreate.
	create collectorRequest
	// drop is the subscription to deregister for reqDrop.
	drop subID
}

type requestKind int

const (
	// reqCreate installs a new collector.
	reqCreate requestKind = iota
	// reqDrop deregisters a collector; best-effort, sent when a consumer
	// adapter is closed.
	reqDrop
	// reqClose terminates the worker immediately without draining events.
	reqClose
)

// collectorRequest is the payload of a reqCreate request.
type collectorRequest struct {
	id     subID
	path   string
	once   bool
	sender chan Event
	filter Filter
}

// sharedState is the process-wide handle used by caller goroutines to talk
// to the worker. It is immutable after construction apart from the id
// counter, the closed flag and the release signal; multiple shared states may
// coexist with independent id spaces.
type sharedState struct {
	nextID   atomic.Uint64
	buffer   int
	requests chan request
	// closed is set once the worker has exited, so that later sends fail
	// fast instead of blocking on a channel nobody drains.
	closed atomic.Bool
	// release is closed when the owning handle relinquishes the notifier
	// without an explicit Close. The worker then stops accepting new
	// subscriptions, keeps serving drops, and exits once the registry drains.
	release     chan struct{}
	releaseOnce sync.Once
	logger      *slog.Logger
}

func newSharedState(buffer int, logger *slog.Logger) *sharedState {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &sharedState{
		buffer:   buffer,
		requests: make(chan request, buffer),
		release:  make(chan struct{}),
		logger:   logger,
	}
}

// next allocates a fresh subscription identifier. Identifiers are consumed
// only by the single worker, so no ordering beyond atomicity is needed.
func (s *sharedState) next() subID {
	return subID(s.nextID.Add(1))
}

// request allocates an identifier and a per-subscription channel of the
// configured capacity and enqueues a create request. It suspends while the
// request channel is full. It fails with ErrClosed when the worker has shut
// down or ctx is cancelled first.
func (s *sharedState) request(ctx context.Context, once bool, path string, filter Filter) (subID, <-chan Event, error) {
	if s.closed.Load() {
		return 0, nil, newError(ErrClosed, path, "notifier has shut down", nil)
	}

	id := s.next()
	recv := make(chan Event, s.buffer)

	req := request{
		kind: reqCreate,
		create: collectorRequest{
			id:     id,
			path:   path,
			once:   once,
			sender: recv,
			filter: filter,
		},
	}

	select {
	case s.requests <- req:
		return id, recv, nil
	case <-ctx.Done():
		return 0, nil, newError(ErrClosed, path, "request cancelled", ctx.Err())
	}
}

// onDrop tells the worker a consumer adapter has gone away. Non-blocking and
// best-effort: if the worker is gone the drop is skipped, and if the request
// channel is full it is logged at debug level and forgotten. Delivery does not
// detect abandoned receivers, so a subscription whose drop was not accepted
// stays registered until its watch is self-removed or the worker exits.
func (s *sharedState) onDrop(id subID) {
	if s.closed.Load() {
		return
	}
	select {
	case s.requests <- request{kind: reqDrop, drop: id}:
	default:
		s.logger.Debug("drop request not accepted",
			slog.Uint64("id", uint64(id)),
		)
	}
}

// sendClose asks the worker to terminate immediately. Non-blocking; returns
// whether the request was accepted.
func (s *sharedState) sendClose() bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.requests <- request{kind: reqClose}:
		return true
	default:
		return false
	}
}

// sendRelease signals that no new subscriptions will be accepted. The worker keeps
// serving events for existing subscriptions and exits once the last one is
// deregistered. Idempotent.
func (s *sharedState) sendRelease() {
	s.releaseOnce.Do(func() { close(s.release) })
}

// markClosed records that the worker has exited. Called exactly once, by the
// worker itself.
func (s *sharedState) markClosed() {
	s.closed.Store(true)
}
