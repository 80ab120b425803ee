package anotify

import (
	"context"
	"sync"
)

// Future is a single-event subscription created by Handle.Next. It yields
// exactly one matching event; after that (or after the notifier shuts down)
// every call reports a stable ErrClosed failure.
type Future struct {
	shared *sharedState
	id     subID
	recv   <-chan Event

	mu   sync.Mutex
	done bool
	once sync.Once
}

// Event waits for the subscription's single event. It returns ErrClosed when
// the event was already consumed, when the subscription's channel was closed
// without a delivery, or when ctx is cancelled first. Completion in any form
// deregisters the subscription.
//
// The mutex is not held across the wait, so a concurrent Close unblocks a
// pending Event call (the worker closes the channel once the drop is
// served) instead of deadlocking behind it.
func (f *Future) Event(ctx context.Context) (Event, error) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return Event{}, newError(ErrClosed, "", "polled after completion", nil)
	}
	f.mu.Unlock()

	select {
	case evt, ok := <-f.recv:
		f.mu.Lock()
		f.done = true
		f.mu.Unlock()
		f.drop()
		if !ok {
			return Event{}, newError(ErrClosed, "", "closed before first event", nil)
		}
		return evt, nil
	case <-ctx.Done():
		return Event{}, newError(ErrClosed, "", "wait cancelled", ctx.Err())
	}
}

// Close abandons the subscription. Safe to call at any time, including after
// the event was consumed.
func (f *Future) Close() {
	f.mu.Lock()
	f.done = true
	f.mu.Unlock()
	f.drop()
}

func (f *Future) drop() {
	f.once.Do(func() { f.shared.onDrop(f.id) })
}

// Stream is a continuous subscription created by Handle.Watch. It yields
// matching events until the subscription ends, then reports ErrClosed.
type Stream struct {
	shared *sharedState
	id     subID
	recv   <-chan Event
	once   sync.Once
}

// Recv waits for the next event. It returns ErrClosed once the subscription
// has ended (the notifier shut down, the watched inode was removed, or Close
// was called), or when ctx is cancelled first.
func (s *Stream) Recv(ctx context.Context) (Event, error) {
	select {
	case evt, ok := <-s.recv:
		if !ok {
			return Event{}, newError(ErrClosed, "", "stream ended", nil)
		}
		return evt, nil
	case <-ctx.Done():
		return Event{}, newError(ErrClosed, "", "wait cancelled", ctx.Err())
	}
}

// Events exposes the stream's receive channel directly for callers that want
// to select across several sources. The channel is closed when the
// subscription ends.
func (s *Stream) Events() <-chan Event {
	return s.recv
}

// Close abandons the subscription. The worker deregisters it and, when this
// was the last subscription on its path, removes the kernel watch.
// Idempotent.
func (s *Stream) Close() {
	s.once.Do(func() { s.shared.onDrop(s.id) })
}
