package anotify

import (
	"context"
	"os"
	"path/filepath"
)

// Handle is the cloneable, unprivileged surface for creating subscriptions.
// It cannot shut the notifier down; that capability stays with the owning
// Anotify value. Handles remain usable until the worker exits, after which
// every request fails with ErrClosed.
type Handle struct {
	shared *sharedState
}

// Next subscribes for a single event on path. The subscription is removed
// automatically after the first delivered event. A zero filter means
// DefaultFilter.
func (h Handle) Next(ctx context.Context, path string, filter Filter) (*Future, error) {
	id, recv, err := h.submit(ctx, true, path, filter)
	if err != nil {
		return nil, err
	}
	return &Future{shared: h.shared, id: id, recv: recv}, nil
}

// Watch subscribes for a continuous stream of events on path. A zero filter
// means DefaultFilter.
func (h Handle) Watch(ctx context.Context, path string, filter Filter) (*Stream, error) {
	id, recv, err := h.submit(ctx, false, path, filter)
	if err != nil {
		return nil, err
	}
	return &Stream{shared: h.shared, id: id, recv: recv}, nil
}

// submit validates the request and enqueues it for the worker. Validation
// errors (bad path, constraint mismatch) surface here, at the operation
// boundary, rather than being swallowed inside the worker.
func (h Handle) submit(ctx context.Context, once bool, path string, filter Filter) (subID, <-chan Event, error) {
	if filter == 0 {
		filter = DefaultFilter
	}

	path, err := validatePath(path, filter)
	if err != nil {
		return 0, nil, err
	}

	return h.shared.request(ctx, once, path, filter)
}

// validatePath cleans the path and enforces the DirOnly/FileOnly constraint
// atoms at submission time, where the caller still has an error channel.
// Paths are cleaned but deliberately not symlink-canonicalised; two aliases
// for the same inode are merged later by descriptor when the kernel reports
// them equal.
func validatePath(path string, filter Filter) (string, error) {
	if path == "" {
		return "", newError(ErrInvalidFilePath, path, "empty path", nil)
	}
	path = filepath.Clean(path)

	if filter.Has(FilterDirOnly) && filter.Has(FilterFileOnly) {
		return "", newError(ErrInvalidFilePath, path, "DirOnly and FileOnly are mutually exclusive", nil)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", newError(ErrDoesNotExist, path, "cannot watch a path that does not exist", err)
		}
		if os.IsPermission(err) {
			return "", newError(ErrNoPermission, path, "cannot stat path", err)
		}
		return "", newError(ErrUnknown, path, "cannot stat path", err)
	}

	if filter.Has(FilterDirOnly) && !info.IsDir() {
		return "", newError(ErrExpectedDir, path, "DirOnly filter on a non-directory", nil)
	}
	if filter.Has(FilterFileOnly) && !info.Mode().IsRegular() {
		return "", newError(ErrExpectedFile, path, "FileOnly filter on a non-file", nil)
	}

	return path, nil
}

// Anotify is the owning handle returned by Builder.Build. It carries the
// request surface of Handle plus lifecycle control over the worker. Exactly
// one Anotify owns each worker; callers that want to share request
// capability hand out Handle copies (or Downgrade the owner).
type Anotify struct {
	handle Handle
	worker *worker
	// abort force-closes the binding; the worker observes the failure and
	// exits.
	abort func()
}

// Handle returns an unprivileged handle sharing this notifier. Handles may
// be copied freely and used from any goroutine.
func (a *Anotify) Handle() Handle { return a.handle }

// Next subscribes for a single event on path. See Handle.Next.
func (a *Anotify) Next(ctx context.Context, path string, filter Filter) (*Future, error) {
	return a.handle.Next(ctx, path, filter)
}

// Watch subscribes for a continuous stream of events on path. See
// Handle.Watch.
func (a *Anotify) Watch(ctx context.Context, path string, filter Filter) (*Stream, error) {
	return a.handle.Watch(ctx, path, filter)
}

// Close asks the worker to exit immediately, without draining pending
// events, and waits for it. It reports whether this call caused the close
// (false when the worker had already exited or someone else closed it
// first).
func (a *Anotify) Close() bool {
	accepted := a.handle.shared.sendClose()
	<-a.worker.done
	return accepted
}

// Release relinquishes the notifier without forcing existing subscriptions
// to end: the worker accepts no new subscriptions, keeps serving drops, and
// exits once the last subscription is deregistered. Use Close for immediate
// shutdown.
func (a *Anotify) Release() {
	a.handle.shared.sendRelease()
}

// Join blocks until the worker has exited, or ctx is cancelled.
func (a *Anotify) Join(ctx context.Context) error {
	select {
	case <-a.worker.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort cancels the worker's binding outright and waits for the worker to
// observe the failure and exit. Kernel watches are released by the binding's
// close. Prefer Close; Abort exists for supervisors tearing down a stuck
// tree.
func (a *Anotify) Abort() {
	a.abort()
	<-a.worker.done
}

// Stats returns the binding's watch and event counters. The second return
// is false when the underlying binding does not track them.
func (a *Anotify) Stats() (BindingStats, bool) {
	if sr, ok := a.worker.binding.(StatsReporter); ok {
		return sr.Stats(), true
	}
	return BindingStats{}, false
}

// Downgrade returns an unprivileged Handle sharing this notifier, the same
// value Handle returns. The Anotify itself is left unchanged and keeps its
// Close, Release and Abort capabilities.
func (a *Anotify) Downgrade() Handle {
	return a.handle
}
