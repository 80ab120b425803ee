package anotify

import (
	"context"
	"fmt"
	"log/slog"
)

// Builder configures and starts a notifier. The zero value is not usable;
// obtain one from NewBuilder.
//
//	an, err := anotify.NewBuilder().
//	    WithBuffer(64).
//	    WithLogger(logger).
//	    Build()
type Builder struct {
	buffer  int
	logger  *slog.Logger
	binding Binding
}

// NewBuilder returns a Builder with the default channel capacity, a no-op
// logger, and the platform binding.
func NewBuilder() *Builder {
	return &Builder{buffer: defaultBuffer}
}

// WithBuffer sets the capacity used for both the request channel and each
// per-subscription event channel. Values below one fall back to the default.
func (b *Builder) WithBuffer(n int) *Builder {
	b.buffer = n
	return b
}

// WithLogger sets the logger the worker and binding log through. Nil means
// discard.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithBinding overrides the platform binding. Used by tests to substitute an
// in-memory fake, and by callers that construct the inotify binding with
// non-default settings.
func (b *Builder) WithBinding(binding Binding) *Builder {
	b.binding = binding
	return b
}

// Build opens the kernel binding (unless one was supplied), starts the
// worker goroutine, and returns the owning handle. The caller must end the
// worker with Close, Release, or Abort; the library spawns exactly one
// goroutine per Build plus the binding's reader.
func (b *Builder) Build() (*Anotify, error) {
	logger := b.logger
	if logger == nil {
		logger = slog.New(discardHandler{})
	}

	binding := b.binding
	if binding == nil {
		var err error
		binding, err = newPlatformBinding(logger)
		if err != nil {
			return nil, fmt.Errorf("anotify: open platform binding: %w", err)
		}
	}

	shared := newSharedState(b.buffer, logger)
	w := newWorker(shared, binding, logger)
	go w.run()

	return &Anotify{
		handle: Handle{shared: shared},
		worker: w,
		abort: func() {
			if err := binding.Close(); err != nil {
				logger.Warn("error closing binding on abort",
					slog.Any("error", err),
				)
			}
		},
	}, nil
}

// discardHandler drops every record. slog.DiscardHandler arrived after the
// toolchain floor this module targets.
type discardHandler struct{}

func (discardHandler) Enabled(_ context.Context, _ slog.Level) bool  { return false }
func (discardHandler) Handle(_ context.Context, _ slog.Record) error { return nil }
func (discardHandler) WithAttrs(_ []slog.Attr) slog.Handler          { return discardHandler{} }
func (discardHandler) WithGroup(_ string) slog.Handler               { return discardHandler{} }
