package anotify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// buildFake constructs a notifier over a fake binding and registers cleanup.
func buildFake(t *testing.T) (*Anotify, *fakeBinding) {
	t.Helper()
	binding := newFakeBinding()
	an, err := NewBuilder().WithBinding(binding).WithBuffer(8).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { an.Close() })
	return an, binding
}

// tempFile creates a file under t.TempDir and returns its path.
func tempFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("seed"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestNextDeliversSingleEvent(t *testing.T) {
	an, binding := buildFake(t)
	path := tempFile(t, "a")

	fut, err := an.Handle().Next(context.Background(), path, FilterWrite)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return len(binding.callsOf("add")) == 1
	}, "binding add call")
	wd := binding.callsOf("add")[0].wd
	binding.inject(RawEvent{Wd: wd, Types: []RawType{RawWrite}})

	evt, err := fut.Event(context.Background())
	if err != nil {
		t.Fatalf("Event: %v", err)
	}
	if evt.Type != EventWrite || evt.Path != path {
		t.Fatalf("event = %+v, want write on %s", evt, path)
	}

	// Polling after completion yields a stable Closed failure.
	for i := 0; i < 2; i++ {
		if _, err := fut.Event(context.Background()); !IsKind(err, ErrClosed) {
			t.Fatalf("poll %d after completion: err = %v, want ErrClosed", i, err)
		}
	}
}

func TestOverlappingFilters(t *testing.T) {
	an, binding := buildFake(t)
	path := tempFile(t, "b")
	ctx := context.Background()

	s1, err := an.Handle().Watch(ctx, path, FilterWrite)
	if err != nil {
		t.Fatalf("Watch s1: %v", err)
	}
	defer s1.Close()
	s2, err := an.Handle().Watch(ctx, path, FilterWrite|FilterOpen)
	if err != nil {
		t.Fatalf("Watch s2: %v", err)
	}

	// One create, then one update to the union.
	waitFor(t, time.Second, func() bool {
		return len(binding.callsOf("add")) == 1 && len(binding.callsOf("update")) == 1
	}, "add then widening update")
	wd := binding.callsOf("add")[0].wd
	if m, _ := binding.mask(wd); m != FilterWrite|FilterOpen {
		t.Fatalf("installed mask = %v, want write|open", m)
	}

	// An open event reaches s2 only; a write reaches both.
	binding.inject(RawEvent{Wd: wd, Types: []RawType{RawOpen}})
	binding.inject(RawEvent{Wd: wd, Types: []RawType{RawWrite}})

	if evt, _ := recvEvent(t, s2.Events(), time.Second); evt.Type != EventOpen {
		t.Fatalf("s2 first event = %v, want open", evt.Type)
	}
	if evt, _ := recvEvent(t, s2.Events(), time.Second); evt.Type != EventWrite {
		t.Fatalf("s2 second event = %v, want write", evt.Type)
	}
	if evt, _ := recvEvent(t, s1.Events(), time.Second); evt.Type != EventWrite {
		t.Fatalf("s1 event = %v, want write", evt.Type)
	}
	select {
	case evt := <-s1.Events():
		t.Fatalf("s1 received filtered-out event %+v", evt)
	default:
	}

	// Dropping s2 narrows the mask back down.
	s2.Close()
	waitFor(t, time.Second, func() bool {
		m, ok := binding.mask(wd)
		return ok && m == FilterWrite
	}, "narrowing update after s2 close")
}

func TestStreamEndsOnSelfRemoval(t *testing.T) {
	an, binding := buildFake(t)
	path := tempFile(t, "c")

	stream, err := an.Handle().Watch(context.Background(), path, FilterWrite|FilterDelete)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stream.Close()

	waitFor(t, time.Second, func() bool {
		return len(binding.callsOf("add")) == 1
	}, "binding add call")
	wd := binding.callsOf("add")[0].wd
	binding.inject(RawEvent{Wd: wd, Types: []RawType{RawSelfRemoved}})

	evt, err := stream.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if evt.Type != EventDelete || evt.Path != path {
		t.Fatalf("event = %+v, want delete on %s", evt, path)
	}

	// The stream then ends, and the binding's remove is never called.
	if _, err := stream.Recv(context.Background()); !IsKind(err, ErrClosed) {
		t.Fatalf("Recv after self-removal: err = %v, want ErrClosed", err)
	}
	if got := len(binding.callsOf("remove")); got != 0 {
		t.Fatalf("binding remove called %d times for a self-removed watch, want 0", got)
	}
}

func TestPoliteShutdown(t *testing.T) {
	an, binding := buildFake(t)
	path := tempFile(t, "d")

	stream, err := an.Handle().Watch(context.Background(), path, FilterWrite)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return len(binding.callsOf("add")) == 1
	}, "binding add call")

	if !an.Close() {
		t.Fatal("Close reported that it did not cause the close")
	}
	// Second close is not the cause.
	if an.Close() {
		t.Fatal("second Close claimed to cause the close")
	}

	// Receivers observe end-of-stream.
	if _, err := stream.Recv(context.Background()); !IsKind(err, ErrClosed) {
		t.Fatalf("Recv after close: err = %v, want ErrClosed", err)
	}

	// New requests fail at the boundary.
	if _, err := an.Handle().Watch(context.Background(), path, FilterWrite); !IsKind(err, ErrClosed) {
		t.Fatalf("Watch after close: err = %v, want ErrClosed", err)
	}
}

func TestReleaseThenLastSubscriptionEnds(t *testing.T) {
	an, binding := buildFake(t)
	path := tempFile(t, "e")

	fut, err := an.Handle().Next(context.Background(), path, FilterWrite)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return len(binding.callsOf("add")) == 1
	}, "binding add call")

	an.Release()

	wd := binding.callsOf("add")[0].wd
	binding.inject(RawEvent{Wd: wd, Types: []RawType{RawWrite}})

	if _, err := fut.Event(context.Background()); err != nil {
		t.Fatalf("Event: %v", err)
	}

	// The once-delivery drained the registry; with requests released the
	// worker exits on its own.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := an.Join(ctx); err != nil {
		t.Fatalf("Join after release: %v", err)
	}
}

func TestReleaseServesDropsUntilDrained(t *testing.T) {
	an, binding := buildFake(t)
	path := tempFile(t, "k")

	stream, err := an.Handle().Watch(context.Background(), path, FilterWrite)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return len(binding.callsOf("add")) == 1
	}, "binding add call")

	an.Release()

	// New subscriptions are rejected after release...
	fut, err := an.Handle().Next(context.Background(), path, FilterWrite)
	if err != nil {
		t.Fatalf("Next after release: %v", err)
	}
	if _, err := fut.Event(context.Background()); !IsKind(err, ErrClosed) {
		t.Fatalf("Event on post-release subscription: err = %v, want ErrClosed", err)
	}

	// ...but closing the surviving stream still drains the registry and
	// lets the worker exit.
	stream.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := an.Join(ctx); err != nil {
		t.Fatalf("Join after last stream closed: %v", err)
	}
}

func TestAbortReleasesBinding(t *testing.T) {
	an, binding := buildFake(t)
	path := tempFile(t, "f")

	if _, err := an.Handle().Watch(context.Background(), path, FilterWrite); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return len(binding.callsOf("add")) == 1
	}, "binding add call")

	an.Abort()

	binding.mu.Lock()
	closed := binding.closed
	binding.mu.Unlock()
	if !closed {
		t.Fatal("binding not closed after Abort")
	}
}

func TestDowngradedHandleDeliversEvents(t *testing.T) {
	an, binding := buildFake(t)
	path := tempFile(t, "g")

	h := an.Downgrade()
	stream, err := h.Watch(context.Background(), path, FilterWrite)
	if err != nil {
		t.Fatalf("Watch via downgraded handle: %v", err)
	}
	defer stream.Close()

	waitFor(t, time.Second, func() bool {
		return len(binding.callsOf("add")) == 1
	}, "binding add call")
	wd := binding.callsOf("add")[0].wd
	binding.inject(RawEvent{Wd: wd, Types: []RawType{RawWrite}})

	if evt, _ := recvEvent(t, stream.Events(), time.Second); evt.Type != EventWrite {
		t.Fatalf("event = %v, want write", evt.Type)
	}
}

func TestSubmissionValidation(t *testing.T) {
	an, _ := buildFake(t)
	dir := t.TempDir()
	file := tempFile(t, "h")
	ctx := context.Background()

	cases := []struct {
		name   string
		path   string
		filter Filter
		kind   ErrorKind
	}{
		{"missing path", filepath.Join(dir, "missing"), FilterWrite, ErrDoesNotExist},
		{"dir-only on file", file, FilterWrite | FilterDirOnly, ErrExpectedDir},
		{"file-only on dir", dir, FilterWrite | FilterFileOnly, ErrExpectedFile},
		{"both constraints", dir, FilterDirOnly | FilterFileOnly, ErrInvalidFilePath},
		{"empty path", "", FilterWrite, ErrInvalidFilePath},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := an.Handle().Watch(ctx, tc.path, tc.filter); !IsKind(err, tc.kind) {
				t.Fatalf("Watch(%q) err = %v, want kind %v", tc.path, err, tc.kind)
			}
		})
	}
}

func TestZeroFilterMeansDefault(t *testing.T) {
	an, binding := buildFake(t)
	path := tempFile(t, "i")

	if _, err := an.Handle().Watch(context.Background(), path, 0); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		adds := binding.callsOf("add")
		return len(adds) == 1 && adds[0].filter == DefaultFilter
	}, "add with the default filter")
}

func TestConstraintAtomsValidatedNotInstalled(t *testing.T) {
	an, binding := buildFake(t)
	dir := t.TempDir()

	if _, err := an.Handle().Watch(context.Background(), dir, FilterCreate|FilterDirOnly); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return len(binding.callsOf("add")) == 1
	}, "binding add call")
	wd := binding.callsOf("add")[0].wd
	if m, _ := binding.mask(wd); m != FilterCreate {
		t.Fatalf("installed mask = %v, want create only (constraints are not event classes)", m)
	}
}

func TestFutureCloseWithoutEvent(t *testing.T) {
	an, binding := buildFake(t)
	path := tempFile(t, "j")

	fut, err := an.Handle().Next(context.Background(), path, FilterWrite)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return len(binding.callsOf("add")) == 1
	}, "binding add call")

	fut.Close()

	// The abandoned subscription tears its watch down.
	waitFor(t, time.Second, func() bool {
		return len(binding.callsOf("remove")) == 1
	}, "binding remove after future close")

	if _, err := fut.Event(context.Background()); !IsKind(err, ErrClosed) {
		t.Fatalf("Event after Close: err = %v, want ErrClosed", err)
	}
}
