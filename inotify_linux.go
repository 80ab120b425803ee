//go:build linux

package anotify

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// selfRemovalMask is always OR-ed into every kernel mask, regardless of the
// requested filter, so that a watch whose inode disappears can be cleaned up
// even when the subscriber never asked for delete events. IN_UNMOUNT is
// reported by the kernel unconditionally and cannot be requested.
const selfRemovalMask = unix.IN_DELETE_SELF | unix.IN_MOVE_SELF

// inotifyEventHeaderSize is the fixed-width portion of a raw inotify_event
// structure. The variable-length Name field (of length InotifyEvent.Len)
// follows immediately in the kernel-provided buffer.
const inotifyEventHeaderSize = int(unsafe.Sizeof(unix.InotifyEvent{}))

// InotifyBinding is the Linux implementation of Binding on top of the
// inotify subsystem. A single background goroutine reads the inotify file
// descriptor and delivers decoded batches on the Events channel; watch
// management calls are made by the worker goroutine only.
type InotifyBinding struct {
	fd     int
	logger *slog.Logger

	events chan []RawEvent
	errs   chan error
	done   chan struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error

	activeWatches atomic.Int64
	totalEvents   atomic.Int64
}

// NewInotifyBinding opens an inotify instance and starts its reader
// goroutine. The returned binding must be closed to release the descriptor;
// the worker does this on shutdown when the binding was built through
// Builder.Build.
func NewInotifyBinding(logger *slog.Logger) (*InotifyBinding, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, convertErrno("init", "", err)
	}

	b := &InotifyBinding{
		fd:     fd,
		logger: logger,
		events: make(chan []RawEvent, 1),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}

	b.wg.Add(1)
	go b.run()

	return b, nil
}

// newPlatformBinding is called by Builder.Build when no binding override was
// supplied.
func newPlatformBinding(logger *slog.Logger) (Binding, error) {
	return NewInotifyBinding(logger)
}

// Add implements Binding. The kernel returns the existing descriptor when
// the path's inode is already watched, replacing its mask.
func (b *InotifyBinding) Add(path string, filter Filter) (Wd, error) {
	wd, err := unix.InotifyAddWatch(b.fd, path, kernelMask(filter))
	if err != nil {
		return 0, convertErrno("add watch", path, err)
	}
	b.activeWatches.Add(1)
	return Wd(wd), nil
}

// Update implements Binding. Re-issuing add_watch on the same inode replaces
// the mask and returns the same descriptor; anything else means the registry
// and the kernel have diverged.
func (b *InotifyBinding) Update(wd Wd, path string, filter Filter) (Wd, error) {
	got, err := unix.InotifyAddWatch(b.fd, path, kernelMask(filter))
	if err != nil {
		return 0, convertErrno("update watch", path, err)
	}
	if Wd(got) != wd {
		return Wd(got), newError(ErrUnknown, path,
			fmt.Sprintf("update returned descriptor %d, expected %d", got, wd), nil)
	}
	return wd, nil
}

// Remove implements Binding.
func (b *InotifyBinding) Remove(wd Wd) error {
	if _, err := unix.InotifyRmWatch(b.fd, uint32(wd)); err != nil {
		return convertErrno("remove watch", "", err)
	}
	b.activeWatches.Add(-1)
	return nil
}

// Events implements Binding.
func (b *InotifyBinding) Events() <-chan []RawEvent { return b.events }

// Errors implements Binding.
func (b *InotifyBinding) Errors() <-chan error { return b.errs }

// Stats implements StatsReporter.
func (b *InotifyBinding) Stats() BindingStats {
	return BindingStats{
		ActiveWatches: b.activeWatches.Load(),
		TotalEvents:   b.totalEvents.Load(),
	}
}

// Close stops the reader and releases the inotify descriptor, which drops
// every installed watch. Idempotent; both channels are closed so a worker
// blocked on them observes the shutdown.
func (b *InotifyBinding) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		// Close the fd only after the goroutine exits to avoid a race
		// between its Poll/Read calls and the Close.
		b.closeErr = unix.Close(b.fd)
		close(b.events)
		close(b.errs)
	})
	return b.closeErr
}

// run is the reader goroutine: it polls the inotify descriptor, decodes raw
// event buffers into batches, and delivers them until Close or a fatal read
// error.
func (b *InotifyBinding) run() {
	defer b.wg.Done()

	// Large enough for at least one event with a maximal (NAME_MAX) name;
	// in practice it holds dozens of events per read.
	buf := make([]byte, 64*1024)
	pfd := []unix.PollFd{{Fd: int32(b.fd), Events: unix.POLLIN}}

	for {
		select {
		case <-b.done:
			return
		default:
		}

		// Poll with a 100 ms timeout so the done channel is checked
		// frequently without busy-waiting.
		n, err := unix.Poll(pfd, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			b.fail(fmt.Errorf("inotify: poll: %w", err))
			return
		}
		if n == 0 {
			continue
		}

		nr, err := unix.Read(b.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			b.fail(fmt.Errorf("inotify: read: %w", err))
			return
		}
		if nr <= 0 {
			continue
		}

		batch := b.decode(buf[:nr])
		if len(batch) == 0 {
			continue
		}
		b.totalEvents.Add(int64(len(batch)))

		select {
		case b.events <- batch:
		case <-b.done:
			return
		}
	}
}

// fail reports a fatal reader error unless the binding is shutting down.
func (b *InotifyBinding) fail(err error) {
	select {
	case b.errs <- err:
	case <-b.done:
	}
}

// decode splits a kernel buffer of consecutive inotify_event structures into
// RawEvents. Queue-overflow and ignore markers are filtered out here; they
// are bookkeeping, not filesystem activity.
func (b *InotifyBinding) decode(buf []byte) []RawEvent {
	var batch []RawEvent

	for offset := 0; offset < len(buf); {
		if offset+inotifyEventHeaderSize > len(buf) {
			break
		}

		// The kernel aligns events to the size of the largest member, so
		// the unsafe cast is safe here.
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += inotifyEventHeaderSize

		var name string
		if raw.Len > 0 {
			end := offset + int(raw.Len)
			if end > len(buf) {
				break
			}
			nameBytes := buf[offset:end]
			// Strip trailing null bytes; the kernel pads to a 4-byte
			// boundary.
			if i := bytes.IndexByte(nameBytes, 0); i >= 0 {
				nameBytes = nameBytes[:i]
			}
			name = string(nameBytes)
			offset = end
		}

		if raw.Mask&unix.IN_Q_OVERFLOW != 0 {
			b.logger.Warn("inotify: event queue overflowed, events were lost")
			continue
		}
		if raw.Wd < 0 {
			continue
		}

		types := rawTypes(raw.Mask)
		if len(types) == 0 {
			continue
		}
		if hasSelfRemoved(types) {
			b.activeWatches.Add(-1)
		}

		batch = append(batch, RawEvent{
			Wd:     Wd(raw.Wd),
			Name:   name,
			Types:  types,
			Cookie: raw.Cookie,
		})
	}

	return batch
}

func hasSelfRemoved(types []RawType) bool {
	for _, t := range types {
		if t == RawSelfRemoved {
			return true
		}
	}
	return false
}

// kernelMask translates a filter into inotify watch bits, always augmented
// with the self-removal classes. The DirOnly/FileOnly constraint atoms have
// no kernel bit; they are enforced before the request reaches the binding.
func kernelMask(filter Filter) uint32 {
	mask := uint32(selfRemovalMask)

	for _, m := range filterBits {
		if filter&m.atom != 0 {
			mask |= m.bits
		}
	}
	return mask
}

// filterBits maps each delivery atom to its inotify bits.
var filterBits = []struct {
	atom Filter
	bits uint32
}{
	{FilterRead, unix.IN_ACCESS},
	{FilterWrite, unix.IN_MODIFY},
	{FilterOpen, unix.IN_OPEN},
	{FilterCloseNoModify, unix.IN_CLOSE_NOWRITE},
	{FilterCloseModify, unix.IN_CLOSE_WRITE},
	{FilterMove, unix.IN_MOVED_FROM | unix.IN_MOVED_TO},
	{FilterMetadata, unix.IN_ATTRIB},
	{FilterCreate, unix.IN_CREATE},
	{FilterDelete, unix.IN_DELETE},
}

// rawTypes translates a kernel event mask into binding event classes. The
// three self-removal bits collapse into one RawSelfRemoved since the outcome
// is identical: the watch is gone.
func rawTypes(mask uint32) []RawType {
	var out []RawType

	if mask&unix.IN_OPEN != 0 {
		out = append(out, RawOpen)
	}
	if mask&unix.IN_CLOSE_WRITE != 0 {
		out = append(out, RawCloseModify)
	}
	if mask&unix.IN_CLOSE_NOWRITE != 0 {
		out = append(out, RawCloseNoModify)
	}
	if mask&unix.IN_ACCESS != 0 {
		out = append(out, RawRead)
	}
	if mask&unix.IN_MODIFY != 0 {
		out = append(out, RawWrite)
	}
	if mask&unix.IN_ATTRIB != 0 {
		out = append(out, RawMetadata)
	}
	if mask&unix.IN_CREATE != 0 {
		out = append(out, RawCreate)
	}
	if mask&unix.IN_DELETE != 0 {
		out = append(out, RawDelete)
	}
	if mask&unix.IN_MOVED_FROM != 0 {
		out = append(out, RawMoveFrom)
	}
	if mask&unix.IN_MOVED_TO != 0 {
		out = append(out, RawMoveTo)
	}
	if mask&(unix.IN_DELETE_SELF|unix.IN_MOVE_SELF|unix.IN_UNMOUNT) != 0 {
		out = append(out, RawSelfRemoved)
	}

	return out
}

// convertErrno maps inotify errnos onto the library's error taxonomy.
func convertErrno(op, path string, err error) error {
	kind := ErrUnknown
	switch err {
	case unix.EMFILE, unix.ENFILE, unix.ENOMEM, unix.ENOSPC:
		kind = ErrSystemResourceLimit
	case unix.EACCES:
		kind = ErrNoPermission
	case unix.ENAMETOOLONG:
		kind = ErrInvalidFilePath
	case unix.ENOENT:
		kind = ErrDoesNotExist
	}
	return newError(kind, path, "inotify: "+op, err)
}
