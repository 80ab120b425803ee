package anotify

// Wd identifies one kernel watch inside a Binding. The kernel returns the
// same identifier for two watches on the same inode; the registry relies on
// this to deduplicate.
type Wd int32

// RawType is one kernel-level event class reported by a Binding, before
// translation into the user-facing Event taxonomy.
type RawType int

const (
	// RawOpen maps to EventOpen.
	RawOpen RawType = iota
	// RawCloseNoModify maps to EventCloseNoModify.
	RawCloseNoModify
	// RawCloseModify maps to EventCloseModify.
	RawCloseModify
	// RawRead maps to EventRead.
	RawRead
	// RawWrite maps to EventWrite.
	RawWrite
	// RawMetadata maps to EventMetadata.
	RawMetadata
	// RawCreate maps to EventCreate.
	RawCreate
	// RawDelete maps to EventDelete.
	RawDelete
	// RawMoveFrom is the source half of a rename; paired with RawMoveTo
	// via the event cookie.
	RawMoveFrom
	// RawMoveTo is the destination half of a rename.
	RawMoveTo
	// RawSelfRemoved means the watched inode itself was deleted, moved, or
	// unmounted and the kernel has already dropped the watch.
	RawSelfRemoved
)

// RawEvent is one decoded kernel event. Name is the entry name relative to
// the watch (empty when the event is about the watched inode itself). Cookie
// correlates RawMoveFrom/RawMoveTo pairs and is zero otherwise.
type RawEvent struct {
	Wd     Wd
	Name   string
	Types  []RawType
	Cookie uint32
}

// selfRemoved reports whether the event invalidates its watch.
func (e RawEvent) selfRemoved() bool {
	for _, t := range e.Types {
		if t == RawSelfRemoved {
			return true
		}
	}
	return false
}

// Binding is the OS-facing surface the worker consumes: watch management
// plus a channel of decoded event batches. Two implementations exist, the
// Linux inotify binding and an in-memory fake used by tests.
//
// Add and Update must install the self-removal classes (delete-self,
// move-self, unmount) regardless of the requested filter so that watches can
// be cleaned up even when the caller did not ask for EventDelete. Update must
// return the same Wd it was given; a different value is an implementation
// bug. Add, Update and Remove are called only from the worker goroutine;
// Close is called by the worker on shutdown and also by Anotify.Abort from
// the caller's goroutine.
type Binding interface {
	// Add installs a watch on path and returns its kernel identifier.
	// Adding a path whose inode is already watched returns the existing
	// identifier with the kernel mask replaced.
	Add(path string, filter Filter) (Wd, error)

	// Update re-issues the watch with a new filter mask. The returned
	// identifier equals wd.
	Update(wd Wd, path string, filter Filter) (Wd, error)

	// Remove uninstalls the watch.
	Remove(wd Wd) error

	// Events returns the channel on which decoded event batches are
	// delivered. Batches are never empty. The channel is closed when the
	// binding shuts down.
	Events() <-chan []RawEvent

	// Errors returns the channel on which fatal read-side errors are
	// delivered. Receiving on it terminates the worker.
	Errors() <-chan error

	// Close releases the kernel handle and stops the reader. It is
	// idempotent.
	Close() error
}

// BindingStats is a snapshot of a binding's watch and event counters.
type BindingStats struct {
	// ActiveWatches is the number of currently installed kernel watches.
	ActiveWatches int64
	// TotalEvents is the cumulative number of decoded kernel events.
	TotalEvents int64
}

// StatsReporter is implemented by bindings that track watch and event
// counters. The inotify binding implements it; the interface is optional so
// test fakes can stay minimal.
type StatsReporter interface {
	Stats() BindingStats
}
