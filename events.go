// Package anotify is an asynchronous filesystem-notification library. It
// multiplexes a single kernel inotify descriptor table over many independent
// consumer subscriptions: callers express interest in a path with a set of
// event filters and receive either the next matching event (Handle.Next) or a
// stream of matching events (Handle.Watch).
//
// Overlapping watches on the same path are deduplicated onto one kernel watch
// descriptor, the descriptor's kernel mask is kept equal to the union of all
// subscribers' filters, rename pairs are reconstructed from their two kernel
// halves, and watches are torn down when their last subscriber goes away.
//
// Usage:
//
//	an, err := anotify.NewBuilder().WithLogger(logger).Build()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer an.Close()
//
//	stream, err := an.Handle().Watch(ctx, "/etc/passwd", anotify.FilterWrite|anotify.FilterCloseModify)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stream.Close()
//	for {
//	    evt, err := stream.Recv(ctx)
//	    if err != nil {
//	        break
//	    }
//	    fmt.Printf("%s: %s\n", evt.Path, evt.Type)
//	}
package anotify

import (
	"fmt"
	"strings"
)

// EventType describes the kind of filesystem activity captured by a watch.
type EventType int

const (
	// EventRead indicates the watched file was read.
	EventRead EventType = iota
	// EventWrite indicates the watched file's content was modified.
	EventWrite
	// EventOpen indicates the watched file was opened.
	EventOpen
	// EventCloseNoModify indicates a file open for reading only was closed.
	EventCloseNoModify
	// EventCloseModify indicates a file open for writing was closed.
	EventCloseModify
	// EventMove indicates the file was renamed. When both halves of the
	// rename were observed, Event.MovedTo carries the destination path.
	EventMove
	// EventCreate indicates a file was created inside a watched directory.
	EventCreate
	// EventDelete indicates the file was deleted, or the watched inode
	// itself was removed, moved away, or unmounted.
	EventDelete
	// EventMetadata indicates file metadata (permissions, timestamps,
	// ownership) changed.
	EventMetadata
)

// String returns a short human-readable name for the event type.
func (t EventType) String() string {
	switch t {
	case EventRead:
		return "read"
	case EventWrite:
		return "write"
	case EventOpen:
		return "open"
	case EventCloseNoModify:
		return "close"
	case EventCloseModify:
		return "close-write"
	case EventMove:
		return "move"
	case EventCreate:
		return "create"
	case EventDelete:
		return "delete"
	case EventMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// Event is a single filesystem notification delivered to a subscriber.
type Event struct {
	// Path is the path the event occurred on. For events inside a watched
	// directory this is the directory path joined with the entry name.
	Path string
	// Type is the kind of activity observed.
	Type EventType
	// MovedTo is the rename destination for EventMove events whose two
	// kernel halves were both observed. Empty when the destination is
	// outside the watched tree or was never seen.
	MovedTo string
}

// Filter is a bitset of event classes a subscription is interested in.
// Combine atoms with bitwise OR.
type Filter uint16

const (
	// FilterRead matches EventRead.
	FilterRead Filter = 1 << iota
	// FilterWrite matches EventWrite.
	FilterWrite
	// FilterOpen matches EventOpen.
	FilterOpen
	// FilterCloseNoModify matches EventCloseNoModify.
	FilterCloseNoModify
	// FilterCloseModify matches EventCloseModify.
	FilterCloseModify
	// FilterMove matches EventMove.
	FilterMove
	// FilterMetadata matches EventMetadata.
	FilterMetadata
	// FilterCreate matches EventCreate.
	FilterCreate
	// FilterDelete matches EventDelete.
	FilterDelete
	// FilterDirOnly is a constraint, not a match class: the request is
	// rejected with ErrExpectedDir unless the path is a directory.
	FilterDirOnly
	// FilterFileOnly is a constraint, not a match class: the request is
	// rejected with ErrExpectedFile unless the path is a regular file.
	// Mutually exclusive with FilterDirOnly.
	FilterFileOnly
)

// DefaultFilter is used when a request passes a zero Filter.
const DefaultFilter = FilterWrite | FilterCloseModify

// eventFilters excludes the two constraint atoms; only these participate in
// delivery matching and kernel mask computation.
const eventFilters = FilterRead | FilterWrite | FilterOpen | FilterCloseNoModify |
	FilterCloseModify | FilterMove | FilterMetadata | FilterCreate | FilterDelete

// Has reports whether every atom of sub is set in f.
func (f Filter) Has(sub Filter) bool { return f&sub == sub }

// Events returns the filter with the DirOnly/FileOnly constraint atoms
// stripped, leaving only the delivery-matching atoms.
func (f Filter) Events() Filter { return f & eventFilters }

// filterNames is ordered to match the atom bit positions.
var filterNames = []string{
	"read", "write", "open", "close", "close-write",
	"move", "metadata", "create", "delete", "dir-only", "file-only",
}

// String returns a "|"-separated list of the set atoms, or "none".
func (f Filter) String() string {
	var parts []string
	for i, name := range filterNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseFilter converts a list of atom names (as produced by Filter.String)
// into a Filter. Unknown names are reported as an error.
func ParseFilter(names []string) (Filter, error) {
	var f Filter
	for _, name := range names {
		found := false
		for i, known := range filterNames {
			if name == known {
				f |= 1 << i
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("anotify: unknown filter atom %q", name)
		}
	}
	return f, nil
}

// filterFor maps an event type to the single filter atom controlling its
// delivery.
func filterFor(t EventType) Filter {
	switch t {
	case EventRead:
		return FilterRead
	case EventWrite:
		return FilterWrite
	case EventOpen:
		return FilterOpen
	case EventCloseNoModify:
		return FilterCloseNoModify
	case EventCloseModify:
		return FilterCloseModify
	case EventMove:
		return FilterMove
	case EventCreate:
		return FilterCreate
	case EventDelete:
		return FilterDelete
	case EventMetadata:
		return FilterMetadata
	default:
		return 0
	}
}

// matches reports whether the event passes the given subscription filter.
func (e Event) matches(f Filter) bool {
	return f&filterFor(e.Type) != 0
}
