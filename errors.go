package anotify

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the failure modes surfaced by the library.
type ErrorKind int

const (
	// ErrUnknown wraps an unclassified underlying error.
	ErrUnknown ErrorKind = iota
	// ErrDoesNotExist means the requested path could not be resolved.
	ErrDoesNotExist
	// ErrExpectedDir means FilterDirOnly was set but the path is not a
	// directory.
	ErrExpectedDir
	// ErrExpectedFile means FilterFileOnly was set but the path is not a
	// regular file.
	ErrExpectedFile
	// ErrFileRemoved means delivery was requested for a watch whose inode
	// has already been removed.
	ErrFileRemoved
	// ErrSystemResourceLimit means a per-process or per-user watch quota or
	// file-descriptor limit was exhausted.
	ErrSystemResourceLimit
	// ErrNoPermission means the caller lacks privilege for the path.
	ErrNoPermission
	// ErrInvalidFilePath means the path is malformed or too long.
	ErrInvalidFilePath
	// ErrClosed means the notifier has shut down and accepts no further
	// requests, or a subscription's channel has been closed.
	ErrClosed
	// ErrUnsupported means no kernel binding exists for this platform.
	ErrUnsupported
)

// String returns a short description of the kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrDoesNotExist:
		return "does not exist"
	case ErrExpectedDir:
		return "expected directory"
	case ErrExpectedFile:
		return "expected file"
	case ErrFileRemoved:
		return "file was removed"
	case ErrSystemResourceLimit:
		return "system resource limit"
	case ErrNoPermission:
		return "no permission"
	case ErrInvalidFilePath:
		return "invalid file path"
	case ErrClosed:
		return "closed"
	case ErrUnsupported:
		return "platform not supported"
	default:
		return "unknown"
	}
}

// Error is the typed error returned across the public API. Kind is always
// set; Path and Message are attached by whichever component has them in
// scope, and Err carries the underlying cause for ErrUnknown.
type Error struct {
	Kind    ErrorKind
	Path    string
	Message string
	Err     error
}

func newError(kind ErrorKind, path, message string, err error) *Error {
	return &Error{Kind: kind, Path: path, Message: message, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	s := "anotify: " + e.Kind.String()
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Path != "" {
		s += fmt.Sprintf(" (path %q)", e.Path)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// Is matches two *Error values by Kind, so that
// errors.Is(err, &Error{Kind: ErrClosed}) works across wrapping.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
