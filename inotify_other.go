//go:build !linux

package anotify

import "log/slog"

// newPlatformBinding reports that no kernel binding exists for this
// platform. Tests and callers on other systems can still drive the library
// through Builder.WithBinding.
func newPlatformBinding(_ *slog.Logger) (Binding, error) {
	return nil, newError(ErrUnsupported, "", "no filesystem notification binding for this platform", nil)
}
