//go:build !unix

package fs

import "time"

// NewDefaultLocker returns a [MarkerLocker]: flock is unavailable on this
// platform, so locking falls back to sidecar marker files.
func NewDefaultLocker(fsys FS, timeout time.Duration) Locker {
	return NewMarkerLocker(fsys, timeout)
}
