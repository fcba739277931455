package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MarkerLocker implements [Locker] with atomically created sidecar marker
// files, for platforms or filesystems without working native advisory locks.
//
// An exclusive holder owns "<path>.lck" (created with O_EXCL). Each shared
// holder owns its own "<path>.lck.r-<token>". Both sides create their marker
// first and then check for the other kind, backing off if one is present, so
// an exclusive holder and a shared holder are never granted at the same time.
//
// The guarantee is weaker than [FlockLocker]:
//   - markers survive a crash of their owner and must be removed by hand
//   - a contended exclusive and shared pair may both back off and retry until
//     one of them times out
//   - markers are only honored by callers using MarkerLocker
type MarkerLocker struct {
	fs       FS
	timeout  time.Duration
	newToken func() string
}

// NewMarkerLocker creates a MarkerLocker. A timeout <= 0 makes Acquire try
// once and fail immediately on conflict.
func NewMarkerLocker(fsys FS, timeout time.Duration) *MarkerLocker {
	if fsys == nil {
		panic("fs is nil")
	}

	return &MarkerLocker{
		fs:       fsys,
		timeout:  timeout,
		newToken: uuid.NewString,
	}
}

const (
	markerSuffix        = ".lck"
	markerReaderInfix   = ".lck.r-"
	markerFilePerm      = 0o600
	markerTargetPerm    = 0o644
	markerTargetDirPerm = 0o755
)

// Acquire creates the marker for the requested mode, retrying with backoff
// until the locker's timeout.
func (m *MarkerLocker) Acquire(path string, opts LockOptions) (*Lock, error) {
	err := m.ensureTarget(path, !opts.NoCreate)
	if err != nil {
		return nil, err
	}

	try := func() (*Lock, error) {
		if opts.Shared {
			return m.tryShared(path)
		}

		return m.tryExclusive(path)
	}

	return pollUntil(m.timeout, try, func(err error) bool {
		return errors.Is(err, ErrWriteConflict)
	})
}

func (m *MarkerLocker) ensureTarget(path string, create bool) error {
	exists, err := m.fs.Exists(path)
	if err != nil {
		return fmt.Errorf("checking lock target: %w", err)
	}

	if exists {
		return nil
	}

	if !create {
		return fmt.Errorf("lock target %q: %w", path, os.ErrNotExist)
	}

	if err := m.fs.MkdirAll(filepath.Dir(path), markerTargetDirPerm); err != nil {
		return fmt.Errorf("creating lock target dir: %w", err)
	}

	f, err := m.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE, markerTargetPerm)
	if err != nil {
		return fmt.Errorf("creating lock target: %w", err)
	}

	return f.Close()
}

func (m *MarkerLocker) tryExclusive(path string) (*Lock, error) {
	marker := path + markerSuffix
	token := m.newToken()

	err := m.createMarker(marker, token)
	if err != nil {
		return nil, err
	}

	readers, err := m.readerMarkers(path)
	if err != nil || len(readers) > 0 {
		removeErr := m.fs.Remove(marker)
		if err != nil {
			return nil, errors.Join(err, removeErr)
		}

		return nil, ErrWriteConflict
	}

	return &Lock{
		path: path,
		release: func() error {
			return m.removeOwned(marker, token)
		},
	}, nil
}

func (m *MarkerLocker) tryShared(path string) (*Lock, error) {
	exclusive := path + markerSuffix

	held, err := m.fs.Exists(exclusive)
	if err != nil {
		return nil, fmt.Errorf("checking exclusive marker: %w", err)
	}

	if held {
		return nil, ErrWriteConflict
	}

	token := m.newToken()
	marker := path + markerReaderInfix + token

	err = m.createMarker(marker, token)
	if err != nil {
		return nil, err
	}

	held, err = m.fs.Exists(exclusive)
	if err != nil || held {
		removeErr := m.fs.Remove(marker)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("checking exclusive marker: %w", err), removeErr)
		}

		return nil, ErrWriteConflict
	}

	return &Lock{
		path:   path,
		shared: true,
		release: func() error {
			return m.removeOwned(marker, token)
		},
	}, nil
}

// createMarker creates marker exclusively and writes token into it.
// An existing marker is reported as [ErrWriteConflict].
func (m *MarkerLocker) createMarker(marker, token string) error {
	f, err := m.fs.OpenFile(marker, os.O_WRONLY|os.O_CREATE|os.O_EXCL, markerFilePerm)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrWriteConflict
		}

		return fmt.Errorf("creating lock marker: %w", err)
	}

	_, writeErr := f.Write([]byte(token))
	closeErr := f.Close()

	if err := errors.Join(writeErr, closeErr); err != nil {
		return errors.Join(fmt.Errorf("writing lock marker: %w", err), m.fs.Remove(marker))
	}

	return nil
}

// removeOwned removes marker only if it still carries token.
func (m *MarkerLocker) removeOwned(marker, token string) error {
	data, err := m.fs.ReadFile(marker)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("lock marker %q vanished before release", marker)
		}

		return fmt.Errorf("reading lock marker: %w", err)
	}

	if string(data) != token {
		return fmt.Errorf("lock marker %q is owned by another holder", marker)
	}

	if err := m.fs.Remove(marker); err != nil {
		return fmt.Errorf("removing lock marker: %w", err)
	}

	return nil
}

func (m *MarkerLocker) readerMarkers(path string) ([]string, error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}

	entries, err := m.fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing lock markers: %w", err)
	}

	prefix := base + markerReaderInfix

	var readers []string

	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			readers = append(readers, filepath.Join(dir, e.Name()))
		}
	}

	return readers, nil
}

// Compile-time interface check.
var _ Locker = (*MarkerLocker)(nil)
