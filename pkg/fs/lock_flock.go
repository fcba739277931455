//go:build unix

package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// FlockLocker provides native advisory locking using flock(2).
//
// flock applies to an inode (an open file), not a pathname. To lock a logical
// resource that gets replaced by rename (like an atomically written state
// file), lock a stable sidecar such as "state.json.lock" instead of the
// resource itself. Do not replace or unlink the lock file while locks may be
// held.
//
// FlockLocker verifies that the file descriptor it locked still refers to the
// file at path at the moment the lock is granted, retrying if the file was
// replaced in the open→lock window.
//
// Exclusive locks open the file with O_RDWR; shared locks open with O_RDONLY.
//
// Within one process, two Acquire calls on the same path conflict exactly like
// two processes would: flock locks belong to the open file description.
type FlockLocker struct {
	fs      FS
	timeout time.Duration
	flock   func(fd int, how int) error
}

// NewFlockLocker creates a FlockLocker. A timeout <= 0 makes Acquire try once
// and fail immediately on conflict.
//
// Custom [FS] implementations must return [File] values with a real OS file
// descriptor and [os.FileInfo] whose Sys() is a *syscall.Stat_t.
func NewFlockLocker(fsys FS, timeout time.Duration) *FlockLocker {
	if fsys == nil {
		panic("fs is nil")
	}

	return &FlockLocker{
		fs:      fsys,
		timeout: timeout,
		flock:   unix.Flock,
	}
}

// NewDefaultLocker returns the native advisory locker for this platform.
func NewDefaultLocker(fsys FS, timeout time.Duration) Locker {
	return NewFlockLocker(fsys, timeout)
}

// Acquire locks path, retrying with backoff until the locker's timeout.
//
// Returns an error matching [ErrWriteConflict] if a conflicting lock is still
// held when the timeout expires.
func (l *FlockLocker) Acquire(path string, opts LockOptions) (*Lock, error) {
	how := unix.LOCK_EX
	openFlag := os.O_RDWR

	if opts.Shared {
		how = unix.LOCK_SH
		openFlag = os.O_RDONLY
	}

	try := func() (*Lock, error) {
		file, err := l.openLockFile(path, openFlag, !opts.NoCreate)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = l.acquire(file, path, how)
		if err != nil {
			_ = file.Close()

			return nil, err
		}

		return &Lock{
			path:   path,
			shared: opts.Shared,
			release: func() error {
				return l.unlock(file)
			},
		}, nil
	}

	retryable := func(err error) bool {
		return errors.Is(err, ErrWriteConflict) || errors.Is(err, errInodeMismatch)
	}

	lk, err := pollUntil(l.timeout, try, retryable)
	if errors.Is(err, errInodeMismatch) {
		return nil, fmt.Errorf("%w: lock file was replaced while acquiring lock", ErrWriteConflict)
	}

	return lk, err
}

func (l *FlockLocker) unlock(file File) error {
	fd := int(file.Fd())

	unlockErr := flockRetryEINTR(l.flock, fd, unix.LOCK_UN)
	closeErr := file.Close()

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// acquire attempts a non-blocking flock on file and verifies the inode still
// matches path. On failure the file is unlocked (if needed) but NOT closed.
func (l *FlockLocker) acquire(file File, path string, how int) error {
	fd := int(file.Fd())

	if err := flockRetryEINTR(l.flock, fd, how|unix.LOCK_NB); err != nil {
		if isWouldBlock(err) {
			return ErrWriteConflict
		}

		return fmt.Errorf("flock: %w", err)
	}

	match, err := l.inodeMatchesPath(path, file)
	if err != nil {
		_ = flockRetryEINTR(l.flock, fd, unix.LOCK_UN)

		if errors.Is(err, os.ErrNotExist) {
			return errInodeMismatch
		}

		return fmt.Errorf("verifying inode match: %w", err)
	}

	if !match {
		_ = flockRetryEINTR(l.flock, fd, unix.LOCK_UN)

		return errInodeMismatch
	}

	return nil
}

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755
)

func (l *FlockLocker) openLockFile(path string, flag int, create bool) (File, error) {
	if !create {
		return l.fs.OpenFile(path, flag, 0)
	}

	f, err := l.fs.OpenFile(path, flag|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := l.fs.MkdirAll(filepath.Dir(path), lockDirPerm); err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, flag|os.O_CREATE, lockFilePerm)
}

// inodeMatchesPath verifies that f still refers to the file currently at path.
//
// flock locks by inode. If path is replaced while a caller is acquiring the
// lock, two callers could each lock a different inode and both believe they
// own "the path". Comparing (dev, inode) of the fd and of the path right after
// flock closes that window.
func (l *FlockLocker) inodeMatchesPath(path string, f File) (bool, error) {
	openInfo, err := f.Stat()
	if err != nil {
		return false, err
	}

	openSys, ok := openInfo.Sys().(*syscall.Stat_t)
	if !ok || openSys == nil {
		return false, fmt.Errorf("file.Stat Sys=%T, want *syscall.Stat_t", openInfo.Sys())
	}

	pathInfo, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	pathSys, ok := pathInfo.Sys().(*syscall.Stat_t)
	if !ok || pathSys == nil {
		return false, fmt.Errorf("fs.Stat Sys=%T, want *syscall.Stat_t", pathInfo.Sys())
	}

	return openSys.Dev == pathSys.Dev && openSys.Ino == pathSys.Ino, nil
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)
}

// flockRetryEINTR wraps flock, retrying on EINTR.
//
// Retries are capped to avoid spinning forever under pathological signal storms.
func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}

// Compile-time interface check.
var _ Locker = (*FlockLocker)(nil)
