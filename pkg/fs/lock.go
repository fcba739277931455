package fs

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultLockTimeout is the default bound on lock acquisition.
const DefaultLockTimeout = 5 * time.Second

var (
	// ErrWriteConflict is returned when a lock cannot be granted because a
	// conflicting lock is held by another owner and the acquisition timeout
	// expired (or the locker was configured to try only once).
	ErrWriteConflict = errors.New("write conflict: lock held by another owner")

	// errInodeMismatch is an internal sentinel indicating the lock file was
	// replaced between open and flock. Callers should retry.
	errInodeMismatch = errors.New("inode mismatch")
)

// LockOptions selects the lock mode. The zero value requests an exclusive
// lock and creates the target if it does not exist.
type LockOptions struct {
	// Shared requests a shared (read) lock. Shared locks coexist with other
	// shared locks and conflict with an exclusive lock in either direction.
	Shared bool

	// NoCreate fails with an error matching [os.ErrNotExist] instead of
	// creating a missing target.
	NoCreate bool
}

// Locker acquires advisory locks on paths.
//
// Locks are advisory: they coordinate cooperating callers that use the same
// Locker implementation on the same path, not arbitrary writers.
//
// Acquire never blocks indefinitely. When a conflicting lock is held it
// retries until the locker's timeout expires and then returns an error
// matching [ErrWriteConflict].
type Locker interface {
	Acquire(path string, opts LockOptions) (*Lock, error)
}

// Lock represents a held lock. Call [Lock.Close] to release it, typically
// with defer right after a successful Acquire.
type Lock struct {
	mu      sync.Mutex
	path    string
	shared  bool
	release func() error
}

// Path returns the locked path.
func (lk *Lock) Path() string { return lk.path }

// Shared reports whether this is a shared lock.
func (lk *Lock) Shared() bool { return lk.shared }

// Close releases the lock.
//
// Close is idempotent; subsequent calls return nil. If Close returns an error
// the lock may or may not have been released. Logging the error is
// reasonable; retrying is unlikely to help.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.release == nil {
		return nil
	}

	err := lk.release()
	lk.release = nil

	return err
}

// pollUntil calls try until it succeeds, returns a non-retryable error, or the
// timeout expires. try reports (done, retryable error).
//
//   - timeout <= 0: try once
//   - timeout > 0: retry with backoff (1ms doubling to 25ms) until timeout
//
// The timeout is best-effort and may overshoot slightly under scheduler delay.
func pollUntil(timeout time.Duration, try func() (*Lock, error), retryable func(error) bool) (*Lock, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	backoff := time.Millisecond

	for {
		lk, err := try()
		if err == nil {
			return lk, nil
		}

		if !retryable(err) || timeout <= 0 {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w (timed out after %s)", err, timeout)
		}

		time.Sleep(min(backoff, remaining))

		if backoff < 25*time.Millisecond {
			backoff = min(backoff*2, 25*time.Millisecond)
		}
	}
}
