// Package statestore persists a single versioned state file.
//
// Every mutation runs the same transition under an exclusive lock: read the
// current record (a missing file is version -1), validate it, compute the
// next record, validate that, and replace the file atomically. Reads take a
// shared lock. Nothing is cached between calls; every call re-reads the disk.
//
// Locks are taken on a sidecar file "<path>.lock", never on the state file
// itself, because the atomic rename replaces the state file's inode.
//
// Two leniencies exist and both are opt-in through [Config]: a permission
// error on read can degrade to an empty record, and a read-only caller can
// fall back to a lock-free read when the shared lock is not granted. Both
// log a warning when they trigger.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/calvinalkan/agent-state/pkg/fs"
	"github.com/calvinalkan/agent-state/pkg/sandbox"
	"github.com/calvinalkan/agent-state/pkg/schema"
)

const (
	lockSuffix   = ".lock"
	statePerm    = 0o644
	stateDirPerm = 0o755
)

// Config configures a [Store]. Path and Validator are required.
type Config struct {
	// Path of the state file. Must be absolute unless Root is set, in which
	// case it is resolved inside Root.
	Path string

	// Root optionally confines Path to a sandbox directory.
	Root string

	// Validator checks records against the [schema.StateID] schema.
	Validator *schema.Validator

	// FS defaults to [fs.NewReal].
	FS fs.FS

	// Locker defaults to [fs.NewDefaultLocker] using LockTimeout.
	Locker fs.Locker

	// LockTimeout bounds lock acquisition. Zero means [fs.DefaultLockTimeout].
	// Ignored when Locker is set.
	LockTimeout time.Duration

	// DegradeOnPermission makes Read return an empty record instead of a
	// permission error.
	DegradeOnPermission bool

	// AllowStaleRead makes Read fall back to a lock-free read when the shared
	// lock is held exclusively by someone else past the timeout.
	AllowStaleRead bool

	// SkipLockedReplace makes Write and CompareAndWrite skip (and log) a
	// replace that fails because another tool holds the target busy or
	// read-only. For test environments only; production code should leave
	// it unset and handle the error.
	SkipLockedReplace bool

	// Logger defaults to a discard logger.
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *Metrics
}

// Store reads and writes one state file. A Store holds no state between
// calls and is safe for concurrent use.
type Store struct {
	path     string
	lockPath string

	validator *schema.Validator
	fs        fs.FS
	locker    fs.Locker
	writer    *fs.AtomicWriter
	logger    *slog.Logger
	metrics   *Metrics

	degradeOnPermission bool
	allowStaleRead      bool
	skipLockedReplace   bool
}

// Open returns a Store for cfg.Path. It does not touch the state file, but
// it loads the state schema so a broken registry fails here rather than on
// first use.
func Open(cfg Config) (*Store, error) {
	if cfg.Validator == nil {
		return nil, fmt.Errorf("%w: validator is required", ErrInvalidConfig)
	}

	path, err := statePath(cfg.Root, cfg.Path)
	if err != nil {
		return nil, err
	}

	if _, err := cfg.Validator.Schema(schema.StateID); err != nil {
		return nil, fmt.Errorf("loading state schema: %w", err)
	}

	fsys := cfg.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	timeout := cfg.LockTimeout
	if timeout == 0 {
		timeout = fs.DefaultLockTimeout
	}

	locker := cfg.Locker
	if locker == nil {
		locker = fs.NewDefaultLocker(fsys, timeout)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Store{
		path:                path,
		lockPath:            path + lockSuffix,
		validator:           cfg.Validator,
		fs:                  fsys,
		locker:              locker,
		writer:              fs.NewAtomicWriter(fsys),
		logger:              logger.With("path", path),
		metrics:             cfg.Metrics,
		degradeOnPermission: cfg.DegradeOnPermission,
		allowStaleRead:      cfg.AllowStaleRead,
		skipLockedReplace:   cfg.SkipLockedReplace,
	}, nil
}

func statePath(root, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: path is required", ErrInvalidConfig)
	}

	if root != "" {
		resolved, err := sandbox.Resolve(root, path)
		if err != nil {
			return "", fmt.Errorf("resolving state path: %w", err)
		}

		return resolved, nil
	}

	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: path %q is not absolute", ErrInvalidConfig, path)
	}

	return filepath.Clean(path), nil
}

// Path returns the resolved state file path.
func (s *Store) Path() string { return s.path }

// LockPath returns the sidecar lock file path.
func (s *Store) LockPath() string { return s.lockPath }

// Read returns the current record under a shared lock. A missing file yields
// the empty record.
func (s *Store) Read() (Record, error) {
	rec, err := s.read()
	s.metrics.observe(opRead, err)

	return rec, err
}

func (s *Store) read() (Record, error) {
	rec, err := s.readLocked()
	if err != nil && s.degradeOnPermission && errors.Is(err, os.ErrPermission) {
		s.logger.Warn("permission denied reading state, returning empty record",
			"leniency", LeniencyPermissionDegrade, "err", err)
		s.metrics.lenient(LeniencyPermissionDegrade)

		return Record{}, nil
	}

	return rec, err
}

func (s *Store) readLocked() (Record, error) {
	lk, err := s.acquireShared()

	switch {
	case err == nil:
		defer s.release(lk)
	case errors.Is(err, errNoState):
		return Record{}, nil
	case s.allowStaleRead && errors.Is(err, fs.ErrWriteConflict):
		s.logger.Warn("shared lock not granted, reading without lock",
			"leniency", LeniencyStaleRead, "err", err)
		s.metrics.lenient(LeniencyStaleRead)
	default:
		return Record{}, fmt.Errorf("acquiring shared lock: %w", err)
	}

	return s.load()
}

var errNoState = errors.New("no state file")

// acquireShared avoids creating the lock file (and its directory) when no
// state exists yet, so reading a missing state has no side effects.
func (s *Store) acquireShared() (*fs.Lock, error) {
	lk, err := s.locker.Acquire(s.lockPath, fs.LockOptions{Shared: true, NoCreate: true})
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return lk, err
	}

	exists, existsErr := s.fs.Exists(s.path)
	if existsErr != nil {
		return nil, existsErr
	}

	if !exists {
		return nil, errNoState
	}

	return s.locker.Acquire(s.lockPath, fs.LockOptions{Shared: true})
}

// load reads, validates and normalizes the state file. The caller holds the
// lock (or has chosen not to).
func (s *Store) load() (Record, error) {
	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, nil
		}

		return Record{}, fmt.Errorf("reading state: %w", err)
	}

	doc, err := parseDocument(data)
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", s.path, err)
	}

	if err := s.validator.Validate(schema.StateID, doc); err != nil {
		return Record{}, fmt.Errorf("%s: %w", s.path, err)
	}

	rec, mismatch, err := decodeRecord(data, doc)
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", s.path, err)
	}

	if mismatch {
		s.logger.Warn("top-level g disagrees with header.g, using header.g", "g", rec.global)
	}

	return rec, nil
}

// Write replaces the payload unconditionally and advances v and g by one.
// A legacy file is upgraded to the modern envelope. It returns the committed
// record.
func (s *Store) Write(payload map[string]any) (Record, error) {
	return s.write(opWrite, payload, nil)
}

// CompareAndWrite is [Store.Write] conditioned on the file still being at
// expectedVersion (-1 for no file or a legacy file). On mismatch it returns
// an error matching [ErrStaleState] and leaves the file untouched.
func (s *Store) CompareAndWrite(payload map[string]any, expectedVersion int64) (Record, error) {
	return s.write(opWrite, payload, &expectedVersion)
}

func (s *Store) write(op string, payload map[string]any, expected *int64) (Record, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		s.metrics.observe(op, err)

		return Record{}, err
	}

	skipped := false

	rec, err := s.mutate(func(cur Record) (Record, error) {
		if expected != nil && *expected != cur.Version() {
			return Record{}, fmt.Errorf("%w: expected version %d, found %d", ErrStaleState, *expected, cur.Version())
		}

		return Record{
			shape:   ShapeModern,
			version: cur.Version() + 1,
			global:  cur.Global() + 1,
			payload: raw,
		}, nil
	}, func(err error) bool {
		if !s.skipLockedReplace || !isLockedReplace(err) {
			return false
		}

		s.logger.Warn("state replace blocked by another tool, skipping write",
			"leniency", LeniencyReplaceSkipped, "err", err)
		s.metrics.lenient(LeniencyReplaceSkipped)

		skipped = true

		return true
	})

	if skipped {
		s.metrics.skipped(op)

		return rec, nil
	}

	s.metrics.observe(op, err)

	return rec, err
}

// IncrementGlobalCounterAndWrite advances only the global counter in a
// single locked read-modify-write and returns the new value. The payload and
// header.v are preserved, and so is the envelope shape. A missing file is
// created as a modern record at v=0, g=0.
func (s *Store) IncrementGlobalCounterAndWrite() (int64, error) {
	rec, err := s.mutate(func(cur Record) (Record, error) {
		next := cur
		if cur.Shape() == ShapeNone {
			next.shape = ShapeModern
		} else {
			next.global = cur.global + 1
		}

		return next, nil
	}, nil)

	s.metrics.observe(opIncrement, err)

	if err != nil {
		return 0, err
	}

	return rec.Global(), nil
}

// SetField reads the record, sets payload[key] = value and writes it back
// conditioned on the version just read, so a concurrent writer makes it fail
// with [ErrStaleState] instead of being overwritten. Other payload fields are
// written back unchanged, numbers included.
func (s *Store) SetField(key string, value any) (Record, error) {
	rec, err := s.setField(key, value)
	s.metrics.observe(opSetField, err)

	return rec, err
}

func (s *Store) setField(key string, value any) (Record, error) {
	if key == "" {
		return Record{}, fmt.Errorf("%w: empty field key", ErrInvalidConfig)
	}

	rec, err := s.read()
	if err != nil {
		return Record{}, err
	}

	payload := rec.Payload()
	payload[key] = value

	return s.CompareAndWrite(payload, rec.Version())
}

// mutate runs one locked transition. next computes the new record from the
// current one. skip, when non-nil, may swallow a write error; the record
// still on disk is returned then.
func (s *Store) mutate(next func(cur Record) (Record, error), skip func(error) bool) (Record, error) {
	if err := s.fs.MkdirAll(filepath.Dir(s.path), stateDirPerm); err != nil {
		return Record{}, fmt.Errorf("creating state dir: %w", err)
	}

	lk, err := s.locker.Acquire(s.lockPath, fs.LockOptions{})
	if err != nil {
		return Record{}, fmt.Errorf("acquiring exclusive lock: %w", err)
	}

	defer s.release(lk)

	cur, err := s.load()
	if err != nil {
		return Record{}, err
	}

	rec, err := next(cur)
	if err != nil {
		return Record{}, err
	}

	data, err := encodeRecord(rec)
	if err != nil {
		return Record{}, err
	}

	if err := s.validator.Validate(schema.StateID, data); err != nil {
		return Record{}, fmt.Errorf("new state rejected: %w", err)
	}

	err = s.writer.Write(s.path, data, fs.AtomicWriteOptions{SyncDir: true, Perm: statePerm})
	if err == nil {
		return rec, nil
	}

	if skip != nil && skip(err) {
		return cur, nil
	}

	return Record{}, fmt.Errorf("writing state: %w", err)
}

func (s *Store) release(lk *fs.Lock) {
	if err := lk.Close(); err != nil {
		s.logger.Warn("releasing state lock", "lock", lk.Path(), "err", err)
	}
}

// isLockedReplace reports whether err is a failed rename onto a target that
// another tool holds busy or read-only.
func isLockedReplace(err error) bool {
	if !errors.Is(err, fs.ErrAtomicWriteRename) {
		return false
	}

	return errors.Is(err, syscall.EBUSY) || errors.Is(err, os.ErrPermission)
}

func encodePayload(payload map[string]any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(emptyPayload), nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding payload: %w", ErrInvalidConfig, err)
	}

	return raw, nil
}
