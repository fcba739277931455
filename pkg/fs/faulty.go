package fs

import (
	"errors"
	"os"
	"sync"
)

// Op names an [FS] or [File] operation that [Faulty] can intercept.
type Op string

// Operations [Faulty] can fail or count.
const (
	OpOpen     Op = "open"
	OpOpenFile Op = "openfile"
	OpReadFile Op = "readfile"
	OpReadDir  Op = "readdir"
	OpMkdirAll Op = "mkdirall"
	OpStat     Op = "stat"
	OpRemove   Op = "remove"
	OpRename   Op = "rename"
	OpWrite    Op = "write"
	OpSync     Op = "sync"
)

// InjectedError marks an error as intentionally injected by [Faulty].
//
// It wraps the configured error so errors.Is/As keep working, for example
// errors.Is(err, os.ErrPermission) for an injected EACCES *os.PathError.
type InjectedError struct {
	Op  Op
	Err error
}

func (e *InjectedError) Error() string {
	return "injected " + string(e.Op) + ": " + e.Err.Error()
}

func (e *InjectedError) Unwrap() error {
	return e.Err
}

// IsInjected reports whether err (or any wrapped error) was injected by [Faulty].
func IsInjected(err error) bool {
	var injected *InjectedError

	return errors.As(err, &injected)
}

// Faulty wraps an [FS] and fails selected operations on demand.
//
// Unlike a random fault injector, Faulty is deterministic: an operation fails
// every time until the fault is cleared with Fail(op, nil). Every call is
// counted, failed or not, so tests can assert how often the filesystem was hit.
//
// Faulty is safe for concurrent use.
type Faulty struct {
	fs FS

	mu     sync.Mutex
	faults map[Op]error
	match  map[Op]func(path string) bool
	calls  map[Op]int
}

// NewFaulty wraps underlying. Panics if underlying is nil.
func NewFaulty(underlying FS) *Faulty {
	if underlying == nil {
		panic("underlying fs is nil")
	}

	return &Faulty{
		fs:     underlying,
		faults: make(map[Op]error),
		match:  make(map[Op]func(string) bool),
		calls:  make(map[Op]int),
	}
}

// Fail makes every subsequent op fail with err. A nil err clears the fault.
func (f *Faulty) Fail(op Op, err error) {
	f.FailIf(op, nil, err)
}

// FailIf is like [Faulty.Fail] but only fails calls whose path satisfies match.
// For [OpRename] the new path is matched. A nil match fails every call.
func (f *Faulty) FailIf(op Op, match func(path string) bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err == nil {
		delete(f.faults, op)
		delete(f.match, op)

		return
	}

	f.faults[op] = err
	f.match[op] = match
}

// Calls returns how many times op was invoked.
func (f *Faulty) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[op]
}

func (f *Faulty) check(op Op, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[op]++

	err, ok := f.faults[op]
	if !ok {
		return nil
	}

	if m := f.match[op]; m != nil && !m(path) {
		return nil
	}

	return &InjectedError{Op: op, Err: err}
}

func (f *Faulty) Open(path string) (File, error) {
	if err := f.check(OpOpen, path); err != nil {
		return nil, err
	}

	file, err := f.fs.Open(path)
	if err != nil {
		return nil, err
	}

	return &faultyFile{File: file, owner: f, path: path}, nil
}

func (f *Faulty) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := f.check(OpOpenFile, path); err != nil {
		return nil, err
	}

	file, err := f.fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &faultyFile{File: file, owner: f, path: path}, nil
}

func (f *Faulty) ReadFile(path string) ([]byte, error) {
	if err := f.check(OpReadFile, path); err != nil {
		return nil, err
	}

	return f.fs.ReadFile(path)
}

func (f *Faulty) ReadDir(path string) ([]os.DirEntry, error) {
	if err := f.check(OpReadDir, path); err != nil {
		return nil, err
	}

	return f.fs.ReadDir(path)
}

func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	if err := f.check(OpMkdirAll, path); err != nil {
		return err
	}

	return f.fs.MkdirAll(path, perm)
}

func (f *Faulty) Stat(path string) (os.FileInfo, error) {
	if err := f.check(OpStat, path); err != nil {
		return nil, err
	}

	return f.fs.Stat(path)
}

func (f *Faulty) Exists(path string) (bool, error) {
	if err := f.check(OpStat, path); err != nil {
		return false, err
	}

	return f.fs.Exists(path)
}

func (f *Faulty) Remove(path string) error {
	if err := f.check(OpRemove, path); err != nil {
		return err
	}

	return f.fs.Remove(path)
}

func (f *Faulty) Rename(oldpath, newpath string) error {
	if err := f.check(OpRename, newpath); err != nil {
		return err
	}

	return f.fs.Rename(oldpath, newpath)
}

// faultyFile forwards to the wrapped file, failing Write/Sync when configured.
type faultyFile struct {
	File

	owner *Faulty
	path  string
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if err := ff.owner.check(OpWrite, ff.path); err != nil {
		return 0, err
	}

	return ff.File.Write(p)
}

func (ff *faultyFile) Sync() error {
	if err := ff.owner.check(OpSync, ff.path); err != nil {
		return err
	}

	return ff.File.Sync()
}

// Compile-time interface check.
var _ FS = (*Faulty)(nil)
