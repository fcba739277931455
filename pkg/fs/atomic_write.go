package fs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

var (
	// ErrAtomicWriteDirSync indicates the parent directory could not be synced after rename.
	//
	// When returned, the new content is in place but durability is not guaranteed.
	ErrAtomicWriteDirSync = errors.New("dir sync")

	// ErrAtomicWriteRename indicates the temp file could not be renamed over the
	// target. The target is unchanged and the temp file has been removed.
	ErrAtomicWriteRename = errors.New("atomic rename")
)

// AtomicWriter replaces file contents atomically using rename.
//
// Readers of the target path observe either the old content or the new
// content, never a partial write. On any failure the temp file is removed
// before the error is returned.
type AtomicWriter struct {
	fs FS
}

// NewAtomicWriter creates an AtomicWriter that uses the given filesystem.
// Panics if fs is nil.
func NewAtomicWriter(fs FS) *AtomicWriter {
	if fs == nil {
		panic("fs is nil")
	}

	return &AtomicWriter{fs: fs}
}

// AtomicWriteOptions configures Write behavior.
type AtomicWriteOptions struct {
	// SyncDir controls whether the parent directory is synced after rename.
	// Default: true.
	SyncDir bool

	// Perm specifies the file permissions. Must be non-zero.
	// The file is always explicitly chmod'd to this mode, regardless of umask.
	Perm os.FileMode
}

// Write writes data to path atomically and durably.
//
// It writes to a temp file in the same directory (rename is only atomic within
// one filesystem), syncs it, renames it over path, then syncs the parent
// directory if opts.SyncDir is true.
//
// A failed rename returns an error satisfying errors.Is(err, ErrAtomicWriteRename).
// A failed directory sync returns an error satisfying
// errors.Is(err, ErrAtomicWriteDirSync).
func (w *AtomicWriter) Write(path string, data []byte, opts AtomicWriteOptions) error {
	return w.WriteFrom(path, bytes.NewReader(data), opts)
}

// WriteFrom is like [AtomicWriter.Write] but streams the content from r.
func (w *AtomicWriter) WriteFrom(path string, r io.Reader, opts AtomicWriteOptions) error {
	if r == nil {
		panic("reader is nil")
	}

	if path == "" {
		return errors.New("path is empty")
	}

	if opts.Perm == 0 {
		return errors.New("opts.Perm must be non-zero")
	}

	dir, base := filepath.Split(path)
	if base == "" || base == string(os.PathSeparator) || base == "." {
		return fmt.Errorf("path is invalid: %q", path)
	}

	if dir == "" {
		dir = "."
	}

	dir = filepath.Clean(dir)

	tmpFile, tmpPath, err := createAtomicTempFile(w.fs, dir, base, opts.Perm)
	if err != nil {
		return err
	}

	cleanup := func() error {
		closeErr := closeTmpFile(tmpPath, tmpFile)
		removeErr := removeTempFile(w.fs, tmpPath)

		return errors.Join(closeErr, removeErr)
	}

	chmodErr := tmpFile.Chmod(opts.Perm)
	if chmodErr != nil {
		return errors.Join(
			fmt.Errorf("chmod temp file %q: %w", tmpPath, chmodErr),
			cleanup(),
		)
	}

	writeErr := writeAndSyncTempFile(tmpFile, tmpPath, r)
	if writeErr != nil {
		return errors.Join(writeErr, cleanup())
	}

	// Closed before rename: some platforms refuse to rename open files.
	closeErr := closeTmpFile(tmpPath, tmpFile)
	if closeErr != nil {
		return errors.Join(closeErr, removeTempFile(w.fs, tmpPath))
	}

	renameErr := w.fs.Rename(tmpPath, path)
	if renameErr != nil {
		return errors.Join(
			ErrAtomicWriteRename,
			fmt.Errorf("rename %q -> %q: %w", tmpPath, path, renameErr),
			removeTempFile(w.fs, tmpPath),
		)
	}

	if opts.SyncDir {
		return fsyncDir(w.fs, dir)
	}

	return nil
}

// WriteWithDefaults writes data atomically using default options.
func (w *AtomicWriter) WriteWithDefaults(path string, data []byte) error {
	return w.Write(path, data, w.DefaultOptions())
}

// DefaultOptions returns the default atomic write options.
func (*AtomicWriter) DefaultOptions() AtomicWriteOptions {
	return AtomicWriteOptions{
		SyncDir: true,
		Perm:    0o644,
	}
}

// IsAtomicTempFile reports whether name looks like a temp file created by
// [AtomicWriter] for some target in the same directory.
func IsAtomicTempFile(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, atomicTempMarker)
}

// IsAtomicTempPath is [IsAtomicTempFile] applied to the base name of path.
func IsAtomicTempPath(path string) bool {
	return IsAtomicTempFile(filepath.Base(path))
}

func writeAndSyncTempFile(file File, path string, r io.Reader) error {
	_, copyErr := io.Copy(file, r)
	if copyErr != nil {
		return fmt.Errorf("write temp file %q: %w", path, copyErr)
	}

	err := file.Sync()
	if err != nil {
		return fmt.Errorf("sync temp file %q: %w", path, err)
	}

	return nil
}

const (
	atomicWriteMaxAttempts = 10000
	atomicTempMarker       = ".tmp-"
)

var atomicWriteCounter atomic.Uint64

func createAtomicTempFile(fs FS, dir, base string, perm os.FileMode) (File, string, error) {
	pid := os.Getpid()

	for range atomicWriteMaxAttempts {
		seq := atomicWriteCounter.Add(1)
		path := filepath.Join(dir, fmt.Sprintf(".%s%s%d-%d", base, atomicTempMarker, pid, seq))

		file, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if err == nil {
			return file, path, nil
		}

		if os.IsExist(err) {
			continue
		}

		return nil, "", fmt.Errorf("create temp file: %w", err)
	}

	return nil, "", fmt.Errorf("exhausted temp file attempts in %q", dir)
}

func fsyncDir(fs FS, dirPath string) error {
	dirFd, err := fs.Open(dirPath)
	if err != nil {
		return errors.Join(ErrAtomicWriteDirSync, fmt.Errorf("open dir %q: %w", dirPath, err))
	}

	syncErr := dirFd.Sync()
	if syncErr == nil {
		return closeDir(dirPath, dirFd)
	}

	return errors.Join(
		ErrAtomicWriteDirSync,
		fmt.Errorf("%q: %w", dirPath, syncErr),
		closeDir(dirPath, dirFd),
	)
}

func closeDir(dir string, file File) error {
	err := file.Close()
	if err == nil {
		return nil
	}

	return fmt.Errorf("close dir %q: %w", dir, err)
}

// closeTmpFile closes file, ignoring "already closed" so cleanup can run after
// an explicit close.
func closeTmpFile(path string, file File) error {
	err := file.Close()
	if err == nil || errors.Is(err, os.ErrClosed) {
		return nil
	}

	return fmt.Errorf("close temp file %q: %w", path, err)
}

func removeTempFile(fs FS, path string) error {
	err := fs.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp file %q: %w", path, err)
	}

	return nil
}
