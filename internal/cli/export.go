package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/agent-state/pkg/fs"
	"github.com/calvinalkan/agent-state/pkg/sandbox"
	"github.com/calvinalkan/agent-state/pkg/statestore"
)

// RegistryFileName is the shared export registry kept next to the state file.
const RegistryFileName = "exports.json"

// ExportCmd returns the export command.
func ExportCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("export", flag.ContinueOnError),
		Usage: "export <out>",
		Short: "Write a point-in-time state report",
		Long: "Write a JSON report of the current state to <out>, which must stay inside\n" +
			"the work dir, and record the export in the shared registry \"" + RegistryFileName + "\"\n" +
			"next to the state file. The registry is updated under an exclusive lock.",
		Exec: func(_ context.Context, io *IO, args []string) error {
			if len(args) != 1 {
				return usageErrorf("export requires an output path")
			}

			return execExport(io, a, args[0], time.Now().UTC())
		},
	}
}

type exportReport struct {
	ID         string     `json:"id"`
	ExportedAt string     `json:"exported_at"`
	StateFile  string     `json:"state_file"`
	Record     recordView `json:"record"`
}

type registryEntry struct {
	ID         string `json:"id"`
	Path       string `json:"path"`
	Version    int64  `json:"version"`
	Global     int64  `json:"global"`
	ExportedAt string `json:"exported_at"`
}

type registry struct {
	Exports []registryEntry `json:"exports"`
}

func execExport(io *IO, a *app, out string, now time.Time) error {
	outPath, err := sandbox.Resolve(a.cfg.WorkDir, out)
	if err != nil {
		return fmt.Errorf("export path: %w", err)
	}

	store, err := a.store()
	if err != nil {
		return err
	}

	registryPath := filepath.Join(filepath.Dir(store.Path()), RegistryFileName)

	if err := checkExportTarget(outPath, store, registryPath, a.cfg.SchemaDirAbs); err != nil {
		return err
	}

	rec, err := store.Read()
	if err != nil {
		return err
	}

	report := exportReport{
		ID:         uuid.NewString(),
		ExportedAt: now.Format(time.RFC3339),
		StateFile:  store.Path(),
		Record:     viewOf(rec),
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("formatting report: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("creating export dir: %w", err)
	}

	if err := atomic.WriteFile(outPath, bytes.NewReader(append(data, '\n'))); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	err = appendRegistry(a.locker(), registryPath, registryEntry{
		ID:         report.ID,
		Path:       outPath,
		Version:    rec.Version(),
		Global:     rec.Global(),
		ExportedAt: report.ExportedAt,
	})
	if err != nil {
		return err
	}

	io.Println("exported " + outPath + " id=" + report.ID)

	return nil
}

// checkExportTarget rejects export paths that would replace a file owned by
// the store: the state file, its lock, the registry and its lock, or anything
// in the schema registry.
func checkExportTarget(outPath string, store *statestore.Store, registryPath, schemaDir string) error {
	owned := []string{store.Path(), store.LockPath(), registryPath, registryPath + ".lock"}

	for _, p := range owned {
		if outPath == canonicalFile(p) || sameFile(outPath, p) {
			return usageErrorf("export path %s would overwrite %s", outPath, p)
		}
	}

	dir := schemaDir
	if resolved, err := filepath.EvalSymlinks(schemaDir); err == nil {
		dir = resolved
	}

	if rel, err := filepath.Rel(dir, outPath); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return usageErrorf("export path %s is inside the schema registry %s", outPath, schemaDir)
	}

	return nil
}

// canonicalFile resolves symlinks in the directory part of p, the way the
// sandbox resolves export paths.
func canonicalFile(p string) string {
	dir, err := filepath.EvalSymlinks(filepath.Dir(p))
	if err != nil {
		return filepath.Clean(p)
	}

	return filepath.Join(dir, filepath.Base(p))
}

func sameFile(a, b string) bool {
	ia, err := os.Stat(a)
	if err != nil {
		return false
	}

	ib, err := os.Stat(b)
	if err != nil {
		return false
	}

	return os.SameFile(ia, ib)
}

// appendRegistry adds entry to the registry at path under an exclusive lock
// on its sidecar lock file.
func appendRegistry(locker fs.Locker, path string, entry registryEntry) (err error) {
	fsys := fs.NewReal()

	lk, err := locker.Acquire(path+".lock", fs.LockOptions{})
	if err != nil {
		return fmt.Errorf("locking export registry: %w", err)
	}

	defer func() {
		if closeErr := lk.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("unlocking export registry: %w", closeErr))
		}
	}()

	var reg registry

	data, err := fsys.ReadFile(path)

	switch {
	case err == nil:
		if err := json.Unmarshal(data, &reg); err != nil {
			return fmt.Errorf("%w: export registry %s: %w", statestore.ErrDecode, path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("reading export registry: %w", err)
	}

	reg.Exports = append(reg.Exports, entry)

	data, err = json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("formatting export registry: %w", err)
	}

	if err := fs.NewAtomicWriter(fsys).WriteWithDefaults(path, append(data, '\n')); err != nil {
		return fmt.Errorf("writing export registry: %w", err)
	}

	return nil
}
