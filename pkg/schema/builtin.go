package schema

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	afs "github.com/calvinalkan/agent-state/pkg/fs"
)

// StateID is the id of the built-in state envelope schema.
const StateID = "state"

//go:embed builtin/*.schema.json
var builtinFS embed.FS

// Builtin returns the embedded definition for id, if one ships with this module.
func Builtin(id string) ([]byte, bool) {
	data, err := builtinFS.ReadFile("builtin/" + id + FileSuffix)
	if err != nil {
		return nil, false
	}

	return data, true
}

// BuiltinIDs returns the ids of all embedded schemas, sorted.
func BuiltinIDs() []string {
	entries, err := fs.ReadDir(builtinFS, "builtin")
	if err != nil {
		return nil
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, strings.TrimSuffix(e.Name(), FileSuffix))
	}

	sort.Strings(ids)

	return ids
}

// InstallBuiltin writes every embedded schema that is missing from dir, using
// atomic replace. Existing files are left alone. Returns the ids written.
func InstallBuiltin(fsys afs.FS, dir string) ([]string, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating schema dir: %w", err)
	}

	writer := afs.NewAtomicWriter(fsys)

	var written []string

	for _, id := range BuiltinIDs() {
		path := filepath.Join(dir, id+FileSuffix)

		exists, err := fsys.Exists(path)
		if err != nil {
			return written, fmt.Errorf("checking %s: %w", path, err)
		}

		if exists {
			continue
		}

		data, ok := Builtin(id)
		if !ok {
			return written, errors.New("builtin schema vanished: " + id)
		}

		if err := writer.WriteWithDefaults(path, data); err != nil {
			return written, fmt.Errorf("installing schema %q: %w", id, err)
		}

		written = append(written, id)
	}

	return written, nil
}
