// Package schema loads structural contracts from a registry directory and
// validates in-memory records against them.
//
// A registry is a directory holding one file per schema id, named
// "<id>.schema.json". Files may contain comments and trailing commas (JSONC).
// The dialect is the OpenAPI 3 schema object, compiled and checked with
// github.com/getkin/kin-openapi.
//
// Each [Validator] owns its cache: a schema is read and compiled at most once
// per Validator and kept for the Validator's lifetime. There is no reload.
package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/agent-state/pkg/fs"
)

// FileSuffix is appended to a schema id to form its registry file name.
const FileSuffix = ".schema.json"

var (
	// ErrSchemaDirMissing indicates the registry directory does not exist or is
	// not a directory.
	ErrSchemaDirMissing = errors.New("schema directory missing")

	// ErrSchemaNotFound indicates no definition exists for a schema id.
	ErrSchemaNotFound = errors.New("schema not found")

	// ErrSchemaInvalid indicates a schema definition is itself malformed.
	ErrSchemaInvalid = errors.New("schema invalid")

	// ErrSchemaValidationFailed indicates a record does not conform to its
	// schema. The concrete error is a *[ValidationError].
	ErrSchemaValidationFailed = errors.New("schema validation failed")
)

// ValidationError reports the first place a record violates its schema.
type ValidationError struct {
	SchemaID string

	// Path is a JSON pointer to the offending field ("" for the root,
	// "/header/v" for a nested field).
	Path string

	Message string
}

func (e *ValidationError) Error() string {
	path := e.Path
	if path == "" {
		path = "/"
	}

	return fmt.Sprintf("%s: %s at %s: %s", ErrSchemaValidationFailed, e.SchemaID, path, e.Message)
}

// Is makes errors.Is(err, ErrSchemaValidationFailed) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrSchemaValidationFailed
}

// Options configures a [Validator].
type Options struct {
	// FS is used to read schema files. Default: [fs.NewReal].
	FS fs.FS

	// Logger receives debug events for schema loads. Default: discard.
	Logger *slog.Logger
}

// Validator resolves schema ids to compiled schemas and validates records.
//
// Validator is safe for concurrent use. Concurrent first use of the same id
// still loads it once.
type Validator struct {
	dir    string
	fs     fs.FS
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*openapi3.Schema
}

// NewValidator returns a Validator over the registry in dir.
//
// Returns an error matching [ErrSchemaDirMissing] if dir is not an existing
// directory.
func NewValidator(dir string, opts Options) (*Validator, error) {
	fsys := opts.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if dir == "" {
		return nil, fmt.Errorf("%w: no directory configured", ErrSchemaDirMissing)
	}

	info, err := fsys.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSchemaDirMissing, dir)
		}

		return nil, fmt.Errorf("stat schema dir: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrSchemaDirMissing, dir)
	}

	return &Validator{
		dir:    dir,
		fs:     fsys,
		logger: logger,
		cache:  make(map[string]*openapi3.Schema),
	}, nil
}

// Dir returns the registry directory.
func (v *Validator) Dir() string {
	return v.dir
}

// Validate checks record against the schema registered as id.
//
// record is either a decoded JSON value (map[string]any, []any, string,
// float64, bool, nil), raw JSON ([]byte or json.RawMessage), or any value
// encoding/json can marshal.
//
// Errors: [ErrSchemaNotFound], [ErrSchemaInvalid], or a *[ValidationError].
func (v *Validator) Validate(id string, record any) error {
	compiled, err := v.Schema(id)
	if err != nil {
		return err
	}

	value, err := jsonValue(record)
	if err != nil {
		return &ValidationError{SchemaID: id, Message: err.Error()}
	}

	err = compiled.VisitJSON(value)
	if err == nil {
		return nil
	}

	return validationError(id, err)
}

// Schema returns the compiled schema for id, loading it on first use.
func (v *Validator) Schema(id string) (*openapi3.Schema, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if compiled, ok := v.cache[id]; ok {
		return compiled, nil
	}

	compiled, err := v.load(id)
	if err != nil {
		return nil, err
	}

	v.cache[id] = compiled

	return compiled, nil
}

// Path returns the registry file path for id.
func (v *Validator) Path(id string) string {
	return filepath.Join(v.dir, id+FileSuffix)
}

func (v *Validator) load(id string) (*openapi3.Schema, error) {
	path := v.Path(id)

	data, err := v.fs.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q (looked for %s)", ErrSchemaNotFound, id, path)
		}

		return nil, fmt.Errorf("reading schema %q: %w", id, err)
	}

	compiled, err := Compile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	v.logger.Debug("schema loaded", "id", id, "path", path)

	return compiled, nil
}

// Compile parses and checks a schema definition. Malformed definitions return
// an error matching [ErrSchemaInvalid].
func Compile(data []byte) (*openapi3.Schema, error) {
	standard, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid JSONC: %w", ErrSchemaInvalid, err)
	}

	var compiled openapi3.Schema

	if err := json.Unmarshal(standard, &compiled); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSchemaInvalid, err)
	}

	if err := compiled.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSchemaInvalid, err)
	}

	return &compiled, nil
}

// checkID rejects ids that cannot map to a single file inside the registry.
func checkID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty schema id", ErrSchemaNotFound)
	}

	if strings.Contains(id, "..") || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: invalid schema id %q", ErrSchemaNotFound, id)
	}

	for _, c := range id {
		ok := ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') ||
			c == '-' || c == '_' || c == '.'
		if !ok {
			return fmt.Errorf("%w: invalid schema id %q", ErrSchemaNotFound, id)
		}
	}

	return nil
}

func jsonValue(record any) (any, error) {
	switch r := record.(type) {
	case nil, bool, float64, string, map[string]any, []any:
		return r, nil
	case json.RawMessage:
		return decodeJSON(r)
	case []byte:
		return decodeJSON(r)
	default:
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encoding record: %w", err)
		}

		return decodeJSON(data)
	}
}

func decodeJSON(data []byte) (any, error) {
	var value any

	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}

	return value, nil
}

func validationError(id string, err error) error {
	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		var path string
		if ptr := schemaErr.JSONPointer(); len(ptr) > 0 {
			path = "/" + strings.Join(ptr, "/")
		}

		msg := schemaErr.Reason
		if msg == "" {
			msg = schemaErr.Error()
		}

		return &ValidationError{SchemaID: id, Path: path, Message: msg}
	}

	return &ValidationError{SchemaID: id, Message: err.Error()}
}
