package statestore

import (
	"errors"
	"os"

	"github.com/calvinalkan/agent-state/pkg/fs"
	"github.com/calvinalkan/agent-state/pkg/sandbox"
	"github.com/calvinalkan/agent-state/pkg/schema"
)

var (
	// ErrStaleState is returned by [Store.CompareAndWrite] when the expected
	// version does not match the version on disk. The file is left untouched.
	ErrStaleState = errors.New("stale state")

	// ErrDecode indicates the state file exists but is not a JSON object of a
	// known envelope shape.
	ErrDecode = errors.New("state file unparseable")

	// ErrInvalidConfig indicates a [Config] or call argument the store cannot
	// work with.
	ErrInvalidConfig = errors.New("invalid state store config")
)

// Kind is the failure class of an error returned by this module.
type Kind int

const (
	KindInternal Kind = iota
	KindConfiguration
	KindNotFound
	KindDecode
	KindPermission
	KindSecurity
	KindConflict
	KindContract
)

var kindNames = map[Kind]string{
	KindInternal:      "internal",
	KindConfiguration: "configuration",
	KindNotFound:      "not_found",
	KindDecode:        "decode",
	KindPermission:    "permission",
	KindSecurity:      "security",
	KindConflict:      "conflict",
	KindContract:      "contract",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return "unknown"
}

// Classify maps err to its [Kind]. A nil error is [KindInternal]; callers
// should only classify failures.
//
// When an error chain matches several kinds (a rename failure caused by
// EACCES, say) the more specific class wins: security, then conflict,
// contract, decode, not found, permission and configuration.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, sandbox.ErrPathEscape), errors.Is(err, sandbox.ErrSymlinkLoop):
		return KindSecurity
	case errors.Is(err, fs.ErrWriteConflict), errors.Is(err, ErrStaleState):
		return KindConflict
	case errors.Is(err, schema.ErrSchemaInvalid), errors.Is(err, schema.ErrSchemaValidationFailed):
		return KindContract
	case errors.Is(err, ErrDecode):
		return KindDecode
	case errors.Is(err, schema.ErrSchemaNotFound), errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, os.ErrPermission):
		return KindPermission
	case errors.Is(err, ErrInvalidConfig), errors.Is(err, sandbox.ErrInvalidRoot),
		errors.Is(err, schema.ErrSchemaDirMissing):
		return KindConfiguration
	default:
		return KindInternal
	}
}
