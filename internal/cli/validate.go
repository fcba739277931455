package cli

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/agent-state/pkg/sandbox"
	"github.com/calvinalkan/agent-state/pkg/statestore"
)

// ValidateCmd returns the validate command.
func ValidateCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("validate", flag.ContinueOnError),
		Usage: "validate <schema-id> <file>",
		Short: "Check a JSON file against a registry schema",
		Long: "Validate <file> (JSON, comments allowed) against the schema <schema-id>\n" +
			"from the registry. Prints \"ok\" on success; a mismatch exits 5 and names\n" +
			"the offending field.",
		Exec: func(_ context.Context, io *IO, args []string) error {
			if len(args) != 2 {
				return usageErrorf("validate requires <schema-id> and <file>")
			}

			return execValidate(io, a, args[0], args[1])
		},
	}
}

func execValidate(io *IO, a *app, id, file string) error {
	path, err := sandbox.Resolve(a.cfg.WorkDir, file)
	if err != nil {
		return fmt.Errorf("record path: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading record: %w", err)
	}

	standard, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", statestore.ErrDecode, file, err)
	}

	v, err := a.validator()
	if err != nil {
		return err
	}

	if err := v.Validate(id, standard); err != nil {
		return err
	}

	io.Println("ok")

	return nil
}
