package cli

import (
	"context"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/agent-state/pkg/fs"
	"github.com/calvinalkan/agent-state/pkg/schema"
)

// InitCmd returns the init command.
func InitCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("init", flag.ContinueOnError),
		Usage: "init",
		Short: "Install built-in schemas into the registry",
		Long: "Create the schema registry directory and install every built-in schema\n" +
			"that is missing from it. Existing schema files are left alone.",
		Exec: func(_ context.Context, io *IO, args []string) error {
			if len(args) > 0 {
				return usageErrorf("init takes no arguments")
			}

			return execInit(io, a)
		},
	}
}

func execInit(io *IO, a *app) error {
	written, err := schema.InstallBuiltin(fs.NewReal(), a.cfg.SchemaDirAbs)
	if err != nil {
		return err
	}

	if len(written) == 0 {
		io.Println("schemas up to date in " + a.cfg.SchemaDirAbs)

		return nil
	}

	for _, id := range written {
		io.Println("installed " + filepath.Join(a.cfg.SchemaDirAbs, id+schema.FileSuffix))
	}

	return nil
}
