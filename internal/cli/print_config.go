package cli

import (
	"context"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/agent-state/internal/config"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(a *app) *Command {
	flags := flag.NewFlagSet("print-config", flag.ContinueOnError)
	asJSON := flags.Bool("json", false, "Print the effective config as JSON")

	return &Command{
		Flags: flags,
		Usage: "print-config [--json]",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, io *IO, _ []string) error {
			if *asJSON {
				out, err := config.Format(a.cfg)
				if err != nil {
					return err
				}

				io.Println(out)

				return nil
			}

			return execPrintConfig(io, a.cfg)
		},
	}
}

func execPrintConfig(io *IO, cfg config.Config) error {
	io.Println("effective_cwd=" + cfg.WorkDir)
	io.Println("state_file=" + cfg.StateFileAbs)
	io.Println("schema_dir=" + cfg.SchemaDirAbs)
	io.Println("lock_timeout=" + cfg.LockTimeout.String())
	io.Println("degrade_on_permission=" + strconv.FormatBool(cfg.DegradeOnPermission))
	io.Println("allow_stale_read=" + strconv.FormatBool(cfg.AllowStaleRead))
	io.Println("log_level=" + cfg.LogLevel)

	if cfg.MetricsFileAbs != "" {
		io.Println("metrics_file=" + cfg.MetricsFileAbs)
	}

	io.Println("")
	io.Println("# sources")

	if cfg.Sources.Global == "" && cfg.Sources.Project == "" && cfg.Sources.Explicit == "" {
		io.Println("(defaults only)")

		return nil
	}

	if cfg.Sources.Global != "" {
		io.Println("global_config=" + cfg.Sources.Global)
	}

	if cfg.Sources.Project != "" {
		io.Println("project_config=" + cfg.Sources.Project)
	}

	if cfg.Sources.Explicit != "" {
		io.Println("explicit_config=" + cfg.Sources.Explicit)
	}

	return nil
}
