// Package cli implements statectl, a command-line front end for the state
// store.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/agent-state/internal/config"
	"github.com/calvinalkan/agent-state/internal/logging"
	"github.com/calvinalkan/agent-state/pkg/fs"
	"github.com/calvinalkan/agent-state/pkg/schema"
	"github.com/calvinalkan/agent-state/pkg/statestore"
)

// Exit codes.
const (
	ExitOK         = 0
	ExitInternal   = 1
	ExitUsage      = 2
	ExitSecurity   = 3
	ExitConflict   = 4
	ExitContract   = 5
	ExitNotFound   = 6
	ExitDecode     = 7
	ExitPermission = 8
)

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	if errors.Is(err, errUsage) || errors.Is(err, config.ErrInvalid) || errors.Is(err, config.ErrFileNotFound) {
		return ExitUsage
	}

	if errors.Is(err, errFieldNotFound) {
		return ExitNotFound
	}

	switch statestore.Classify(err) {
	case statestore.KindConfiguration:
		return ExitUsage
	case statestore.KindSecurity:
		return ExitSecurity
	case statestore.KindConflict:
		return ExitConflict
	case statestore.KindContract:
		return ExitContract
	case statestore.KindNotFound:
		return ExitNotFound
	case statestore.KindDecode:
		return ExitDecode
	case statestore.KindPermission:
		return ExitPermission
	default:
		return ExitInternal
	}
}

// Run is the main entry point. Returns exit code.
//
// args includes the program name. sigCh may be nil; a signal received on it
// cancels the command's context.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	o := NewIO(in, out, errOut)

	globals, err := parseGlobalFlags(args)
	if err != nil {
		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		printUsage(NewIO(nil, errOut, errOut), globals.fs)

		return ExitUsage
	}

	if globals.help || len(globals.remaining) == 0 {
		printUsage(o, globals.fs)

		return ExitOK
	}

	workDir, err := resolveWorkDir(globals.workDir)
	if err != nil {
		o.ErrPrintln("error:", err)

		return ExitUsage
	}

	cfg, err := config.Load(workDir, globals.configPath, globals.overrides(), env)
	if err != nil {
		o.ErrPrintln("error:", err)

		return ExitCode(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	a := &app{cfg: cfg, logger: logging.New(cfg.Level(), errOut)}

	if cfg.MetricsFileAbs != "" {
		a.registry = prometheus.NewRegistry()

		a.metrics, err = statestore.NewMetrics(a.registry)
		if err != nil {
			o.ErrPrintln("error:", err)

			return ExitInternal
		}
	}

	name := globals.remaining[0]

	for _, cmd := range a.commands() {
		if cmd.Name() == name {
			return a.writeMetrics(o, cmd.Run(ctx, o, globals.remaining[1:]))
		}
	}

	o.ErrPrintln("error: unknown command:", name)
	printUsage(NewIO(nil, errOut, errOut), globals.fs)

	return ExitUsage
}

type globalFlags struct {
	fs *flag.FlagSet

	workDir    string
	configPath string
	help       bool

	stateFile           string
	schemaDir           string
	lockTimeout         time.Duration
	degradeOnPermission bool
	allowStaleRead      bool
	logLevel            string
	metricsFile         string

	remaining []string
}

func parseGlobalFlags(args []string) (globalFlags, error) {
	var g globalFlags

	g.fs = flag.NewFlagSet("statectl", flag.ContinueOnError)
	g.fs.SetInterspersed(false)
	g.fs.SetOutput(&strings.Builder{})

	g.fs.StringVarP(&g.workDir, "cwd", "C", "", "Run as if started in `dir`")
	g.fs.StringVarP(&g.configPath, "config", "c", "", "Use specified config `file`")
	g.fs.BoolVarP(&g.help, "help", "h", false, "Show help")
	g.fs.StringVar(&g.stateFile, "state-file", "", "State file `path` (relative to the work dir)")
	g.fs.StringVar(&g.schemaDir, "schema-dir", "", "Schema registry `dir` (relative to the work dir)")
	g.fs.DurationVar(&g.lockTimeout, "lock-timeout", 0, "Bound on lock acquisition; 0 tries once")
	g.fs.BoolVar(&g.degradeOnPermission, "degrade-on-permission", false, "Read an empty record when the state file is not readable")
	g.fs.BoolVar(&g.allowStaleRead, "allow-stale-read", false, "Read without a lock when a writer holds it")
	g.fs.StringVar(&g.logLevel, "log-level", "", "Log `level`: debug, info, warn, error")
	g.fs.StringVar(&g.metricsFile, "metrics-file", "", "Write store metrics in Prometheus text format to `path` after the command")

	if len(args) > 0 {
		args = args[1:]
	}

	if err := g.fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			g.help = true

			return g, nil
		}

		return g, err
	}

	g.remaining = g.fs.Args()

	return g, nil
}

func (g globalFlags) overrides() config.Overrides {
	var o config.Overrides

	if g.fs.Changed("state-file") {
		o.StateFile = &g.stateFile
	}

	if g.fs.Changed("schema-dir") {
		o.SchemaDir = &g.schemaDir
	}

	if g.fs.Changed("lock-timeout") {
		o.LockTimeout = &g.lockTimeout
	}

	if g.fs.Changed("degrade-on-permission") {
		o.DegradeOnPermission = &g.degradeOnPermission
	}

	if g.fs.Changed("allow-stale-read") {
		o.AllowStaleRead = &g.allowStaleRead
	}

	if g.fs.Changed("log-level") {
		o.LogLevel = &g.logLevel
	}

	if g.fs.Changed("metrics-file") {
		o.MetricsFile = &g.metricsFile
	}

	return o
}

func resolveWorkDir(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("cannot get working directory: %w", err)
		}

		return wd, nil
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving --cwd: %w", err)
	}

	return abs, nil
}

// app carries what commands share: the effective config, the logger and,
// with a metrics file configured, the store metrics.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *statestore.Metrics
}

func (a *app) commands() []*Command {
	return []*Command{
		InitCmd(a),
		ReadCmd(a),
		WriteCmd(a),
		SetCmd(a),
		NextIDCmd(a),
		ExportCmd(a),
		ValidateCmd(a),
		PrintConfigCmd(a),
	}
}

func (a *app) locker() fs.Locker {
	return fs.NewDefaultLocker(fs.NewReal(), a.cfg.LockTimeout)
}

func (a *app) validator() (*schema.Validator, error) {
	v, err := schema.NewValidator(a.cfg.SchemaDirAbs, schema.Options{Logger: a.logger})
	if err != nil {
		if errors.Is(err, schema.ErrSchemaDirMissing) {
			return nil, fmt.Errorf("%w (run 'statectl init' to create it)", err)
		}

		return nil, err
	}

	return v, nil
}

func (a *app) store() (*statestore.Store, error) {
	v, err := a.validator()
	if err != nil {
		return nil, err
	}

	return statestore.Open(statestore.Config{
		Path:                a.cfg.StateFileAbs,
		Validator:           v,
		Locker:              a.locker(),
		DegradeOnPermission: a.cfg.DegradeOnPermission,
		AllowStaleRead:      a.cfg.AllowStaleRead,
		Logger:              a.logger,
		Metrics:             a.metrics,
	})
}

// writeMetrics replaces the metrics file with the counters of this run and
// returns the exit code to use. The file is written even when the command
// failed.
func (a *app) writeMetrics(o *IO, code int) int {
	if a.registry == nil {
		return code
	}

	err := os.MkdirAll(filepath.Dir(a.cfg.MetricsFileAbs), 0o755)
	if err == nil {
		err = prometheus.WriteToTextfile(a.cfg.MetricsFileAbs, a.registry)
	}

	if err != nil {
		o.ErrPrintln("error: writing metrics:", err)

		if code == ExitOK {
			return ExitInternal
		}
	}

	return code
}

func printUsage(o *IO, globals *flag.FlagSet) {
	o.Println("statectl - crash-safe versioned state files")
	o.Println()
	o.Println("Usage: statectl [flags] <command> [args]")
	o.Println()
	o.Println("Commands:")

	for _, cmd := range (&app{}).commands() {
		o.Println(cmd.HelpLine())
	}

	if globals != nil {
		o.Println()
		o.Println("Flags:")

		var buf strings.Builder
		globals.SetOutput(&buf)
		globals.PrintDefaults()
		o.Printf("%s", buf.String())
	}

	o.Println()
	o.Println("Run 'statectl <command> --help' for more information on a command.")
}
