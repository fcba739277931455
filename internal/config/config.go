// Package config loads statectl configuration from layered JSONC files.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/agent-state/internal/logging"
	"github.com/calvinalkan/agent-state/pkg/fs"
	"github.com/calvinalkan/agent-state/pkg/sandbox"
)

// FileName is the project config file looked up in the work dir.
const FileName = ".statectl.json"

var (
	// ErrInvalid indicates a config file or override that cannot be used.
	ErrInvalid = errors.New("invalid config")

	// ErrFileNotFound indicates an explicit --config file does not exist.
	ErrFileNotFound = errors.New("config file not found")
)

// Config is the effective configuration.
type Config struct {
	StateFile           string        `json:"state_file"`
	SchemaDir           string        `json:"schema_dir"`
	LockTimeout         time.Duration `json:"-"`
	DegradeOnPermission bool          `json:"degrade_on_permission"`
	AllowStaleRead      bool          `json:"allow_stale_read"`
	LogLevel            string        `json:"log_level"`

	// MetricsFile, when set, receives the store counters in Prometheus text
	// format after every command.
	MetricsFile string `json:"metrics_file"`

	// Resolved absolute paths. StateFile and SchemaDir are resolved inside
	// WorkDir when relative.
	WorkDir      string `json:"-"`
	StateFileAbs string `json:"-"`
	SchemaDirAbs string `json:"-"`

	// MetricsFileAbs is empty when MetricsFile is.
	MetricsFileAbs string `json:"-"`

	Sources Sources `json:"-"`
}

// Sources records which config files were loaded.
type Sources struct {
	Global   string // empty if not loaded
	Project  string // empty if not loaded
	Explicit string // empty if no --config
}

// Overrides carries values set on the command line. Nil fields are unset.
type Overrides struct {
	StateFile           *string
	SchemaDir           *string
	LockTimeout         *time.Duration
	DegradeOnPermission *bool
	AllowStaleRead      *bool
	LogLevel            *string
	MetricsFile         *string
}

// fileConfig mirrors the on-disk keys. Pointers distinguish "absent" from
// zero values so layers merge correctly.
type fileConfig struct {
	StateFile           *string `json:"state_file"`
	SchemaDir           *string `json:"schema_dir"`
	LockTimeout         *string `json:"lock_timeout"`
	DegradeOnPermission *bool   `json:"degrade_on_permission"`
	AllowStaleRead      *bool   `json:"allow_stale_read"`
	LogLevel            *string `json:"log_level"`
	MetricsFile         *string `json:"metrics_file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		StateFile:   filepath.Join(".state", "state.json"),
		SchemaDir:   filepath.Join(".state", "schemas"),
		LockTimeout: fs.DefaultLockTimeout,
		LogLevel:    "warn",
	}
}

// Level returns the parsed log level. Load has already validated it.
func (c Config) Level() slog.Level {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelWarn
	}

	return level
}

// GlobalPath returns $XDG_CONFIG_HOME/statectl/config.json, falling back to
// $HOME/.config/statectl/config.json. Empty if neither is set.
func GlobalPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "statectl", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "statectl", "config.json")
	}

	return ""
}

// Load builds the effective config. Precedence, highest wins:
//  1. overrides (CLI flags)
//  2. explicit config file (configPath, must exist)
//  3. project config (.statectl.json in workDir, optional)
//  4. global config (see [GlobalPath], optional)
//  5. defaults
//
// workDir must be absolute.
func Load(workDir, configPath string, overrides Overrides, env map[string]string) (Config, error) {
	cfg := Default()
	cfg.WorkDir = workDir

	if path := GlobalPath(env); path != "" {
		loaded, err := loadLayer(&cfg, path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg.Sources.Global = path
		}
	}

	projectPath := filepath.Join(workDir, FileName)

	loaded, err := loadLayer(&cfg, projectPath, false)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg.Sources.Project = projectPath
	}

	if configPath != "" {
		explicit := configPath
		if !filepath.IsAbs(explicit) {
			explicit = filepath.Join(workDir, explicit)
		}

		if _, err := loadLayer(&cfg, explicit, true); err != nil {
			return Config{}, err
		}

		cfg.Sources.Explicit = explicit
	}

	applyOverrides(&cfg, overrides)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	if err := resolve(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadLayer reads path and merges it into cfg. Reports whether a file was
// loaded.
func loadLayer(cfg *Config, path string, mustExist bool) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if mustExist {
				return false, fmt.Errorf("%w: %s", ErrFileNotFound, path)
			}

			return false, nil
		}

		return false, fmt.Errorf("reading config %s: %w", path, err)
	}

	layer, err := parse(data)
	if err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrInvalid, path, err)
	}

	if err := merge(cfg, layer); err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrInvalid, path, err)
	}

	return true, nil
}

func parse(data []byte) (fileConfig, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	var layer fileConfig

	if err := dec.Decode(&layer); err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return layer, nil
}

func merge(cfg *Config, layer fileConfig) error {
	if layer.StateFile != nil {
		cfg.StateFile = *layer.StateFile
	}

	if layer.SchemaDir != nil {
		cfg.SchemaDir = *layer.SchemaDir
	}

	if layer.LockTimeout != nil {
		d, err := time.ParseDuration(*layer.LockTimeout)
		if err != nil {
			return fmt.Errorf("lock_timeout: %w", err)
		}

		cfg.LockTimeout = d
	}

	if layer.DegradeOnPermission != nil {
		cfg.DegradeOnPermission = *layer.DegradeOnPermission
	}

	if layer.AllowStaleRead != nil {
		cfg.AllowStaleRead = *layer.AllowStaleRead
	}

	if layer.LogLevel != nil {
		cfg.LogLevel = *layer.LogLevel
	}

	if layer.MetricsFile != nil {
		cfg.MetricsFile = *layer.MetricsFile
	}

	return nil
}

func applyOverrides(cfg *Config, o Overrides) {
	if o.StateFile != nil {
		cfg.StateFile = *o.StateFile
	}

	if o.SchemaDir != nil {
		cfg.SchemaDir = *o.SchemaDir
	}

	if o.LockTimeout != nil {
		cfg.LockTimeout = *o.LockTimeout
	}

	if o.DegradeOnPermission != nil {
		cfg.DegradeOnPermission = *o.DegradeOnPermission
	}

	if o.AllowStaleRead != nil {
		cfg.AllowStaleRead = *o.AllowStaleRead
	}

	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
	}

	if o.MetricsFile != nil {
		cfg.MetricsFile = *o.MetricsFile
	}
}

func validate(cfg Config) error {
	if cfg.StateFile == "" {
		return fmt.Errorf("%w: state_file cannot be empty", ErrInvalid)
	}

	if cfg.SchemaDir == "" {
		return fmt.Errorf("%w: schema_dir cannot be empty", ErrInvalid)
	}

	if cfg.LockTimeout < 0 {
		return fmt.Errorf("%w: lock_timeout cannot be negative", ErrInvalid)
	}

	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return nil
}

// resolve fills the absolute paths. Relative paths must stay inside the
// work dir; absolute paths are taken as given.
func resolve(cfg *Config) error {
	sb, err := sandbox.New(cfg.WorkDir)
	if err != nil {
		return fmt.Errorf("work dir: %w", err)
	}

	stateAbs, err := resolvePath(sb, cfg.StateFile)
	if err != nil {
		return fmt.Errorf("state_file: %w", err)
	}

	schemaAbs, err := resolvePath(sb, cfg.SchemaDir)
	if err != nil {
		return fmt.Errorf("schema_dir: %w", err)
	}

	cfg.StateFileAbs = stateAbs
	cfg.SchemaDirAbs = schemaAbs

	if cfg.MetricsFile != "" {
		metricsAbs, err := resolvePath(sb, cfg.MetricsFile)
		if err != nil {
			return fmt.Errorf("metrics_file: %w", err)
		}

		cfg.MetricsFileAbs = metricsAbs
	}

	return nil
}

func resolvePath(sb *sandbox.Sandbox, p string) (string, error) {
	if filepath.IsAbs(p) {
		return filepath.Clean(p), nil
	}

	return sb.Resolve(p)
}

// Format renders the effective config as indented JSON.
func Format(cfg Config) (string, error) {
	out := struct {
		Config

		LockTimeout string `json:"lock_timeout"`
	}{Config: cfg, LockTimeout: cfg.LockTimeout.String()}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("formatting config: %w", err)
	}

	return string(data), nil
}
