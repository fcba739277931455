package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/agent-state/internal/config"
	"github.com/calvinalkan/agent-state/pkg/sandbox"
)

func workDir(t *testing.T) string {
	t.Helper()

	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}

	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func ptr[T any](v T) *T { return &v }

func Test_Load_Returns_Defaults_When_No_Files(t *testing.T) {
	t.Parallel()

	dir := workDir(t)

	cfg, err := config.Load(dir, "", config.Overrides{}, map[string]string{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := config.Default()
	want.WorkDir = dir
	want.StateFileAbs = filepath.Join(dir, ".state", "state.json")
	want.SchemaDirAbs = filepath.Join(dir, ".state", "schemas")

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}
}

func Test_Load_Applies_Layers_In_Precedence_Order(t *testing.T) {
	t.Parallel()

	dir := workDir(t)
	xdg := filepath.Join(dir, "xdg")

	writeFile(t, filepath.Join(xdg, "statectl", "config.json"), `{
		// global
		"state_file": "global.json",
		"schema_dir": "global-schemas",
		"lock_timeout": "2s",
		"log_level": "info",
	}`)
	writeFile(t, filepath.Join(dir, config.FileName), `{"state_file": "project.json", "allow_stale_read": true}`)
	writeFile(t, filepath.Join(dir, "explicit.json"), `{"state_file": "explicit.json", "degrade_on_permission": true}`)

	overrides := config.Overrides{
		StateFile:   ptr("flag.json"),
		LockTimeout: ptr(250 * time.Millisecond),
	}

	cfg, err := config.Load(dir, "explicit.json", overrides, map[string]string{"XDG_CONFIG_HOME": xdg})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := config.Config{
		StateFile:           "flag.json",
		SchemaDir:           "global-schemas",
		LockTimeout:         250 * time.Millisecond,
		DegradeOnPermission: true,
		AllowStaleRead:      true,
		LogLevel:            "info",
		WorkDir:             dir,
		StateFileAbs:        filepath.Join(dir, "flag.json"),
		SchemaDirAbs:        filepath.Join(dir, "global-schemas"),
		Sources: config.Sources{
			Global:   filepath.Join(xdg, "statectl", "config.json"),
			Project:  filepath.Join(dir, config.FileName),
			Explicit: filepath.Join(dir, "explicit.json"),
		},
	}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}
}

func Test_Load_Falls_Back_To_Home_For_Global_Config(t *testing.T) {
	t.Parallel()

	dir := workDir(t)
	home := filepath.Join(dir, "home")
	writeFile(t, filepath.Join(home, ".config", "statectl", "config.json"), `{"log_level": "debug"}`)

	cfg, err := config.Load(dir, "", config.Overrides{}, map[string]string{"HOME": home})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "debug" || cfg.Sources.Global == "" {
		t.Fatalf("log_level=%q global=%q, want debug from home config", cfg.LogLevel, cfg.Sources.Global)
	}
}

func Test_Load_Rejects_Invalid_Config(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "unknown key", content: `{"state_dir": "x"}`, want: "unknown field"},
		{name: "bad jsonc", content: `{"state_file": `, want: "invalid JSONC"},
		{name: "wrong type", content: `{"allow_stale_read": "yes"}`, want: "invalid JSON"},
		{name: "bad duration", content: `{"lock_timeout": "soon"}`, want: "lock_timeout"},
		{name: "negative duration", content: `{"lock_timeout": "-1s"}`, want: "negative"},
		{name: "empty state file", content: `{"state_file": ""}`, want: "state_file cannot be empty"},
		{name: "empty schema dir", content: `{"schema_dir": ""}`, want: "schema_dir cannot be empty"},
		{name: "bad log level", content: `{"log_level": "loud"}`, want: "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := workDir(t)
			writeFile(t, filepath.Join(dir, config.FileName), tt.content)

			_, err := config.Load(dir, "", config.Overrides{}, map[string]string{})
			if !errors.Is(err, config.ErrInvalid) {
				t.Fatalf("err=%v, want %v", err, config.ErrInvalid)
			}

			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%q, want to contain %q", err, tt.want)
			}
		})
	}
}

func Test_Load_Requires_Explicit_Config_To_Exist(t *testing.T) {
	t.Parallel()

	_, err := config.Load(workDir(t), "missing.json", config.Overrides{}, map[string]string{})
	if !errors.Is(err, config.ErrFileNotFound) {
		t.Fatalf("err=%v, want %v", err, config.ErrFileNotFound)
	}
}

func Test_Load_Keeps_Relative_Paths_Inside_Work_Dir(t *testing.T) {
	t.Parallel()

	dir := workDir(t)

	_, err := config.Load(dir, "", config.Overrides{StateFile: ptr("../outside.json")}, map[string]string{})
	if !errors.Is(err, sandbox.ErrPathEscape) {
		t.Fatalf("err=%v, want %v", err, sandbox.ErrPathEscape)
	}

	abs := filepath.Join(t.TempDir(), "elsewhere", "state.json")

	cfg, err := config.Load(dir, "", config.Overrides{StateFile: ptr(abs)}, map[string]string{})
	if err != nil {
		t.Fatalf("Load(absolute): %v", err)
	}

	if cfg.StateFileAbs != abs {
		t.Fatalf("StateFileAbs=%q, want %q", cfg.StateFileAbs, abs)
	}
}

func Test_Format_Renders_Snake_Case_Keys(t *testing.T) {
	t.Parallel()

	out, err := config.Format(config.Default())
	if err != nil {
		t.Fatalf("Format: %v", err)
	}

	for _, key := range []string{`"state_file"`, `"schema_dir"`, `"lock_timeout": "5s"`, `"log_level": "warn"`} {
		if !strings.Contains(out, key) {
			t.Fatalf("Format output missing %s:\n%s", key, out)
		}
	}

	if strings.Contains(out, "WorkDir") || strings.Contains(out, "Sources") {
		t.Fatalf("Format output leaks resolved fields:\n%s", out)
	}
}
