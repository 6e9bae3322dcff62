package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, DefaultConfigName)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoader_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := NewLoader().WithProjectDir(dir).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Mode != ModeDevelopment {
		t.Errorf("Mode = %q, want %q", cfg.Mode, ModeDevelopment)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Build.ResourcesDir != "resources" {
		t.Errorf("Build.ResourcesDir = %q, want %q", cfg.Build.ResourcesDir, "resources")
	}
	if len(cfg.Build.Patterns) != 2 || cfg.Build.Patterns[0] != "*.ts" {
		t.Errorf("Build.Patterns = %v, want [*.ts *.js]", cfg.Build.Patterns)
	}
	if cfg.Runtime.Command != "node" {
		t.Errorf("Runtime.Command = %q, want %q", cfg.Runtime.Command, "node")
	}
	if cfg.Runtime.RequestTimeout != "60s" {
		t.Errorf("Runtime.RequestTimeout = %q, want %q", cfg.Runtime.RequestTimeout, "60s")
	}
	if cfg.Runtime.Restart.MaxAttempts != 5 {
		t.Errorf("Runtime.Restart.MaxAttempts = %d, want 5", cfg.Runtime.Restart.MaxAttempts)
	}
	if cfg.Server.Addr != "127.0.0.1:3050" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}

	abs, _ := filepath.Abs(dir)
	if cfg.Project.Root != abs {
		t.Errorf("Project.Root = %q, want %q", cfg.Project.Root, abs)
	}
	if cfg.Project.ID != filepath.Base(abs) {
		t.Errorf("Project.ID = %q, want %q", cfg.Project.ID, filepath.Base(abs))
	}
	if err := ValidateConfig(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoader_ProjectFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
mode: production
project:
  id: shop
build:
  resources_dir: functions
datasources:
  reports:
    type: sqlite
    dsn: data/reports.db
`)

	loader := NewLoader().WithProjectDir(dir)
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.IsDevelopment() {
		t.Error("expected production mode")
	}
	if cfg.Project.ID != "shop" {
		t.Errorf("Project.ID = %q, want shop", cfg.Project.ID)
	}
	if cfg.Build.ResourcesDir != "functions" {
		t.Errorf("Build.ResourcesDir = %q", cfg.Build.ResourcesDir)
	}
	ds, ok := cfg.DataSources["reports"]
	if !ok || ds.Type != DataSourceSQLite {
		t.Errorf("DataSources = %+v", cfg.DataSources)
	}
	if loader.ConfigFile() == "" {
		t.Error("ConfigFile() should report the file used")
	}
	if got := cfg.ResolvePath(ds.DSN); got != filepath.Join(cfg.Project.Root, "data/reports.db") {
		t.Errorf("ResolvePath = %q", got)
	}
}

func TestLoader_EnvOverride(t *testing.T) {
	t.Setenv("FNHOST_MODE", "production")
	t.Setenv("FNHOST_RUNTIME_REQUEST_TIMEOUT", "5s")

	cfg, err := NewLoader().WithProjectDir(t.TempDir()).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mode != ModeProduction {
		t.Errorf("Mode = %q, want production", cfg.Mode)
	}
	if cfg.Runtime.RequestTimeout != "5s" {
		t.Errorf("Runtime.RequestTimeout = %q, want 5s", cfg.Runtime.RequestTimeout)
	}
}

func TestLoader_EnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "log:\n  level: warn\n")
	t.Setenv("FNHOST_LOG_LEVEL", "debug")

	cfg, err := NewLoader().WithProjectDir(dir).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoader_InvalidConfigFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "mode: [unterminated\n")

	if _, err := NewLoader().WithProjectDir(dir).Load(); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestLoader_ExplicitMissingFile(t *testing.T) {
	_, err := NewLoader().WithConfigFile(filepath.Join(t.TempDir(), "nope.yaml")).Load()
	if err == nil {
		t.Error("expected error for explicit missing config file")
	}
}

func TestLoader_RelativeRootFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "project:\n  root: app\n")

	cfg, err := NewLoader().WithConfigFile(path).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want, _ := filepath.Abs(filepath.Join(dir, "app"))
	if cfg.Project.Root != want {
		t.Errorf("Project.Root = %q, want %q", cfg.Project.Root, want)
	}
	if cfg.Project.ID != "app" {
		t.Errorf("Project.ID = %q, want app", cfg.Project.ID)
	}
}

func TestLoader_WithEnvPrefix(t *testing.T) {
	t.Setenv("CUSTOM_LOG_LEVEL", "error")

	cfg, err := NewLoader().WithEnvPrefix("CUSTOM").WithProjectDir(t.TempDir()).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("Log.Level = %q, want error", cfg.Log.Level)
	}
}

func TestDefaultConfigYAML_Loads(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, DefaultConfigYAML)
	if !Exists(dir) {
		t.Fatal("Exists() = false after writing config")
	}

	cfg, err := NewLoader().WithProjectDir(dir).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := ValidateConfig(cfg); err != nil {
		t.Errorf("default YAML should validate: %v", err)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "3s"},
		{"bogus", "3s"},
		{"-1s", "3s"},
		{"250ms", "250ms"},
	}
	for _, tt := range tests {
		if got := ParseDuration(tt.in, 3e9).String(); got != tt.want {
			t.Errorf("ParseDuration(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultConfigName)
	if err := AtomicWrite(path, []byte("mode: production\n")); err != nil {
		t.Fatalf("AtomicWrite() error = %v", err)
	}
	if err := AtomicWrite(path, []byte("mode: development\n")); err != nil {
		t.Fatalf("AtomicWrite() overwrite error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "mode: development\n" {
		t.Errorf("content = %q", data)
	}
}
