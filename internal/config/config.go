package config

import (
	"path/filepath"
	"strings"
	"time"
)

// Runtime modes.
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// Data source types.
const (
	DataSourceSQLite   = "sqlite"
	DataSourcePostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	Mode        string                      `mapstructure:"mode" yaml:"mode"`
	Log         LogConfig                   `mapstructure:"log" yaml:"log"`
	Project     ProjectConfig               `mapstructure:"project" yaml:"project"`
	Build       BuildConfig                 `mapstructure:"build" yaml:"build"`
	Runtime     RuntimeConfig               `mapstructure:"runtime" yaml:"runtime"`
	Server      ServerConfig                `mapstructure:"server" yaml:"server"`
	DataSources map[string]DataSourceConfig `mapstructure:"datasources" yaml:"datasources,omitempty"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
	// Redact lists extra regular expressions masked in log output.
	Redact []string `mapstructure:"redact" yaml:"redact,omitempty"`
}

// ProjectConfig locates the project on disk. Relative paths resolve against Root.
type ProjectConfig struct {
	ID       string `mapstructure:"id" yaml:"id"`
	Root     string `mapstructure:"root" yaml:"root"`
	EnvFile  string `mapstructure:"env_file" yaml:"env_file"`
	Document string `mapstructure:"document" yaml:"document"`
}

// BuildConfig configures the function build pipeline.
type BuildConfig struct {
	ResourcesDir string   `mapstructure:"resources_dir" yaml:"resources_dir"`
	Patterns     []string `mapstructure:"patterns" yaml:"patterns"`
	OutDir       string   `mapstructure:"out_dir" yaml:"out_dir"`
	Target       string   `mapstructure:"target" yaml:"target"`
	Sourcemap    bool     `mapstructure:"sourcemap" yaml:"sourcemap"`
	Debounce     string   `mapstructure:"debounce" yaml:"debounce"`
}

// RuntimeConfig configures the isolated function runtime process.
type RuntimeConfig struct {
	Command        string        `mapstructure:"command" yaml:"command"`
	Args           []string      `mapstructure:"args" yaml:"args,omitempty"`
	RequestTimeout string        `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownGrace  string        `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
	Restart        RestartConfig `mapstructure:"restart" yaml:"restart"`
}

// RestartConfig configures automatic restarts after a crash in development mode.
type RestartConfig struct {
	MaxAttempts    int    `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoff string `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     string `mapstructure:"max_backoff" yaml:"max_backoff"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr    string `mapstructure:"addr" yaml:"addr"`
	Timeout string `mapstructure:"timeout" yaml:"timeout"`
	// EventBuffer is the per-subscriber buffer of the lifecycle event bus.
	EventBuffer int `mapstructure:"event_buffer" yaml:"event_buffer"`
}

// DataSourceConfig configures a connector data source.
type DataSourceConfig struct {
	Type     string        `mapstructure:"type" yaml:"type"`
	DSN      string        `mapstructure:"dsn" yaml:"dsn"`
	MaxConns int           `mapstructure:"max_conns" yaml:"max_conns,omitempty"`
	Breaker  BreakerConfig `mapstructure:"breaker" yaml:"breaker,omitempty"`
}

// BreakerConfig configures circuit breaking around a remote data source.
type BreakerConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	MaxFailures uint32 `mapstructure:"max_failures" yaml:"max_failures,omitempty"`
	Timeout     string `mapstructure:"timeout" yaml:"timeout,omitempty"`
	Interval    string `mapstructure:"interval" yaml:"interval,omitempty"`
}

// IsDevelopment reports whether the runtime watches and recovers from crashes.
func (c *Config) IsDevelopment() bool {
	return !strings.EqualFold(c.Mode, ModeProduction)
}

// ResolvePath resolves p against the project root unless it is absolute.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Project.Root, p)
}

// ParseDuration parses s, returning fallback when s is empty or invalid.
// Invalid values are reported by the validator before they reach here.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
