package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DefaultConfigName is the project config file name, looked up in the project root.
const DefaultConfigName = "fnhost.yaml"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	projectDir string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "FNHOST",
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "FNHOST",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithProjectDir sets the project root used to find the config file and to
// resolve relative paths.
func (l *Loader) WithProjectDir(dir string) *Loader {
	l.projectDir = dir
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (FNHOST_*)
// 3. Project config (fnhost.yaml in the project root)
// 4. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	root := l.projectDir
	if root == "" {
		root = "."
	}

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(strings.TrimSuffix(DefaultConfigName, filepath.Ext(DefaultConfigName)))
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(root)
	}

	// Read config file (ignore not found)
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := l.resolveRoot(&cfg, root); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// resolveRoot makes the project root absolute. An explicit project.root in the
// config file is relative to the directory holding that file.
func (l *Loader) resolveRoot(cfg *Config, root string) error {
	base := root
	if used := l.v.ConfigFileUsed(); used != "" {
		base = filepath.Dir(used)
	}
	if cfg.Project.Root == "" {
		cfg.Project.Root = root
	} else if !filepath.IsAbs(cfg.Project.Root) {
		cfg.Project.Root = filepath.Join(base, cfg.Project.Root)
	}

	abs, err := filepath.Abs(cfg.Project.Root)
	if err != nil {
		return fmt.Errorf("resolving project root: %w", err)
	}
	cfg.Project.Root = abs
	if cfg.Project.ID == "" {
		cfg.Project.ID = filepath.Base(abs)
	}
	return nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	l.v.SetDefault("mode", ModeDevelopment)

	// Log defaults
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	// Project defaults
	l.v.SetDefault("project.env_file", ".env")
	l.v.SetDefault("project.document", "application.yaml")

	// Build defaults
	l.v.SetDefault("build.resources_dir", "resources")
	l.v.SetDefault("build.patterns", []string{"*.ts", "*.js"})
	l.v.SetDefault("build.out_dir", ".fnhost/build")
	l.v.SetDefault("build.target", "node18")
	l.v.SetDefault("build.sourcemap", true)
	l.v.SetDefault("build.debounce", "100ms")

	// Runtime defaults
	l.v.SetDefault("runtime.command", "node")
	l.v.SetDefault("runtime.args", []string{"--enable-source-maps"})
	l.v.SetDefault("runtime.request_timeout", "60s")
	l.v.SetDefault("runtime.shutdown_grace", "2s")
	l.v.SetDefault("runtime.restart.max_attempts", 5)
	l.v.SetDefault("runtime.restart.initial_backoff", "250ms")
	l.v.SetDefault("runtime.restart.max_backoff", "10s")

	// Server defaults
	l.v.SetDefault("server.addr", "127.0.0.1:3050")
	l.v.SetDefault("server.timeout", "90s")
	l.v.SetDefault("server.event_buffer", 100)
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// IsSet checks if a key has been set.
func (l *Loader) IsSet(key string) bool {
	return l.v.IsSet(key)
}

// AllSettings returns all settings as a map.
func (l *Loader) AllSettings() map[string]interface{} {
	return l.v.AllSettings()
}

// Exists reports whether a project config file is present in dir.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, DefaultConfigName))
	return err == nil
}
