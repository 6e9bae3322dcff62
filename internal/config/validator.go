package config

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateMode(cfg.Mode)
	v.validateLog(&cfg.Log)
	v.validateProject(&cfg.Project)
	v.validateBuild(&cfg.Build)
	v.validateRuntime(&cfg.Runtime)
	v.validateServer(&cfg.Server)
	for id, ds := range cfg.DataSources {
		v.validateDataSource("datasources."+id, id, &ds)
	}

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateMode(mode string) {
	switch strings.ToLower(mode) {
	case ModeDevelopment, ModeProduction:
	default:
		v.addError("mode", mode, "must be one of: development, production")
	}
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}
	for _, p := range cfg.Redact {
		if _, err := regexp.Compile(p); err != nil {
			v.addError("log.redact", p, "invalid regular expression")
		}
	}
}

func (v *Validator) validateProject(cfg *ProjectConfig) {
	if cfg.Root == "" {
		v.addError("project.root", cfg.Root, "project root required")
	}
	if cfg.EnvFile == "" {
		v.addError("project.env_file", cfg.EnvFile, "path required")
	}
}

func (v *Validator) validateBuild(cfg *BuildConfig) {
	if cfg.ResourcesDir == "" {
		v.addError("build.resources_dir", cfg.ResourcesDir, "directory required")
	}
	if cfg.OutDir == "" {
		v.addError("build.out_dir", cfg.OutDir, "directory required")
	}
	if len(cfg.Patterns) == 0 {
		v.addError("build.patterns", cfg.Patterns, "at least one pattern required")
	}
	for _, p := range cfg.Patterns {
		if _, err := path.Match(p, ""); err != nil {
			v.addError("build.patterns", p, "invalid glob pattern")
		}
	}
	v.validateDuration("build.debounce", cfg.Debounce, false)
}

func (v *Validator) validateRuntime(cfg *RuntimeConfig) {
	if strings.TrimSpace(cfg.Command) == "" {
		v.addError("runtime.command", cfg.Command, "command required")
	}
	v.validateDuration("runtime.request_timeout", cfg.RequestTimeout, true)
	v.validateDuration("runtime.shutdown_grace", cfg.ShutdownGrace, true)

	if cfg.Restart.MaxAttempts < 0 || cfg.Restart.MaxAttempts > 100 {
		v.addError("runtime.restart.max_attempts", cfg.Restart.MaxAttempts, "must be between 0 and 100")
	}
	v.validateDuration("runtime.restart.initial_backoff", cfg.Restart.InitialBackoff, true)
	v.validateDuration("runtime.restart.max_backoff", cfg.Restart.MaxBackoff, true)

	initial, err1 := time.ParseDuration(cfg.Restart.InitialBackoff)
	maxBackoff, err2 := time.ParseDuration(cfg.Restart.MaxBackoff)
	if err1 == nil && err2 == nil && maxBackoff < initial {
		v.addError("runtime.restart.max_backoff", cfg.Restart.MaxBackoff, "must be >= runtime.restart.initial_backoff")
	}
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if cfg.Addr == "" {
		v.addError("server.addr", cfg.Addr, "address required")
	}
	v.validateDuration("server.timeout", cfg.Timeout, true)
	if cfg.EventBuffer < 0 {
		v.addError("server.event_buffer", cfg.EventBuffer, "must not be negative")
	}
}

func (v *Validator) validateDataSource(prefix, id string, cfg *DataSourceConfig) {
	if id == "local" {
		v.addError(prefix, id, "id is reserved for the function runtime")
	}
	switch cfg.Type {
	case DataSourceSQLite, DataSourcePostgres:
	default:
		v.addError(prefix+".type", cfg.Type, "must be one of: sqlite, postgres")
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		v.addError(prefix+".dsn", cfg.DSN, "dsn required")
	}
	if cfg.MaxConns < 0 {
		v.addError(prefix+".max_conns", cfg.MaxConns, "must be non-negative")
	}
	if cfg.Breaker.Enabled {
		v.validateDuration(prefix+".breaker.timeout", cfg.Breaker.Timeout, false)
		v.validateDuration(prefix+".breaker.interval", cfg.Breaker.Interval, false)
	}
}

// validateDuration checks that value parses as a positive duration.
// Empty values are accepted unless required is set.
func (v *Validator) validateDuration(field, value string, required bool) {
	if value == "" {
		if required {
			v.addError(field, value, "duration required")
		}
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		v.addError(field, value, "invalid duration format")
		return
	}
	if d < 0 {
		v.addError(field, value, "must be non-negative")
	}
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}
