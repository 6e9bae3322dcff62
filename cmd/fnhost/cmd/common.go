package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/fnhost/internal/config"
	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
	"github.com/hugo-lorenzo-mato/fnhost/internal/logging"
	"github.com/hugo-lorenzo-mato/fnhost/internal/project"
)

// loadConfig loads the project configuration using the global viper
// instance, so flag bindings and explicit overrides apply.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper()).WithProjectDir(projectDir)
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

// newLogger creates the process logger. The returned function closes the log
// file when one is configured.
func newLogger(cfg *config.Config) (*logging.Logger, func(), error) {
	level := cfg.Log.Level
	if quiet {
		level = "error"
	}

	var out io.Writer = os.Stderr
	cleanup := func() {}
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.ResolvePath(cfg.Log.File), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
		cleanup = func() { _ = f.Close() }
	}

	lc := logging.DefaultConfig()
	lc.Level = level
	if cfg.Log.Format != "" {
		lc.Format = cfg.Log.Format
	}
	lc.Output = out
	lc.Redact = cfg.Log.Redact
	return logging.New(lc), cleanup, nil
}

// withRunningProject starts the project runtime without watching, calls fn
// and stops the runtime again. It is used by one-shot commands.
func withRunningProject(ctx context.Context, fn func(ctx context.Context, pc *project.ProjectContext) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	pc, err := project.NewProjectContext(ctx, cfg,
		project.WithContextLogger(logger),
		project.WithWatch(false),
	)
	if err != nil {
		return err
	}
	defer pc.Close()

	runCtx, cancel := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- pc.Run(runCtx) }()

	callErr := fn(ctx, pc)
	cancel()
	if err := <-runErr; err != nil && callErr == nil {
		return err
	}
	return callErr
}

// retryWhileStarting retries op while it fails with a retryable error: the
// runtime is not running yet or a restart aborted the call. The first build
// and process start happen concurrently with the call.
func retryWhileStarting(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if core.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}

// resultError turns the error half of an ExecResult back into an error.
func resultError(res core.ExecResult) error {
	if res.Error == nil {
		return nil
	}
	switch res.Error.Code {
	case core.CodeNotRunning:
		return core.ErrNotRunning()
	case core.CodeAborted:
		return core.ErrAborted(res.Error.Message)
	}
	return res.Error
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseParams decodes a JSON object given on the command line.
func parseParams(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("invalid --params: %w", err)
	}
	return params, nil
}
