// Package project wires one function host project: its environment file,
// build pipeline, runtime supervisor, data sources and application document.
package project

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/fnhost/internal/appdom"
	"github.com/hugo-lorenzo-mato/fnhost/internal/build"
	"github.com/hugo-lorenzo-mato/fnhost/internal/config"
	"github.com/hugo-lorenzo-mato/fnhost/internal/datasource"
	"github.com/hugo-lorenzo-mato/fnhost/internal/envfile"
	"github.com/hugo-lorenzo-mato/fnhost/internal/events"
	"github.com/hugo-lorenzo-mato/fnhost/internal/logging"
	"github.com/hugo-lorenzo-mato/fnhost/internal/supervisor"
)

// ProjectContext encapsulates all resources for a single project.
type ProjectContext struct {
	// Identity
	ID   string
	Root string

	// Services - exported for direct access
	Config    *config.Config
	EventBus  *events.EventBus
	Env       *envfile.Manager
	Builds    *build.Pipeline
	Runtime   *supervisor.Supervisor
	Data      *datasource.Manager
	Documents *appdom.Store

	CreatedAt time.Time

	// Internal state
	mu      sync.RWMutex
	logger  *logging.Logger
	watch   bool
	running bool
	closed  bool
}

// contextOptions holds configuration for context creation
type contextOptions struct {
	logger          *logging.Logger
	eventBufferSize int
	watch           *bool
}

// ContextOption configures a ProjectContext
type ContextOption func(*contextOptions)

// WithContextLogger sets the logger for the context
func WithContextLogger(logger *logging.Logger) ContextOption {
	return func(o *contextOptions) {
		o.logger = logger
	}
}

// WithEventBufferSize sets the event bus buffer size
func WithEventBufferSize(size int) ContextOption {
	return func(o *contextOptions) {
		if size > 0 {
			o.eventBufferSize = size
		}
	}
}

// WithWatch overrides whether source and environment files are watched.
// By default only development projects watch.
func WithWatch(enabled bool) ContextOption {
	return func(o *contextOptions) {
		o.watch = &enabled
	}
}

// NewProjectContext creates the services for the project described by cfg.
// Nothing is built or started until Run.
func NewProjectContext(ctx context.Context, cfg *config.Config, opts ...ContextOption) (*ProjectContext, error) {
	options := &contextOptions{
		logger:          logging.NewNop(),
		eventBufferSize: 100,
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.logger == nil {
		options.logger = logging.NewNop()
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	info, err := os.Stat(cfg.Project.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, cfg.Project.Root)
	}

	pc := &ProjectContext{
		ID:        cfg.Project.ID,
		Root:      cfg.Project.Root,
		Config:    cfg,
		CreatedAt: time.Now(),
		logger:    options.logger.WithProject(cfg.Project.ID),
		watch:     cfg.IsDevelopment(),
	}
	if options.watch != nil {
		pc.watch = *options.watch
	}

	// Initialize all services in order
	pc.initEventBus(options)
	pc.initEnv()
	pc.initBuilds()
	pc.initRuntime()
	pc.initDocuments()
	pc.initData(ctx)

	pc.logger.Info("project context initialized",
		"root", pc.Root,
		"mode", cfg.Mode,
		"watch", pc.watch,
		"data_sources", len(pc.Data.IDs()))

	return pc, nil
}

// initEventBus creates the event bus for this project
func (pc *ProjectContext) initEventBus(opts *contextOptions) {
	pc.EventBus = events.New(opts.eventBufferSize)
	pc.logger.Debug("event bus initialized", "buffer_size", opts.eventBufferSize)
}

func (pc *ProjectContext) initEnv() {
	path := pc.Config.ResolvePath(pc.Config.Project.EnvFile)
	pc.Env = envfile.New(path,
		envfile.WithWatch(pc.watch),
		envfile.WithEventBus(pc.EventBus, pc.ID),
		envfile.WithSanitizer(pc.logger.Sanitizer()),
		envfile.WithLogger(pc.logger.WithComponent("envfile")),
	)
	pc.logger.Debug("env manager initialized", "path", path)
}

func (pc *ProjectContext) initBuilds() {
	b := pc.Config.Build
	pc.Builds = build.New(build.Options{
		Root:         pc.Root,
		ResourcesDir: b.ResourcesDir,
		OutDir:       pc.Config.ResolvePath(b.OutDir),
		Patterns:     b.Patterns,
		Target:       b.Target,
		Sourcemap:    b.Sourcemap,
		Debounce:     config.ParseDuration(b.Debounce, 0),
	},
		build.WithLogger(pc.logger.WithComponent("build")),
		build.WithEventBus(pc.EventBus, pc.ID),
	)
	pc.logger.Debug("build pipeline initialized", "output", pc.Builds.OutputFile())
}

func (pc *ProjectContext) initRuntime() {
	r := pc.Config.Runtime
	pc.Runtime = supervisor.New(pc.Builds, supervisor.Options{
		Command:        r.Command,
		Args:           r.Args,
		Dir:            pc.Root,
		Development:    pc.Config.IsDevelopment(),
		RequestTimeout: config.ParseDuration(r.RequestTimeout, 0),
		ShutdownGrace:  config.ParseDuration(r.ShutdownGrace, 0),
		MaxRestarts:    r.Restart.MaxAttempts,
		InitialBackoff: config.ParseDuration(r.Restart.InitialBackoff, 0),
		MaxBackoff:     config.ParseDuration(r.Restart.MaxBackoff, 0),
	},
		supervisor.WithLogger(pc.logger.WithComponent("supervisor")),
		supervisor.WithEventBus(pc.EventBus, pc.ID),
		supervisor.WithEnv(pc.Env),
	)
}

func (pc *ProjectContext) initDocuments() {
	path := pc.Config.ResolvePath(pc.Config.Project.Document)
	pc.Documents = appdom.NewStore(path)
	pc.logger.Debug("application document store initialized", "path", path)
}

func (pc *ProjectContext) initData(ctx context.Context) {
	pc.Data = datasource.NewManager(
		datasource.WithLogger(pc.logger),
		datasource.WithDocuments(pc.Documents),
	)
	pc.Data.Register(datasource.LocalID, datasource.NewLocalSource(pc.Runtime))
	datasource.RegisterConfigured(ctx, pc.Data, pc.resolvedDataSources())
}

// resolvedDataSources makes relative sqlite database paths relative to the
// project root.
func (pc *ProjectContext) resolvedDataSources() map[string]config.DataSourceConfig {
	out := make(map[string]config.DataSourceConfig, len(pc.Config.DataSources))
	for id, ds := range pc.Config.DataSources {
		if ds.Type == config.DataSourceSQLite && !strings.HasPrefix(ds.DSN, "file:") && !strings.Contains(ds.DSN, ":memory:") {
			ds.DSN = pc.Config.ResolvePath(ds.DSN)
		}
		out[id] = ds
	}
	return out
}

// Watching reports whether the project rebuilds and reloads on file changes.
func (pc *ProjectContext) Watching() bool {
	return pc.watch
}

// Run builds the functions, starts the runtime and, when watching, keeps
// rebuilding and reloading until ctx is done. In production a runtime crash
// ends Run with the crash error.
func (pc *ProjectContext) Run(ctx context.Context) error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return ErrContextClosed
	}
	if pc.running {
		pc.mu.Unlock()
		return ErrAlreadyRunning
	}
	pc.running = true
	pc.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	eventsCh := pc.EventBus.Subscribe()
	g.Go(func() error {
		pc.logEvents(gctx, eventsCh)
		return nil
	})

	if pc.watch {
		g.Go(func() error { return pc.Env.Watch(gctx) })
		g.Go(func() error { return pc.Builds.Watch(gctx) })
	} else {
		g.Go(func() error {
			_, err := pc.Builds.Build(gctx)
			if err == build.ErrDisposed {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		err := pc.Runtime.Run(gctx)
		if err == nil && ctx.Err() == nil {
			// The supervisor was closed; stop the watchers with it.
			return errRuntimeStopped
		}
		return err
	})

	err := g.Wait()
	pc.EventBus.Unsubscribe(eventsCh)
	if err == errRuntimeStopped {
		return nil
	}
	return err
}

// logEvents writes lifecycle events to the project log.
func (pc *ProjectContext) logEvents(ctx context.Context, ch <-chan events.Event) {
	logger := pc.logger.WithComponent("events")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case events.BuildCompletedEvent:
				logger.Info("build completed", "generation", e.Generation, "functions", len(e.Functions))
			case events.BuildFailedEvent:
				logger.Warn("build failed", "generation", e.Generation, "errors", e.Errors)
			case events.EnvChangedEvent:
				logger.Info("environment changed", "keys", e.Keys)
			case events.ProcessEvent:
				switch e.EventType() {
				case events.TypeProcessCrashed:
					logger.Error("runtime crashed", "handle", e.HandleID, "exit_code", e.ExitCode, "reason", e.Reason)
				case events.TypeProcessStarted:
					logger.Info("runtime started", "handle", e.HandleID, "pid", e.PID)
				default:
					logger.Debug("runtime "+e.EventType(), "handle", e.HandleID, "reason", e.Reason)
				}
			default:
				logger.Debug("event", "type", ev.EventType())
			}
		}
	}
}

// Close releases all resources held by the context
func (pc *ProjectContext) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.closed {
		return nil // Already closed
	}

	pc.logger.Info("closing project context")

	var errs []error
	if pc.Runtime != nil {
		if err := pc.Runtime.Close(); err != nil {
			errs = append(errs, fmt.Errorf("runtime: %w", err))
		}
	}
	if pc.Builds != nil {
		pc.Builds.Dispose()
	}
	if pc.Env != nil {
		pc.Env.Close()
	}
	if pc.Data != nil {
		if err := pc.Data.Close(); err != nil {
			errs = append(errs, fmt.Errorf("data sources: %w", err))
		}
	}
	if pc.EventBus != nil {
		pc.EventBus.Close()
	}

	pc.closed = true
	pc.logger.Info("project context closed")

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}

// IsClosed returns whether the context has been closed
func (pc *ProjectContext) IsClosed() bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.closed
}

// String returns a string representation for logging
func (pc *ProjectContext) String() string {
	return fmt.Sprintf("ProjectContext{id=%s, root=%s, closed=%v}", pc.ID, pc.Root, pc.IsClosed())
}

// Ensure ProjectContext can be used where io.Closer is expected
var _ io.Closer = (*ProjectContext)(nil)
