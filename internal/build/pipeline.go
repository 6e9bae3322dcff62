// Package build bundles the project's function modules into a single script
// for the runtime process and rebuilds it when sources change.
package build

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
	"github.com/hugo-lorenzo-mato/fnhost/internal/events"
	"github.com/hugo-lorenzo-mato/fnhost/internal/fsutil"
	"github.com/hugo-lorenzo-mato/fnhost/internal/logging"
)

//go:embed runtime.js
var runtimeSource string

const (
	// OutputName is the bundle file name inside the output directory.
	OutputName = "main.js"

	runtimeModule  = "fnhost:runtime"
	entryModule    = "fnhost:entry"
	entryNamespace = "fnhost-entry"
	runtimeNS      = "fnhost-runtime"
)

// ErrDisposed is returned by Build after Dispose.
var ErrDisposed = errors.New("build pipeline disposed")

// Options configures a Pipeline. Relative directories resolve against Root.
type Options struct {
	Root         string
	ResourcesDir string
	OutDir       string
	Patterns     []string
	Target       string
	Sourcemap    bool
	Debounce     time.Duration
}

// State is the outcome of one build pass. A State is never modified after it
// is published.
type State struct {
	OutputFile string
	Manifest   *Manifest
	Errors     []core.BuildError
	Functions  []Function
	Generation int64
	BuiltAt    time.Time
}

// OK reports whether the pass produced a runnable bundle.
func (s *State) OK() bool {
	return s != nil && len(s.Errors) == 0 && s.OutputFile != ""
}

// Err returns the first build error, or nil.
func (s *State) Err() error {
	if s == nil || len(s.Errors) == 0 {
		return nil
	}
	be := s.Errors[0]
	return &be
}

// FunctionNames returns the registered module names.
func (s *State) FunctionNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.Functions))
	for i, fn := range s.Functions {
		names[i] = fn.Name
	}
	return names
}

// Pipeline bundles function modules with esbuild. Builds are serialized;
// subscribers receive every published State.
type Pipeline struct {
	opts      Options
	logger    *logging.Logger
	bus       *events.EventBus
	projectID string

	buildMu     sync.Mutex
	esb         api.BuildContext
	fingerprint string
	generation  int64

	mu        sync.Mutex
	state     *State
	completed chan struct{}
	subs      map[int]chan *State
	nextSub   int
	disposed  bool
	stop      chan struct{}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithEventBus publishes build events for the given project.
func WithEventBus(bus *events.EventBus, projectID string) Option {
	return func(p *Pipeline) {
		p.bus = bus
		p.projectID = projectID
	}
}

// New creates a pipeline. No work happens until Build or Watch is called.
func New(opts Options, options ...Option) *Pipeline {
	if opts.ResourcesDir == "" {
		opts.ResourcesDir = "resources"
	}
	if opts.OutDir == "" {
		opts.OutDir = filepath.Join(".fnhost", "build")
	}
	if len(opts.Patterns) == 0 {
		opts.Patterns = []string{"*.ts", "*.js"}
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	p := &Pipeline{
		opts:      opts,
		logger:    logging.NewNop(),
		completed: make(chan struct{}),
		subs:      make(map[int]chan *State),
		stop:      make(chan struct{}),
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// OutputFile returns the absolute bundle path.
func (p *Pipeline) OutputFile() string {
	return filepath.Join(p.outDir(), OutputName)
}

func (p *Pipeline) outDir() string {
	if filepath.IsAbs(p.opts.OutDir) {
		return p.opts.OutDir
	}
	return filepath.Join(p.opts.Root, p.opts.OutDir)
}

// State returns the latest published state, or nil before the first pass.
func (p *Pipeline) State() *State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Completed is closed once the first build pass has finished, successful or not.
func (p *Pipeline) Completed() <-chan struct{} {
	return p.completed
}

// WaitCompleted blocks until the first pass finished and returns the latest state.
func (p *Pipeline) WaitCompleted(ctx context.Context) (*State, error) {
	select {
	case <-p.completed:
		return p.State(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe returns a channel receiving each published state. When the reader
// falls behind, older states are replaced by the newest one.
func (p *Pipeline) Subscribe() (<-chan *State, func()) {
	ch := make(chan *State, 1)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		close(ch)
		return ch, func() {}
	}
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if _, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(ch)
			}
		})
	}
}

// Build runs one build pass and publishes its state. Compilation problems are
// reported in State.Errors; the returned error is reserved for failures of
// the pipeline itself.
func (p *Pipeline) Build(ctx context.Context) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.buildMu.Lock()
	defer p.buildMu.Unlock()

	if p.isDisposed() {
		return nil, ErrDisposed
	}

	start := time.Now()
	fns, err := Discover(p.opts.Root, p.opts.ResourcesDir, p.opts.Patterns)
	if err != nil {
		return nil, err
	}

	state := &State{Functions: fns}
	if dup := duplicateNames(fns); len(dup) > 0 {
		state.Errors = dup
		return p.publish(state, start), nil
	}

	fingerprint := Fingerprint(fns)
	if p.esb == nil || fingerprint != p.fingerprint {
		if err := p.resetContext(fns, fingerprint); err != nil {
			return nil, err
		}
	}

	result := p.esb.Rebuild()
	if len(result.Errors) > 0 {
		state.Errors = p.convertMessages(result.Errors)
		return p.publish(state, start), nil
	}

	manifest, err := ParseManifest(result.Metafile)
	if err != nil {
		return nil, err
	}
	if err := WriteManifest(p.outDir(), manifest); err != nil {
		return nil, err
	}

	state.OutputFile = p.OutputFile()
	state.Manifest = manifest
	for _, w := range result.Warnings {
		p.logger.Debug("build warning", "message", w.Text, "file", locationFile(w.Location))
	}
	return p.publish(state, start), nil
}

// resetContext replaces the esbuild context so the entry module reflects a
// new set of function files. Called with buildMu held.
func (p *Pipeline) resetContext(fns []Function, fingerprint string) error {
	if p.esb != nil {
		p.esb.Dispose()
		p.esb = nil
	}

	if err := os.MkdirAll(p.outDir(), 0o750); err != nil {
		return fmt.Errorf("creating build directory: %w", err)
	}

	esb, ctxErr := api.Context(p.buildOptions(EntrySource(fns)))
	if ctxErr != nil {
		msgs := make([]string, 0, len(ctxErr.Errors))
		for _, m := range ctxErr.Errors {
			msgs = append(msgs, m.Text)
		}
		return fmt.Errorf("creating bundler context: %s", strings.Join(msgs, "; "))
	}

	p.esb = esb
	p.fingerprint = fingerprint
	return nil
}

func (p *Pipeline) buildOptions(entry string) api.BuildOptions {
	opts := api.BuildOptions{
		AbsWorkingDir: p.opts.Root,
		EntryPoints:   []string{entryModule},
		Outfile:       p.OutputFile(),
		Bundle:        true,
		Write:         true,
		Metafile:      true,
		Platform:      api.PlatformNode,
		Format:        api.FormatCommonJS,
		Packages:      api.PackagesExternal,
		LogLevel:      api.LogLevelSilent,
		Plugins:       []api.Plugin{virtualModules(p.opts.Root, entry)},
	}
	if p.opts.Sourcemap {
		opts.Sourcemap = api.SourceMapLinked
	}
	if version, ok := strings.CutPrefix(p.opts.Target, "node"); ok && version != "" {
		opts.Engines = []api.Engine{{Name: api.EngineNode, Version: version}}
	}
	return opts
}

// virtualModules serves the generated entry and the embedded runtime.
func virtualModules(root, entry string) api.Plugin {
	return api.Plugin{
		Name: "fnhost",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: `^fnhost:entry$`},
				func(api.OnResolveArgs) (api.OnResolveResult, error) {
					return api.OnResolveResult{Path: "entry", Namespace: entryNamespace}, nil
				})
			build.OnResolve(api.OnResolveOptions{Filter: `^fnhost:runtime$`},
				func(api.OnResolveArgs) (api.OnResolveResult, error) {
					return api.OnResolveResult{Path: "runtime", Namespace: runtimeNS}, nil
				})
			build.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: entryNamespace},
				func(api.OnLoadArgs) (api.OnLoadResult, error) {
					contents := entry
					return api.OnLoadResult{Contents: &contents, ResolveDir: root, Loader: api.LoaderJS}, nil
				})
			build.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: runtimeNS},
				func(api.OnLoadArgs) (api.OnLoadResult, error) {
					contents := runtimeSource
					return api.OnLoadResult{Contents: &contents, ResolveDir: root, Loader: api.LoaderJS}, nil
				})
		},
	}
}

func (p *Pipeline) convertMessages(msgs []api.Message) []core.BuildError {
	out := make([]core.BuildError, 0, len(msgs))
	for _, m := range msgs {
		be := core.BuildError{Message: m.Text}
		if loc := m.Location; loc != nil {
			be.File = loc.File
			be.Line = loc.Line
			be.Column = loc.Column + 1
			be.CodeFrame = p.codeFrame(loc, be.Column)
		}
		out = append(out, be)
	}
	return out
}

func (p *Pipeline) codeFrame(loc *api.Location, column int) string {
	if loc.Namespace == "file" || loc.Namespace == "" {
		if src, err := fsutil.ReadInRoot(p.opts.Root, filepath.FromSlash(loc.File)); err == nil {
			if frame := CodeFrame(string(src), loc.Line, column); frame != "" {
				return frame
			}
		}
	}
	if loc.LineText == "" {
		return ""
	}
	return CodeFrame(loc.LineText, 1, column)
}

func locationFile(loc *api.Location) string {
	if loc == nil {
		return ""
	}
	return loc.File
}

// publish stamps, stores and fans out a finished state. Called with buildMu held.
func (p *Pipeline) publish(state *State, start time.Time) *State {
	p.generation++
	state.Generation = p.generation
	state.BuiltAt = time.Now()

	p.mu.Lock()
	p.state = state
	select {
	case <-p.completed:
	default:
		close(p.completed)
	}
	for _, ch := range p.subs {
		select {
		case <-ch:
		default:
		}
		ch <- state
	}
	p.mu.Unlock()

	if state.OK() {
		p.logger.Info("build completed",
			"generation", state.Generation,
			"functions", len(state.Functions),
			"duration", time.Since(start).Round(time.Millisecond))
		p.bus.Publish(events.NewBuildCompletedEvent(p.projectID, state.Generation, state.OutputFile, state.FunctionNames()))
	} else {
		msgs := make([]string, len(state.Errors))
		for i := range state.Errors {
			msgs[i] = state.Errors[i].Error()
		}
		p.logger.Warn("build failed", "generation", state.Generation, "errors", len(msgs), "first", msgs[0])
		p.bus.Publish(events.NewBuildFailedEvent(p.projectID, state.Generation, msgs))
	}
	return state
}

func (p *Pipeline) isDisposed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}

// Dispose stops watching, releases the bundler and closes subscriber
// channels. Safe to call more than once.
func (p *Pipeline) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	close(p.stop)
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
	p.mu.Unlock()

	p.buildMu.Lock()
	if p.esb != nil {
		p.esb.Dispose()
		p.esb = nil
	}
	p.buildMu.Unlock()
}
