// Package supervisor owns the function runtime process: it starts it from the
// latest successful build, restarts it when the build or environment changes,
// and routes Execute and Introspect requests to it.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hugo-lorenzo-mato/fnhost/internal/build"
	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
	"github.com/hugo-lorenzo-mato/fnhost/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/fnhost/internal/events"
	"github.com/hugo-lorenzo-mato/fnhost/internal/logging"
	"github.com/hugo-lorenzo-mato/fnhost/internal/rpc"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateNoOutput   State = "no_output"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
)

// stableRun resets the crash counter: a process that stayed up this long
// before crashing is not part of a crash loop.
const stableRun = 30 * time.Second

// pickupPoll is how often a request re-checks for a build Run has not
// consumed yet.
const pickupPoll = 10 * time.Millisecond

// ErrClosed is returned by Restart after Close.
var ErrClosed = errors.New("supervisor closed")

// BuildSource provides build states. *build.Pipeline implements it.
type BuildSource interface {
	State() *build.State
	WaitCompleted(ctx context.Context) (*build.State, error)
	Subscribe() (<-chan *build.State, func())
}

// EnvSource provides environment values and change notifications.
// *envfile.Manager implements it.
type EnvSource interface {
	Values(ctx context.Context) (map[string]string, error)
	Subscribe() (<-chan struct{}, func())
}

// Options configures a Supervisor.
type Options struct {
	// Command and Args start the runtime; the bundle path is appended.
	Command string
	Args    []string
	// Dir is the runtime working directory, normally the project root.
	Dir string
	// Development enables crash recovery. In production an unexpected exit
	// ends Run with a RuntimeCrash error.
	Development bool
	// ExtraEnv is appended to the host environment before .env values.
	ExtraEnv []string

	RequestTimeout time.Duration
	ShutdownGrace  time.Duration
	MaxRestarts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (o *Options) applyDefaults() {
	if o.Command == "" {
		o.Command = "node"
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = rpc.DefaultTimeout
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 2 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = max(10*time.Second, o.InitialBackoff)
	}
}

// Status is a snapshot of the supervisor for status endpoints.
type Status struct {
	State      State                     `json:"state"`
	HandleID   string                    `json:"handle_id,omitempty"`
	PID        int                       `json:"pid,omitempty"`
	StartedAt  *time.Time                `json:"started_at,omitempty"`
	Restarts   int                       `json:"restarts"`
	Crashes    int                       `json:"crashes"`
	Pending    int                       `json:"pending"`
	Generation int64                     `json:"generation"`
	LastError  string                    `json:"last_error,omitempty"`
	Process    *diagnostics.ProcessStats `json:"process,omitempty"`
}

// Supervisor manages at most one runtime process. Run is the only writer of
// the current process handle.
type Supervisor struct {
	opts      Options
	builds    BuildSource
	env       EnvSource
	client    *rpc.Client
	logger    *logging.Logger
	bus       *events.EventBus
	projectID string
	backoff   backoff.BackOff

	restartReq chan string
	closing    chan struct{}
	closeOnce  sync.Once
	stopped    atomic.Bool // Run has returned

	mu         sync.Mutex
	current    *handle
	state      State
	transition chan struct{}
	runtimeErr error
	outputFile string
	generation int64
	restarts   int
	crashes    int
	started    bool // a process has been installed at least once
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEventBus publishes process events for the given project.
func WithEventBus(bus *events.EventBus, projectID string) Option {
	return func(s *Supervisor) {
		s.bus = bus
		s.projectID = projectID
	}
}

// WithEnv sets the environment source. Without one the child only sees the
// host environment.
func WithEnv(env EnvSource) Option {
	return func(s *Supervisor) { s.env = env }
}

// New creates a supervisor fed by builds.
func New(builds BuildSource, opts Options, options ...Option) *Supervisor {
	opts.applyDefaults()
	s := &Supervisor{
		opts:       opts,
		builds:     builds,
		logger:     logging.NewNop(),
		restartReq: make(chan string, 1),
		closing:    make(chan struct{}),
		state:      StateNoOutput,
	}
	for _, o := range options {
		o(s)
	}
	s.client = rpc.NewClient(
		rpc.WithTimeout(opts.RequestTimeout),
		rpc.WithLogger(s.logger.Logger),
	)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = opts.InitialBackoff
	exp.MaxInterval = opts.MaxBackoff
	exp.MaxElapsedTime = 0
	exp.RandomizationFactor = 0
	s.backoff = backoff.WithMaxRetries(exp, uint64(max(opts.MaxRestarts, 0)))
	return s
}

// Client exposes the correlation client, mainly for inspection.
func (s *Supervisor) Client() *rpc.Client {
	return s.client
}

// Run consumes build states, environment changes, restart requests and
// process exits until ctx is done or Close is called. In production mode an
// unexpected process exit makes Run return a RuntimeCrash error.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.stopped.Store(true)

	buildCh, unsubscribeBuilds := s.builds.Subscribe()
	defer unsubscribeBuilds()

	var envCh <-chan struct{}
	if s.env != nil {
		ch, unsubscribeEnv := s.env.Subscribe()
		defer unsubscribeEnv()
		envCh = ch
	}
	defer s.shutdown("supervisor stopped")

	if st := s.builds.State(); st != nil {
		if err := s.onBuild(ctx, st); err != nil {
			return err
		}
	}

	var retry <-chan time.Time
	for {
		var exited <-chan struct{}
		if h := s.currentHandle(); h != nil {
			exited = h.done
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.closing:
			return nil
		case st, ok := <-buildCh:
			if !ok {
				buildCh = nil
				continue
			}
			retry = nil
			if err := s.onBuild(ctx, st); err != nil {
				return err
			}
		case _, ok := <-envCh:
			if !ok {
				envCh = nil
				continue
			}
			if err := s.restart(ctx, "environment changed"); err != nil {
				return err
			}
		case reason := <-s.restartReq:
			retry = nil
			if err := s.restart(ctx, reason); err != nil {
				return err
			}
		case <-exited:
			delay, err := s.onExit()
			if err != nil {
				return err
			}
			if delay > 0 {
				retry = time.After(delay)
			}
		case <-retry:
			retry = nil
			if err := s.restart(ctx, "recovering from crash"); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) currentHandle() *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// onBuild reacts to a published build state. Failed builds keep the current
// process; they only gate new requests.
func (s *Supervisor) onBuild(ctx context.Context, st *build.State) error {
	s.mu.Lock()
	if st.Generation <= s.generation {
		s.mu.Unlock()
		return nil
	}
	s.generation = st.Generation
	if !st.OK() {
		s.mu.Unlock()
		s.logger.Warn("build has errors, keeping current runtime", "generation", st.Generation)
		return nil
	}
	s.outputFile = st.OutputFile
	s.runtimeErr = nil
	s.crashes = 0
	s.mu.Unlock()

	s.backoff.Reset()
	return s.restart(ctx, "build completed")
}

// restart replaces the running process. Every in-flight request is rejected
// and the old process stopped before the new one is installed.
func (s *Supervisor) restart(ctx context.Context, reason string) error {
	s.mu.Lock()
	output := s.outputFile
	if output == "" {
		s.mu.Unlock()
		return nil
	}
	old := s.current
	s.current = nil
	done := make(chan struct{})
	s.transition = done
	if old != nil {
		s.state = StateRestarting
	} else {
		s.state = StateStarting
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.transition == done {
			s.transition = nil
		}
		s.mu.Unlock()
		close(done)
	}()

	if old != nil {
		old.stopping.Store(true)
	}
	aborted := s.client.CancelAll(core.ErrAborted("runtime restarting: " + reason))
	if old != nil {
		s.logger.Info("restarting runtime", "reason", reason, "aborted", aborted)
		s.bus.Publish(events.NewProcessRestartingEvent(s.projectID, old.id, reason, aborted))
		s.stopHandle(old)
	}

	env, err := s.childEnv(ctx)
	if err == nil {
		var h *handle
		h, err = spawn(spawnSpec{
			command: s.opts.Command,
			args:    append(slices.Clone(s.opts.Args), output),
			dir:     s.opts.Dir,
			env:     env,
			grace:   s.opts.ShutdownGrace,
		}, s.logger.WithComponent("runtime"), s.client.Deliver)
		if err == nil {
			s.mu.Lock()
			s.current = h
			s.state = StateRunning
			s.runtimeErr = nil
			s.started = true
			if old != nil {
				s.restarts++
			}
			s.mu.Unlock()
			s.logger.Info("runtime started", "pid", h.PID(), "handle_id", h.id)
			s.bus.Publish(events.NewProcessStartedEvent(s.projectID, h.id, h.PID()))
			return nil
		}
	}

	crash := core.ErrRuntimeCrash("runtime failed to start").WithCause(err)
	s.mu.Lock()
	s.state = StateStopped
	s.runtimeErr = crash
	s.mu.Unlock()
	s.logger.Error("runtime failed to start", "error", err)
	if !s.opts.Development {
		return crash
	}
	return nil
}

// onExit handles the current process ending without being asked to. It
// returns the delay before the next restart attempt, or zero to stay down.
func (s *Supervisor) onExit() (time.Duration, error) {
	s.mu.Lock()
	h := s.current
	if h == nil {
		s.mu.Unlock()
		return 0, nil
	}
	s.current = nil
	s.state = StateStopped
	if time.Since(h.startedAt) > stableRun {
		s.crashes = 0
		s.backoff.Reset()
	}
	s.crashes++
	reason := h.exitReason()
	crash := core.ErrRuntimeCrash(fmt.Sprintf("runtime exited unexpectedly (code %d)", h.ExitCode())).
		WithDetail("reason", reason)
	s.runtimeErr = crash
	s.mu.Unlock()

	aborted := s.client.CancelAll(core.ErrAborted("runtime process exited"))
	s.logger.Error("runtime crashed", "exit_code", h.ExitCode(), "aborted", aborted, "reason", reason)
	s.bus.PublishPriority(events.NewProcessExitedEvent(s.projectID, h.id, h.ExitCode(), true, reason))

	if !s.opts.Development {
		return 0, crash
	}

	delay := s.backoff.NextBackOff()
	if delay == backoff.Stop {
		s.logger.Warn("runtime keeps crashing, waiting for the next successful build", "crashes", s.crashes)
		return 0, nil
	}
	s.logger.Info("scheduling runtime restart", "delay", delay, "attempt", s.crashes)
	return max(delay, time.Millisecond), nil
}

// childEnv builds the runtime environment: host variables, extra variables,
// .env values (sorted for determinism), then the mode variables.
func (s *Supervisor) childEnv(ctx context.Context) ([]string, error) {
	env := append(os.Environ(), s.opts.ExtraEnv...)
	if s.env != nil {
		values, err := s.env.Values(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading environment: %w", err)
		}
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+values[k])
		}
	}
	mode := "production"
	if s.opts.Development {
		mode = "development"
	}
	return append(env, "NODE_ENV="+mode, "FNHOST_MODE="+mode), nil
}

// stopHandle ends a process on purpose: close its input, then signal it.
func (s *Supervisor) stopHandle(h *handle) {
	h.stopping.Store(true)
	h.closeInput()
	select {
	case <-h.done:
		return
	case <-time.After(s.opts.ShutdownGrace / 2):
	}
	if err := terminate(h, s.opts.ShutdownGrace); err != nil {
		s.logger.Warn("terminating runtime", "pid", h.PID(), "error", err)
	}
	s.bus.Publish(events.NewProcessExitedEvent(s.projectID, h.id, h.ExitCode(), false, "stopped"))
}

func (s *Supervisor) shutdown(reason string) {
	s.mu.Lock()
	h := s.current
	s.current = nil
	s.state = StateStopped
	s.mu.Unlock()

	if h != nil {
		s.stopHandle(h)
	}
	if n := s.client.CancelAll(core.ErrAborted(reason)); n > 0 {
		s.logger.Info("aborted pending requests", "count", n)
	}
}

// Restart asks Run to replace the runtime process.
func (s *Supervisor) Restart() error {
	select {
	case <-s.closing:
		return ErrClosed
	default:
	}
	select {
	case s.restartReq <- "restart requested":
	default:
		// A restart is already queued.
	}
	return nil
}

// Close stops the runtime and makes Run return. Safe to call more than once.
func (s *Supervisor) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.shutdown("supervisor closed")
	})
	return nil
}

// Execute runs the named function with params and returns its JSON result.
func (s *Supervisor) Execute(ctx context.Context, name string, params map[string]any) (json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}
	resp, err := s.call(ctx, &rpc.Message{Kind: rpc.KindExec, Name: name, Parameters: params})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return json.RawMessage("null"), nil
	}
	return resp.Data, nil
}

// Introspect lists the functions registered in the running bundle.
func (s *Supervisor) Introspect(ctx context.Context) (*core.Introspection, error) {
	resp, err := s.call(ctx, &rpc.Message{Kind: rpc.KindIntrospect})
	if err != nil {
		return nil, err
	}
	var out core.Introspection
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &out); err != nil {
			return nil, core.ErrExecution(core.CodeProtocol, "decoding introspection result").WithCause(err)
		}
	}
	return &out, nil
}

// call applies the request gate: first completed build, latest build errors,
// recorded runtime error, missing process. Then it sends msg.
func (s *Supervisor) call(ctx context.Context, msg *rpc.Message) (*rpc.Message, error) {
	if _, err := s.builds.WaitCompleted(ctx); err != nil {
		return nil, core.ErrTimeout("waiting for the first build").WithCause(err)
	}
	if err := s.builds.State().Err(); err != nil {
		return nil, err
	}

	h, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	return s.client.Call(ctx, h, msg)
}

// ready returns the running handle. Before the first process is up it waits
// for Run to start one; once a process has run, a request arriving while it
// is being replaced is rejected at once.
func (s *Supervisor) ready(ctx context.Context) (*handle, error) {
	for {
		s.mu.Lock()
		transition := s.transition
		h, runtimeErr, generation, started := s.current, s.runtimeErr, s.generation, s.started
		s.mu.Unlock()

		var wait <-chan time.Time
		if transition != nil && started {
			return nil, core.ErrNotRunning()
		}
		if transition == nil {
			switch {
			case runtimeErr != nil:
				return nil, runtimeErr
			case h != nil:
				return h, nil
			case !s.buildPending(generation):
				return nil, core.ErrNotRunning()
			}
			// Run has not picked up the latest build yet.
			wait = time.After(pickupPoll)
		}
		select {
		case <-transition:
		case <-wait:
		case <-s.closing:
			return nil, core.ErrNotRunning()
		case <-ctx.Done():
			return nil, core.ErrTimeout("waiting for the runtime to start").WithCause(ctx.Err())
		}
	}
}

// buildPending reports whether a successful build newer than generation is
// waiting to be picked up. Callers that start Run later still get it; once
// Run has returned nothing will.
func (s *Supervisor) buildPending(generation int64) bool {
	if s.stopped.Load() {
		return false
	}
	st := s.builds.State()
	return st.OK() && st.Generation > generation
}

// Status returns a snapshot including process resource usage.
func (s *Supervisor) Status(ctx context.Context) Status {
	s.mu.Lock()
	st := Status{
		State:      s.state,
		Restarts:   s.restarts,
		Crashes:    s.crashes,
		Generation: s.generation,
	}
	if s.runtimeErr != nil {
		st.LastError = s.runtimeErr.Error()
	}
	h := s.current
	s.mu.Unlock()

	st.Pending = s.client.Pending()
	if h != nil {
		started := h.startedAt
		st.HandleID = h.id
		st.PID = h.PID()
		st.StartedAt = &started
		if ps, err := diagnostics.CollectProcess(ctx, h.PID()); err == nil {
			st.Process = &ps
		}
	}
	return st
}
