// Package envfile loads the project's dotenv file and, in development mode,
// watches it for content changes.
package envfile

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/subosito/gotenv"

	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
	"github.com/hugo-lorenzo-mato/fnhost/internal/events"
	"github.com/hugo-lorenzo-mato/fnhost/internal/fsutil"
	"github.com/hugo-lorenzo-mato/fnhost/internal/logging"
)

// DefaultDebounce coalesces the burst of writes editors produce on save.
const DefaultDebounce = 100 * time.Millisecond

// Snapshot is one loaded version of the environment file.
type Snapshot struct {
	Raw    string
	Values map[string]string
}

// Manager owns the current environment snapshot.
type Manager struct {
	path      string
	watch     bool
	debounce  time.Duration
	projectID string
	bus       *events.EventBus
	sanitizer *logging.Sanitizer
	logger    *logging.Logger

	mu      sync.Mutex
	snap    *Snapshot
	failed  bool
	subs    map[int]chan struct{}
	nextSub int
	closed  bool
	stop    chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithWatch enables file watching. Production projects leave it off.
func WithWatch(enabled bool) Option {
	return func(m *Manager) { m.watch = enabled }
}

// WithDebounce sets the quiet period before a changed file is re-read.
func WithDebounce(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.debounce = d
		}
	}
}

// WithEventBus publishes env_changed events for the given project.
func WithEventBus(bus *events.EventBus, projectID string) Option {
	return func(m *Manager) {
		m.bus = bus
		m.projectID = projectID
	}
}

// WithSanitizer keeps the sanitizer's secret list in sync with loaded values.
func WithSanitizer(s *logging.Sanitizer) Option {
	return func(m *Manager) { m.sanitizer = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a manager for the dotenv file at path. Nothing is read until
// Values is first called.
func New(path string, opts ...Option) *Manager {
	m := &Manager{
		path:     filepath.Clean(path),
		debounce: DefaultDebounce,
		logger:   logging.NewNop(),
		subs:     make(map[int]chan struct{}),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Path returns the watched file path.
func (m *Manager) Path() string {
	return m.path
}

// Values returns a copy of the current key/value map, loading the file on
// first use. A missing file yields an empty map.
func (m *Manager) Values(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	snap := m.snap
	m.mu.Unlock()
	if snap == nil {
		if _, err := m.Reload(); err != nil {
			return nil, err
		}
		m.mu.Lock()
		snap = m.snap
		m.mu.Unlock()
	}
	return maps.Clone(snap.Values), nil
}

// Reload re-reads the file and replaces the snapshot when the raw content
// differs. It reports whether the content changed. The first successful load
// counts as unchanged unless an earlier attempt failed before any snapshot
// existed. A failed read never replaces the snapshot, so restoring the
// previous content is not a change.
func (m *Manager) Reload() (bool, error) {
	next, err := load(m.path)
	if err != nil {
		m.mu.Lock()
		m.failed = true
		m.mu.Unlock()
		return false, err
	}

	m.mu.Lock()
	prev := m.snap
	if prev != nil && prev.Raw == next.Raw {
		m.failed = false
		m.mu.Unlock()
		return false, nil
	}
	changed := prev != nil || m.failed
	m.snap = next
	m.failed = false
	m.mu.Unlock()

	if m.sanitizer != nil {
		m.sanitizer.SetSecrets(slices.Collect(maps.Values(next.Values)))
	}
	return changed, nil
}

func load(path string) (*Snapshot, error) {
	data, ok, err := fsutil.ReadOptional(path)
	if err != nil {
		return nil, fmt.Errorf("reading env file: %w", err)
	}
	if !ok {
		return &Snapshot{Values: map[string]string{}}, nil
	}

	values, err := gotenv.StrictParse(strings.NewReader(string(data)))
	if err != nil {
		return nil, core.ErrValidation(core.CodeInvalidConfig,
			fmt.Sprintf("parsing %s: %v", filepath.Base(path), err))
	}
	if values == nil {
		values = gotenv.Env{}
	}
	return &Snapshot{Raw: string(data), Values: values}, nil
}

// Subscribe returns a channel that receives a value after each content
// change. Notifications coalesce: a slow reader sees at most one pending.
func (m *Manager) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(ch)
			}
		})
	}
}

func (m *Manager) notify() {
	m.mu.Lock()
	keys := slices.Sorted(maps.Keys(m.snap.Values))
	for _, ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	m.mu.Unlock()

	m.bus.Publish(events.NewEnvChangedEvent(m.projectID, m.path, keys))
}

// Watch blocks until ctx is done or Close is called, re-reading the file
// after each burst of changes. It returns immediately when watching is
// disabled.
func (m *Manager) Watch(ctx context.Context) error {
	if !m.watch {
		return nil
	}
	if _, err := m.Values(ctx); err != nil {
		m.logger.Warn("env file not loaded, waiting for a fix", "path", m.path, "error", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating env watcher: %w", err)
	}
	defer watcher.Close()

	// The directory is watched so that create, rename and delete of the file
	// itself are seen.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(m.path), err)
	}

	timer := time.NewTimer(m.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stop:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != m.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(m.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("env watcher error", "error", err)
		case <-timer.C:
			changed, err := m.Reload()
			if err != nil {
				m.logger.Warn("env file reload failed, keeping previous values", "path", m.path, "error", err)
				continue
			}
			if changed {
				m.logger.Info("environment file changed", "path", m.path)
				m.notify()
			}
		}
	}
}

// Close stops watching and closes all subscriber channels. Safe to call twice.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.stop)
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}
