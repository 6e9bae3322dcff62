// Package datasource routes query executions to named data sources and
// applies optional result transforms.
package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/sahilm/fuzzy"

	"github.com/hugo-lorenzo-mato/fnhost/internal/appdom"
	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
	"github.com/hugo-lorenzo-mato/fnhost/internal/logging"
)

// LocalID is the reserved id of the data source backed by user functions.
const LocalID = "local"

// DocumentSource loads the application document.
type DocumentSource interface {
	LoadDocument(ctx context.Context) (*appdom.Document, error)
}

// Kinder is implemented by data sources that report their backend type.
type Kinder interface {
	Kind() string
}

// Info describes a registered data source.
type Info struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Private bool   `json:"private"`
	Breaker string `json:"breaker,omitempty"`
}

// Manager dispatches queries to registered data sources.
type Manager struct {
	mu      sync.RWMutex
	sources map[string]core.DataSource

	docs   DocumentSource
	logger *logging.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithDocuments sets the document collaborator used by ExecDataNodeQuery.
func WithDocuments(docs DocumentSource) Option {
	return func(m *Manager) {
		m.docs = docs
	}
}

// NewManager creates an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sources: make(map[string]core.DataSource),
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("datasource")
	return m
}

// Register adds or replaces the data source with the given id.
func (m *Manager) Register(id string, ds core.DataSource) {
	m.mu.Lock()
	old := m.sources[id]
	m.sources[id] = ds
	m.mu.Unlock()

	if old != nil && old != ds {
		closeSource(id, old, m.logger)
	}
}

// IDs returns the registered data source ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sources))
	for id := range m.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List describes every registered data source.
func (m *Manager) List() []Info {
	ids := m.IDs()
	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		ds, err := m.Get(id)
		if err != nil {
			continue
		}
		info := Info{ID: id, Kind: "custom"}
		if k, ok := ds.(Kinder); ok {
			info.Kind = k.Kind()
		}
		_, info.Private = ds.(core.PrivateDataSource)
		if b, ok := ds.(interface{ State() string }); ok {
			info.Breaker = b.State()
		}
		out = append(out, info)
	}
	return out
}

// Get returns the data source registered under id. Unknown ids fail with an
// UnknownDataSource error that suggests the closest registered id.
func (m *Manager) Get(id string) (core.DataSource, error) {
	m.mu.RLock()
	ds, ok := m.sources[id]
	m.mu.RUnlock()
	if ok {
		return ds, nil
	}

	err := core.ErrUnknownDataSource(id)
	if suggestion := closest(id, m.IDs()); suggestion != "" {
		err.Message = fmt.Sprintf("%s (did you mean %q?)", err.Message, suggestion)
		err.WithDetail("suggestion", suggestion)
	}
	return nil, err
}

func closest(id string, candidates []string) string {
	if id == "" || len(candidates) == 0 {
		return ""
	}
	matches := fuzzy.Find(id, candidates)
	if len(matches) == 0 {
		return ""
	}
	return matches[0].Str
}

// ExecQuery runs desc against its data source and applies the descriptor's
// transform to the result. Failures are returned in the result's error field.
func (m *Manager) ExecQuery(ctx context.Context, desc core.QueryDescriptor) core.ExecResult {
	data, err := m.execQuery(ctx, desc)
	if err != nil {
		return m.failure("query", desc.DataSourceID, err)
	}
	return core.ExecResult{Data: data}
}

func (m *Manager) execQuery(ctx context.Context, desc core.QueryDescriptor) (any, error) {
	ds, err := m.Get(desc.DataSourceID)
	if err != nil {
		return nil, err
	}

	data, err := ds.Exec(ctx, desc.Query, desc.Params)
	if err != nil {
		return nil, err
	}

	if t := desc.Transform; t != nil && t.Enabled && t.Expression != "" {
		return ApplyTransform(t.Expression, data)
	}
	return data, nil
}

// ExecPrivate runs a privileged query, such as introspection or an editor
// preview, against the data source with the given id.
func (m *Manager) ExecPrivate(ctx context.Context, id string, query json.RawMessage) core.ExecResult {
	ds, err := m.Get(id)
	if err != nil {
		return m.failure("private", id, err)
	}
	private, ok := ds.(core.PrivateDataSource)
	if !ok {
		err := &core.DomainError{
			Category: core.ErrCatValidation,
			Code:     core.CodeNoPrivateHandler,
			Name:     "NoPrivateHandlerError",
			Message:  fmt.Sprintf("data source %q has no private handler", id),
		}
		return m.failure("private", id, err)
	}

	data, err := private.ExecPrivate(ctx, query)
	if err != nil {
		return m.failure("private", id, err)
	}
	return core.ExecResult{Data: data}
}

// ExecDataNodeQuery resolves the query node called name in the application
// document and runs it. params override the node's default params.
func (m *Manager) ExecDataNodeQuery(ctx context.Context, name string, params map[string]any) core.ExecResult {
	if m.docs == nil {
		return m.failure("node", "", core.ErrNotFound("application document", name))
	}

	doc, err := m.docs.LoadDocument(ctx)
	if err != nil {
		return m.failure("node", "", err)
	}

	node := appdom.GetNodeByName(doc, name)
	if node == nil || node.Type != appdom.NodeQuery {
		err := core.ErrNotFound("query node", name)
		if suggestion := closest(name, appdom.Names(doc)); suggestion != "" {
			err.Message = fmt.Sprintf("%s (did you mean %q?)", err.Message, suggestion)
		}
		return m.failure("node", "", err)
	}

	desc, err := node.Descriptor(params)
	if err != nil {
		return m.failure("node", node.DataSource, err)
	}
	return m.ExecQuery(ctx, desc)
}

func (m *Manager) failure(op, id string, err error) core.ExecResult {
	level := m.logger.Debug
	if core.IsCategory(err, core.ErrCatInternal) || core.IsCategory(err, core.ErrCatRuntime) {
		level = m.logger.Warn
	}
	level("data source call failed", "op", op, "data_source", id, "error", err)
	return core.ExecResult{Error: core.Serialize(err)}
}

// Close closes every registered data source that holds resources.
func (m *Manager) Close() error {
	m.mu.Lock()
	sources := m.sources
	m.sources = make(map[string]core.DataSource)
	m.mu.Unlock()

	for id, ds := range sources {
		closeSource(id, ds, m.logger)
	}
	return nil
}

func closeSource(id string, ds core.DataSource, logger *logging.Logger) {
	c, ok := ds.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn("closing data source", "data_source", id, "error", err)
	}
}
