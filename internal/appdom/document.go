// Package appdom loads the application document: the YAML file that names
// the queries an application runs and the data sources they target.
package appdom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
	"github.com/hugo-lorenzo-mato/fnhost/internal/fsutil"
)

// Node types.
const (
	NodeQuery = "query"
)

// Document is the parsed application document.
type Document struct {
	Version int     `yaml:"version" json:"version"`
	Name    string  `yaml:"name,omitempty" json:"name,omitempty"`
	Nodes   []*Node `yaml:"nodes" json:"nodes"`
}

// Node is a named element of the document. Only query nodes are executable.
type Node struct {
	Name       string          `yaml:"name" json:"name"`
	Type       string          `yaml:"type" json:"type"`
	DataSource string          `yaml:"dataSource" json:"dataSource"`
	Query      any             `yaml:"query" json:"query,omitempty"`
	Params     map[string]any  `yaml:"params,omitempty" json:"params,omitempty"`
	Transform  *core.Transform `yaml:"transform,omitempty" json:"transform,omitempty"`
}

// Descriptor builds the query descriptor for this node. Caller params
// override the node's default params.
func (n *Node) Descriptor(params map[string]any) (core.QueryDescriptor, error) {
	raw, err := json.Marshal(n.Query)
	if err != nil {
		return core.QueryDescriptor{}, core.ErrValidation(core.CodeInvalidQuery,
			fmt.Sprintf("query node %q: encoding query", n.Name)).WithCause(err)
	}

	merged := make(map[string]any, len(n.Params)+len(params))
	maps.Copy(merged, n.Params)
	maps.Copy(merged, params)

	return core.QueryDescriptor{
		DataSourceID: n.DataSource,
		Query:        raw,
		Params:       merged,
		Transform:    n.Transform,
	}, nil
}

// GetNodeByName returns the node called name, or nil.
func GetNodeByName(doc *Document, name string) *Node {
	if doc == nil {
		return nil
	}
	for _, n := range doc.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// Names returns the sorted names of all nodes in doc.
func Names(doc *Document) []string {
	if doc == nil {
		return nil
	}
	names := make([]string, 0, len(doc.Nodes))
	for _, n := range doc.Nodes {
		names = append(names, n.Name)
	}
	sort.Strings(names)
	return names
}

// Parse decodes and validates a document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "parsing application document").WithCause(err)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *Document) validate() error {
	seen := make(map[string]struct{}, len(d.Nodes))
	var problems []string
	for i, n := range d.Nodes {
		if n == nil {
			problems = append(problems, fmt.Sprintf("nodes[%d]: empty node", i))
			continue
		}
		if n.Type == "" {
			n.Type = NodeQuery
		}
		switch {
		case strings.TrimSpace(n.Name) == "":
			problems = append(problems, fmt.Sprintf("nodes[%d]: name is required", i))
		case n.Type == NodeQuery && n.DataSource == "":
			problems = append(problems, fmt.Sprintf("nodes[%d] %q: dataSource is required", i, n.Name))
		}
		if _, dup := seen[n.Name]; dup && n.Name != "" {
			problems = append(problems, fmt.Sprintf("nodes[%d]: duplicate name %q", i, n.Name))
		}
		seen[n.Name] = struct{}{}
	}
	if len(problems) > 0 {
		return core.ErrValidation(core.CodeInvalidConfig,
			"invalid application document: "+strings.Join(problems, "; "))
	}
	return nil
}

// Store reads the document from a file. A missing file is an empty document.
type Store struct {
	path string

	mu      sync.Mutex
	modTime int64
	size    int64
	cached  *Document
}

// NewStore creates a store for the document at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the document path.
func (s *Store) Path() string {
	return s.path
}

// LoadDocument returns the current document, re-reading the file when it changed.
func (s *Store) LoadDocument(ctx context.Context) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Document{Version: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat application document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && info.ModTime().UnixNano() == s.modTime && info.Size() == s.size {
		return s.cached, nil
	}

	data, err := fsutil.ReadFileScoped(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading application document: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	s.cached = doc
	s.modTime = info.ModTime().UnixNano()
	s.size = info.Size()
	return doc, nil
}
