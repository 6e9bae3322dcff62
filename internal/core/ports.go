package core

import (
	"context"
	"encoding/json"
)

// =============================================================================
// Dispatch ports
// =============================================================================

// Transform is the optional post-processing step applied to a query result.
type Transform struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Expression string `json:"expression" yaml:"expression"`
}

// QueryDescriptor identifies a query to run against a data source. The caller
// supplies it per invocation; it is not persisted here.
type QueryDescriptor struct {
	DataSourceID string          `json:"dataSource"`
	Query        json.RawMessage `json:"query,omitempty"`
	Params       map[string]any  `json:"params,omitempty"`
	Transform    *Transform      `json:"transform,omitempty"`
}

// ExecResult is the {data} | {error} shape returned to dispatch callers.
type ExecResult struct {
	Data  any              `json:"data,omitempty"`
	Error *SerializedError `json:"error,omitempty"`
}

// DataSource executes queries for one backend connector.
type DataSource interface {
	// Exec runs query with the given parameters and returns the raw result data.
	Exec(ctx context.Context, query json.RawMessage, params map[string]any) (any, error)
}

// PrivateDataSource is implemented by data sources that support privileged calls
// such as introspection or editor previews.
type PrivateDataSource interface {
	DataSource
	ExecPrivate(ctx context.Context, query json.RawMessage) (any, error)
}

// =============================================================================
// Function runtime port
// =============================================================================

// FunctionInfo describes one function registered in the runtime.
type FunctionInfo struct {
	Name       string         `json:"name"`
	File       string         `json:"file,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Introspection is the manifest returned by the runtime's introspect call.
type Introspection struct {
	Functions []FunctionInfo `json:"functions"`
}

// FunctionRunner invokes user functions in the isolated runtime.
type FunctionRunner interface {
	Execute(ctx context.Context, name string, params map[string]any) (json.RawMessage, error)
	Introspect(ctx context.Context) (*Introspection, error)
}
