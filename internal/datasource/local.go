package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
)

// Private actions supported by the local data source.
const (
	ActionIntrospect = "introspect"
	ActionDebugExec  = "debugExec"
)

// LocalSource runs queries as calls to user functions in the isolated runtime.
type LocalSource struct {
	runner core.FunctionRunner
}

// NewLocalSource creates the local data source.
func NewLocalSource(runner core.FunctionRunner) *LocalSource {
	return &LocalSource{runner: runner}
}

// Kind implements Kinder.
func (s *LocalSource) Kind() string { return "local" }

type localQuery struct {
	Function   string         `json:"function"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
}

// parseLocalQuery accepts either a bare function name or an object.
func parseLocalQuery(raw json.RawMessage) (localQuery, error) {
	var q localQuery
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return q, core.ErrValidation(core.CodeInvalidQuery, "empty query")
	}
	if trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &q.Function); err != nil {
			return q, core.ErrValidation(core.CodeInvalidQuery, "invalid query").WithCause(err)
		}
		return q, nil
	}
	if err := json.Unmarshal(trimmed, &q); err != nil {
		return q, core.ErrValidation(core.CodeInvalidQuery, "invalid query").WithCause(err)
	}
	return q, nil
}

// Exec calls the function named by query with params.
func (s *LocalSource) Exec(ctx context.Context, query json.RawMessage, params map[string]any) (any, error) {
	q, err := parseLocalQuery(query)
	if err != nil {
		return nil, err
	}
	if q.Function == "" {
		return nil, core.ErrValidation(core.CodeInvalidQuery, "query names no function")
	}
	return s.runner.Execute(ctx, q.Function, params)
}

// DebugResult is the response to a debugExec private call.
type DebugResult struct {
	Data       json.RawMessage `json:"data"`
	DurationMs int64           `json:"durationMs"`
}

// ExecPrivate handles introspect and debugExec actions.
func (s *LocalSource) ExecPrivate(ctx context.Context, query json.RawMessage) (any, error) {
	q, err := parseLocalQuery(query)
	if err != nil {
		return nil, err
	}
	switch q.Action {
	case ActionIntrospect:
		return s.runner.Introspect(ctx)
	case ActionDebugExec:
		if q.Function == "" {
			return nil, core.ErrValidation(core.CodeInvalidQuery, "debugExec requires a function")
		}
		start := time.Now()
		data, err := s.runner.Execute(ctx, q.Function, q.Parameters)
		if err != nil {
			return nil, err
		}
		return &DebugResult{Data: data, DurationMs: time.Since(start).Milliseconds()}, nil
	default:
		return nil, core.ErrValidation(core.CodeInvalidQuery, fmt.Sprintf("unknown private action %q", q.Action))
	}
}
