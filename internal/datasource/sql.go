package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
)

// Statement modes.
const (
	ModeAuto  = ""
	ModeQuery = "query"
	ModeExec  = "exec"
)

// sqlQuery is the query payload of SQL data sources: a bare SQL string or
// {"sql": "...", "mode": "query"|"exec"}.
type sqlQuery struct {
	SQL  string `json:"sql"`
	Mode string `json:"mode"`
}

var rowKeywords = map[string]bool{
	"SELECT":  true,
	"WITH":    true,
	"PRAGMA":  true,
	"VALUES":  true,
	"EXPLAIN": true,
	"SHOW":    true,
	"TABLE":   true,
}

func parseSQLQuery(raw json.RawMessage) (sqlQuery, error) {
	var q sqlQuery
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		return q, core.ErrValidation(core.CodeInvalidQuery, "empty query")
	case trimmed[0] == '"':
		if err := json.Unmarshal(trimmed, &q.SQL); err != nil {
			return q, core.ErrValidation(core.CodeInvalidQuery, "invalid query").WithCause(err)
		}
	default:
		if err := json.Unmarshal(trimmed, &q); err != nil {
			return q, core.ErrValidation(core.CodeInvalidQuery, "invalid query").WithCause(err)
		}
	}

	q.SQL = strings.TrimSpace(q.SQL)
	if q.SQL == "" {
		return q, core.ErrValidation(core.CodeInvalidQuery, "query has no sql")
	}
	switch q.Mode {
	case ModeAuto:
		q.Mode = detectMode(q.SQL)
	case ModeQuery, ModeExec:
	default:
		return q, core.ErrValidation(core.CodeInvalidQuery, "mode must be query or exec")
	}
	return q, nil
}

// detectMode reports whether a statement produces rows.
func detectMode(stmt string) string {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return ModeExec
	}
	first := strings.ToUpper(strings.TrimLeft(fields[0], "("))
	if rowKeywords[first] {
		return ModeQuery
	}
	for _, f := range fields[1:] {
		if strings.EqualFold(f, "RETURNING") {
			return ModeQuery
		}
	}
	return ModeExec
}

// bindValue maps decoded JSON values onto driver friendly ones: integral
// numbers become int64, objects and arrays become JSON text.
func bindValue(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return v
		}
		return string(b)
	}
	return v
}

func sortedKeys(params map[string]any) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// columnValue makes scanned values JSON friendly.
func columnValue(v any) any {
	if b, ok := v.([]byte); ok {
		if utf8.Valid(b) {
			return string(b)
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out
	}
	return v
}

// ExecSummary is the result of a statement that returns no rows.
type ExecSummary struct {
	RowsAffected int64  `json:"rowsAffected"`
	LastInsertID *int64 `json:"lastInsertId,omitempty"`
}

func queryError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.ErrTimeout("query timed out").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return core.ErrExecution(core.CodeQueryFailed, "query failed").WithCause(err)
}
