package datasource

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqlitePingTimeout = 2 * time.Second

// SQLiteSource runs SQL against a SQLite database. Parameters bind by name:
// :name, @name or $name.
type SQLiteSource struct {
	db  *sql.DB
	dsn string
}

// OpenSQLite opens the database at dsn, a file path or a file: URI.
func OpenSQLite(ctx context.Context, dsn string, maxConns int) (*SQLiteSource, error) {
	conn := dsn
	if !strings.Contains(conn, "_pragma=busy_timeout") {
		sep := "?"
		if strings.Contains(conn, "?") {
			sep = "&"
		}
		conn += sep + "_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", conn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// Each connection to an in-memory database sees its own database.
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		maxConns = 1
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, sqlitePingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	return &SQLiteSource{db: db, dsn: dsn}, nil
}

// Kind implements Kinder.
func (s *SQLiteSource) Kind() string { return "sqlite" }

// DB returns the underlying database handle.
func (s *SQLiteSource) DB() *sql.DB { return s.db }

// Exec runs the statement in query with params bound by name. Row producing
// statements return []map[string]any; others return an ExecSummary.
func (s *SQLiteSource) Exec(ctx context.Context, query json.RawMessage, params map[string]any) (any, error) {
	q, err := parseSQLQuery(query)
	if err != nil {
		return nil, err
	}

	args := make([]any, 0, len(params))
	for _, k := range sortedKeys(params) {
		args = append(args, sql.Named(k, bindValue(params[k])))
	}

	if q.Mode == ModeExec {
		res, err := s.db.ExecContext(ctx, q.SQL, args...)
		if err != nil {
			return nil, queryError(ctx, err)
		}
		summary := &ExecSummary{}
		summary.RowsAffected, _ = res.RowsAffected()
		if id, err := res.LastInsertId(); err == nil && id != 0 {
			summary.LastInsertID = &id
		}
		return summary, nil
	}

	rows, err := s.db.QueryContext(ctx, q.SQL, args...)
	if err != nil {
		return nil, queryError(ctx, err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, queryError(ctx, err)
	}
	return out, nil
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0)
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = columnValue(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Ping checks the database is reachable.
func (s *SQLiteSource) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}
