package datasource

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource runs SQL against PostgreSQL through a connection pool.
// Parameters bind by name with @name placeholders.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// OpenPostgres creates a pool for dsn. Connections are established lazily.
func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*PostgresSource, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	return &PostgresSource{pool: pool}, nil
}

// Kind implements Kinder.
func (s *PostgresSource) Kind() string { return "postgres" }

// Exec runs the statement in query with params as named arguments. Row
// producing statements return []map[string]any; others return an ExecSummary.
func (s *PostgresSource) Exec(ctx context.Context, query json.RawMessage, params map[string]any) (any, error) {
	q, err := parseSQLQuery(query)
	if err != nil {
		return nil, err
	}

	args := make(pgx.NamedArgs, len(params))
	for k, v := range params {
		args[k] = bindValue(v)
	}

	if q.Mode == ModeExec {
		tag, err := s.pool.Exec(ctx, q.SQL, args)
		if err != nil {
			return nil, queryError(ctx, err)
		}
		return &ExecSummary{RowsAffected: tag.RowsAffected()}, nil
	}

	rows, err := s.pool.Query(ctx, q.SQL, args)
	if err != nil {
		return nil, queryError(ctx, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, queryError(ctx, err)
	}
	for _, row := range out {
		for k, v := range row {
			row[k] = columnValue(v)
		}
	}
	return out, nil
}

// Ping checks the database is reachable.
func (s *PostgresSource) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PostgresSource) Close() error {
	s.pool.Close()
	return nil
}
