package datasource

import (
	"context"
	"fmt"
	"sort"

	"github.com/hugo-lorenzo-mato/fnhost/internal/config"
	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
	"github.com/hugo-lorenzo-mato/fnhost/internal/logging"
)

// Open creates the connector data source described by cfg, wrapped in a
// circuit breaker when cfg enables one.
func Open(ctx context.Context, id string, cfg config.DataSourceConfig, logger *logging.Logger) (core.DataSource, error) {
	var (
		ds  core.DataSource
		err error
	)
	switch cfg.Type {
	case config.DataSourceSQLite:
		ds, err = OpenSQLite(ctx, cfg.DSN, cfg.MaxConns)
	case config.DataSourcePostgres:
		ds, err = OpenPostgres(ctx, cfg.DSN, cfg.MaxConns)
	default:
		return nil, core.ErrValidation(core.CodeInvalidConfig,
			fmt.Sprintf("data source %q: unsupported type %q", id, cfg.Type))
	}
	if err != nil {
		return nil, fmt.Errorf("data source %q: %w", id, err)
	}

	if cfg.Breaker.Enabled {
		ds = WithBreaker(id, ds, BreakerSettings{
			MaxFailures: cfg.Breaker.MaxFailures,
			Timeout:     config.ParseDuration(cfg.Breaker.Timeout, 0),
			Interval:    config.ParseDuration(cfg.Breaker.Interval, 0),
		}, logger)
	}
	return ds, nil
}

// RegisterConfigured opens every configured data source and registers it on m.
// Sources that fail to open are logged and skipped so one unreachable backend
// does not keep the host from starting.
func RegisterConfigured(ctx context.Context, m *Manager, sources map[string]config.DataSourceConfig) []error {
	ids := make([]string, 0, len(sources))
	for id := range sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		ds, err := Open(ctx, id, sources[id], m.logger)
		if err != nil {
			m.logger.Warn("data source unavailable", "data_source", id, "error", err)
			errs = append(errs, err)
			continue
		}
		m.Register(id, ds)
		m.logger.Info("data source registered", "data_source", id, "type", sources[id].Type)
	}
	return errs
}
