package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
	"github.com/hugo-lorenzo-mato/fnhost/internal/logging"
)

// Default circuit breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerSettings configures circuit breaking around a data source.
type BreakerSettings struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a probe is allowed.
	Timeout time.Duration
	// Interval clears failure counts periodically while the circuit is closed.
	Interval time.Duration
}

// Breaker wraps a data source so that repeated backend failures fail fast.
// Caller errors such as invalid queries do not count as failures.
type Breaker struct {
	id      string
	inner   core.DataSource
	breaker *gobreaker.CircuitBreaker[any]
}

// privateBreaker is a Breaker whose inner source has a private handler.
type privateBreaker struct {
	*Breaker
	private core.PrivateDataSource
}

// WithBreaker wraps inner in a circuit breaker. The result implements
// core.PrivateDataSource only when inner does.
func WithBreaker(id string, inner core.DataSource, settings BreakerSettings, logger *logging.Logger) core.DataSource {
	if logger == nil {
		logger = logging.NewNop()
	}
	maxFailures := settings.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := settings.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := settings.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	b := &Breaker{id: id, inner: inner}
	b.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "datasource:" + id,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: isBackendHealthy,
	})

	if private, ok := inner.(core.PrivateDataSource); ok {
		return &privateBreaker{Breaker: b, private: private}
	}
	return b
}

// isBackendHealthy reports whether err says nothing about backend health.
func isBackendHealthy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	switch core.GetCategory(err) {
	case core.ErrCatValidation, core.ErrCatNotFound:
		return true
	}
	return false
}

// Kind implements Kinder.
func (b *Breaker) Kind() string {
	if k, ok := b.inner.(Kinder); ok {
		return k.Kind()
	}
	return "custom"
}

// State returns the circuit state: closed, half-open or open.
func (b *Breaker) State() string {
	return b.breaker.State().String()
}

// Exec implements core.DataSource.
func (b *Breaker) Exec(ctx context.Context, query json.RawMessage, params map[string]any) (any, error) {
	return b.execute(func() (any, error) {
		return b.inner.Exec(ctx, query, params)
	})
}

// Close closes the inner source when it holds resources.
func (b *Breaker) Close() error {
	if c, ok := b.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (b *Breaker) execute(fn func() (any, error)) (any, error) {
	out, err := b.breaker.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, core.ErrExecution(core.CodeQueryFailed,
				fmt.Sprintf("data source %q circuit open", b.id)).WithCause(err)
		}
		return nil, err
	}
	return out, nil
}

// ExecPrivate implements core.PrivateDataSource.
func (p *privateBreaker) ExecPrivate(ctx context.Context, query json.RawMessage) (any, error) {
	return p.execute(func() (any, error) {
		return p.private.ExecPrivate(ctx, query)
	})
}
