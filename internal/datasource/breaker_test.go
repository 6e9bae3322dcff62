package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &stubSource{err: errors.New("connection refused")}
	ds := WithBreaker("db", inner, BreakerSettings{MaxFailures: 2, Timeout: time.Hour}, nil)
	b := ds.(*Breaker)

	for i := 0; i < 2; i++ {
		_, err := ds.Exec(context.Background(), nil, nil)
		require.EqualError(t, err, "connection refused")
	}
	assert.Equal(t, "open", b.State())

	_, err := ds.Exec(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, core.CodeQueryFailed, core.Serialize(err).Code)
	assert.Equal(t, int32(2), inner.calls.Load(), "open circuit does not reach the source")
}

func TestBreaker_CallerErrorsDoNotTrip(t *testing.T) {
	inner := &stubSource{err: core.ErrValidation(core.CodeInvalidQuery, "bad query")}
	ds := WithBreaker("db", inner, BreakerSettings{MaxFailures: 1, Timeout: time.Hour}, nil)

	for i := 0; i < 3; i++ {
		_, err := ds.Exec(context.Background(), nil, nil)
		require.Error(t, err)
	}
	assert.Equal(t, "closed", ds.(*Breaker).State())
	assert.Equal(t, int32(3), inner.calls.Load())

	inner.err = context.Canceled
	_, _ = ds.Exec(context.Background(), nil, nil)
	assert.Equal(t, "closed", ds.(*Breaker).State())
}

func TestBreaker_HalfOpenProbeRecovers(t *testing.T) {
	inner := &stubSource{err: errors.New("down")}
	ds := WithBreaker("db", inner, BreakerSettings{MaxFailures: 1, Timeout: 20 * time.Millisecond}, nil)
	b := ds.(*Breaker)

	_, _ = ds.Exec(context.Background(), nil, nil)
	require.Equal(t, "open", b.State())

	time.Sleep(40 * time.Millisecond)
	inner.err = nil
	inner.data = "ok"

	out, err := ds.Exec(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_PrivatePassthrough(t *testing.T) {
	plain := WithBreaker("a", &stubSource{}, BreakerSettings{}, nil)
	_, ok := plain.(core.PrivateDataSource)
	assert.False(t, ok, "breaker must not invent a private handler")

	rich := WithBreaker("b", &stubPrivateSource{privateData: 42}, BreakerSettings{}, nil)
	private, ok := rich.(core.PrivateDataSource)
	require.True(t, ok)

	out, err := private.ExecPrivate(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestBreaker_CloseClosesInner(t *testing.T) {
	inner := &stubSource{}
	ds := WithBreaker("db", inner, BreakerSettings{}, nil)
	require.NoError(t, ds.(*Breaker).Close())
	assert.True(t, inner.closed.Load())
}
