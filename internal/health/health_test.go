package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/registry-resilience/internal/backend"
	"github.com/joao-brasil/registry-resilience/internal/metrics"
	"github.com/joao-brasil/registry-resilience/internal/pool"
	"github.com/joao-brasil/registry-resilience/pkg/credential"
)

type probeHandle struct {
	probeErr error
	closed   bool
}

func (h *probeHandle) Query(context.Context, string, backend.Selector) (backend.Rows, error) {
	return nil, nil
}
func (h *probeHandle) Probe(context.Context) error { return h.probeErr }
func (h *probeHandle) Close() error                { h.closed = true; return nil }

type probeFactory struct {
	openErr  error
	probeErr error
}

func (f probeFactory) Open(context.Context, credential.Class) (backend.Handle, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &probeHandle{probeErr: f.probeErr}, nil
}

func newProbePool(t *testing.T, f probeFactory) *pool.Pool {
	t.Helper()
	p, err := pool.New(pool.Config{MaxConnections: 1, ConnectionTimeout: time.Second}, f)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

type pingerFunc func(ctx context.Context) error

func (p pingerFunc) Ping(ctx context.Context) error { return p(ctx) }

type fixedStats pool.Stats

func (s fixedStats) Stats() pool.Stats { return pool.Stats(s) }

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker("registryd-1", time.Second)
	c.Register("backend-restricted", BackendProbe(newProbePool(t, probeFactory{}), credential.Restricted))
	c.Register("redis", PingProbe(pingerFunc(func(context.Context) error { return nil })))
	c.Register("pool", PoolProbe(fixedStats{Active: 1, Total: 2, Available: 1, Max: 4, UtilizationPercentage: 50}, 90))
	c.Register("queries", QueryProbe(metrics.NewRecorder(10, time.Second)))

	rep := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, rep.Status)
	assert.Equal(t, "registryd-1", rep.InstanceID)
	require.Len(t, rep.Components, 4)

	names := make([]string, len(rep.Components))
	for i, comp := range rep.Components {
		names[i] = comp.Name
		assert.Equal(t, StatusHealthy, comp.Status)
	}
	assert.Equal(t, []string{"backend-restricted", "pool", "queries", "redis"}, names)
	assert.Contains(t, rep.Components[1].Message, "utilization=50%")
}

func TestChecker_UnhealthyComponent(t *testing.T) {
	c := NewChecker("registryd-1", time.Second)
	broken := newProbePool(t, probeFactory{probeErr: errors.New("reset")})
	c.Register("backend-elevated", BackendProbe(newProbePool(t, probeFactory{openErr: errors.New("secret missing")}), credential.Elevated))
	c.Register("backend-restricted", BackendProbe(broken, credential.Restricted))
	c.Register("pool", PoolProbe(fixedStats{Active: 4, Total: 4, Max: 4, UtilizationPercentage: 100}, 90))

	rep := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, rep.Status)
	assert.Equal(t, StatusUnhealthy, rep.Components[0].Status)
	assert.Contains(t, rep.Components[0].Message, "secret missing")
	assert.Contains(t, rep.Components[1].Message, "probe failed")
	assert.Equal(t, StatusDegraded, rep.Components[2].Status)
	assert.Zero(t, broken.Stats().Total, "connection that failed the probe is discarded")
}

func TestBackendProbe_StaysWithinPoolCap(t *testing.T) {
	f := &countingProbeFactory{}
	p, err := pool.New(pool.Config{MaxConnections: 1, ConnectionTimeout: time.Second}, f)
	require.NoError(t, err)
	defer p.Close()
	probe := BackendProbe(p, credential.Restricted)

	for i := 0; i < 3; i++ {
		ch, err := probe(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "connected", ch.Message)
	}
	assert.EqualValues(t, 1, f.opened, "probes reuse the pooled connection")

	conn, err := p.Get(context.Background(), credential.Restricted)
	require.NoError(t, err)
	defer p.Release(conn)

	ch, err := probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, ch.Status)
	assert.EqualValues(t, 1, f.opened, "a saturated pool opens nothing for the probe")
}

type countingProbeFactory struct{ opened int }

func (f *countingProbeFactory) Open(context.Context, credential.Class) (backend.Handle, error) {
	f.opened++
	return &probeHandle{}, nil
}

func TestChecker_DegradedPool(t *testing.T) {
	c := NewChecker("registryd-1", time.Second)
	c.Register("pool", PoolProbe(fixedStats{Active: 4, Total: 4, Max: 4, UtilizationPercentage: 100}, 90))

	assert.Equal(t, StatusDegraded, c.Check(context.Background()).Status)
}

func TestChecker_ProbeTimeout(t *testing.T) {
	c := NewChecker("registryd-1", 10*time.Millisecond)
	c.Register("redis", PingProbe(pingerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})))

	rep := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, rep.Status)
	assert.Contains(t, rep.Components[0].Message, "deadline exceeded")
}

func TestHandler(t *testing.T) {
	healthy := NewChecker("registryd-1", time.Second)
	healthy.Register("redis", PingProbe(pingerFunc(func(context.Context) error { return nil })))

	failing := NewChecker("registryd-1", time.Second)
	failing.Register("redis", PingProbe(pingerFunc(func(context.Context) error { return errors.New("down") })))

	cases := []struct {
		name    string
		checker *Checker
		path    string
		code    int
	}{
		{"healthy report", healthy, "/health", http.StatusOK},
		{"healthy ready", healthy, "/health/ready", http.StatusOK},
		{"unhealthy report", failing, "/health", http.StatusServiceUnavailable},
		{"unhealthy ready", failing, "/health/ready", http.StatusServiceUnavailable},
		{"live ignores components", failing, "/health/live", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tc.checker.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))

			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["status"])
		})
	}
}
