package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/registry-resilience/pkg/credential"
)

const minimalYAML = `
pool:
  max_connections: 4
backend:
  restricted:
    driver: pgx
    host: db.internal
    port: 5432
    database: registry
    username: registry_app
    password: app-secret
`

const fullYAML = `
pool:
  max_connections: 8
  idle_timeout: 100ms
  connection_timeout: 2s
  retry_attempts: -1
  retry_backoff: 250ms
  health_check_interval: 15s
executor:
  timeout: 3s
  retry_attempts: 2
  base_delay: 500ms
  slow_query_threshold: 1s
  metrics_window: 200
cache:
  default_ttl: 60s
  sweep_interval: 10s
  max_entries: -1
  shared:
    enabled: true
    key_prefix: "reg:"
backend:
  restricted:
    driver: sqlserver
    host: mssql
    port: 1433
    database: registry
    username: app
    password: app
  elevated:
    driver: sqlserver
    host: mssql
    port: 1433
    database: registry
    username: admin
redis:
  addr: redis:6379
  db: 2
coordinator:
  enabled: true
  global_max_connections: 24
  fallback_enabled: true
server:
  instance_id: registryd-a
  health_check_port: 18080
  metrics_port: 19090
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Pool.MaxConnections)
	assert.Equal(t, 5*time.Minute, cfg.Pool.IdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.Pool.ConnectionTimeout)
	assert.Equal(t, 3, cfg.Pool.RetryAttempts)
	assert.Equal(t, time.Second, cfg.Pool.RetryBackoff)

	assert.Equal(t, 10*time.Second, cfg.Executor.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Executor.SlowQueryThreshold)
	assert.Equal(t, 1000, cfg.Executor.MetricsWindow)

	assert.Equal(t, 5000, cfg.Cache.MaxEntries)
	assert.Equal(t, "registry:cache:", cfg.Cache.Shared.KeyPrefix)
	assert.False(t, cfg.RedisRequired())

	assert.Equal(t, 30*time.Second, cfg.Backend.Restricted.ConnectionTimeout)
	assert.Equal(t, 8080, cfg.Server.HealthCheckPort)
	assert.Equal(t, 9090, cfg.Server.MetricsPort)
	assert.Equal(t, 8081, cfg.Server.APIPort)
	assert.NotEmpty(t, cfg.Server.InstanceID)

	profiles := cfg.Profiles()
	assert.Len(t, profiles, 1)
	assert.Contains(t, profiles, credential.Restricted)
}

func TestLoad_Full(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullYAML))
	require.NoError(t, err)

	p := cfg.PoolSettings()
	assert.Equal(t, 8, p.MaxConnections)
	assert.Equal(t, 100*time.Millisecond, p.IdleTimeout)
	assert.Equal(t, -1, p.RetryAttempts, "negative disables pool retries")
	assert.Equal(t, 250*time.Millisecond, p.RetryBackoff)

	e := cfg.ExecutorSettings()
	assert.Equal(t, 3*time.Second, e.Timeout)
	assert.Equal(t, 2, e.RetryAttempts)
	assert.Equal(t, 500*time.Millisecond, e.BaseDelay)
	assert.Equal(t, 60*time.Second, e.CacheTTL)

	c := cfg.CacheSettings()
	assert.Equal(t, -1, c.MaxEntries, "negative means unbounded")
	assert.Equal(t, 10*time.Second, c.SweepInterval)

	shared := cfg.SharedCacheSettings()
	assert.Equal(t, "redis:6379", shared.Addr)
	assert.Equal(t, 2, shared.DB)
	assert.Equal(t, "reg:", shared.KeyPrefix)
	assert.True(t, cfg.RedisRequired())

	co := cfg.CoordinatorSettings()
	assert.Equal(t, "registryd-a", co.InstanceID)
	assert.Equal(t, map[string]int{"restricted": 24, "elevated": 24}, co.Limits)
	assert.True(t, co.FallbackEnabled)
	assert.Equal(t, 3, co.LocalLimitDivisor)

	profiles := cfg.Profiles()
	assert.Len(t, profiles, 2)
	assert.Empty(t, profiles[credential.Elevated].Password)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvElevatedPassword, "service-role-secret")
	t.Setenv(EnvRestrictedPassword, "rotated")
	t.Setenv(EnvRedisPassword, "redis-secret")

	cfg, err := Load(writeConfig(t, fullYAML))
	require.NoError(t, err)

	assert.Equal(t, "service-role-secret", cfg.Backend.Elevated.Password)
	assert.Equal(t, "rotated", cfg.Backend.Restricted.Password)
	assert.Equal(t, "redis-secret", cfg.SharedCacheSettings().Password)
	assert.Equal(t, "redis-secret", cfg.CoordinatorSettings().Password)
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing max connections",
			yaml: strings.Replace(minimalYAML, "max_connections: 4", "max_connections: 0", 1),
			want: "pool.max_connections",
		},
		{
			name: "missing restricted backend",
			yaml: "pool:\n  max_connections: 2\n",
			want: "backend.restricted",
		},
		{
			name: "unsupported driver",
			yaml: strings.Replace(minimalYAML, "driver: pgx", "driver: oracle", 1),
			want: "unsupported driver",
		},
		{
			name: "coordinator without global max",
			yaml: minimalYAML + "coordinator:\n  enabled: true\n",
			want: "coordinator.global_max_connections",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Parse([]byte("pool: [unclosed"))
	assert.Error(t, err)
}
