// Package config handles loading and validating the registry daemon
// configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/joao-brasil/registry-resilience/internal/cache"
	"github.com/joao-brasil/registry-resilience/internal/coordinator"
	"github.com/joao-brasil/registry-resilience/internal/executor"
	"github.com/joao-brasil/registry-resilience/internal/pool"
	"github.com/joao-brasil/registry-resilience/pkg/credential"
)

// Environment variables that override secrets from the file.
const (
	EnvElevatedPassword   = "REGISTRY_ELEVATED_PASSWORD"
	EnvRestrictedPassword = "REGISTRY_RESTRICTED_PASSWORD"
	EnvRedisPassword      = "REGISTRY_REDIS_PASSWORD"
)

// PoolConfig holds the connection pool limits.
type PoolConfig struct {
	MaxConnections      int           `yaml:"max_connections"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	ConnectionTimeout   time.Duration `yaml:"connection_timeout"`
	RetryAttempts       int           `yaml:"retry_attempts"` // negative disables retries
	RetryBackoff        time.Duration `yaml:"retry_backoff"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// ExecutorConfig holds the query execution defaults.
type ExecutorConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	RetryAttempts      int           `yaml:"retry_attempts"` // negative disables retries
	BaseDelay          time.Duration `yaml:"base_delay"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`
	MetricsWindow      int           `yaml:"metrics_window"`
}

// SharedCacheConfig enables the Redis cache tier.
type SharedCacheConfig struct {
	Enabled   bool   `yaml:"enabled"`
	KeyPrefix string `yaml:"key_prefix"`
}

// CacheConfig holds the query cache settings.
type CacheConfig struct {
	Disabled      bool              `yaml:"disabled"`
	DefaultTTL    time.Duration     `yaml:"default_ttl"`
	SweepInterval time.Duration     `yaml:"sweep_interval"`
	MaxEntries    int               `yaml:"max_entries"` // negative means unbounded
	Shared        SharedCacheConfig `yaml:"shared"`
}

// BackendConfig holds one connection profile per credential class.
type BackendConfig struct {
	Restricted credential.Profile `yaml:"restricted"`
	Elevated   credential.Profile `yaml:"elevated"`
}

// RedisConfig holds the Redis connection used by the shared cache and the
// coordinator.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// CoordinatorConfig holds the cluster-wide connection limit settings.
type CoordinatorConfig struct {
	Enabled              bool          `yaml:"enabled"`
	GlobalMaxConnections int           `yaml:"global_max_connections"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL         time.Duration `yaml:"heartbeat_ttl"`
	FallbackEnabled      bool          `yaml:"fallback_enabled"`
	LocalLimitDivisor    int           `yaml:"local_limit_divisor"`
}

// ServerConfig holds the daemon's HTTP endpoints.
type ServerConfig struct {
	InstanceID      string `yaml:"instance_id"`
	HealthCheckPort int    `yaml:"health_check_port"`
	MetricsPort     int    `yaml:"metrics_port"`
	APIPort         int    `yaml:"api_port"` // records read API, 0 takes the default
}

// Config is the root configuration structure.
type Config struct {
	Pool        PoolConfig        `yaml:"pool"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Cache       CacheConfig       `yaml:"cache"`
	Backend     BackendConfig     `yaml:"backend"`
	Redis       RedisConfig       `yaml:"redis"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Server      ServerConfig      `yaml:"server"`
}

// Load reads and parses the configuration file, applies environment
// overrides, validates it and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyEnv overrides secrets with environment variables when set.
func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvElevatedPassword); ok {
		c.Backend.Elevated.Password = v
	}
	if v, ok := os.LookupEnv(EnvRestrictedPassword); ok {
		c.Backend.Restricted.Password = v
	}
	if v, ok := os.LookupEnv(EnvRedisPassword); ok {
		c.Redis.Password = v
	}
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if c.Pool.MaxConnections <= 0 {
		return fmt.Errorf("pool.max_connections must be positive")
	}
	if !c.Backend.Restricted.Configured() {
		return fmt.Errorf("backend.restricted driver and host are required")
	}
	if _, err := c.Backend.Restricted.DSN(); err != nil {
		return fmt.Errorf("backend.restricted: %w", err)
	}
	// The elevated profile may be absent; opening it then fails at runtime.
	if c.Backend.Elevated.Configured() {
		if _, err := c.Backend.Elevated.DSN(); err != nil {
			return fmt.Errorf("backend.elevated: %w", err)
		}
	}
	if c.Coordinator.Enabled && c.Coordinator.GlobalMaxConnections <= 0 {
		return fmt.Errorf("coordinator.global_max_connections is required when the coordinator is enabled")
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = 5 * time.Minute
	}
	if c.Pool.ConnectionTimeout == 0 {
		c.Pool.ConnectionTimeout = 30 * time.Second
	}
	if c.Pool.RetryAttempts == 0 {
		c.Pool.RetryAttempts = 3
	}
	if c.Pool.RetryBackoff == 0 {
		c.Pool.RetryBackoff = time.Second
	}
	if c.Pool.HealthCheckInterval == 0 {
		c.Pool.HealthCheckInterval = 30 * time.Second
	}

	if c.Executor.Timeout == 0 {
		c.Executor.Timeout = executor.DefaultTimeout
	}
	if c.Executor.RetryAttempts == 0 {
		c.Executor.RetryAttempts = executor.DefaultRetryAttempts
	}
	if c.Executor.BaseDelay == 0 {
		c.Executor.BaseDelay = executor.DefaultBaseDelay
	}
	if c.Executor.SlowQueryThreshold == 0 {
		c.Executor.SlowQueryThreshold = 2 * time.Second
	}
	if c.Executor.MetricsWindow == 0 {
		c.Executor.MetricsWindow = 1000
	}

	if c.Cache.DefaultTTL == 0 {
		c.Cache.DefaultTTL = cache.DefaultTTL
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = time.Minute
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 5000
	}
	if c.Cache.Shared.KeyPrefix == "" {
		c.Cache.Shared.KeyPrefix = cache.DefaultKeyPrefix
	}

	for _, p := range []*credential.Profile{&c.Backend.Restricted, &c.Backend.Elevated} {
		if p.ConnectionTimeout == 0 {
			p.ConnectionTimeout = c.Pool.ConnectionTimeout
		}
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	if c.Coordinator.HeartbeatInterval == 0 {
		c.Coordinator.HeartbeatInterval = 10 * time.Second
	}
	if c.Coordinator.HeartbeatTTL == 0 {
		c.Coordinator.HeartbeatTTL = 30 * time.Second
	}
	if c.Coordinator.LocalLimitDivisor == 0 {
		c.Coordinator.LocalLimitDivisor = 3
	}

	if c.Server.HealthCheckPort == 0 {
		c.Server.HealthCheckPort = 8080
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Server.APIPort == 0 {
		c.Server.APIPort = 8081
	}
	if c.Server.InstanceID == "" {
		// A fresh suffix per start keeps a restarted process from inheriting
		// the slots of its previous incarnation.
		hostname, _ := os.Hostname()
		c.Server.InstanceID = hostname + "-" + uuid.NewString()[:8]
	}
}

// RedisRequired reports whether any component needs Redis.
func (c *Config) RedisRequired() bool {
	return c.Coordinator.Enabled || (c.Cache.Shared.Enabled && !c.Cache.Disabled)
}

// Profiles returns the configured backend profile per credential class.
func (c *Config) Profiles() map[credential.Class]credential.Profile {
	profiles := map[credential.Class]credential.Profile{
		credential.Restricted: c.Backend.Restricted,
	}
	if c.Backend.Elevated.Configured() {
		profiles[credential.Elevated] = c.Backend.Elevated
	}
	return profiles
}

// PoolSettings maps the pool section to pool.Config.
func (c *Config) PoolSettings() pool.Config {
	return pool.Config{
		MaxConnections:      c.Pool.MaxConnections,
		IdleTimeout:         c.Pool.IdleTimeout,
		ConnectionTimeout:   c.Pool.ConnectionTimeout,
		RetryAttempts:       c.Pool.RetryAttempts,
		RetryBackoff:        c.Pool.RetryBackoff,
		HealthCheckInterval: c.Pool.HealthCheckInterval,
	}
}

// ExecutorSettings maps the executor and cache sections to executor.Config.
func (c *Config) ExecutorSettings() executor.Config {
	return executor.Config{
		Timeout:            c.Executor.Timeout,
		RetryAttempts:      c.Executor.RetryAttempts,
		BaseDelay:          c.Executor.BaseDelay,
		CacheTTL:           c.Cache.DefaultTTL,
		SlowQueryThreshold: c.Executor.SlowQueryThreshold,
		DisableCache:       c.Cache.Disabled,
	}
}

// CacheSettings maps the cache section to cache.Config.
func (c *Config) CacheSettings() cache.Config {
	return cache.Config{
		DefaultTTL:    c.Cache.DefaultTTL,
		SweepInterval: c.Cache.SweepInterval,
		MaxEntries:    c.Cache.MaxEntries,
	}
}

// SharedCacheSettings maps the redis and cache.shared sections to
// cache.RedisConfig.
func (c *Config) SharedCacheSettings() cache.RedisConfig {
	return cache.RedisConfig{
		Addr:         c.Redis.Addr,
		Password:     c.Redis.Password,
		DB:           c.Redis.DB,
		KeyPrefix:    c.Cache.Shared.KeyPrefix,
		PoolSize:     c.Redis.PoolSize,
		DialTimeout:  c.Redis.DialTimeout,
		ReadTimeout:  c.Redis.ReadTimeout,
		WriteTimeout: c.Redis.WriteTimeout,
	}
}

// CoordinatorSettings maps the redis and coordinator sections to
// coordinator.Config. Every credential class shares the global cap.
func (c *Config) CoordinatorSettings() coordinator.Config {
	limits := make(map[string]int, len(credential.Classes))
	for _, class := range credential.Classes {
		limits[class.String()] = c.Coordinator.GlobalMaxConnections
	}
	return coordinator.Config{
		Addr:              c.Redis.Addr,
		Password:          c.Redis.Password,
		DB:                c.Redis.DB,
		PoolSize:          c.Redis.PoolSize,
		DialTimeout:       c.Redis.DialTimeout,
		ReadTimeout:       c.Redis.ReadTimeout,
		WriteTimeout:      c.Redis.WriteTimeout,
		InstanceID:        c.Server.InstanceID,
		Limits:            limits,
		FallbackEnabled:   c.Coordinator.FallbackEnabled,
		LocalLimitDivisor: c.Coordinator.LocalLimitDivisor,
		HeartbeatInterval: c.Coordinator.HeartbeatInterval,
		HeartbeatTTL:      c.Coordinator.HeartbeatTTL,
	}
}
