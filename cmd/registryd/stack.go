package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joao-brasil/registry-resilience/internal/backend/sqlbackend"
	"github.com/joao-brasil/registry-resilience/internal/cache"
	"github.com/joao-brasil/registry-resilience/internal/config"
	"github.com/joao-brasil/registry-resilience/internal/coordinator"
	"github.com/joao-brasil/registry-resilience/internal/executor"
	"github.com/joao-brasil/registry-resilience/internal/health"
	"github.com/joao-brasil/registry-resilience/internal/metrics"
	"github.com/joao-brasil/registry-resilience/internal/pool"
	"github.com/joao-brasil/registry-resilience/internal/records"
)

// poolDegradedAt is the utilization, in percent, at which a saturated pool
// reports degraded.
const poolDegradedAt = 90

// stack is the wired data-access layer.
type stack struct {
	cfg      *config.Config
	factory  *sqlbackend.Factory
	coord    *coordinator.RedisCoordinator
	pool     *pool.Pool
	cache    *cache.QueryCache
	shared   *cache.RedisStore
	recorder *metrics.Recorder
	exec     *executor.Executor
	store    *records.Store
	checker  *health.Checker
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Printf("[main] Configuration loaded: instance=%s, max_conn=%d, coordinator=%t, shared_cache=%t",
		cfg.Server.InstanceID, cfg.Pool.MaxConnections, cfg.Coordinator.Enabled, cfg.Cache.Shared.Enabled)
	for class, p := range cfg.Profiles() {
		log.Printf("[main]   Backend %s: %s %s/%s", class, p.Driver, p.Addr(), p.Database)
	}
	return cfg, nil
}

// newStack wires every component from cfg. Background loops are not started.
func newStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	s := &stack{
		cfg:     cfg,
		factory: sqlbackend.NewFactory(cfg.Profiles()),
	}

	// ─── Coordinator ─────────────────────────────────────────────────
	var poolOpts []pool.Option
	if cfg.Coordinator.Enabled {
		rc, err := coordinator.New(ctx, cfg.CoordinatorSettings())
		if err != nil {
			return nil, fmt.Errorf("initializing coordinator: %w", err)
		}
		s.coord = rc
		poolOpts = append(poolOpts, pool.WithLimiter(rc))
		if rc.IsFallback() {
			log.Println("[main] Coordinator started in FALLBACK mode (Redis unavailable)")
		} else {
			log.Println("[main] Coordinator ready (Redis connected)")
		}
	}

	// ─── Pool ────────────────────────────────────────────────────────
	p, err := pool.New(cfg.PoolSettings(), s.factory, poolOpts...)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("initializing pool: %w", err)
	}
	s.pool = p

	// ─── Cache ───────────────────────────────────────────────────────
	deps := executor.Deps{Pool: p}
	if !cfg.Cache.Disabled {
		s.cache = cache.New(cfg.CacheSettings())
		deps.Cache = s.cache

		if cfg.Cache.Shared.Enabled {
			shared, err := cache.NewRedisStore(ctx, cfg.SharedCacheSettings())
			if err != nil {
				// The memory tier alone still serves every query.
				log.Printf("[main] Shared cache unavailable, continuing without it: %v", err)
			} else {
				s.shared = shared
				deps.Shared = shared
			}
		}
	}

	// ─── Executor ────────────────────────────────────────────────────
	s.recorder = metrics.NewRecorder(cfg.Executor.MetricsWindow, cfg.Executor.SlowQueryThreshold)
	deps.Recorder = s.recorder
	s.exec, err = executor.New(cfg.ExecutorSettings(), deps)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("initializing executor: %w", err)
	}
	s.store = records.NewStore(s.exec)

	// ─── Health ──────────────────────────────────────────────────────
	s.checker = newChecker(cfg, p)
	s.checker.Register("pool", health.PoolProbe(p, poolDegradedAt))
	s.checker.Register("queries", health.QueryProbe(s.recorder))
	if s.shared != nil {
		s.checker.Register("redis-cache", health.PingProbe(s.shared))
	}
	if s.coord != nil {
		s.checker.Register("coordinator", health.PingProbe(s.coord))
	}

	return s, nil
}

// newChecker registers a backend probe per configured credential class. The
// probes borrow from p.
func newChecker(cfg *config.Config, p *pool.Pool) *health.Checker {
	c := health.NewChecker(cfg.Server.InstanceID, cfg.Pool.ConnectionTimeout)
	for class := range cfg.Profiles() {
		c.Register("backend-"+class.String(), health.BackendProbe(p, class))
	}
	return c
}

func (s *stack) start(ctx context.Context) {
	s.pool.Start()
	if s.cache != nil {
		s.cache.Start()
	}
	if s.coord != nil {
		s.coord.StartUpkeep(ctx, s.pool)
	}
}

// close releases everything newStack acquired, in reverse order.
func (s *stack) close() {
	if s.shared != nil {
		if err := s.shared.Close(); err != nil {
			log.Printf("[main] Shared cache close error: %v", err)
		}
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.pool != nil {
		log.Println("[main] Closing connection pool...")
		if err := s.pool.Close(); err != nil {
			log.Printf("[main] Pool close error: %v", err)
		}
	}
	if s.coord != nil {
		log.Println("[main] Closing coordinator...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.coord.Close(ctx); err != nil {
			log.Printf("[main] Coordinator close error: %v", err)
		}
	}
}
