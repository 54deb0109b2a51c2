package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/joao-brasil/registry-resilience/internal/backend/sqlbackend"
	"github.com/joao-brasil/registry-resilience/internal/cache"
	"github.com/joao-brasil/registry-resilience/internal/health"
	"github.com/joao-brasil/registry-resilience/internal/pool"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe the configured backends and Redis once and print a health report",
	Long: `check opens one connection per credential class, pings Redis when a
component needs it, prints the report as JSON and exits non-zero when
any component is unhealthy.`,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	ctx := cmd.Context()

	p, err := pool.New(cfg.PoolSettings(), sqlbackend.NewFactory(cfg.Profiles()))
	if err != nil {
		return fmt.Errorf("initializing pool: %w", err)
	}
	defer p.Close()

	checker := newChecker(cfg, p)
	if cfg.RedisRequired() {
		store, err := cache.NewRedisStore(ctx, cfg.SharedCacheSettings())
		if err != nil {
			checker.Register("redis", func(ctx context.Context) (health.ComponentHealth, error) {
				return health.ComponentHealth{}, err
			})
		} else {
			defer store.Close()
			checker.Register("redis", health.PingProbe(store))
		}
	}

	report := checker.Check(ctx)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	if report.Status == health.StatusUnhealthy {
		log.Printf("[main] Health check failed")
		return fmt.Errorf("status %s", report.Status)
	}
	return nil
}
