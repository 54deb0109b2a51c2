package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/joao-brasil/registry-resilience/internal/health"
	"github.com/joao-brasil/registry-resilience/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon until SIGINT or SIGTERM",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	log.Println("[main] Starting registry data-access daemon")

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := newStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()
	s.start(ctx)

	// ─── Metrics ─────────────────────────────────────────────────────
	metrics.InstanceHeartbeat.WithLabelValues(cfg.Server.InstanceID).Set(1)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := listen("metrics", cfg.Server.MetricsPort, metricsMux)

	// ─── Health ──────────────────────────────────────────────────────
	healthServer := s.checker.ServeHTTP(cfg.Server.HealthCheckPort)

	log.Println("[main] Running initial health check...")
	report := s.checker.Check(ctx)
	for _, comp := range report.Components {
		log.Printf("[main]   %s %s: %s (latency: %s)", comp.Status, comp.Name, comp.Message, comp.Latency)
	}
	log.Printf("[main] Overall health: %s", report.Status)
	if report.Status == health.StatusUnhealthy {
		log.Println("[main] WARN starting while unhealthy; queries will retry until the backend recovers")
	}

	// ─── Records API ─────────────────────────────────────────────────
	apiServer := listen("records API", cfg.Server.APIPort, s.store.Handler())

	// ─── Graceful Shutdown ───────────────────────────────────────────
	log.Println("[main] Daemon is ready. Waiting for shutdown signal...")
	<-ctx.Done()
	log.Println("[main] Shutdown signal received, shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	metrics.InstanceHeartbeat.WithLabelValues(cfg.Server.InstanceID).Set(0)

	for name, srv := range map[string]*http.Server{
		"records API": apiServer,
		"health":      healthServer,
		"metrics":     metricsServer,
	} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[main] %s server shutdown error: %v", name, err)
		}
	}

	s.logSummary()
	log.Println("[main] Shutdown complete.")
	return nil
}

// listen starts an HTTP server on port in the background.
func listen(name string, port int, h http.Handler) *http.Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		log.Printf("[main] %s server listening on %s", name, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] %s server error: %v", name, err)
		}
	}()
	return srv
}

func (s *stack) logSummary() {
	sum := s.recorder.Summary()
	st := s.pool.Stats()
	log.Printf("[main] Queries=%d avg=%s cache_hit_rate=%.1f%% slow=%d",
		sum.TotalQueries, sum.AverageTime, sum.CacheHitRate, sum.SlowQueries)
	log.Printf("[main] Pool active=%d total=%d max=%d utilization=%d%%",
		st.Active, st.Total, st.Max, st.UtilizationPercentage)
}
