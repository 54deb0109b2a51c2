// Package health reports the state of the registry data-access layer over HTTP:
// backend reachability per credential class, the Redis tiers, pool utilization
// and the rolling query metrics.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/joao-brasil/registry-resilience/internal/backend"
	"github.com/joao-brasil/registry-resilience/internal/dberr"
	"github.com/joao-brasil/registry-resilience/internal/metrics"
	"github.com/joao-brasil/registry-resilience/internal/pool"
	"github.com/joao-brasil/registry-resilience/pkg/credential"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// HealthReport is the overall health report.
type HealthReport struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// Probe checks one component. A non-nil error marks it unhealthy.
type Probe func(ctx context.Context) (ComponentHealth, error)

type namedProbe struct {
	name  string
	probe Probe
}

// Checker runs every registered probe concurrently.
type Checker struct {
	instanceID string
	timeout    time.Duration
	probes     []namedProbe
}

// NewChecker creates a checker. Each probe is bounded by timeout.
func NewChecker(instanceID string, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{instanceID: instanceID, timeout: timeout}
}

// Register adds a probe under name.
func (c *Checker) Register(name string, p Probe) {
	c.probes = append(c.probes, namedProbe{name: name, probe: p})
}

// Check runs every probe and returns a report. The report is unhealthy when
// any component is, degraded when any component is degraded.
func (c *Checker) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.instanceID,
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components = make([]ComponentHealth, 0, len(c.probes))
	)
	for _, np := range c.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := c.run(ctx, np)
			mu.Lock()
			components = append(components, ch)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })
	report.Components = components

	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

func (c *Checker) run(ctx context.Context, np namedProbe) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ch, err := np.probe(ctx)
	ch.Name = np.name
	ch.Latency = time.Since(start).String()
	if err != nil {
		ch.Status = StatusUnhealthy
		ch.Message = err.Error()
	} else if ch.Status == "" {
		ch.Status = StatusHealthy
	}
	return ch
}

// ── Probes ──────────────────────────────────────────────────────────────

// Borrower lends pooled backend handles. *pool.Pool implements it.
type Borrower interface {
	WithConnection(ctx context.Context, class credential.Class, fn func(backend.Handle) error) error
}

// BackendProbe borrows a connection of class from the pool and probes it, so
// health checks stay within the connection cap. A connection that fails the
// probe is discarded. A saturated pool reports degraded without probing.
func BackendProbe(b Borrower, class credential.Class) Probe {
	return func(ctx context.Context) (ComponentHealth, error) {
		err := b.WithConnection(ctx, class, func(h backend.Handle) error {
			if err := h.Probe(ctx); err != nil {
				return fmt.Errorf("probe failed: %w: %w", backend.ErrHandleBroken, err)
			}
			return nil
		})
		switch {
		case err == nil:
			return ComponentHealth{Message: "connected"}, nil
		case dberr.IsPoolExhausted(err):
			return ComponentHealth{Status: StatusDegraded, Message: "no free connection to probe"}, nil
		default:
			return ComponentHealth{}, err
		}
	}
}

// Pinger is anything that answers a ping, such as a Redis client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe reports whether p answers.
func PingProbe(p Pinger) Probe {
	return func(ctx context.Context) (ComponentHealth, error) {
		if err := p.Ping(ctx); err != nil {
			return ComponentHealth{}, fmt.Errorf("PING failed: %w", err)
		}
		return ComponentHealth{Message: "PONG"}, nil
	}
}

// StatsSource exposes pool statistics. *pool.Pool implements it.
type StatsSource interface {
	Stats() pool.Stats
}

// PoolProbe reports pool utilization. The pool is degraded once every
// connection is borrowed and utilization reached degradedAt percent.
func PoolProbe(src StatsSource, degradedAt int) Probe {
	return func(ctx context.Context) (ComponentHealth, error) {
		s := src.Stats()
		ch := ComponentHealth{
			Status: StatusHealthy,
			Message: fmt.Sprintf("active=%d total=%d available=%d max=%d utilization=%d%%",
				s.Active, s.Total, s.Available, s.Max, s.UtilizationPercentage),
		}
		if degradedAt > 0 && s.Available == 0 && s.UtilizationPercentage >= degradedAt {
			ch.Status = StatusDegraded
		}
		return ch, nil
	}
}

// QueryProbe summarizes the recorder window. Never unhealthy.
func QueryProbe(r *metrics.Recorder) Probe {
	return func(ctx context.Context) (ComponentHealth, error) {
		s := r.Summary()
		return ComponentHealth{
			Status: StatusHealthy,
			Message: fmt.Sprintf("queries=%d avg=%s cache_hit_rate=%.1f%% slow=%d (>%s)",
				s.TotalQueries, s.AverageTime, s.CacheHitRate, s.SlowQueries, s.SlowThreshold),
		}, nil
	}
}

// ── HTTP ────────────────────────────────────────────────────────────────

// Handler returns the /health, /health/ready and /health/live routes.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()

	report := func(w http.ResponseWriter, r *http.Request) {
		rep := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if rep.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		if err := json.NewEncoder(w).Encode(rep); err != nil {
			log.Printf("[health] Failed to write report: %v", err)
		}
	}
	mux.HandleFunc("/health", report)
	mux.HandleFunc("/health/ready", report)

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	return mux
}

// ServeHTTP starts the health HTTP server on port in the background.
func (c *Checker) ServeHTTP(port int) *http.Server {
	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:         addr,
		Handler:      c.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("[health] HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[health] HTTP server error: %v", err)
		}
	}()

	return server
}
