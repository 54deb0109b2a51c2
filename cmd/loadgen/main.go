// Package main is the entrypoint for the load generator. It drives the
// registryd records API with concurrent readers so pool saturation, cache hit
// rate and retry behaviour can be watched on the metrics endpoint.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"maps"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type options struct {
	target     string
	workers    int
	requests   int
	timeout    time.Duration
	maxID      int
	households int
}

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	var o options
	cmd := &cobra.Command{
		Use:          "loadgen",
		Short:        "Generate concurrent read load against the registryd records API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := run(cmd.Context(), o)
			if err != nil {
				return err
			}
			r.print()
			if r.failed.Load() > 0 {
				return fmt.Errorf("%d requests failed", r.failed.Load())
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.target, "target", "http://localhost:8081", "Base URL of the records API")
	f.IntVar(&o.workers, "workers", 20, "Concurrent clients")
	f.IntVar(&o.requests, "requests", 500, "Total requests")
	f.DurationVar(&o.timeout, "timeout", 15*time.Second, "Per-request timeout")
	f.IntVar(&o.maxID, "max-resident-id", 1000, "Resident ids are drawn from [1, max]")
	f.IntVar(&o.households, "max-household-id", 300, "Household ids are drawn from [1, max]")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// report aggregates the outcome of a run.
type report struct {
	mu        sync.Mutex
	latencies []time.Duration
	byStatus  map[int]int
	byPath    map[string]int

	ok     atomic.Int32
	failed atomic.Int32
	start  time.Time
	total  time.Duration
}

func (r *report) add(path string, status int, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencies = append(r.latencies, d)
	r.byStatus[status]++
	r.byPath[path]++
}

func run(ctx context.Context, o options) (*report, error) {
	if o.workers <= 0 || o.requests <= 0 {
		return nil, fmt.Errorf("workers and requests must be positive")
	}
	client := &http.Client{Timeout: o.timeout}
	r := &report{
		byStatus: make(map[int]int),
		byPath:   make(map[string]int),
		start:    time.Now(),
	}

	log.Printf("=== loadgen: %d requests, %d workers, target %s ===", o.requests, o.workers, o.target)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for i := 0; i < o.requests; i++ {
		path := pick(o)
		g.Go(func() error {
			status, d, err := get(ctx, client, o.target+path)
			if err != nil {
				// Transport failures are counted, not fatal.
				log.Printf("  [req-%d] %s FAILED: %v", i, path, err)
				r.failed.Add(1)
				r.add(kind(path), 0, d)
				return nil
			}
			if status >= http.StatusInternalServerError {
				r.failed.Add(1)
			} else {
				r.ok.Add(1)
			}
			r.add(kind(path), status, d)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	r.total = time.Since(r.start)
	return r, nil
}

// pick draws a request path from the read mix.
func pick(o options) string {
	switch n := rand.IntN(100); {
	case n < 40:
		return fmt.Sprintf("/residents/%d", 1+rand.IntN(o.maxID))
	case n < 65:
		statuses := []string{"active", "moved_out", "deceased"}
		return "/residents?status=" + statuses[rand.IntN(len(statuses))]
	case n < 85:
		return fmt.Sprintf("/households/%d/members", 1+rand.IntN(o.households))
	case n < 95:
		return "/households?limit=50"
	default:
		return "/dashboard"
	}
}

// kind strips ids so paths group in the report.
func kind(path string) string {
	for _, k := range []string{"/dashboard", "/households?", "/households/", "/residents?", "/residents/"} {
		if strings.HasPrefix(path, k) {
			return k
		}
	}
	return path
}

func get(ctx context.Context, c *http.Client, url string) (int, time.Duration, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return 0, time.Since(start), err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, time.Since(start), nil
}

func (r *report) print() {
	slices.Sort(r.latencies)
	n := len(r.latencies)
	log.Printf("Result: %d ok, %d failed in %s (%.1f req/s)",
		r.ok.Load(), r.failed.Load(), r.total.Round(time.Millisecond), float64(n)/r.total.Seconds())
	if n > 0 {
		log.Printf("Latency: p50=%s p95=%s p99=%s max=%s",
			percentile(r.latencies, 50), percentile(r.latencies, 95),
			percentile(r.latencies, 99), r.latencies[n-1])
	}
	for _, status := range slices.Sorted(maps.Keys(r.byStatus)) {
		log.Printf("  status %d: %d", status, r.byStatus[status])
	}
	for _, path := range slices.Sorted(maps.Keys(r.byPath)) {
		log.Printf("  %-14s %d", path, r.byPath[path])
	}
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := (len(sorted)*p + 99) / 100
	return sorted[max(i-1, 0)]
}
