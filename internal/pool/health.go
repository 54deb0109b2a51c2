package pool

import (
	"context"
	"log"
	"time"

	"github.com/joao-brasil/registry-resilience/internal/metrics"
)

// maintenanceLoop runs the health check every HealthCheckInterval.
func (p *Pool) maintenanceLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunHealthCheck(ctx)
		}
	}
}

// RunHealthCheck performs one health cycle: idle-timed-out connections are
// evicted first, then every remaining idle connection is probed and those that
// fail are evicted. Borrowed connections are left to their borrower. Failures
// are logged, never returned.
func (p *Pool) RunHealthCheck(ctx context.Context) {
	p.evictIdle()
	p.probeIdle(ctx)
}

// evictIdle removes idle connections that exceeded IdleTimeout.
func (p *Pool) evictIdle() int {
	if p.cfg.IdleTimeout <= 0 {
		return 0
	}

	p.mu.Lock()
	now := p.now()
	var stale []*PooledConn
	for class, conns := range p.conns {
		remaining := make([]*PooledConn, 0, len(conns))
		for _, c := range conns {
			if idle, ok := c.idleFor(now); ok && idle > p.cfg.IdleTimeout {
				stale = append(stale, c)
				continue
			}
			remaining = append(remaining, c)
		}
		if len(remaining) != len(conns) {
			p.conns[class] = remaining
			p.updateMetrics(class)
		}
	}
	p.mu.Unlock()

	for _, c := range stale {
		p.destroy(c, "idle_timeout")
	}
	if len(stale) > 0 {
		log.Printf("[pool] Evicted %d idle connections", len(stale))
	}
	return len(stale)
}

// probeIdle probes idle connections outside the pool lock and evicts the ones
// that fail. A connection under probe is not lent to borrowers.
func (p *Pool) probeIdle(ctx context.Context) int {
	p.mu.Lock()
	var conns []*PooledConn
	for _, cs := range p.conns {
		for _, c := range cs {
			if c.reserveProbe() {
				conns = append(conns, c)
			}
		}
	}
	p.mu.Unlock()

	var failed []*PooledConn
	for _, conn := range conns {
		probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
		err := conn.handle.Probe(probeCtx)
		cancel()

		if err != nil {
			log.Printf("[pool] Class %s: health check failed for conn %d: %v", conn.class, conn.id, err)
			metrics.ConnectionErrors.WithLabelValues(conn.class.String(), "probe_failed").Inc()
			failed = append(failed, conn)
			continue
		}
		conn.endProbe(p.now())
	}

	if len(failed) == 0 {
		return 0
	}

	removed := make([]*PooledConn, 0, len(failed))
	p.mu.Lock()
	for _, c := range failed {
		if p.removeLocked(c) {
			removed = append(removed, c)
		}
	}
	p.mu.Unlock()

	for _, c := range removed {
		p.destroy(c, "unhealthy")
	}
	log.Printf("[pool] Health check: removed %d unhealthy connections", len(removed))
	return len(removed)
}
