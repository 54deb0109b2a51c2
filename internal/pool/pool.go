package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joao-brasil/registry-resilience/internal/backend"
	"github.com/joao-brasil/registry-resilience/internal/dberr"
	"github.com/joao-brasil/registry-resilience/internal/metrics"
	"github.com/joao-brasil/registry-resilience/pkg/credential"
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("pool closed")

// errSlotDenied marks a refusal by the SlotLimiter; Get treats it like a full pool.
var errSlotDenied = errors.New("slot denied")

// Config holds the pool limits. It is immutable after New.
type Config struct {
	MaxConnections      int           // cap per credential class
	IdleTimeout         time.Duration // idle connections older than this are swept (0 disables)
	ConnectionTimeout   time.Duration // bound on opening and probing a connection
	RetryAttempts       int           // extra tries when the class is at capacity
	RetryBackoff        time.Duration // linear backoff unit between tries
	HealthCheckInterval time.Duration // sweep period (0 disables the background loop)
}

// SlotLimiter grants connection slots shared with other processes.
// Acquire returns an error when no slot is available.
type SlotLimiter interface {
	Acquire(ctx context.Context, class string) error
	Release(ctx context.Context, class string) error
}

// Option customizes a Pool.
type Option func(*Pool)

// WithLimiter makes the pool ask l for a slot before opening a connection.
func WithLimiter(l SlotLimiter) Option {
	return func(p *Pool) { p.limiter = l }
}

// WithClock overrides the time source used for idle accounting.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// Pool manages backend connections for every credential class.
type Pool struct {
	mu sync.Mutex

	cfg     Config
	factory backend.Factory
	limiter SlotLimiter
	now     func() time.Time

	// conns is the registry of live connections, active and idle, per class.
	conns map[credential.Class][]*PooledConn

	// opening counts connections being opened per class; they hold a slot.
	opening map[credential.Class]int

	// nextID is an atomic counter for assigning unique connection IDs.
	nextID atomic.Uint64

	closed bool

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a pool. Connections are opened lazily on Get.
func New(cfg Config, factory backend.Factory, opts ...Option) (*Pool, error) {
	if cfg.MaxConnections <= 0 {
		return nil, fmt.Errorf("max connections must be positive, got %d", cfg.MaxConnections)
	}
	if factory == nil {
		return nil, errors.New("backend factory is required")
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		now:     time.Now,
		conns:   make(map[credential.Class][]*PooledConn),
		opening: make(map[credential.Class]int),
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, c := range credential.Classes {
		metrics.ConnectionsMax.WithLabelValues(c.String()).Set(float64(cfg.MaxConnections))
		p.updateMetrics(c)
	}
	return p, nil
}

// Config returns the pool configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Start launches the background health-check loop.
func (p *Pool) Start() {
	if p.cfg.HealthCheckInterval <= 0 {
		return
	}
	p.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		p.mu.Lock()
		p.cancel = cancel
		p.mu.Unlock()

		p.wg.Add(1)
		go p.maintenanceLoop(ctx)
		log.Printf("[pool] Health check started: interval=%s, idle_timeout=%s",
			p.cfg.HealthCheckInterval, p.cfg.IdleTimeout)
	})
}

// Get borrows a connection of the given class. It reuses an idle connection
// when one exists, opens a new one while under MaxConnections, and otherwise
// retries RetryAttempts times with linear backoff, sweeping idle connections
// between tries, before failing with a PoolExhausted error.
func (p *Pool) Get(ctx context.Context, class credential.Class) (*PooledConn, error) {
	if !class.Valid() {
		return nil, dberr.New(dberr.KindConfiguration, "pool.get", class.String(),
			errors.New("unknown credential class"))
	}

	start := time.Now()
	for attempt := 0; ; attempt++ {
		conn, err := p.tryGet(ctx, class)
		if err != nil {
			return nil, err
		}
		if conn != nil {
			metrics.AcquireWaitDuration.WithLabelValues(class.String()).Observe(time.Since(start).Seconds())
			metrics.ConnectionsTotal.WithLabelValues(class.String(), "acquired").Inc()
			return conn, nil
		}

		if attempt >= p.cfg.RetryAttempts {
			break
		}

		delay := p.cfg.RetryBackoff * time.Duration(attempt+1)
		log.Printf("[pool] Class %s at capacity (%d), retry %d/%d in %s",
			class, p.cfg.MaxConnections, attempt+1, p.cfg.RetryAttempts, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.ConnectionsTotal.WithLabelValues(class.String(), "cancelled").Inc()
			return nil, ctx.Err()
		case <-timer.C:
		}

		p.evictIdle()
	}

	metrics.ConnectionsTotal.WithLabelValues(class.String(), "exhausted").Inc()
	return nil, dberr.New(dberr.KindPoolExhausted, "pool.get", class.String(),
		fmt.Errorf("%d connections in use after %d retries", p.cfg.MaxConnections, p.cfg.RetryAttempts))
}

// tryGet makes one borrow attempt. It returns (nil, nil) when the class is full.
func (p *Pool) tryGet(ctx context.Context, class credential.Class) (*PooledConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	if conn := p.popIdle(class); conn != nil {
		conn.markAcquired(p.now())
		p.updateMetrics(class)
		p.mu.Unlock()
		metrics.ConnectionsTotal.WithLabelValues(class.String(), "reused").Inc()
		return conn, nil
	}

	if len(p.conns[class])+p.opening[class] >= p.cfg.MaxConnections {
		p.mu.Unlock()
		return nil, nil
	}

	// Reserve the slot before releasing the lock so concurrent borrowers cannot overshoot.
	p.opening[class]++
	p.mu.Unlock()

	conn, err := p.open(ctx, class)

	p.mu.Lock()
	p.opening[class]--
	if err != nil {
		p.mu.Unlock()
		if errors.Is(err, errSlotDenied) {
			return nil, nil
		}
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		p.destroy(conn, "closed")
		return nil, ErrClosed
	}
	conn.markAcquired(p.now())
	p.conns[class] = append(p.conns[class], conn)
	p.updateMetrics(class)
	p.mu.Unlock()

	metrics.ConnectionsTotal.WithLabelValues(class.String(), "created").Inc()
	return conn, nil
}

// open asks the limiter for a slot and opens a new backend connection.
func (p *Pool) open(ctx context.Context, class credential.Class) (*PooledConn, error) {
	if p.limiter != nil {
		if err := p.limiter.Acquire(ctx, class.String()); err != nil {
			log.Printf("[pool] Class %s: slot limiter refused: %v", class, err)
			return nil, fmt.Errorf("%w: %v", errSlotDenied, err)
		}
	}

	openCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()

	h, err := p.factory.Open(openCtx, class)
	if err != nil {
		p.releaseSlot(class)
		metrics.ConnectionErrors.WithLabelValues(class.String(), "create_failed").Inc()
		if dberr.KindOf(err) != dberr.KindUnknown {
			return nil, err
		}
		if ctx.Err() == nil && openCtx.Err() == context.DeadlineExceeded {
			return nil, dberr.New(dberr.KindConnectionTimeout, "pool.open", class.String(), err)
		}
		return nil, fmt.Errorf("opening %s connection: %w", class, err)
	}

	return newPooledConn(p.nextID.Add(1), class, h, p.now()), nil
}

// Release returns a borrowed connection to the pool. Releasing a connection
// twice, or one the pool no longer tracks, is a no-op.
func (p *Pool) Release(conn *PooledConn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.tracked(conn) {
		return
	}
	if !conn.markIdle(p.now()) {
		return
	}
	p.updateMetrics(conn.class)
	metrics.ConnectionsTotal.WithLabelValues(conn.class.String(), "released").Inc()
}

// Discard removes a connection permanently (e.g. after a broken-handle error).
func (p *Pool) Discard(conn *PooledConn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	removed := p.removeLocked(conn)
	p.mu.Unlock()

	if removed {
		p.destroy(conn, "discarded")
	}
}

// WithConnection borrows a connection, runs fn and gives the connection back.
// Connections whose handle reports backend.ErrHandleBroken are discarded.
func (p *Pool) WithConnection(ctx context.Context, class credential.Class, fn func(backend.Handle) error) error {
	conn, err := p.Get(ctx, class)
	if err != nil {
		return err
	}

	err = fn(conn.Handle())
	if errors.Is(err, backend.ErrHandleBroken) {
		p.Discard(conn)
	} else {
		p.Release(conn)
	}
	return err
}

// Close shuts down the pool and closes every connection, borrowed ones included.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel

	var all []*PooledConn
	for class, conns := range p.conns {
		all = append(all, conns...)
		delete(p.conns, class)
	}
	for _, c := range credential.Classes {
		p.updateMetrics(c)
	}
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	var firstErr error
	for _, c := range all {
		if err := c.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing connection %d: %w", c.id, err)
		}
		p.releaseSlot(c.class)
	}

	log.Printf("[pool] Pool closed (%d connections)", len(all))
	return firstErr
}

// ── Internal helpers ─────────────────────────────────────────────────────

// popIdle returns the most recently used idle connection of class, or nil.
// Caller holds p.mu. Stale connections are left for the health sweep.
func (p *Pool) popIdle(class credential.Class) *PooledConn {
	var best *PooledConn
	var bestUsed time.Time
	for _, c := range p.conns[class] {
		c.mu.Lock()
		if !c.active && !c.probing && (best == nil || c.lastUsedAt.After(bestUsed)) {
			best, bestUsed = c, c.lastUsedAt
		}
		c.mu.Unlock()
	}
	return best
}

// tracked reports whether conn is in the registry. Caller holds p.mu.
func (p *Pool) tracked(conn *PooledConn) bool {
	for _, c := range p.conns[conn.class] {
		if c == conn {
			return true
		}
	}
	return false
}

// removeLocked drops conn from the registry. Caller holds p.mu.
func (p *Pool) removeLocked(conn *PooledConn) bool {
	conns := p.conns[conn.class]
	for i, c := range conns {
		if c == conn {
			p.conns[conn.class] = append(conns[:i], conns[i+1:]...)
			p.updateMetrics(conn.class)
			return true
		}
	}
	return false
}

// destroy closes a connection that is no longer in the registry.
func (p *Pool) destroy(conn *PooledConn, reason string) {
	if err := conn.close(); err != nil {
		log.Printf("[pool] Class %s: closing conn %d (%s) failed: %v", conn.class, conn.id, reason, err)
	}
	p.releaseSlot(conn.class)
	metrics.ConnectionErrors.WithLabelValues(conn.class.String(), reason).Inc()
}

func (p *Pool) releaseSlot(class credential.Class) {
	if p.limiter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.limiter.Release(ctx, class.String()); err != nil {
		log.Printf("[pool] Class %s: slot release failed: %v", class, err)
	}
}

// updateMetrics refreshes Prometheus gauges for class. Caller holds p.mu.
func (p *Pool) updateMetrics(class credential.Class) {
	active, idle := 0, 0
	for _, c := range p.conns[class] {
		if c.Active() {
			active++
		} else {
			idle++
		}
	}
	metrics.ConnectionsActive.WithLabelValues(class.String()).Set(float64(active))
	metrics.ConnectionsIdle.WithLabelValues(class.String()).Set(float64(idle))
}

// utilization is round(100 * total / limit).
func utilization(total, limit int) int {
	if limit <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(total) / float64(limit)))
}
