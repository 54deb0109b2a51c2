// Package cache provides the TTL query cache used by the executor.
//
// QueryCache is an in-process LRU map of results keyed by query fingerprint.
// Entries expire lazily on read and eagerly on Sweep. RedisStore is an optional
// shared tier holding serialized results for every instance of the service.
package cache

import (
	"container/list"
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/joao-brasil/registry-resilience/internal/metrics"
)

// DefaultTTL applies when Set is called without a TTL.
const DefaultTTL = 5 * time.Minute

// Entry is a cached query result.
type Entry struct {
	Key      string
	Data     any
	StoredAt time.Time
	TTL      time.Duration
}

// Expired reports whether the entry is no longer servable at now.
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.StoredAt) >= e.TTL
}

// Config holds the cache limits.
type Config struct {
	DefaultTTL    time.Duration // TTL used when Set gets ttl <= 0
	SweepInterval time.Duration // period of the background sweep (0 disables it)
	MaxEntries    int           // LRU bound (0 = unbounded)
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries     int
	Hits        uint64
	Misses      uint64
	Evictions   uint64 // dropped by the LRU bound
	Expirations uint64 // dropped because the TTL elapsed
}

// HitRate returns hits as a percentage of lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return 100 * float64(s.Hits) / float64(total)
}

// Option customizes a QueryCache.
type Option func(*QueryCache)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(c *QueryCache) { c.now = now }
}

// QueryCache is a thread-safe TTL cache with LRU eviction. Writes for the same
// key are last-writer-wins.
type QueryCache struct {
	mu sync.Mutex

	cfg Config
	now func() time.Time

	// lru orders entries from most (front) to least recently used.
	lru   *list.List
	items map[string]*list.Element

	hits, misses, evictions, expirations uint64

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a cache. Call Start to run the background sweep.
func New(cfg Config, opts ...Option) *QueryCache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.MaxEntries < 0 {
		cfg.MaxEntries = 0
	}
	c := &QueryCache{
		cfg:   cfg,
		now:   time.Now,
		lru:   list.New(),
		items: make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the data stored under key if it has not expired.
func (c *QueryCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		metrics.CacheOperations.WithLabelValues("memory", "miss").Inc()
		return nil, false
	}

	entry := el.Value.(*Entry)
	if entry.Expired(c.now()) {
		c.removeElement(el)
		c.expirations++
		c.misses++
		metrics.CacheOperations.WithLabelValues("memory", "expired").Inc()
		return nil, false
	}

	c.lru.MoveToFront(el)
	c.hits++
	metrics.CacheOperations.WithLabelValues("memory", "hit").Inc()
	return entry.Data, true
}

// Set stores data under key. A ttl <= 0 uses the configured default.
func (c *QueryCache) Set(key string, data any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &Entry{Key: key, Data: data, StoredAt: c.now(), TTL: ttl}
	if el, ok := c.items[key]; ok {
		el.Value = entry
		c.lru.MoveToFront(el)
	} else {
		c.items[key] = c.lru.PushFront(entry)
	}

	for c.cfg.MaxEntries > 0 && c.lru.Len() > c.cfg.MaxEntries {
		c.removeElement(c.lru.Back())
		c.evictions++
		metrics.CacheOperations.WithLabelValues("memory", "evicted").Inc()
	}
	metrics.CacheOperations.WithLabelValues("memory", "set").Inc()
	metrics.CacheEntries.Set(float64(c.lru.Len()))
}

// Peek returns the entry stored under key without touching LRU order or
// counters. Expired entries are returned as is.
func (c *QueryCache) Peek(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	return *el.Value.(*Entry), true
}

// Invalidate drops key. It reports whether an entry was present.
func (c *QueryCache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	metrics.CacheEntries.Set(float64(c.lru.Len()))
	return true
}

// InvalidatePrefix drops every key starting with prefix and returns the count.
func (c *QueryCache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, el := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.removeElement(el)
			n++
		}
	}
	metrics.CacheEntries.Set(float64(c.lru.Len()))
	return n
}

// Clear drops every entry.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Init()
	c.items = make(map[string]*list.Element)
	metrics.CacheEntries.Set(0)
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *QueryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*Entry).Expired(now) {
			c.removeElement(el)
			n++
		}
		el = prev
	}
	c.expirations += uint64(n)
	if n > 0 {
		metrics.CacheOperations.WithLabelValues("memory", "expired").Add(float64(n))
	}
	metrics.CacheEntries.Set(float64(c.lru.Len()))
	return n
}

// Len returns the number of stored entries, expired ones included.
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *QueryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:     c.lru.Len(),
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

// Start launches the background sweep loop.
func (c *QueryCache) Start() {
	if c.cfg.SweepInterval <= 0 {
		return
	}
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.cancel = cancel
		c.mu.Unlock()

		c.wg.Add(1)
		go c.sweepLoop(ctx)
		log.Printf("[cache] Sweep started: interval=%s, max_entries=%d",
			c.cfg.SweepInterval, c.cfg.MaxEntries)
	})
}

// Close stops the sweep loop.
func (c *QueryCache) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *QueryCache) sweepLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				log.Printf("[cache] Swept %d expired entries", n)
			}
		}
	}
}

// removeElement unlinks el. Caller holds c.mu.
func (c *QueryCache) removeElement(el *list.Element) {
	c.lru.Remove(el)
	delete(c.items, el.Value.(*Entry).Key)
}
