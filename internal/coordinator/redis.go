// Package coordinator enforces connection limits shared by every instance of
// the service through Redis.
//
// Slots are counted per credential class with Lua scripts so a check and its
// increment are one atomic step. Each instance also records the slots it
// holds, which lets survivors reclaim the slots of an instance that died and
// lets an instance return slots its pool no longer uses. When Redis cannot be
// reached the coordinator enforces a fraction of the global cap locally.
package coordinator

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"maps"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/joao-brasil/registry-resilience/internal/metrics"
)

var (
	//go:embed lua/acquire.lua
	acquireLua string
	//go:embed lua/release.lua
	releaseLua string
	//go:embed lua/trim.lua
	trimLua string
	//go:embed lua/reap.lua
	reapLua string

	// Script.Run uses EVALSHA and reloads the script after a SCRIPT FLUSH.
	acquireScript = redis.NewScript(acquireLua)
	releaseScript = redis.NewScript(releaseLua)
	trimScript    = redis.NewScript(trimLua)
	reapScript    = redis.NewScript(reapLua)
)

// Key layout. Count keys are built as classKeyPrefix + class + countKeySuffix
// so reap.lua can rebuild them from a class name.
const (
	classKeyPrefix = "registry:class:"
	countKeySuffix = ":count"
	instancesKey   = "registry:instances"
)

func countKey(class string) string { return classKeyPrefix + class + countKeySuffix }
func maxKey(class string) string   { return classKeyPrefix + class + ":max" }
func holdingsKey(id string) string { return "registry:instance:" + id + ":conns" }
func beatKey(id string) string     { return "registry:instance:" + id + ":heartbeat" }

// Heartbeat defaults applied when Config leaves them zero.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatTTL      = 30 * time.Second
)

// ErrAtCapacity is returned by Acquire when the class has no free slot.
var ErrAtCapacity = errors.New("class at global capacity")

// Config holds the coordinator settings.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// InstanceID identifies this process. A random UUID is used when empty.
	InstanceID string

	// Limits is the global connection cap per credential class.
	Limits map[string]int

	FallbackEnabled   bool
	LocalLimitDivisor int // local cap in fallback mode is Limits[class] / divisor

	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
}

// RedisCoordinator implements pool.SlotLimiter over Redis.
type RedisCoordinator struct {
	client redis.UniversalClient
	cfg    Config

	// fallback is set while Redis is unreachable and local limits apply.
	fallback atomic.Bool

	localMu sync.Mutex
	local   map[string]int // slots taken while in fallback

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New connects to Redis and initializes the coordinator.
func New(ctx context.Context, cfg Config) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return NewWithClient(ctx, client, cfg)
}

// NewWithClient initializes the coordinator over an existing client. When
// Redis does not answer and fallback is enabled, the coordinator starts in
// fallback mode instead of failing.
func NewWithClient(ctx context.Context, client redis.UniversalClient, cfg Config) (*RedisCoordinator, error) {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.LocalLimitDivisor <= 0 {
		cfg.LocalLimitDivisor = 3
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = DefaultHeartbeatTTL
	}

	rc := &RedisCoordinator{
		client: client,
		cfg:    cfg,
		local:  make(map[string]int),
		stopCh: make(chan struct{}),
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		if !rc.degrade("ping", err) {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		return rc, nil
	}
	metrics.RedisOperations.WithLabelValues("ping", "ok").Inc()

	if err := rc.register(ctx); err != nil {
		return nil, fmt.Errorf("registering instance %s: %w", cfg.InstanceID, err)
	}
	log.Printf("[coordinator] Initialized: instance=%s, %d classes registered",
		cfg.InstanceID, len(cfg.Limits))
	return rc, nil
}

// register publishes the class caps, creates missing counters and adds this
// instance to the live set in one transaction.
func (rc *RedisCoordinator) register(ctx context.Context) error {
	id := rc.cfg.InstanceID
	_, err := rc.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for class, limit := range rc.cfg.Limits {
			pipe.Set(ctx, maxKey(class), limit, 0)
			pipe.SetNX(ctx, countKey(class), 0, 0)
			pipe.HSetNX(ctx, holdingsKey(id), class, 0)
		}
		pipe.SAdd(ctx, instancesKey, id)
		return nil
	})
	return err
}

// ── Acquire / Release ───────────────────────────────────────────────────

// Acquire atomically takes one global slot for class. It returns
// ErrAtCapacity when none is free.
func (rc *RedisCoordinator) Acquire(ctx context.Context, class string) error {
	if rc.IsFallback() {
		return rc.takeLocal(class)
	}

	n, err := acquireScript.Run(ctx, rc.client,
		[]string{countKey(class), maxKey(class), holdingsKey(rc.cfg.InstanceID)}, class).Int64()
	if err != nil {
		if rc.degrade("acquire", err) {
			return rc.takeLocal(class)
		}
		return fmt.Errorf("redis acquire: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("acquire", "ok").Inc()

	switch n {
	case -1:
		return fmt.Errorf("%w: %s", ErrAtCapacity, class)
	case -2:
		return fmt.Errorf("class %s has no limit registered in Redis", class)
	}
	return nil
}

// Release atomically returns one global slot for class.
func (rc *RedisCoordinator) Release(ctx context.Context, class string) error {
	if rc.IsFallback() {
		rc.returnLocal(class)
		return nil
	}

	err := releaseScript.Run(ctx, rc.client,
		[]string{countKey(class), holdingsKey(rc.cfg.InstanceID)}, class).Err()
	if err != nil {
		if rc.degrade("release", err) {
			rc.returnLocal(class)
			return nil
		}
		return fmt.Errorf("redis release: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("release", "ok").Inc()
	return nil
}

// ── Fallback mode ───────────────────────────────────────────────────────

// degrade counts a failed Redis call and, when fallback is enabled, switches
// to local limits. It reports whether the caller may continue locally.
func (rc *RedisCoordinator) degrade(op string, err error) bool {
	metrics.RedisOperations.WithLabelValues(op, "error").Inc()
	if !rc.cfg.FallbackEnabled {
		return false
	}
	if rc.fallback.CompareAndSwap(false, true) {
		log.Printf("[coordinator] Redis %s failed (%v), enforcing local limits", op, err)
		metrics.ConnectionErrors.WithLabelValues("coordinator", "fallback_entered").Inc()
	}
	return true
}

// ExitFallback re-registers with Redis, hands the slots taken locally over to
// the global counters and leaves fallback mode.
func (rc *RedisCoordinator) ExitFallback(ctx context.Context) error {
	if err := rc.client.Ping(ctx).Err(); err != nil {
		return err
	}
	if err := rc.register(ctx); err != nil {
		return err
	}
	if err := rc.handOver(ctx); err != nil {
		log.Printf("[coordinator] Handing over local slots failed: %v", err)
		return err
	}

	rc.fallback.Store(false)
	log.Printf("[coordinator] Exited fallback mode, Redis reconnected")
	metrics.ConnectionErrors.WithLabelValues("coordinator", "fallback_exited").Inc()
	return nil
}

// IsFallback reports whether local limits are in effect.
func (rc *RedisCoordinator) IsFallback() bool {
	return rc.fallback.Load()
}

func (rc *RedisCoordinator) takeLocal(class string) error {
	rc.localMu.Lock()
	defer rc.localMu.Unlock()

	limit, held := rc.LocalLimit(class), rc.local[class]
	if held >= limit {
		return fmt.Errorf("%w: %s at local fallback limit (%d/%d)", ErrAtCapacity, class, held, limit)
	}
	rc.local[class] = held + 1
	return nil
}

func (rc *RedisCoordinator) returnLocal(class string) {
	rc.localMu.Lock()
	defer rc.localMu.Unlock()
	if rc.local[class] > 0 {
		rc.local[class]--
	}
}

// LocalLimit is the per-instance cap for class while in fallback mode.
func (rc *RedisCoordinator) LocalLimit(class string) int {
	limit, ok := rc.cfg.Limits[class]
	if !ok {
		return 1
	}
	return max(limit/rc.cfg.LocalLimitDivisor, 1)
}

// handOver adds the slots taken during fallback to the global counters.
func (rc *RedisCoordinator) handOver(ctx context.Context) error {
	rc.localMu.Lock()
	taken := maps.Clone(rc.local)
	rc.localMu.Unlock()

	id := rc.cfg.InstanceID
	_, err := rc.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for class, n := range taken {
			pipe.HIncrBy(ctx, holdingsKey(id), class, int64(n))
			pipe.IncrBy(ctx, countKey(class), int64(n))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("handing over local slots: %w", err)
	}

	rc.localMu.Lock()
	for class, n := range taken {
		rc.local[class] = max(rc.local[class]-n, 0)
	}
	rc.localMu.Unlock()

	log.Printf("[coordinator] Handed %d class counts over to Redis", len(taken))
	return nil
}

// ── Upkeep primitives ───────────────────────────────────────────────────

// beat refreshes this instance's heartbeat key.
func (rc *RedisCoordinator) beat(ctx context.Context, ttl time.Duration) error {
	err := rc.client.Set(ctx, beatKey(rc.cfg.InstanceID), time.Now().Unix(), ttl).Err()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("heartbeat", "error").Inc()
		return err
	}
	metrics.RedisOperations.WithLabelValues("heartbeat", "ok").Inc()
	return nil
}

// recorded returns the slots Redis attributes to this instance.
func (rc *RedisCoordinator) recorded(ctx context.Context) (map[string]int, error) {
	return rc.InstanceCounts(ctx, rc.cfg.InstanceID)
}

// trim returns up to n of this instance's slots for class and reports how
// many were returned.
func (rc *RedisCoordinator) trim(ctx context.Context, class string, n int) (int, error) {
	got, err := trimScript.Run(ctx, rc.client,
		[]string{countKey(class), holdingsKey(rc.cfg.InstanceID)}, class, n).Int()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("trim", "error").Inc()
		return 0, err
	}
	metrics.RedisOperations.WithLabelValues("trim", "ok").Inc()
	return got, nil
}

// reapDead returns the slots of every instance whose heartbeat expired and
// reports how many instances were reaped.
func (rc *RedisCoordinator) reapDead(ctx context.Context) (int, error) {
	ids, err := rc.ActiveInstances(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing instances: %w", err)
	}

	reaped := 0
	for _, id := range ids {
		if id == rc.cfg.InstanceID {
			continue
		}
		recovered, err := reapScript.Run(ctx, rc.client,
			[]string{instancesKey, beatKey(id), holdingsKey(id)},
			id, classKeyPrefix, countKeySuffix).Int()
		if err != nil {
			log.Printf("[heartbeat] Reaping instance %s failed: %v", id, err)
			continue
		}
		if recovered < 0 {
			continue
		}
		reaped++
		log.Printf("[heartbeat] Instance %s stopped beating: recovered %d connection slots", id, recovered)
		metrics.ConnectionErrors.WithLabelValues("coordinator", "dead_instance_cleanup").Inc()
	}
	return reaped, nil
}

// ── Queries ─────────────────────────────────────────────────────────────

// GlobalCount returns the current global count for class. In fallback mode it
// is the local count.
func (rc *RedisCoordinator) GlobalCount(ctx context.Context, class string) (int, error) {
	if rc.IsFallback() {
		rc.localMu.Lock()
		defer rc.localMu.Unlock()
		return rc.local[class], nil
	}

	n, err := rc.client.Get(ctx, countKey(class)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// InstanceCounts returns the per-class slots held by instanceID.
func (rc *RedisCoordinator) InstanceCounts(ctx context.Context, instanceID string) (map[string]int, error) {
	raw, err := rc.client.HGetAll(ctx, holdingsKey(instanceID)).Result()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(raw))
	for class, v := range raw {
		if n, err := strconv.Atoi(v); err == nil {
			counts[class] = n
		}
	}
	return counts, nil
}

// ActiveInstances returns the registered instance IDs.
func (rc *RedisCoordinator) ActiveInstances(ctx context.Context) ([]string, error) {
	return rc.client.SMembers(ctx, instancesKey).Result()
}

// Ping checks Redis connectivity.
func (rc *RedisCoordinator) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// InstanceID returns this coordinator's instance ID.
func (rc *RedisCoordinator) InstanceID() string {
	return rc.cfg.InstanceID
}

// ── Lifecycle ───────────────────────────────────────────────────────────

// Close stops the upkeep loop, unregisters the instance and closes the client.
func (rc *RedisCoordinator) Close(ctx context.Context) error {
	rc.stopOnce.Do(func() { close(rc.stopCh) })
	rc.wg.Wait()

	if !rc.IsFallback() {
		id := rc.cfg.InstanceID
		_, err := rc.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, instancesKey, id)
			pipe.Del(ctx, holdingsKey(id), beatKey(id))
			return nil
		})
		if err != nil {
			log.Printf("[coordinator] Failed to unregister instance %s: %v", id, err)
		}
	}

	log.Printf("[coordinator] Instance %s unregistered", rc.cfg.InstanceID)
	return rc.client.Close()
}
