package coordinator

import (
	"context"
	"log"
	"time"

	"github.com/joao-brasil/registry-resilience/internal/metrics"
)

// Holdings reports the connections this instance holds per credential class.
// *pool.Pool implements it.
type Holdings interface {
	Held() map[string]int
}

// ledger is the slot bookkeeping driven by the upkeep loop.
// *RedisCoordinator implements it.
type ledger interface {
	InstanceID() string
	IsFallback() bool
	ExitFallback(ctx context.Context) error
	beat(ctx context.Context, ttl time.Duration) error
	recorded(ctx context.Context) (map[string]int, error)
	trim(ctx context.Context, class string, n int) (int, error)
	reapDead(ctx context.Context) (int, error)
}

// reapEvery is how many ticks pass between dead-instance sweeps.
const reapEvery = 3

// upkeep keeps this instance's slot accounting honest. Each tick it leaves
// fallback when Redis is back, refreshes the heartbeat and returns slots Redis
// still attributes to this instance that the pool no longer holds. Every
// reapEvery ticks it also reclaims the slots of instances that stopped beating.
type upkeep struct {
	ledger   ledger
	holdings Holdings
	interval time.Duration
	ttl      time.Duration

	ticks int

	// surplus is what the previous tick found. Only a surplus seen on two
	// consecutive ticks is trimmed; a slot between pool and Redis is not a leak.
	surplus map[string]int
}

func newUpkeep(l ledger, h Holdings, interval, ttl time.Duration) *upkeep {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if ttl <= 0 {
		ttl = DefaultHeartbeatTTL
	}
	return &upkeep{
		ledger:   l,
		holdings: h,
		interval: interval,
		ttl:      ttl,
		surplus:  make(map[string]int),
	}
}

// StartUpkeep runs the heartbeat and slot reconciliation in the background
// until ctx is done or the coordinator is closed. With h nil no slot is ever
// trimmed.
func (rc *RedisCoordinator) StartUpkeep(ctx context.Context, h Holdings) {
	u := newUpkeep(rc, h, rc.cfg.HeartbeatInterval, rc.cfg.HeartbeatTTL)
	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		u.run(ctx, rc.stopCh)
	}()
	log.Printf("[heartbeat] Started: interval=%s, ttl=%s, instance=%s", u.interval, u.ttl, rc.cfg.InstanceID)
}

func (u *upkeep) run(ctx context.Context, stop <-chan struct{}) {
	u.tick(ctx)

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			u.tick(ctx)
		}
	}
}

// tick runs one upkeep cycle. While Redis stays unreachable only the attempt
// to leave fallback runs.
func (u *upkeep) tick(ctx context.Context) {
	u.ticks++
	alive := metrics.InstanceHeartbeat.WithLabelValues(u.ledger.InstanceID())

	if u.ledger.IsFallback() {
		if err := u.ledger.ExitFallback(ctx); err != nil {
			alive.Set(0)
			return
		}
	}
	if err := u.ledger.beat(ctx, u.ttl); err != nil {
		log.Printf("[heartbeat] Failed to send heartbeat: %v", err)
		alive.Set(0)
		return
	}
	alive.Set(1)

	if u.holdings != nil {
		u.trimSurplus(ctx)
	}
	if u.ticks%reapEvery == 0 {
		if _, err := u.ledger.reapDead(ctx); err != nil {
			log.Printf("[heartbeat] Dead instance sweep failed: %v", err)
		}
	}
}

// trimSurplus returns slots recorded for this instance beyond what the pool
// holds, once the same surplus has been seen twice.
func (u *upkeep) trimSurplus(ctx context.Context) {
	recorded, err := u.ledger.recorded(ctx)
	if err != nil {
		log.Printf("[heartbeat] Reading recorded slots failed: %v", err)
		return
	}

	current := surplus(recorded, u.holdings.Held())
	for class, n := range current {
		n = min(n, u.surplus[class])
		if n <= 0 {
			continue
		}
		trimmed, err := u.ledger.trim(ctx, class, n)
		if err != nil {
			log.Printf("[heartbeat] Returning %d %s slots failed: %v", n, class, err)
			continue
		}
		if trimmed > 0 {
			log.Printf("[heartbeat] Returned %d leaked %s slots", trimmed, class)
			metrics.ConnectionErrors.WithLabelValues(class, "leaked_slot").Add(float64(trimmed))
		}
		current[class] -= trimmed
	}
	u.surplus = current
}

// surplus returns, per class, how many more slots are recorded than held.
func surplus(recorded, held map[string]int) map[string]int {
	out := make(map[string]int)
	for class, n := range recorded {
		if d := n - held[class]; d > 0 {
			out[class] = d
		}
	}
	return out
}
