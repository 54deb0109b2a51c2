//go:build integration

package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/registry-resilience/internal/testutil/containers"
)

func newIntegrationCoordinator(t *testing.T, rc *containers.RedisContainer, id string) *RedisCoordinator {
	t.Helper()
	c, err := New(context.Background(), Config{
		Addr:              rc.Addr,
		InstanceID:        id,
		Limits:            map[string]int{"restricted": 3, "elevated": 1},
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTTL:      time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestRedisCoordinator_GlobalLimitAcrossInstances(t *testing.T) {
	ctx := context.Background()
	redisC := containers.NewRedisContainer(t)

	a := newIntegrationCoordinator(t, redisC, "instance-a")
	defer a.Close(ctx)
	b := newIntegrationCoordinator(t, redisC, "instance-b")
	defer b.Close(ctx)

	require.NoError(t, a.Acquire(ctx, "restricted"))
	require.NoError(t, a.Acquire(ctx, "restricted"))
	require.NoError(t, b.Acquire(ctx, "restricted"))
	assert.ErrorIs(t, b.Acquire(ctx, "restricted"), ErrAtCapacity)

	n, err := a.GlobalCount(ctx, "restricted")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	counts, err := a.InstanceCounts(ctx, "instance-a")
	require.NoError(t, err)
	assert.Equal(t, 2, counts["restricted"])

	require.NoError(t, a.Release(ctx, "restricted"))
	require.NoError(t, b.Acquire(ctx, "restricted"))

	instances, err := a.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"instance-a", "instance-b"}, instances)
}

func TestRedisCoordinator_UnknownClass(t *testing.T) {
	ctx := context.Background()
	redisC := containers.NewRedisContainer(t)
	c := newIntegrationCoordinator(t, redisC, "instance-a")
	defer c.Close(ctx)

	err := c.Acquire(ctx, "superuser")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAtCapacity)
}

func TestUpkeep_ReapsDeadInstance(t *testing.T) {
	ctx := context.Background()
	redisC := containers.NewRedisContainer(t)
	c := newIntegrationCoordinator(t, redisC, "instance-live")
	defer c.Close(ctx)

	// A crashed instance holding two restricted slots, with no heartbeat key.
	require.NoError(t, redisC.Client.SAdd(ctx, instancesKey, "instance-dead").Err())
	require.NoError(t, redisC.Client.HSet(ctx, holdingsKey("instance-dead"), "restricted", 2).Err())
	require.NoError(t, redisC.Client.IncrBy(ctx, countKey("restricted"), 2).Err())

	require.NoError(t, c.beat(ctx, time.Second))
	n, err := c.reapDead(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := c.GlobalCount(ctx, "restricted")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	instances, err := c.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"instance-live"}, instances)

	n, err = c.reapDead(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a beating instance is never reaped")
}

func TestUpkeep_TrimsLeakedSlots(t *testing.T) {
	ctx := context.Background()
	redisC := containers.NewRedisContainer(t)
	c := newIntegrationCoordinator(t, redisC, "instance-a")
	defer c.Close(ctx)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Acquire(ctx, "restricted"))
	}

	u := newUpkeep(c, staticHoldings{"restricted": 1}, time.Minute, time.Second)
	u.tick(ctx)
	u.tick(ctx)

	count, err := c.GlobalCount(ctx, "restricted")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	counts, err := c.InstanceCounts(ctx, "instance-a")
	require.NoError(t, err)
	assert.Equal(t, 1, counts["restricted"])
}

func TestRedisCoordinator_ExitFallbackReconciles(t *testing.T) {
	ctx := context.Background()
	redisC := containers.NewRedisContainer(t)
	c := newIntegrationCoordinator(t, redisC, "instance-a")
	defer c.Close(ctx)

	c.enterFallback()
	require.NoError(t, c.Acquire(ctx, "restricted"))

	require.NoError(t, c.ExitFallback(ctx))
	assert.False(t, c.IsFallback())

	n, err := c.GlobalCount(ctx, "restricted")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "slot taken during fallback is visible globally")

	require.NoError(t, c.Release(ctx, "restricted"))
	n, err = c.GlobalCount(ctx, "restricted")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
