package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/registry-resilience/internal/backend"
)

func numberQuery(i int, fail bool, calls *atomic.Int64) Query[int] {
	return Query[int]{
		Name:   fmt.Sprintf("q%d", i),
		Params: i,
		Run: func(ctx context.Context, h backend.Handle) (int, error) {
			calls.Add(1)
			if fail {
				return 0, fmt.Errorf("query %d failed", i)
			}
			return i * 10, nil
		},
	}
}

func TestExecuteBatch_CollectsFailuresInOrder(t *testing.T) {
	f := newFixture(t, fastConfig())
	var calls atomic.Int64

	queries := make([]Query[int], 5)
	for i := range queries {
		queries[i] = numberQuery(i, i == 2, &calls)
	}

	results, err := ExecuteBatch(context.Background(), f.exec, queries,
		BatchOptions{Concurrency: 2}, WithRetryAttempts(0))
	require.NoError(t, err)
	require.Len(t, results, 5)

	for i, r := range results {
		if i == 2 {
			assert.Error(t, r.Err)
			assert.Zero(t, r.Data)
			continue
		}
		assert.NoError(t, r.Err)
		assert.Equal(t, i*10, r.Data, "result %d in input order", i)
	}
	assert.EqualValues(t, 5, calls.Load())
}

func TestExecuteBatch_FailFastStopsLaterChunks(t *testing.T) {
	f := newFixture(t, fastConfig())
	var calls atomic.Int64

	queries := make([]Query[int], 6)
	for i := range queries {
		queries[i] = numberQuery(i, i == 1, &calls)
	}

	results, err := ExecuteBatch(context.Background(), f.exec, queries,
		BatchOptions{Concurrency: 2, FailFast: true}, WithRetryAttempts(0))
	require.Error(t, err)
	assert.Nil(t, results)
	assert.Contains(t, err.Error(), "batch query 1 (q1)")
	assert.EqualValues(t, 2, calls.Load(), "only the first chunk ran")
}

func TestExecuteBatch_ConcurrencyBound(t *testing.T) {
	f := newFixture(t, fastConfig())
	var current, peak atomic.Int64

	queries := make([]Query[int], 9)
	for i := range queries {
		queries[i] = Query[int]{
			Name:   "slow",
			Params: i,
			Run: func(ctx context.Context, h backend.Handle) (int, error) {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
				return i, nil
			},
		}
	}

	results, err := ExecuteBatch(context.Background(), f.exec, queries, BatchOptions{Concurrency: 3})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int64(3))
	for i, r := range results {
		assert.Equal(t, i, r.Data)
	}
}

func TestExecuteBatch_DefaultsAndEmpty(t *testing.T) {
	f := newFixture(t, fastConfig())

	results, err := ExecuteBatch[int](context.Background(), f.exec, nil, BatchOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)

	var calls atomic.Int64
	queries := make([]Query[int], 7)
	for i := range queries {
		queries[i] = numberQuery(i, false, &calls)
	}
	results, err = ExecuteBatch(context.Background(), f.exec, queries, BatchOptions{Concurrency: 0})
	require.NoError(t, err)
	assert.Len(t, results, 7)
}

func TestExecuteBatch_CancelledContext(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int64
	queries := []Query[int]{numberQuery(0, false, &calls), numberQuery(1, false, &calls), numberQuery(2, false, &calls)}

	_, err := ExecuteBatch(ctx, f.exec, queries, BatchOptions{Concurrency: 1})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, calls.Load())
}
