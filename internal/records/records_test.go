package records

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/registry-resilience/internal/backend"
	"github.com/joao-brasil/registry-resilience/internal/cache"
	"github.com/joao-brasil/registry-resilience/internal/dberr"
	"github.com/joao-brasil/registry-resilience/internal/executor"
	"github.com/joao-brasil/registry-resilience/internal/pool"
	"github.com/joao-brasil/registry-resilience/pkg/credential"
)

// tableBackend serves in-memory tables and counts the queries it answers.
type tableBackend struct {
	mu      sync.Mutex
	tables  map[string]backend.Rows
	failing map[string]error // keyed by resource + fmt.Sprint(where)
	queries atomic.Int64
}

func (b *tableBackend) Open(context.Context, credential.Class) (backend.Handle, error) {
	return &tableHandle{b: b}, nil
}

type tableHandle struct{ b *tableBackend }

func (h *tableHandle) Query(_ context.Context, resource string, sel backend.Selector) (backend.Rows, error) {
	h.b.queries.Add(1)
	h.b.mu.Lock()
	defer h.b.mu.Unlock()

	if err := h.b.failing[resource+fmt.Sprint(sel.Where)]; err != nil {
		return nil, err
	}

	var out backend.Rows
	for _, row := range h.b.tables[resource] {
		if matches(row, sel.Where) {
			out = append(out, row)
		}
	}
	if sel.Count {
		return backend.Rows{{"count": int64(len(out))}}, nil
	}
	if sel.Limit > 0 && uint64(len(out)) > sel.Limit {
		out = out[:sel.Limit]
	}
	return out, nil
}

func (h *tableHandle) Probe(context.Context) error { return nil }
func (h *tableHandle) Close() error                { return nil }

func matches(row backend.Row, where map[string]any) bool {
	for k, v := range where {
		if fmt.Sprint(row[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func newRegistryBackend() *tableBackend {
	return &tableBackend{
		tables: map[string]backend.Rows{
			HouseholdsTable: {
				{"id": int64(1), "household_number": "HH-001", "address": "12 Rizal St", "zone": "Purok 1", "head_name": "Ana Cruz"},
				{"id": int64(2), "household_number": "HH-002", "address": "4 Mabini St", "zone": "Purok 2", "head_name": "Ben Reyes"},
			},
			ResidentsTable: {
				{"id": int64(10), "household_id": int64(1), "first_name": "Ana", "last_name": "Cruz",
					"birth_date": time.Date(1980, 5, 1, 0, 0, 0, 0, time.UTC), "sex": "F", "civil_status": "married", "status": StatusActive},
				{"id": int64(11), "household_id": int64(1), "first_name": "Luis", "last_name": "Cruz",
					"birth_date": "2010-09-14", "sex": "M", "civil_status": "single", "status": StatusActive},
				{"id": []byte("12"), "household_id": "2", "first_name": "Ben", "last_name": "Reyes",
					"birth_date": "1955-01-30T00:00:00Z", "sex": "M", "civil_status": "widowed", "status": StatusDeceased},
				{"id": int32(13), "household_id": int64(2), "first_name": "Carla", "last_name": "Reyes",
					"birth_date": nil, "sex": "F", "civil_status": "single", "status": StatusMovedOut},
			},
		},
		failing: map[string]error{},
	}
}

func newTestStore(t *testing.T, b *tableBackend) *Store {
	t.Helper()
	p, err := pool.New(pool.Config{
		MaxConnections:    3,
		ConnectionTimeout: time.Second,
		RetryAttempts:     2,
		RetryBackoff:      5 * time.Millisecond,
	}, b)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	exec, err := executor.New(executor.Config{
		Timeout:       time.Second,
		RetryAttempts: 1,
		BaseDelay:     time.Millisecond,
	}, executor.Deps{Pool: p, Cache: cache.New(cache.Config{})})
	require.NoError(t, err)
	return NewStore(exec)
}

func TestStore_ListResidents(t *testing.T) {
	ctx := context.Background()
	b := newRegistryBackend()
	s := newTestStore(t, b)

	all, err := s.ListResidents(ctx, ResidentFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, int64(12), all[2].ID)
	assert.Equal(t, int64(2), all[2].HouseholdID)
	assert.Equal(t, time.Date(2010, 9, 14, 0, 0, 0, 0, time.UTC), all[1].BirthDate)
	assert.True(t, all[3].BirthDate.IsZero())

	active, err := s.ListResidents(ctx, ResidentFilter{Status: StatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	queries := b.queries.Load()
	_, err = s.ListResidents(ctx, ResidentFilter{Status: StatusActive})
	require.NoError(t, err)
	assert.Equal(t, queries, b.queries.Load(), "repeated filter is served from cache")
}

func TestStore_GetResident(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newRegistryBackend())

	r, err := s.GetResident(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "Ana Cruz", r.FullName())
	assert.Equal(t, "married", r.CivilStatus)

	_, err = s.GetResident(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Households(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newRegistryBackend())

	households, err := s.ListHouseholds(ctx, Page{})
	require.NoError(t, err)
	require.Len(t, households, 2)
	assert.Equal(t, "HH-001", households[0].Number)
	assert.Equal(t, "Ben Reyes", households[1].HeadName)

	members, err := s.HouseholdMembers(ctx, 2)
	require.NoError(t, err)
	require.Len(t, members, 2)
	for _, m := range members {
		assert.Equal(t, "Reyes", m.LastName)
	}
}

func TestStore_BackendFailureIsQueryFailed(t *testing.T) {
	b := newRegistryBackend()
	b.failing[HouseholdsTable+fmt.Sprint(map[string]any(nil))] = errors.New("relation does not exist")
	s := newTestStore(t, b)

	_, err := s.ListHouseholds(context.Background(), Page{})
	require.Error(t, err)
	assert.True(t, dberr.IsQueryFailed(err))
	assert.Equal(t, int64(2), b.queries.Load(), "one retry")
}

func TestStore_DecodeError(t *testing.T) {
	b := newRegistryBackend()
	b.tables[ResidentsTable] = backend.Rows{{"id": "not-a-number"}}
	s := newTestStore(t, b)

	_, err := s.ListResidents(context.Background(), ResidentFilter{}, executor.WithRetryAttempts(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "column id")
}

func TestStore_Dashboard(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newRegistryBackend())

	d, err := s.Dashboard(ctx, executor.BatchOptions{Concurrency: 3})
	require.NoError(t, err)
	assert.Equal(t, Dashboard{
		Households: 2,
		Residents:  4,
		Active:     2,
		MovedOut:   1,
		Deceased:   1,
		Male:       2,
		Female:     2,
	}, d)
}

func TestStore_DashboardPartialFailure(t *testing.T) {
	ctx := context.Background()
	b := newRegistryBackend()
	b.failing[ResidentsTable+fmt.Sprint(map[string]any{"status": StatusDeceased})] = errors.New("permission denied")
	s := newTestStore(t, b)

	d, err := s.Dashboard(ctx, executor.BatchOptions{Concurrency: 2}, executor.WithRetryAttempts(0))
	require.NoError(t, err)
	assert.Equal(t, []string{"deceased"}, d.Failed)
	assert.Equal(t, int64(4), d.Residents)
	assert.Zero(t, d.Deceased)

	_, err = s.Dashboard(ctx, executor.BatchOptions{Concurrency: 2, FailFast: true},
		executor.WithRetryAttempts(0), executor.WithoutCache())
	assert.Error(t, err)
}

func TestStore_InvalidateResidents(t *testing.T) {
	ctx := context.Background()
	b := newRegistryBackend()
	s := newTestStore(t, b)

	_, err := s.GetResident(ctx, 10)
	require.NoError(t, err)
	before := b.queries.Load()

	require.NoError(t, s.InvalidateResidents(ctx))
	_, err = s.GetResident(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, before+1, b.queries.Load())
}
