package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func metric(name string, d time.Duration, hit bool) QueryMetric {
	return QueryMetric{Name: name, ExecutionTime: d, CacheHit: hit, Timestamp: time.Now()}
}

func TestRecorder_Empty(t *testing.T) {
	r := NewRecorder(10, time.Second)

	assert.Equal(t, 0, r.Total())
	assert.Equal(t, time.Duration(0), r.AverageTime())
	assert.Equal(t, 0.0, r.CacheHitRate())
	assert.Empty(t, r.SlowQueries())
	assert.Empty(t, r.Recent(5))
	assert.Equal(t, Summary{SlowThreshold: time.Second}, r.Summary())
}

func TestRecorder_Aggregates(t *testing.T) {
	r := NewRecorder(10, 100*time.Millisecond)

	r.Record(metric("residents.list", 50*time.Millisecond, false))
	r.Record(metric("residents.list", 10*time.Millisecond, true))
	r.Record(metric("households.list", 300*time.Millisecond, false))
	r.Record(metric("households.list", 40*time.Millisecond, true))

	assert.Equal(t, 4, r.Total())
	assert.Equal(t, 100*time.Millisecond, r.AverageTime())
	assert.Equal(t, 50.0, r.CacheHitRate())

	slow := r.SlowQueries()
	require.Len(t, slow, 1)
	assert.Equal(t, "households.list", slow[0].Name)

	s := r.Summary()
	assert.Equal(t, 4, s.TotalQueries)
	assert.Equal(t, 100*time.Millisecond, s.AverageTime)
	assert.Equal(t, 50.0, s.CacheHitRate)
	assert.Equal(t, 1, s.SlowQueries)
}

func TestRecorder_DropsOldestOnOverflow(t *testing.T) {
	r := NewRecorder(3, time.Second)

	for i := 0; i < 5; i++ {
		r.Record(metric(fmt.Sprintf("q%d", i), time.Duration(i)*time.Millisecond, false))
	}

	assert.Equal(t, 3, r.Total())
	recent := r.Recent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, "q2", recent[0].Name)
	assert.Equal(t, "q4", recent[2].Name)
}

func TestRecorder_Recent(t *testing.T) {
	r := NewRecorder(5, time.Second)
	for i := 0; i < 4; i++ {
		r.Record(metric(fmt.Sprintf("q%d", i), time.Millisecond, false))
	}

	recent := r.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "q2", recent[0].Name)
	assert.Equal(t, "q3", recent[1].Name)
	assert.Nil(t, r.Recent(0))
}

func TestRecorder_Defaults(t *testing.T) {
	r := NewRecorder(0, 0)
	assert.Equal(t, DefaultSlowThreshold, r.SlowThreshold())

	for i := 0; i < DefaultWindow+10; i++ {
		r.Record(metric("q", time.Millisecond, false))
	}
	assert.Equal(t, DefaultWindow, r.Total())
}
