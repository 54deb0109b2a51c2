package metrics

import (
	"sync"
	"time"
)

// DefaultWindow is the number of executions retained by a Recorder.
const DefaultWindow = 1000

// DefaultSlowThreshold marks executions considered slow.
const DefaultSlowThreshold = 2 * time.Second

// QueryMetric describes one logical query execution. It is never mutated after
// it has been recorded.
type QueryMetric struct {
	Name          string
	ExecutionTime time.Duration
	ResultCount   int
	CacheHit      bool
	Timestamp     time.Time
}

// Summary is a point-in-time view of the recorded window.
type Summary struct {
	TotalQueries  int
	AverageTime   time.Duration
	CacheHitRate  float64 // percentage, 0-100
	SlowQueries   int
	SlowThreshold time.Duration
}

// Recorder keeps the most recent executions in a fixed-size ring buffer.
// The oldest entry is dropped when the buffer is full.
type Recorder struct {
	mu            sync.RWMutex
	buf           []QueryMetric
	next          int // index the next record is written to
	size          int // number of valid entries
	slowThreshold time.Duration
}

// NewRecorder creates a recorder holding up to window entries.
func NewRecorder(window int, slowThreshold time.Duration) *Recorder {
	if window <= 0 {
		window = DefaultWindow
	}
	if slowThreshold <= 0 {
		slowThreshold = DefaultSlowThreshold
	}
	return &Recorder{
		buf:           make([]QueryMetric, window),
		slowThreshold: slowThreshold,
	}
}

// Record appends m to the window and feeds the Prometheus collectors.
func (r *Recorder) Record(m QueryMetric) {
	r.mu.Lock()
	r.buf[r.next] = m
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
	r.mu.Unlock()

	cache := "miss"
	if m.CacheHit {
		cache = "hit"
	}
	QueryDuration.WithLabelValues(m.Name, cache).Observe(m.ExecutionTime.Seconds())
	if m.ExecutionTime > r.slowThreshold {
		SlowQueries.WithLabelValues(m.Name).Inc()
	}
}

// SlowThreshold returns the duration above which executions count as slow.
func (r *Recorder) SlowThreshold() time.Duration {
	return r.slowThreshold
}

// Total returns the number of executions in the window.
func (r *Recorder) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// AverageTime returns the mean execution time over the window.
func (r *Recorder) AverageTime() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.size == 0 {
		return 0
	}
	var sum time.Duration
	r.each(func(m QueryMetric) { sum += m.ExecutionTime })
	return sum / time.Duration(r.size)
}

// CacheHitRate returns the percentage of executions served from cache.
func (r *Recorder) CacheHitRate() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.size == 0 {
		return 0
	}
	hits := 0
	r.each(func(m QueryMetric) {
		if m.CacheHit {
			hits++
		}
	})
	return 100 * float64(hits) / float64(r.size)
}

// SlowQueries returns the executions slower than the threshold, oldest first.
func (r *Recorder) SlowQueries() []QueryMetric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []QueryMetric
	r.each(func(m QueryMetric) {
		if m.ExecutionTime > r.slowThreshold {
			out = append(out, m)
		}
	})
	return out
}

// Recent returns up to k of the newest executions, oldest first.
func (r *Recorder) Recent(k int) []QueryMetric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if k <= 0 {
		return nil
	}
	if k > r.size {
		k = r.size
	}
	out := make([]QueryMetric, 0, k)
	skip := r.size - k
	i := 0
	r.each(func(m QueryMetric) {
		if i >= skip {
			out = append(out, m)
		}
		i++
	})
	return out
}

// Summary computes the aggregate view of the window in one pass.
func (r *Recorder) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Summary{TotalQueries: r.size, SlowThreshold: r.slowThreshold}
	if r.size == 0 {
		return s
	}
	var sum time.Duration
	hits := 0
	r.each(func(m QueryMetric) {
		sum += m.ExecutionTime
		if m.CacheHit {
			hits++
		}
		if m.ExecutionTime > r.slowThreshold {
			s.SlowQueries++
		}
	})
	s.AverageTime = sum / time.Duration(r.size)
	s.CacheHitRate = 100 * float64(hits) / float64(r.size)
	return s
}

// each visits the valid entries oldest first. Caller holds r.mu.
func (r *Recorder) each(fn func(QueryMetric)) {
	start := 0
	if r.size == len(r.buf) {
		start = r.next
	}
	for i := 0; i < r.size; i++ {
		fn(r.buf[(start+i)%len(r.buf)])
	}
}
