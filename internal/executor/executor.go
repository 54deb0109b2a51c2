// Package executor runs named queries against the pooled backend with caching,
// per-attempt timeouts, exponential backoff retries and metric recording.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/joao-brasil/registry-resilience/internal/backend"
	"github.com/joao-brasil/registry-resilience/internal/cache"
	"github.com/joao-brasil/registry-resilience/internal/dberr"
	"github.com/joao-brasil/registry-resilience/internal/metrics"
	"github.com/joao-brasil/registry-resilience/pkg/credential"
)

// Defaults applied by New when a Config field is zero.
const (
	DefaultTimeout       = 10 * time.Second
	DefaultRetryAttempts = 3
	DefaultBaseDelay     = time.Second
	DefaultCacheTTL      = 5 * time.Minute
)

// Borrower lends backend handles. *pool.Pool implements it.
type Borrower interface {
	WithConnection(ctx context.Context, class credential.Class, fn func(backend.Handle) error) error
}

// SharedCache is a cache tier shared between instances. *cache.RedisStore
// implements it. Results cross it as JSON, so only result types that decode
// back to themselves are shared: a type with an interface anywhere in it,
// such as backend.Rows, would come back with float64 numbers and stays in the
// memory tier.
type SharedCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Config holds executor defaults. Per-call Options override them.
type Config struct {
	Timeout            time.Duration // per attempt
	RetryAttempts      int           // retries after the first attempt
	BaseDelay          time.Duration // backoff unit
	CacheTTL           time.Duration
	SlowQueryThreshold time.Duration
	DisableCache       bool
}

// Deps are the collaborators of an Executor. Pool is required; Cache nil
// disables caching; Shared is optional; Recorder nil gets a default one.
type Deps struct {
	Pool     Borrower
	Cache    *cache.QueryCache
	Shared   SharedCache
	Recorder *metrics.Recorder
}

// Query is one named, cacheable backend call producing T.
type Query[T any] struct {
	// Name identifies the query in cache keys and metrics.
	Name string
	// Params is fingerprinted into the cache key. It must be JSON-encodable.
	Params any
	// Run performs the backend call on a borrowed handle.
	Run func(ctx context.Context, h backend.Handle) (T, error)
	// Options apply before the options passed to Execute.
	Options []Option
}

// Result is the uniform outcome of an execution.
type Result[T any] struct {
	Data      T
	Err       error
	FromCache bool
	Attempts  int
	Elapsed   time.Duration
}

// Executor is safe for concurrent use.
type Executor struct {
	cfg      Config
	pool     Borrower
	cache    *cache.QueryCache
	shared   SharedCache
	recorder *metrics.Recorder
	now      func() time.Time

	group singleflight.Group

	// flights tracks the callers waiting on each in-flight key. The shared
	// run is cancelled when the last one leaves.
	mu      sync.Mutex
	flights map[string]*flightCtl
}

type flightCtl struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// New creates an executor.
func New(cfg Config, deps Deps) (*Executor, error) {
	if deps.Pool == nil {
		return nil, errors.New("executor requires a connection pool")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.SlowQueryThreshold <= 0 {
		cfg.SlowQueryThreshold = metrics.DefaultSlowThreshold
	}
	rec := deps.Recorder
	if rec == nil {
		rec = metrics.NewRecorder(metrics.DefaultWindow, cfg.SlowQueryThreshold)
	}
	return &Executor{
		cfg:      cfg,
		pool:     deps.Pool,
		cache:    deps.Cache,
		shared:   deps.Shared,
		recorder: rec,
		now:      time.Now,
		flights:  make(map[string]*flightCtl),
	}, nil
}

// Recorder returns the metrics window fed by this executor.
func (e *Executor) Recorder() *metrics.Recorder {
	return e.recorder
}

// Invalidate drops every cached result of the named query from both tiers.
func (e *Executor) Invalidate(ctx context.Context, name string) error {
	prefix := name + ":"
	n := 0
	if e.cache != nil {
		n = e.cache.InvalidatePrefix(prefix)
	}
	if e.shared != nil {
		m, err := e.shared.DeletePrefix(ctx, prefix)
		if err != nil {
			return fmt.Errorf("invalidating %s: %w", name, err)
		}
		n += m
	}
	log.Printf("[executor] Invalidated %d cached results for %s", n, name)
	return nil
}

// flight is the value shared by single-flight followers.
type flight struct {
	data     any
	attempts int
}

// Execute runs q. A live cached result is returned without touching the
// backend. On a miss, concurrent callers with the same cache key share one
// execution; each caller still waits on its own ctx. The returned Result
// carries the same error as the second return value.
func Execute[T any](ctx context.Context, e *Executor, q Query[T], opts ...Option) (Result[T], error) {
	o := e.callOptions(q.Options, opts)
	start := e.now()

	res, err := execute(ctx, e, q, o)
	res.Elapsed = e.now().Sub(start)
	res.Err = err

	if o.metrics {
		count := 0
		if err == nil {
			count = resultCount(res.Data)
		}
		e.recorder.Record(metrics.QueryMetric{
			Name:          q.Name,
			ExecutionTime: res.Elapsed,
			ResultCount:   count,
			CacheHit:      res.FromCache,
			Timestamp:     start,
		})
	}
	if err == nil && !res.FromCache && res.Elapsed > e.cfg.SlowQueryThreshold {
		log.Printf("[executor] WARN slow query %s: %s (threshold %s, attempts %d)",
			q.Name, res.Elapsed, e.cfg.SlowQueryThreshold, res.Attempts)
	}
	return res, err
}

func execute[T any](ctx context.Context, e *Executor, q Query[T], o callOptions) (Result[T], error) {
	if q.Run == nil {
		return Result[T]{}, dberr.New(dberr.KindConfiguration, "executor.execute", o.class.String(),
			fmt.Errorf("query %q has no Run function", q.Name))
	}
	if err := ctx.Err(); err != nil {
		return Result[T]{}, err
	}

	useCache := o.cache && e.cache != nil
	if !useCache {
		data, attempts, err := run(ctx, e, q, o)
		return Result[T]{Data: data, Attempts: attempts}, err
	}

	key, err := Fingerprint(q.Name, q.Params)
	if err != nil {
		return Result[T]{}, dberr.New(dberr.KindConfiguration, "executor.execute", o.class.String(), err)
	}

	if data, ok := lookup[T](ctx, e, key, o.cacheTTL); ok {
		return Result[T]{Data: data, FromCache: true}, nil
	}

	fc := e.join(ctx, key)
	defer e.leave(key, fc)

	ch := e.group.DoChan(key, func() (any, error) {
		data, attempts, err := run(fc.ctx, e, q, o)
		if err == nil {
			store(fc.ctx, e, key, data, o.cacheTTL)
		}
		return flight{data: data, attempts: attempts}, err
	})

	select {
	case <-ctx.Done():
		return Result[T]{}, ctx.Err()
	case r := <-ch:
		f, _ := r.Val.(flight)
		if r.Err != nil {
			return Result[T]{Attempts: f.attempts}, r.Err
		}
		data, ok := f.data.(T)
		if !ok {
			return Result[T]{}, dberr.New(dberr.KindQueryFailed, "executor.execute", o.class.String(),
				fmt.Errorf("query %s: shared result has type %T", q.Name, f.data))
		}
		return Result[T]{Data: data, Attempts: f.attempts}, nil
	}
}

// join registers the caller as a waiter on key. The shared run context
// outlives any single caller.
func (e *Executor) join(ctx context.Context, key string) *flightCtl {
	e.mu.Lock()
	defer e.mu.Unlock()
	fc, ok := e.flights[key]
	if !ok {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fc = &flightCtl{ctx: runCtx, cancel: cancel}
		e.flights[key] = fc
	}
	fc.waiters++
	return fc
}

// leave unregisters a waiter. The last one cancels the shared run and makes
// later callers start a fresh flight.
func (e *Executor) leave(key string, fc *flightCtl) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fc.waiters--
	if fc.waiters > 0 {
		return
	}
	fc.cancel()
	if e.flights[key] == fc {
		delete(e.flights, key)
		e.group.Forget(key)
	}
}

// lookup checks the memory tier, then the shared tier. Shared hits are copied
// into memory.
func lookup[T any](ctx context.Context, e *Executor, key string, ttl time.Duration) (T, bool) {
	var zero T
	if v, ok := e.cache.Get(key); ok {
		if data, ok := v.(T); ok {
			return data, true
		}
	}
	if e.shared == nil || !shareable[T]() {
		return zero, false
	}

	raw, ok, err := e.shared.Get(ctx, key)
	if err != nil {
		log.Printf("[executor] Shared cache lookup failed for %s: %v", key, err)
		return zero, false
	}
	if !ok {
		return zero, false
	}
	var data T
	if err := json.Unmarshal(raw, &data); err != nil {
		log.Printf("[executor] Discarding undecodable shared cache entry %s: %v", key, err)
		return zero, false
	}
	e.cache.Set(key, data, ttl)
	return data, true
}

func store[T any](ctx context.Context, e *Executor, key string, data T, ttl time.Duration) {
	e.cache.Set(key, data, ttl)
	if e.shared == nil || !shareable[T]() {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		log.Printf("[executor] Result of %s is not shareable: %v", key, err)
		return
	}
	if err := e.shared.Set(context.WithoutCancel(ctx), key, raw, ttl); err != nil {
		log.Printf("[executor] Shared cache store failed for %s: %v", key, err)
	}
}

// jsonSafe memoizes shareable per result type.
var jsonSafe sync.Map // reflect.Type -> bool

// shareable reports whether T survives a JSON round trip through the shared
// tier unchanged.
func shareable[T any]() bool {
	t := reflect.TypeFor[T]()
	if v, ok := jsonSafe.Load(t); ok {
		return v.(bool)
	}
	ok := concreteType(t, make(map[reflect.Type]bool))
	jsonSafe.Store(t, ok)
	return ok
}

// concreteType reports whether no exported part of t is an interface.
func concreteType(t reflect.Type, seen map[reflect.Type]bool) bool {
	if seen[t] {
		return true
	}
	seen[t] = true
	switch t.Kind() {
	case reflect.Interface:
		return false
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return concreteType(t.Elem(), seen)
	case reflect.Map:
		return concreteType(t.Key(), seen) && concreteType(t.Elem(), seen)
	case reflect.Struct:
		for i := range t.NumField() {
			if f := t.Field(i); f.IsExported() && !concreteType(f.Type, seen) {
				return false
			}
		}
	}
	return true
}

// run performs up to RetryAttempts+1 attempts. Configuration errors and
// cancellation of ctx end the loop early.
func run[T any](ctx context.Context, e *Executor, q Query[T], o callOptions) (T, int, error) {
	var (
		zero T
		last *Attempt
	)
	total := o.retryAttempts + 1
	for n := 1; n <= total; n++ {
		a := newAttempt(n, e.now())
		data, timedOut, err := runAttempt(ctx, e, q, o)
		_ = a.resolve(err, timedOut, e.now())
		last = a
		metrics.QueryAttempts.WithLabelValues(q.Name, a.State.String()).Inc()

		if a.State == Succeeded {
			return data, n, nil
		}
		if ctx.Err() != nil {
			return zero, n, ctx.Err()
		}
		if dberr.IsConfiguration(err) {
			return zero, n, err
		}
		if n == total {
			break
		}

		delay := BackoffDelay(o.baseDelay, n)
		log.Printf("[executor] Query %s attempt %d/%d %s: %v (retry in %s)",
			q.Name, n, total, a.State, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, n, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, last.Index, exhausted(q.Name, o.class, last)
}

// attemptResult carries the outcome of one backend call.
type attemptResult[T any] struct {
	data T
	err  error
}

// runAttempt borrows a connection and races q against the per-attempt timer.
// When the timer fires first the attempt is TimedOut even if the backend call
// ignores its context; the call keeps its connection until it returns, and the
// pool gets it back then.
func runAttempt[T any](ctx context.Context, e *Executor, q Query[T], o callOptions) (data T, timedOut bool, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		var r attemptResult[T]
		r.err = e.pool.WithConnection(attemptCtx, o.class, func(h backend.Handle) error {
			var runErr error
			r.data, runErr = q.Run(attemptCtx, h)
			return runErr
		})
		done <- r
	}()

	select {
	case r := <-done:
		timedOut = r.err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		return r.data, timedOut, r.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return data, false, err
		}
		return data, true, fmt.Errorf("attempt exceeded %s: %w", o.timeout, context.DeadlineExceeded)
	}
}

// exhausted wraps the last attempt error with its kind. Errors that already
// carry a kind are returned as is.
func exhausted(name string, class credential.Class, last *Attempt) error {
	if dberr.KindOf(last.Err) != dberr.KindUnknown {
		return last.Err
	}
	kind := dberr.KindQueryFailed
	if last.State == TimedOut {
		kind = dberr.KindQueryTimeout
	}
	return dberr.New(kind, name, class.String(),
		fmt.Errorf("after %d attempts: %w", last.Index, last.Err))
}

// resultCount is the length of slice, map and array results, 0 for nil and 1
// otherwise.
func resultCount(v any) int {
	if v == nil {
		return 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		if rv.IsNil() {
			return 0
		}
		return rv.Len()
	case reflect.Array:
		return rv.Len()
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return 0
		}
	}
	return 1
}
