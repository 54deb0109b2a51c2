package executor

import (
	"time"

	"github.com/joao-brasil/registry-resilience/pkg/credential"
)

// Option overrides an executor default for one call.
type Option func(*callOptions)

type callOptions struct {
	cache         bool
	cacheTTL      time.Duration
	metrics       bool
	timeout       time.Duration
	retryAttempts int
	baseDelay     time.Duration
	class         credential.Class
}

// WithCacheTTL sets how long a successful result stays cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *callOptions) {
		if ttl > 0 {
			o.cacheTTL = ttl
		}
	}
}

// WithoutCache skips the cache lookup and store.
func WithoutCache() Option {
	return func(o *callOptions) { o.cache = false }
}

// WithoutMetrics skips recording the execution.
func WithoutMetrics() Option {
	return func(o *callOptions) { o.metrics = false }
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRetryAttempts sets how many retries follow a failed first attempt.
func WithRetryAttempts(n int) Option {
	return func(o *callOptions) {
		if n >= 0 {
			o.retryAttempts = n
		}
	}
}

// WithBaseDelay sets the backoff unit.
func WithBaseDelay(d time.Duration) Option {
	return func(o *callOptions) {
		if d > 0 {
			o.baseDelay = d
		}
	}
}

// WithClass selects the credential class of the borrowed connection.
func WithClass(c credential.Class) Option {
	return func(o *callOptions) { o.class = c }
}

func (e *Executor) callOptions(groups ...[]Option) callOptions {
	o := callOptions{
		cache:         !e.cfg.DisableCache,
		cacheTTL:      e.cfg.CacheTTL,
		metrics:       true,
		timeout:       e.cfg.Timeout,
		retryAttempts: e.cfg.RetryAttempts,
		baseDelay:     e.cfg.BaseDelay,
		class:         credential.Restricted,
	}
	for _, opts := range groups {
		for _, opt := range opts {
			opt(&o)
		}
	}
	return o
}
