// Package pool provides the bounded connection pool over the registry backend.
// Connections are grouped by credential class; each class is capped at
// MaxConnections, idle connections are reused before new ones are opened, and a
// periodic health sweep evicts idle-timed-out and unresponsive connections.
package pool

import (
	"sync"
	"time"

	"github.com/joao-brasil/registry-resilience/internal/backend"
	"github.com/joao-brasil/registry-resilience/pkg/credential"
)

// PooledConn wraps a backend handle with metadata for pool management.
// It is owned by the Pool and lent to one borrower at a time.
type PooledConn struct {
	mu sync.Mutex

	// handle is the underlying backend connection.
	handle backend.Handle

	// id is a unique identifier for this connection within the pool.
	id uint64

	// class is the credential class the connection was opened with.
	class credential.Class

	// active is true while the connection is lent to a borrower.
	active bool

	// probing is true while the health sweep holds the idle connection.
	probing bool

	// createdAt is when the connection was established.
	createdAt time.Time

	// lastUsedAt is the last time the connection was borrowed or released.
	lastUsedAt time.Time

	// lastHealthCheck is the last successful probe.
	lastHealthCheck time.Time

	// useCount tracks how many times this connection was borrowed.
	useCount uint64
}

func newPooledConn(id uint64, class credential.Class, h backend.Handle, now time.Time) *PooledConn {
	return &PooledConn{
		handle:          h,
		id:              id,
		class:           class,
		createdAt:       now,
		lastUsedAt:      now,
		lastHealthCheck: now,
	}
}

// Handle returns the underlying backend handle.
func (c *PooledConn) Handle() backend.Handle {
	return c.handle
}

// ID returns the unique connection identifier.
func (c *PooledConn) ID() uint64 {
	return c.id
}

// Class returns the credential class of the connection.
func (c *PooledConn) Class() credential.Class {
	return c.class
}

// CreatedAt returns when the connection was opened.
func (c *PooledConn) CreatedAt() time.Time {
	return c.createdAt
}

// Active reports whether the connection is currently borrowed.
func (c *PooledConn) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// LastUsedAt returns the last borrow or release time.
func (c *PooledConn) LastUsedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsedAt
}

// UseCount returns how many times the connection has been borrowed.
func (c *PooledConn) UseCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.useCount
}

// markAcquired transitions the connection to active.
func (c *PooledConn) markAcquired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = true
	c.lastUsedAt = now
	c.useCount++
}

// markIdle transitions the connection back to idle. It returns false if the
// connection was not active.
func (c *PooledConn) markIdle(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return false
	}
	c.active = false
	c.lastUsedAt = now
	return true
}

// reserveProbe claims an idle connection for the health sweep. It returns
// false while the connection is borrowed or already being probed.
func (c *PooledConn) reserveProbe() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active || c.probing {
		return false
	}
	c.probing = true
	return true
}

// endProbe records a successful probe and hands the connection back to the
// idle set.
func (c *PooledConn) endProbe(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probing = false
	c.lastHealthCheck = now
}

// idleFor returns how long an inactive connection has been idle.
// ok is false while the connection is borrowed or under probe.
func (c *PooledConn) idleFor(now time.Time) (d time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active || c.probing {
		return 0, false
	}
	return now.Sub(c.lastUsedAt), true
}

// close closes the backend handle.
func (c *PooledConn) close() error {
	return c.handle.Close()
}
