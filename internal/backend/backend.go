// Package backend defines the opaque client contract the data-access layer depends on.
// The pool never speaks a wire protocol itself: it opens, probes and closes Handles
// produced by a Factory.
package backend

import (
	"context"
	"errors"
	"regexp"

	"github.com/joao-brasil/registry-resilience/pkg/credential"
)

// ErrHandleBroken is wrapped by Handle implementations when the underlying
// connection can no longer be used and must be discarded instead of released.
var ErrHandleBroken = errors.New("backend handle broken")

// Factory opens backend connections for a credential class.
type Factory interface {
	// Open returns a ready-to-use handle. Opening the elevated class without its
	// secret configured must fail with a dberr.KindConfiguration error.
	Open(ctx context.Context, class credential.Class) (Handle, error)
}

// Handle is one live backend connection.
type Handle interface {
	// Query reads rows from resource. ctx cancellation aborts the backend call.
	Query(ctx context.Context, resource string, sel Selector) (Rows, error)
	// Probe is a cheap liveness check.
	Probe(ctx context.Context) error
	// Close releases the connection.
	Close() error
}

// Row is a single record keyed by column name.
type Row map[string]any

// Rows is a query result set.
type Rows []Row

// Selector narrows a read against a resource.
type Selector struct {
	Columns []string       // empty means all columns
	Where   map[string]any // equality filters, AND-ed
	OrderBy []string       // e.g. "last_name", "created_at DESC"
	Limit   uint64
	Offset  uint64
	Count   bool // return a single row {"count": n} instead of records
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidIdentifier reports whether s is a plain (optionally schema-qualified) identifier.
func ValidIdentifier(s string) bool {
	return identPattern.MatchString(s)
}
