// Package dberr defines the failure kinds surfaced by the data-access layer.
//
// Callers branch on the kind rather than on concrete error types:
//
//	if dberr.IsPoolExhausted(err) { ... }
//
// The original cause stays reachable through errors.Unwrap / errors.Is.
package dberr

import (
	"errors"
	"fmt"
)

// Kind classifies a data-access failure.
type Kind int

const (
	// KindUnknown is returned by KindOf for errors not produced by this package.
	KindUnknown Kind = iota
	// KindConnectionTimeout means opening or probing a connection exceeded its deadline.
	KindConnectionTimeout
	// KindPoolExhausted means capacity and borrow retries were exhausted.
	KindPoolExhausted
	// KindQueryTimeout means a single query attempt exceeded its timeout.
	KindQueryTimeout
	// KindQueryFailed means the backend returned an error after all retries.
	KindQueryFailed
	// KindConfiguration means a required credential or setting is missing.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindConnectionTimeout:
		return "connection_timeout"
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindQueryTimeout:
		return "query_timeout"
	case KindQueryFailed:
		return "query_failed"
	case KindConfiguration:
		return "configuration_error"
	default:
		return "unknown"
	}
}

// Sentinels usable with errors.Is. Any *Error of the same kind matches.
var (
	ErrConnectionTimeout = &Error{Kind: KindConnectionTimeout}
	ErrPoolExhausted     = &Error{Kind: KindPoolExhausted}
	ErrQueryTimeout      = &Error{Kind: KindQueryTimeout}
	ErrQueryFailed       = &Error{Kind: KindQueryFailed}
	ErrConfiguration     = &Error{Kind: KindConfiguration}
)

// Error provides structured information about a data-access failure.
type Error struct {
	Kind  Kind
	Op    string // operation that failed, e.g. "pool.get" or a query name
	Class string // credential class involved, if any
	Err   error  // underlying cause
}

// New builds an *Error of the given kind.
func New(kind Kind, op, class string, err error) *Error {
	return &Error{Kind: kind, Op: op, Class: class, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Class != "" {
		msg = fmt.Sprintf("%s (class=%s)", msg, e.Class)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsConnectionTimeout checks if the error is a connection open/probe timeout.
func IsConnectionTimeout(err error) bool { return KindOf(err) == KindConnectionTimeout }

// IsPoolExhausted checks if the error is a pool exhaustion.
func IsPoolExhausted(err error) bool { return KindOf(err) == KindPoolExhausted }

// IsQueryTimeout checks if the error is a query attempt timeout.
func IsQueryTimeout(err error) bool { return KindOf(err) == KindQueryTimeout }

// IsQueryFailed checks if the error is a backend failure after retries.
func IsQueryFailed(err error) bool { return KindOf(err) == KindQueryFailed }

// IsConfiguration checks if the error is a missing credential or setting.
func IsConfiguration(err error) bool { return KindOf(err) == KindConfiguration }
