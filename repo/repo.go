// Package repo holds atomic read/update accessors for the shared mutable rows.
// Every state write is a single-row conditional update; a stale expectation
// surfaces as ErrStale instead of a lost update.
package repo

import "errors"

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("repo: not found")
	// ErrStale indicates the conditional update observed a different state
	// than expected; the caller lost the race or holds outdated input.
	ErrStale = errors.New("repo: stale state expectation")
)
