// ABOUTME: Sentinel errors shared by the storage layer
// ABOUTME: Defines the retryable/programmer-error split used by callers

package store

import (
	"errors"
	"strings"
)

// ErrNotConnected is returned when an adapter method is called before Connect.
// This is a call-sequencing bug in the caller, not a runtime condition.
var ErrNotConnected = errors.New("store: not connected")

// ErrStoreUnavailable is returned when a physical store cannot be opened.
// The condition is retryable: the manager never caches a broken adapter.
var ErrStoreUnavailable = errors.New("store: unavailable")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrClosed is returned when the manager has been shut down.
var ErrClosed = errors.New("store: manager closed")

// IsUniqueConstraint reports whether err is a SQLite UNIQUE constraint
// violation. modernc.org/sqlite surfaces these as plain-text errors, so a
// string check is the dependable option.
func IsUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
