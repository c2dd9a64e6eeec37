// Package store is the shared coordination store used to elect conference
// owners and to queue callers waiting for a conference to start.
//
// Every operation is a single atomic step against one key or one set. The
// conference protocol never needs more than that, so no transactions are
// exposed.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("key not found")

// Store is the set of primitives the conference engine relies on.
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateIfAbsent stores value under key only if the key does not exist.
	// It reports whether this call created the key.
	CreateIfAbsent(ctx context.Context, key, value string) (bool, error)

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// PutWithTTL stores value under key, replacing any previous value; the key
	// expires after ttl.
	PutWithTTL(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// AddToSet adds member to the set and returns the number of new members.
	AddToSet(ctx context.Context, setKey, member string) (int, error)

	// RemoveFromSet removes member and returns the number of removed members.
	RemoveFromSet(ctx context.Context, setKey, member string) (int, error)

	// ListSet returns all members of the set in no particular order.
	ListSet(ctx context.Context, setKey string) ([]string, error)
}
