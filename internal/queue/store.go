// Package queue provides the shared waiting-pool store used by
// matchmaking. The store's one hard requirement is that DeleteByID is
// atomic and reports whether it removed the entry: that return value is
// the arbiter when two searchers race to claim the same partner.
package queue

import (
	"context"
	"time"
)

// Entry is one waiting user. ID is owned by the store; callers treat it as
// opaque. At most one live entry exists per UserID at any time.
type Entry struct {
	ID         string
	UserID     string
	EnqueuedAt time.Time
}

// Store is the Queue Store contract.
type Store interface {
	// Insert adds a waiting entry for userID and returns its store-owned
	// id, atomically displacing any previous entry the user still had.
	// The displacement is what upholds the at-most-one-entry invariant
	// when a stale search's insert races a newer one.
	Insert(ctx context.Context, userID string) (string, error)

	// DeleteByID atomically removes the entry and reports whether it was
	// still present. Exactly one of any number of concurrent callers for
	// the same id observes removed == true.
	DeleteByID(ctx context.Context, entryID string) (bool, error)

	// DeleteByUser removes any entry owned by userID. Idempotent; safe to
	// call from every exit path, repeatedly.
	DeleteByUser(ctx context.Context, userID string) error

	// SelectOldestExcluding returns up to limit entries not owned by
	// userID, ordered ascending by enqueue time.
	SelectOldestExcluding(ctx context.Context, userID string, limit int) ([]Entry, error)
}
