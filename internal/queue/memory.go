package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and by strangerloopd's
// single-process mode. A single mutex gives it the same claim atomicity
// the Redis store gets from ZREM.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry // entry id → entry
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Insert adds an entry for userID, replacing any existing one so the
// at-most-one-per-user invariant holds even after a missed cleanup.
func (s *MemoryStore) Insert(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entries {
		if e.UserID == userID {
			delete(s.entries, id)
		}
	}

	entryID := uuid.NewString()
	s.entries[entryID] = Entry{ID: entryID, UserID: userID, EnqueuedAt: time.Now()}
	return entryID, nil
}

// DeleteByID removes the entry and reports whether it was still present.
func (s *MemoryStore) DeleteByID(_ context.Context, entryID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entryID]; !ok {
		return false, nil
	}
	delete(s.entries, entryID)
	return true, nil
}

// DeleteByUser removes any entry owned by userID. Idempotent.
func (s *MemoryStore) DeleteByUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entries {
		if e.UserID == userID {
			delete(s.entries, id)
		}
	}
	return nil
}

// SelectOldestExcluding returns up to limit entries not owned by userID,
// ascending by enqueue time.
func (s *MemoryStore) SelectOldestExcluding(_ context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 1
	}

	s.mu.Lock()
	candidates := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.UserID != userID {
			candidates = append(candidates, e)
		}
	}
	s.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].EnqueuedAt.Before(candidates[j].EnqueuedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// Len reports the number of live entries. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
