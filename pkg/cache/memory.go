package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"chat-dispatch/pkg/models"
)

// MemoryStore is an in-process Store. Entries live in a sync.Map so readers
// never block writers of other keys; Flush swaps in an empty map atomically.
type MemoryStore struct {
	entries atomic.Pointer[sync.Map]
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	s.entries.Store(&sync.Map{})
	return s
}

func (s *MemoryStore) Get(_ context.Context, fingerprint string) (models.CacheEntry, bool, error) {
	m := s.entries.Load()
	v, ok := m.Load(fingerprint)
	if !ok {
		return models.CacheEntry{}, false, nil
	}
	entry := v.(models.CacheEntry)
	if entry.Expired(s.now()) {
		m.CompareAndDelete(fingerprint, v)
		return models.CacheEntry{}, false, nil
	}
	return entry, true, nil
}

func (s *MemoryStore) Set(_ context.Context, entry models.CacheEntry) error {
	s.entries.Load().Store(entry.Fingerprint, entry)
	return nil
}

func (s *MemoryStore) Flush(_ context.Context) error {
	s.entries.Store(&sync.Map{})
	return nil
}

// PurgeExpired removes expired entries and returns how many were dropped
func (s *MemoryStore) PurgeExpired(now time.Time) int {
	m := s.entries.Load()
	removed := 0
	m.Range(func(key, v any) bool {
		if v.(models.CacheEntry).Expired(now) && m.CompareAndDelete(key, v) {
			removed++
		}
		return true
	})
	return removed
}

func (s *MemoryStore) Len() int {
	n := 0
	s.entries.Load().Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
