package ratelimit

import (
	"sync"
	"time"
)

// Entry is the window state for one identity.
type Entry struct {
	Identity string
	Count    int
	// Denials counts rejected requests in the current window.
	Denials int
	ResetAt time.Time
	// Touched is the time of the last check, admitted or not.
	Touched time.Time
}

// Store holds entries for a Limiter. Implementations synchronize
// internally; Update must run fn and apply its result atomically with
// respect to every other method.
type Store interface {
	// Update calls fn with the current entry (nil when absent) and the
	// number of stored entries. When fn returns true its entry replaces the
	// current one; false leaves the store untouched.
	Update(identity string, fn func(cur *Entry, size int) (Entry, bool))
	Get(identity string) (Entry, bool)
	Delete(identity string) bool
	Clear() int
	// DeleteExpired removes entries whose window ended before now.
	DeleteExpired(now time.Time) int
	Len() int
}

// MemoryStore is a mutex-guarded map.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Update(identity string, fn func(cur *Entry, size int) (Entry, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur *Entry
	if e, ok := s.entries[identity]; ok {
		cur = &e
	}
	if next, ok := fn(cur, len(s.entries)); ok {
		s.entries[identity] = next
	}
}

func (s *MemoryStore) Get(identity string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[identity]
	return e, ok
}

func (s *MemoryStore) Delete(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[identity]
	delete(s.entries, identity)
	return ok
}

func (s *MemoryStore) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = make(map[string]Entry)
	return n
}

func (s *MemoryStore) DeleteExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if now.After(e.ResetAt) {
			delete(s.entries, id)
			n++
		}
	}
	return n
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
