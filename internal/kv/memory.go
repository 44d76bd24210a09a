package kv

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local runs.
// TTL expiry is evaluated lazily against an injectable clock.
type MemoryStore struct {
	mu    sync.Mutex
	vals  map[string]memoryEntry
	lists map[string]*memoryList
	now   func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

type memoryList struct {
	items     []string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vals:  make(map[string]memoryEntry),
		lists: make(map[string]*memoryList),
		now:   time.Now,
	}
}

// SetClock overrides the store clock. Test use only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func (l *memoryList) expired(now time.Time) bool {
	return l != nil && !l.expiresAt.IsZero() && now.After(l.expiresAt)
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.vals[key]; ok && !e.expired(s.now()) {
		return false, nil
	}
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.vals[key] = e
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.vals[key]
	if !ok || e.expired(s.now()) {
		return "", ErrNil
	}
	return e.value, nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.vals, k)
		delete(s.lists, k)
	}
	return nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.vals[key]; ok {
		e.expiresAt = s.now().Add(ttl)
		s.vals[key] = e
	}
	if l, ok := s.lists[key]; ok {
		l.expiresAt = s.now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.vals[key]; ok && !e.expired(s.now()) {
		return true, nil
	}
	if l, ok := s.lists[key]; ok && !l.expired(s.now()) && len(l.items) > 0 {
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) RPush(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list(key).items = append(s.list(key).items, values...)
	return nil
}

func (s *MemoryStore) LPop(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[key]
	if !ok || l.expired(s.now()) || len(l.items) == 0 {
		return "", ErrNil
	}
	head := l.items[0]
	l.items = l.items[1:]
	return head, nil
}

func (s *MemoryStore) LLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[key]
	if !ok || l.expired(s.now()) {
		return 0, nil
	}
	return int64(len(l.items)), nil
}

func (s *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[key]
	if !ok || l.expired(s.now()) {
		return nil, nil
	}
	n := int64(len(l.items))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l.items[start:stop+1])
	return out, nil
}

func (s *MemoryStore) AppendList(_ context.Context, key string, values []string, max int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.list(key)
	l.items = append(l.items, values...)
	if max > 0 && int64(len(l.items)) > max {
		l.items = l.items[int64(len(l.items))-max:]
	}
	if ttl > 0 {
		l.expiresAt = s.now().Add(ttl)
	}
	return nil
}

// list returns the list at key, dropping it first if expired.
// Caller holds s.mu.
func (s *MemoryStore) list(key string) *memoryList {
	if l, ok := s.lists[key]; ok {
		if !l.expired(s.now()) {
			return l
		}
		delete(s.lists, key)
	}
	l := &memoryList{}
	s.lists[key] = l
	return l
}
