package storage

import (
	"context"
	"sort"
	"sync"
)

// memoryStore keeps everything in maps. It is also the in-memory index used by
// the file driver.
type memoryStore struct {
	mu     sync.RWMutex
	items  map[int64]map[string]struct{}
	closed bool
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store {
	return newMemoryStore()
}

func newMemoryStore() *memoryStore {
	return &memoryStore{items: map[int64]map[string]struct{}{}}
}

func (s *memoryStore) ItemsFor(_ context.Context, id int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return sortedKeys(s.items[id]), nil
}

func (s *memoryStore) AllItemKeys(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	union := map[string]struct{}{}
	for _, set := range s.items {
		for it := range set {
			union[it] = struct{}{}
		}
	}
	return sortedKeys(union), nil
}

func (s *memoryStore) Subscribers(context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]int64, 0, len(s.items))
	for id, set := range s.items {
		if len(set) > 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *memoryStore) Upsert(_ context.Context, id int64, item string) error {
	if err := checkItem(item); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.upsertLocked(id, item)
	return nil
}

func (s *memoryStore) Remove(_ context.Context, id int64, item string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.removeLocked(id, item)
	return nil
}

func (s *memoryStore) Clear(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.items, id)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) upsertLocked(id int64, item string) bool {
	set := s.items[id]
	if set == nil {
		set = map[string]struct{}{}
		s.items[id] = set
	}
	if _, ok := set[item]; ok {
		return false
	}
	set[item] = struct{}{}
	return true
}

func (s *memoryStore) removeLocked(id int64, item string) bool {
	set := s.items[id]
	if _, ok := set[item]; !ok {
		return false
	}
	delete(set, item)
	if len(set) == 0 {
		delete(s.items, id)
	}
	return true
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
