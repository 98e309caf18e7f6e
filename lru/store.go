// Package lru provides the bounded, recency-ordered stores every cache tier is
// built on. Stores are safe for concurrent use and never hold more entries than
// their capacity.
package lru

import (
	"errors"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// ErrInvalidCapacity is returned when a store is created with capacity < 1.
var ErrInvalidCapacity = errors.New("lru: capacity must be at least 1")

// EvictFunc is notified when an entry is dropped to make room for a new one.
// It is not called for explicit Remove or Clear. It runs outside the store's
// lock, so it may call back into the store.
type EvictFunc[K comparable, V any] func(key K, value V)

// Store is a fixed-capacity key/value map ordered by recency of use.
type Store[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	items    *simplelru.LRU[K, V]
	onEvict  EvictFunc[K, V]
}

// New creates a store holding at most capacity entries. onEvict may be nil.
func New[K comparable, V any](capacity int, onEvict EvictFunc[K, V]) (*Store[K, V], error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	// simplelru's own callback also fires on Remove/Purge, so capacity
	// eviction is done by hand in Set instead.
	items, err := simplelru.NewLRU[K, V](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &Store[K, V]{
		capacity: capacity,
		items:    items,
		onEvict:  onEvict,
	}, nil
}

// Get returns the value for key and marks it most recently used.
func (s *Store[K, V]) Get(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Get(key)
}

// Peek returns the value for key without touching its recency.
func (s *Store[K, V]) Peek(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Peek(key)
}

// Contains reports whether key is present without touching its recency.
func (s *Store[K, V]) Contains(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Contains(key)
}

// Set inserts or replaces key and marks it most recently used. When the store
// is full and key is new, the least recently used entry is evicted first.
// Returns true if an entry was evicted.
func (s *Store[K, V]) Set(key K, value V) bool {
	var (
		evictedKey   K
		evictedValue V
		evicted      bool
	)

	s.mu.Lock()
	if !s.items.Contains(key) && s.items.Len() >= s.capacity {
		evictedKey, evictedValue, evicted = s.items.RemoveOldest()
	}
	s.items.Add(key, value)
	s.mu.Unlock()

	if evicted && s.onEvict != nil {
		s.onEvict(evictedKey, evictedValue)
	}
	return evicted
}

// Remove deletes key. Returns true if it was present.
func (s *Store[K, V]) Remove(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Remove(key)
}

// RemoveIf deletes key only if its current value satisfies pred. The check and
// the removal happen under one lock acquisition.
func (s *Store[K, V]) RemoveIf(key K, pred func(V) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.items.Peek(key)
	if !ok || !pred(v) {
		return false
	}
	return s.items.Remove(key)
}

// Clear drops every entry.
func (s *Store[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items.Purge()
}

// Len returns the number of entries.
func (s *Store[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Len()
}

// Keys returns the keys from least to most recently used.
func (s *Store[K, V]) Keys() []K {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Keys()
}

// Capacity returns the fixed capacity of the store.
func (s *Store[K, V]) Capacity() int {
	return s.capacity
}
