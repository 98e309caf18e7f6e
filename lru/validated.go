package lru

// validated pairs a value with the token it was stored under.
type validated[V any, T comparable] struct {
	value V
	token T
}

// ValidatedStore is a Store whose entries carry an opaque validation token,
// such as the modification time of the file a value was derived from. The
// caller owns the comparison against ground truth; GetValid does the common
// compare-and-evict in one step.
type ValidatedStore[K comparable, V any, T comparable] struct {
	store *Store[K, validated[V, T]]
}

// NewValidated creates a validated store holding at most capacity entries.
func NewValidated[K comparable, V any, T comparable](capacity int, onEvict EvictFunc[K, V]) (*ValidatedStore[K, V, T], error) {
	var hook EvictFunc[K, validated[V, T]]
	if onEvict != nil {
		hook = func(key K, entry validated[V, T]) {
			onEvict(key, entry.value)
		}
	}
	store, err := New[K, validated[V, T]](capacity, hook)
	if err != nil {
		return nil, err
	}
	return &ValidatedStore[K, V, T]{store: store}, nil
}

// Set stores value under key along with its validation token.
func (s *ValidatedStore[K, V, T]) Set(key K, value V, token T) bool {
	return s.store.Set(key, validated[V, T]{value: value, token: token})
}

// Get returns the value for key, ignoring its token.
func (s *ValidatedStore[K, V, T]) Get(key K) (V, bool) {
	entry, ok := s.store.Get(key)
	return entry.value, ok
}

// GetWithMeta returns the value for key and the token it was stored with.
func (s *ValidatedStore[K, V, T]) GetWithMeta(key K) (V, T, bool) {
	entry, ok := s.store.Get(key)
	return entry.value, entry.token, ok
}

// GetValid returns the value for key only if its token equals current. On a
// mismatch the stale entry is removed, unless it was replaced concurrently by
// an entry carrying the current token.
func (s *ValidatedStore[K, V, T]) GetValid(key K, current T) (V, bool) {
	entry, ok := s.store.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if entry.token == current {
		return entry.value, true
	}
	s.store.RemoveIf(key, func(e validated[V, T]) bool { return e.token != current })
	var zero V
	return zero, false
}

// Remove deletes key. Returns true if it was present.
func (s *ValidatedStore[K, V, T]) Remove(key K) bool {
	return s.store.Remove(key)
}

// Clear drops every entry.
func (s *ValidatedStore[K, V, T]) Clear() {
	s.store.Clear()
}

// Len returns the number of entries.
func (s *ValidatedStore[K, V, T]) Len() int {
	return s.store.Len()
}

// Keys returns the keys from least to most recently used.
func (s *ValidatedStore[K, V, T]) Keys() []K {
	return s.store.Keys()
}
