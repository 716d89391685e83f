// Package syncmap provides a typed, concurrency-safe map built on sync.Map.
package syncmap

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Map is a generic wrapper around sync.Map. The zero value is ready to use.
type Map[K comparable, V any] struct {
	m     sync.Map
	count atomic.Int64
}

// Load returns the value stored for key
func (sm *Map[K, V]) Load(key K) (V, bool) {
	value, ok := sm.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return value.(V), true
}

// Store sets the value for key
func (sm *Map[K, V]) Store(key K, value V) {
	if _, loaded := sm.m.Swap(key, value); !loaded {
		sm.count.Add(1)
	}
}

// LoadOrStore returns the existing value for key if present. Otherwise it
// stores and returns value. loaded reports whether the value was present.
func (sm *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	v, loaded := sm.m.LoadOrStore(key, value)
	if !loaded {
		sm.count.Add(1)
	}
	return v.(V), loaded
}

// LoadAndDelete removes key and returns its previous value
func (sm *Map[K, V]) LoadAndDelete(key K) (V, bool) {
	value, loaded := sm.m.LoadAndDelete(key)
	if !loaded {
		var zero V
		return zero, false
	}
	sm.count.Add(-1)
	return value.(V), true
}

// Delete removes key
func (sm *Map[K, V]) Delete(key K) {
	sm.LoadAndDelete(key)
}

// Range calls f for each entry until f returns false
func (sm *Map[K, V]) Range(f func(key K, value V) bool) {
	sm.m.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}

// Len returns the number of entries
func (sm *Map[K, V]) Len() int {
	return int(sm.count.Load())
}

// Values returns a snapshot of all values
func (sm *Map[K, V]) Values() []V {
	values := make([]V, 0, sm.Len())
	sm.Range(func(_ K, value V) bool {
		values = append(values, value)
		return true
	})
	return values
}

// SortedValues returns a snapshot of all values ordered by less
func (sm *Map[K, V]) SortedValues(less func(a, b V) bool) []V {
	values := sm.Values()
	sort.SliceStable(values, func(i, j int) bool {
		return less(values[i], values[j])
	})
	return values
}
