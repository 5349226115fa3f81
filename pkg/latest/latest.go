// Package latest keeps the most recent value seen for each key.
package latest

import (
	"sync"
)

// Map holds one value per key; every Put overwrites the previous value.
// It never forgets a key: Snapshot returns everything seen so far.
type Map[K comparable, V any] struct {
	mu     sync.Mutex
	values map[K]V
}

func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{values: make(map[K]V)}
}

func (m *Map[K, V]) Put(key K, value V) {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
}

func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

// Snapshot returns a copy of the current key->value mapping. Later Puts do
// not affect the returned map.
func (m *Map[K, V]) Snapshot() map[K]V {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[K]V, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}
