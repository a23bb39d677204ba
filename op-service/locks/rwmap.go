package locks

import "sync"

// RWMap is a simple wrapper around a map, with global Read-Write protection.
// The RWMap does not have to be initialized,
// it is immediately ready for reads/writes.
type RWMap[K comparable, V any] struct {
	inner map[K]V
	mu    sync.RWMutex
}

func (m *RWMap[K, V]) Has(key K) (ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok = m.inner[key]
	return
}

func (m *RWMap[K, V]) Get(key K) (value V, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok = m.inner[key]
	return
}

func (m *RWMap[K, V]) Set(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inner == nil {
		m.inner = make(map[K]V)
	}
	m.inner[key] = value
}

// Modify applies fn to the value at key under the write lock.
// The entry is stored if fn returns keep=true, and deleted otherwise.
func (m *RWMap[K, V]) Modify(key K, fn func(value V, ok bool) (out V, keep bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inner == nil {
		m.inner = make(map[K]V)
	}
	v, ok := m.inner[key]
	out, keep := fn(v, ok)
	if keep {
		m.inner[key] = out
	} else {
		delete(m.inner, key)
	}
}

func (m *RWMap[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.inner)
}

func (m *RWMap[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inner, key)
}

// Range calls f sequentially for each key and value present in the map.
// If f returns false, range stops the iteration.
func (m *RWMap[K, V]) Range(f func(key K, value V) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, v := range m.inner {
		if !f(k, v) {
			break
		}
	}
}

// Values returns an unsorted list of values of the map.
func (m *RWMap[K, V]) Values() (out []V) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out = make([]V, 0, len(m.inner))
	for _, v := range m.inner {
		out = append(out, v)
	}
	return out
}
