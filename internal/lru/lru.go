// Package lru provides an access-ordered map used as the resident-tile
// index of the cache engine. Capacity policy lives in the caller: the map
// only maintains recency order and exposes eviction of the oldest entry as
// an explicit step, so write-back can happen outside the container.
package lru

import "container/list"

type entry[K comparable, V any] struct {
	key   K
	value V
}

// Map is an ordered map from K to V, most recently used at the front.
// Not safe for concurrent use.
type Map[K comparable, V any] struct {
	order *list.List
	items map[K]*list.Element
}

// New creates an empty map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		order: list.New(),
		items: make(map[K]*list.Element),
	}
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int { return m.order.Len() }

// Get returns the value for key and promotes it to most recently used.
func (m *Map[K, V]) Get(key K) (V, bool) {
	if el, ok := m.items[key]; ok {
		m.order.MoveToFront(el)
		return el.Value.(*entry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Put inserts or replaces the value for key and marks it most recently
// used.
func (m *Map[K, V]) Put(key K, value V) {
	if el, ok := m.items[key]; ok {
		m.order.MoveToFront(el)
		el.Value.(*entry[K, V]).value = value
		return
	}
	m.items[key] = m.order.PushFront(&entry[K, V]{key: key, value: value})
}

// Oldest returns the least recently used entry without removing or
// promoting it.
func (m *Map[K, V]) Oldest() (K, V, bool) {
	el := m.order.Back()
	if el == nil {
		var zk K
		var zv V
		return zk, zv, false
	}
	e := el.Value.(*entry[K, V])
	return e.key, e.value, true
}

// RemoveOldest removes and returns the least recently used entry.
func (m *Map[K, V]) RemoveOldest() (K, V, bool) {
	el := m.order.Back()
	if el == nil {
		var zk K
		var zv V
		return zk, zv, false
	}
	e := el.Value.(*entry[K, V])
	m.order.Remove(el)
	delete(m.items, e.key)
	return e.key, e.value, true
}

// Remove deletes the entry for key if present.
func (m *Map[K, V]) Remove(key K) bool {
	el, ok := m.items[key]
	if !ok {
		return false
	}
	m.order.Remove(el)
	delete(m.items, key)
	return true
}

// Range calls fn for each entry from least to most recently used, stopping
// if fn returns false. fn must not mutate the map.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	for el := m.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry[K, V])
		if !fn(e.key, e.value) {
			return
		}
	}
}

// Clear removes all entries.
func (m *Map[K, V]) Clear() {
	m.order.Init()
	clear(m.items)
}
