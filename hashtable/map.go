package hashtable

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/bedrock/allocator"
)

// Map is a hash map between pointer-free keys and values
type Map[K any, V any] struct {
	table *Table[K, V]
}

// NewMap creates a map with room for at least capacity entries
func NewMap[K any, V any](alloc allocator.Allocator, capacity int, hash HashFunc[K], equal EqualFunc[K]) (*Map[K, V], error) {
	table, err := NewTable[K, V](alloc, capacity, hash, equal)
	if err != nil {
		return nil, err
	}
	return &Map[K, V]{table: table}, nil
}

// Put stores value under key, replacing any value already stored there
func (m *Map[K, V]) Put(key K, value V) error {
	_, err := m.table.Insert(key, value)
	return err
}

func (m *Map[K, V]) Get(key K) (V, bool) {
	index, found := m.table.Find(key)
	if !found {
		var zero V
		return zero, false
	}
	return m.table.values[index], true
}

// GetOrInsert returns the value stored under key if there is one. Otherwise it stores value and
// returns it. The boolean result reports whether the value was already present.
func (m *Map[K, V]) GetOrInsert(key K, value V) (V, bool, error) {
	index, found := m.table.Find(key)
	if found {
		return m.table.values[index], true, nil
	}

	_, err := m.table.Insert(key, value)
	if err != nil {
		var zero V
		return zero, false, err
	}
	return value, false, nil
}

// Delete removes key and reports whether it was present
func (m *Map[K, V]) Delete(key K) bool {
	return m.table.RemoveKey(key)
}

func (m *Map[K, V]) Len() int {
	return m.table.Len()
}

// Range calls fn for every entry until fn returns false
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	m.table.Range(func(_ int, key K, value V) bool {
		return fn(key, value)
	})
}

func (m *Map[K, V]) Clear() {
	m.table.Clear()
}

// Table exposes the engine underneath the map, for index-based iteration
func (m *Map[K, V]) Table() *Table[K, V] {
	return m.table
}

func (m *Map[K, V]) Validate() error {
	return m.table.Validate()
}

func (m *Map[K, V]) PrintDetailedMap(json jwriter.ObjectState) {
	json.Name("Type").String("Map")
	m.table.PrintDetailedMap(json)
}

func (m *Map[K, V]) Destroy() error {
	return m.table.Destroy()
}
