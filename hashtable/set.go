package hashtable

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/bedrock/allocator"
)

// Set is a hash set of pointer-free keys
type Set[K any] struct {
	table *Table[K, struct{}]
}

// NewSet creates a set with room for at least capacity keys
func NewSet[K any](alloc allocator.Allocator, capacity int, hash HashFunc[K], equal EqualFunc[K]) (*Set[K], error) {
	table, err := NewTable[K, struct{}](alloc, capacity, hash, equal)
	if err != nil {
		return nil, err
	}
	return &Set[K]{table: table}, nil
}

// Add inserts key and reports whether it was not already present
func (s *Set[K]) Add(key K) (bool, error) {
	_, found := s.table.Find(key)
	if found {
		return false, nil
	}

	_, err := s.table.Insert(key, struct{}{})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Set[K]) Contains(key K) bool {
	_, found := s.table.Find(key)
	return found
}

// Delete removes key and reports whether it was present
func (s *Set[K]) Delete(key K) bool {
	return s.table.RemoveKey(key)
}

func (s *Set[K]) Len() int {
	return s.table.Len()
}

// Range calls fn for every key until fn returns false
func (s *Set[K]) Range(fn func(key K) bool) {
	s.table.Range(func(_ int, key K, _ struct{}) bool {
		return fn(key)
	})
}

func (s *Set[K]) Clear() {
	s.table.Clear()
}

// Table exposes the engine underneath the set, for index-based iteration
func (s *Set[K]) Table() *Table[K, struct{}] {
	return s.table
}

func (s *Set[K]) Validate() error {
	return s.table.Validate()
}

func (s *Set[K]) PrintDetailedMap(json jwriter.ObjectState) {
	json.Name("Type").String("Set")
	s.table.PrintDetailedMap(json)
}

func (s *Set[K]) Destroy() error {
	return s.table.Destroy()
}
