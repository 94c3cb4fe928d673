package hashtable

import (
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/dolthub/maphash"
	"golang.org/x/exp/constraints"
)

// ComparableHasher returns a HashFunc backed by the runtime's own hash for comparable types. Each
// call produces a differently seeded function, so hashes are not stable across processes.
func ComparableHasher[K comparable]() HashFunc[K] {
	hasher := maphash.NewHasher[K]()
	return hasher.Hash
}

// BytesHasher returns a HashFunc that hashes the in-memory representation of a key with xxhash.
// Hashes are stable across processes for the same architecture. K should not contain padding:
// padding bytes take part in the hash.
func BytesHasher[K any]() HashFunc[K] {
	return func(key K) uint64 {
		return xxhash.Sum64(unsafe.Slice((*byte)(unsafe.Pointer(&key)), unsafe.Sizeof(key)))
	}
}

// IdentityHasher returns a HashFunc that uses an integer key as its own hash. Keys that are dense
// in their low bits spread evenly; keys that share low bits collide.
func IdentityHasher[K constraints.Integer]() HashFunc[K] {
	return func(key K) uint64 {
		return uint64(key)
	}
}
