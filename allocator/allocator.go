// Package allocator provides a hierarchy of allocation strategies that hand out memory from
// pages obtained from a parent Allocator: a linear (bump) arena, a fixed-size slab pool, a
// power-of-two buddy pool, an address-ordered free-list allocator and a lock-free arena for
// concurrent allocation. HeapAllocator sits at the root of the hierarchy and wraps the Go heap.
//
// Only HeapAllocator and AtomicArena's Allocate method may be used from several goroutines at
// once. Every other strategy requires the consumer to serialize access.
package allocator

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/bedrock/memutils"
	"golang.org/x/exp/slog"
)

//go:generate mockgen -source allocator.go -destination mocks/allocator.go -package mock_allocator

// Allocator is the capability every strategy satisfies. Consumers such as hashtable.Table depend
// only on this interface.
type Allocator interface {
	// Allocate returns exactly size bytes whose first byte is aligned to alignment. The returned
	// slice has a capacity equal to its length. An error wrapping memutils.ErrOutOfMemory is
	// returned if the request cannot be satisfied, and one wrapping memutils.ErrInvalidArgument
	// if size is not positive or alignment is not a power of two.
	Allocate(size int, alignment uint) ([]byte, error)
	// Deallocate releases memory previously returned by Allocate. The slice must be the one Allocate
	// returned, with its original length. Strategies that cannot reclaim individual allocations
	// accept the call and do nothing.
	Deallocate(memory []byte) error
}

const (
	// DefaultPageSize is the page size used by arenas and pools when none is provided: 64KiB
	DefaultPageSize int = 64 * 1024
	// DefaultAlignment is the alignment of pages requested from a parent allocator when none is provided
	DefaultAlignment uint = 16
	// MinAlignment is the smallest alignment pools accept, enough to hold an in-page link
	MinAlignment uint = 8
)

func checkRequest(size int, alignment uint) error {
	if size < 1 {
		return cerrors.Wrapf(memutils.ErrInvalidArgument, "invalid allocation size: %d", size)
	}

	return memutils.CheckPow2(alignment, "alignment")
}

func resolveParent(parent Allocator) Allocator {
	if parent == nil {
		return Default()
	}
	return parent
}

func resolveLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func resolvePageOptions(pageSize int, alignment uint) (int, uint, error) {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if alignment == 0 {
		alignment = DefaultAlignment
	}

	if pageSize < 0 {
		return 0, 0, cerrors.Wrapf(memutils.ErrInvalidArgument, "invalid page size: %d", pageSize)
	}

	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return 0, 0, err
	}

	if alignment < MinAlignment {
		return 0, 0, cerrors.Wrapf(memutils.ErrInvalidArgument, "alignment %d is smaller than the minimum alignment %d", alignment, MinAlignment)
	}

	return pageSize, alignment, nil
}
