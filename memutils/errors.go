package memutils

import "github.com/pkg/errors"

var (
	// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
	PowerOfTwoError error = errors.New("number must be a power of two")

	// ErrOutOfMemory is returned when an allocator, or the parent it draws pages from, has no block
	// large enough to satisfy a request. Allocators never retry after returning it.
	ErrOutOfMemory error = errors.New("out of memory")

	// ErrInvalidArgument is returned when a request violates an allocator's preconditions: a zero
	// size, an alignment that is not a power of two, a size larger than a fixed page, or memory
	// that the allocator did not hand out.
	ErrInvalidArgument error = errors.New("invalid argument")

	// ErrCorruption is returned when debug markers written past the end of an allocation have been
	// overwritten.
	ErrCorruption error = errors.New("memory corruption detected")
)
