package memutils

import (
	"math/bits"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Integer
}

// CheckPow2 returns an error marked as both PowerOfTwoError and ErrInvalidArgument if number
// is zero or not a power of two
func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Mark(cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number), ErrInvalidArgument)
	}
	return nil
}

func IsPow2[T Number](number T) bool {
	return number != 0 && number&(number-1) == 0
}

// NextPow2 rounds value up to the nearest power of two. Values below 1 round to 1.
func NextPow2(value int) int {
	if value <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(value-1))
}

// Log2 returns the base-2 logarithm of a power of two
func Log2(value int) int {
	return bits.TrailingZeros(uint(value))
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// AlignPadding returns the number of bytes that must be skipped from address to reach the next
// multiple of alignment.
func AlignPadding(address uintptr, alignment uint) int {
	mask := uintptr(alignment) - 1
	return int((uintptr(alignment) - (address & mask)) & mask)
}

// AlignPaddingWithHeader returns the padding needed to move address to an aligned location while
// leaving at least headerSize bytes in front of it.
func AlignPaddingWithHeader(address uintptr, alignment uint, headerSize int) int {
	padding := AlignPadding(address, alignment)
	if padding >= headerSize {
		return padding
	}

	remaining := headerSize - padding
	if remaining%int(alignment) != 0 {
		remaining += int(alignment) - remaining%int(alignment)
	}
	return padding + remaining
}

// Address returns the address of the first byte of memory, or 0 for a slice with no backing array
func Address(memory []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(memory)))
}

// OffsetOf reports where memory begins inside region. The second return value is false when
// memory does not start inside region or runs past its end.
func OffsetOf(region, memory []byte) (int, bool) {
	if len(region) == 0 || len(memory) == 0 {
		return 0, false
	}

	start := Address(region)
	addr := Address(memory)
	if addr < start || addr >= start+uintptr(len(region)) {
		return 0, false
	}

	offset := int(addr - start)
	if offset+len(memory) > len(region) {
		return 0, false
	}
	return offset, true
}
