package memutils

import (
	"fmt"
	"unsafe"
)

// HeaderAt returns a typed view of the header stored at offset within buf. T must not contain
// Go pointers: the bytes it overlays are not scanned by the garbage collector. HeaderAt panics
// if the header would not lie entirely within buf or if offset is misaligned for T.
func HeaderAt[T any](buf []byte, offset int) *T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if offset < 0 || size == 0 || offset+size > len(buf) {
		panic(fmt.Sprintf("header of %d bytes at offset %d lies outside a buffer of %d bytes", size, offset, len(buf)))
	}

	ptr := unsafe.Pointer(&buf[offset])
	if uintptr(ptr)%unsafe.Alignof(zero) != 0 {
		panic(fmt.Sprintf("header at offset %d is not aligned to %d bytes", offset, unsafe.Alignof(zero)))
	}

	return (*T)(ptr)
}

// SizeOf returns the number of bytes a header of type T occupies
func SizeOf[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}
