package allocator_test

import (
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/bedrock/allocator"
	"github.com/vkngwrapper/bedrock/memutils"
)

func newTestHeap(t *testing.T) *allocator.HeapAllocator {
	heap, err := allocator.NewHeapAllocator(nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, heap.Destroy())
	})

	return heap
}

func requireAligned(t *testing.T, memory []byte, alignment uint) {
	t.Helper()
	require.Zero(t, memutils.Address(memory)%uintptr(alignment), "address %#x is not aligned to %d", memutils.Address(memory), alignment)
}

func requireDisjoint(t *testing.T, allocations [][]byte) {
	t.Helper()
	for i := range allocations {
		for j := i + 1; j < len(allocations); j++ {
			firstStart, secondStart := memutils.Address(allocations[i]), memutils.Address(allocations[j])
			firstEnd, secondEnd := firstStart+uintptr(len(allocations[i])), secondStart+uintptr(len(allocations[j]))
			require.True(t, firstEnd <= secondStart || secondEnd <= firstStart, "allocations %d and %d overlap", i, j)
		}
	}
}

type detailedMapPrinter interface {
	PrintDetailedMap(json jwriter.ObjectState)
}

func printMap(printer detailedMapPrinter) string {
	writer := jwriter.NewWriter()
	obj := writer.Object()
	printer.PrintDetailedMap(obj)
	obj.End()
	return string(writer.Bytes())
}
