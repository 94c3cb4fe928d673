package allocator_test

import (
	"bytes"
	"math"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/bedrock/allocator"
	"github.com/vkngwrapper/bedrock/memutils"
	"golang.org/x/exp/slog"
)

func TestHeapAllocateAligned(t *testing.T) {
	heap := newTestHeap(t)

	var allocations [][]byte
	for _, alignment := range []uint{1, 8, 16, 64, 256, 4096} {
		memory, err := heap.Allocate(100, alignment)
		require.NoError(t, err)
		require.Len(t, memory, 100)
		require.Equal(t, 100, cap(memory))
		requireAligned(t, memory, alignment)

		allocations = append(allocations, memory)
	}

	requireDisjoint(t, allocations)
	require.Equal(t, 600, heap.LiveBytes())
	require.Equal(t, 6, heap.AllocationCount())
	require.NoError(t, heap.Validate())

	for _, memory := range allocations {
		require.NoError(t, heap.Deallocate(memory))
	}

	require.Equal(t, 0, heap.LiveBytes())
	require.Equal(t, 600, heap.PeakBytes())
}

func TestHeapInvalidRequests(t *testing.T) {
	heap := newTestHeap(t)

	_, err := heap.Allocate(0, 8)
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	_, err = heap.Allocate(16, 12)
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	memory, err := heap.Allocate(32, 8)
	require.NoError(t, err)

	err = heap.Deallocate(memory[:16])
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	err = heap.Deallocate(make([]byte, 32))
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	require.NoError(t, heap.Deallocate(memory))

	err = heap.Deallocate(memory)
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))
}

func TestHeapOversizedRequests(t *testing.T) {
	heap := newTestHeap(t)

	memory, err := heap.Allocate(math.MaxInt-4, 16)
	require.Nil(t, memory)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	memory, err = heap.Allocate(8, 1<<62)
	require.Nil(t, memory)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	limited, err := allocator.NewHeapAllocator(&allocator.HeapCreateOptions{MaxBytes: 1024})
	require.NoError(t, err)
	_, err = limited.Allocate(math.MaxInt, 1)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	require.Zero(t, heap.LiveBytes())
	require.Zero(t, limited.LiveBytes())
	require.NoError(t, limited.Destroy())
}

func TestHeapMaxBytes(t *testing.T) {
	heap, err := allocator.NewHeapAllocator(&allocator.HeapCreateOptions{MaxBytes: 1024})
	require.NoError(t, err)

	first, err := heap.Allocate(1000, 8)
	require.NoError(t, err)

	_, err = heap.Allocate(100, 8)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	require.NoError(t, heap.Deallocate(first))

	second, err := heap.Allocate(100, 8)
	require.NoError(t, err)
	require.NoError(t, heap.Deallocate(second))
	require.NoError(t, heap.Destroy())

	_, err = allocator.NewHeapAllocator(&allocator.HeapCreateOptions{MaxBytes: -1})
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))
}

func TestHeapDestroyReportsLeaks(t *testing.T) {
	var logOutput bytes.Buffer
	heap, err := allocator.NewHeapAllocator(&allocator.HeapCreateOptions{
		Logger: slog.New(slog.NewTextHandler(&logOutput)),
	})
	require.NoError(t, err)

	_, err = heap.Allocate(48, 16)
	require.NoError(t, err)

	err = heap.Destroy()
	require.Error(t, err)
	require.Contains(t, logOutput.String(), "[UNRELEASED MEMORY]")
	require.Contains(t, logOutput.String(), "size=48")

	require.NoError(t, heap.Destroy())
}

func TestHeapConcurrentUse(t *testing.T) {
	heap := newTestHeap(t)

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for i := 0; i < 100; i++ {
				memory, err := heap.Allocate(64, 16)
				if err != nil {
					t.Error(err)
					return
				}
				memory[0] = byte(i)
				if err := heap.Deallocate(memory); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 0, heap.AllocationCount())
	require.NoError(t, heap.Validate())
}

func TestHeapPrintDetailedMap(t *testing.T) {
	heap := newTestHeap(t)

	memory, err := heap.Allocate(128, 8)
	require.NoError(t, err)

	require.JSONEq(t, `{
		"Type": "HeapAllocator",
		"Pages": 1,
		"Allocations": 1,
		"TotalBytes": 128,
		"UsedBytes": 128,
		"UnusedBytes": 0,
		"PeakBytes": 128,
		"MaxBytes": 0
	}`, printMap(heap))

	require.NoError(t, heap.Deallocate(memory))
}

func TestHeapCreateFlagsString(t *testing.T) {
	require.Equal(t, "HeapCreateExternallySynchronized", allocator.HeapCreateExternallySynchronized.String())
}
