package allocator_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/bedrock/allocator"
	"github.com/vkngwrapper/bedrock/memutils"
)

func newTestBuddy(t *testing.T, size int) *allocator.BuddyPool {
	pool, err := allocator.NewBuddyPool(allocator.BuddyPoolCreateOptions{
		Parent: newTestHeap(t),
		Size:   size,
	})
	require.NoError(t, err)
	return pool
}

func TestBuddyPoolSplitAndMerge(t *testing.T) {
	pool := newTestBuddy(t, 1024)
	require.Equal(t, 1024, pool.Size())
	require.Equal(t, []allocator.BlockInfo{{Offset: 0, Size: 1024}}, pool.FreeBlocks())

	a, err := pool.Allocate(40, 8)
	require.NoError(t, err)
	require.Len(t, a, 40)
	require.Equal(t, []allocator.BlockInfo{
		{Offset: 64, Size: 64},
		{Offset: 128, Size: 128},
		{Offset: 256, Size: 256},
		{Offset: 512, Size: 512},
	}, pool.FreeBlocks())

	b, err := pool.Allocate(8, 8)
	require.NoError(t, err)

	c, err := pool.Allocate(40, 8)
	require.NoError(t, err)

	require.Equal(t, []allocator.BlockInfo{
		{Offset: 0, Size: 64},
		{Offset: 64, Size: 16},
		{Offset: 128, Size: 64},
	}, pool.AllocatedBlocks())
	require.Equal(t, memutils.Address(a)+64, memutils.Address(b))
	require.Equal(t, memutils.Address(a)+128, memutils.Address(c))
	require.NoError(t, pool.Validate())

	require.NoError(t, pool.Deallocate(a))
	require.NoError(t, pool.Validate())
	require.NoError(t, pool.Deallocate(b))
	require.NoError(t, pool.Validate())
	require.NoError(t, pool.Deallocate(c))
	require.NoError(t, pool.Validate())

	require.Equal(t, []allocator.BlockInfo{{Offset: 0, Size: 1024}}, pool.FreeBlocks())
	require.Equal(t, 1024, pool.FreeBytes())
	require.NoError(t, pool.Destroy())
}

func TestBuddyPoolRoundTripInAnyOrder(t *testing.T) {
	pool := newTestBuddy(t, 4096)

	sizes := []int{100, 16, 300, 1, 64, 700, 33, 128, 500}
	var allocations [][]byte
	for _, size := range sizes {
		memory, err := pool.Allocate(size, 16)
		require.NoError(t, err)
		requireAligned(t, memory, 16)
		allocations = append(allocations, memory)
	}
	requireDisjoint(t, allocations)
	require.NoError(t, pool.Validate())

	for _, index := range []int{4, 0, 8, 2, 6, 1, 7, 3, 5} {
		require.NoError(t, pool.Deallocate(allocations[index]))
		require.NoError(t, pool.Validate())
	}

	require.Equal(t, []allocator.BlockInfo{{Offset: 0, Size: 4096}}, pool.FreeBlocks())
	require.NoError(t, pool.Destroy())
}

func TestBuddyPoolExhaustion(t *testing.T) {
	pool := newTestBuddy(t, 256)

	var blocks [][]byte
	for i := 0; i < 4; i++ {
		memory, err := pool.Allocate(64, 8)
		require.NoError(t, err)
		blocks = append(blocks, memory)
	}

	_, err := pool.Allocate(1, 8)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	_, err = pool.Allocate(512, 8)
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	require.NoError(t, pool.Deallocate(blocks[1]))
	err = pool.Deallocate(blocks[1])
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	err = pool.Deallocate(blocks[2][16:32])
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	require.Error(t, pool.Destroy())

	for _, index := range []int{0, 2, 3} {
		require.NoError(t, pool.Deallocate(blocks[index]))
	}
	require.NoError(t, pool.Destroy())
}

func TestBuddyPoolAlignment(t *testing.T) {
	pool := newTestBuddy(t, 2048)

	small, err := pool.Allocate(8, 8)
	require.NoError(t, err)

	aligned, err := pool.Allocate(8, 512)
	require.NoError(t, err)
	requireAligned(t, aligned, 512)

	_, err = pool.Allocate(8, 4096)
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	require.NoError(t, pool.Deallocate(aligned))
	require.NoError(t, pool.Deallocate(small))
	require.Equal(t, []allocator.BlockInfo{{Offset: 0, Size: 2048}}, pool.FreeBlocks())
	require.NoError(t, pool.Destroy())
}

func TestBuddyPoolRoundsSize(t *testing.T) {
	pool := newTestBuddy(t, 1000)
	require.Equal(t, 1024, pool.Size())
	require.NoError(t, pool.Destroy())

	_, err := allocator.NewBuddyPool(allocator.BuddyPoolCreateOptions{Size: 0})
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	_, err = allocator.NewBuddyPool(allocator.BuddyPoolCreateOptions{Size: 1024, MinBlockSize: 24})
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	_, err = allocator.NewBuddyPool(allocator.BuddyPoolCreateOptions{Size: 1024, MinBlockSize: 8})
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))
}

func TestBuddyPoolPrintDetailedMap(t *testing.T) {
	pool := newTestBuddy(t, 256)

	memory, err := pool.Allocate(40, 8)
	require.NoError(t, err)

	require.JSONEq(t, `{
		"Type": "BuddyPool",
		"MinBlockSize": 16,
		"Pages": 1,
		"Allocations": 1,
		"TotalBytes": 256,
		"UsedBytes": 64,
		"UnusedBytes": 192,
		"UnusedRanges": 2,
		"UnusedRangeSizeMin": 64,
		"UnusedRangeSizeMax": 128,
		"AllocationSizeMin": 64,
		"AllocationSizeMax": 64,
		"FreeBlocks": [
			{"Page": 0, "Offset": 64, "Size": 64},
			{"Page": 0, "Offset": 128, "Size": 128}
		],
		"AllocatedBlocks": [
			{"Page": 0, "Offset": 0, "Size": 64}
		]
	}`, printMap(pool))

	require.NoError(t, pool.Deallocate(memory))
	require.NoError(t, pool.Destroy())
}

func TestBuddyPoolReturnsSameAddressAfterFree(t *testing.T) {
	pool := newTestBuddy(t, 8192)

	held, err := pool.Allocate(100, 8)
	require.NoError(t, err)

	for _, size := range []int{1, 16, 17, 250, 1000, 2048} {
		first, err := pool.Allocate(size, 8)
		require.NoError(t, err)
		require.NoError(t, pool.Deallocate(first))

		second, err := pool.Allocate(size, 8)
		require.NoError(t, err)
		require.Equal(t, memutils.Address(first), memutils.Address(second), "size %d", size)
		require.NoError(t, pool.Deallocate(second))
	}

	require.Equal(t, 8192-128, pool.FreeBytes())
	require.NoError(t, pool.Validate())

	require.NoError(t, pool.Deallocate(held))
	require.NoError(t, pool.Destroy())
}
