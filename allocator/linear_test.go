package allocator_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/bedrock/allocator"
	mock_allocator "github.com/vkngwrapper/bedrock/allocator/mocks"
	"github.com/vkngwrapper/bedrock/memutils"
	"go.uber.org/mock/gomock"
)

func newTestArena(t *testing.T, pageSize int) *allocator.LinearArena {
	arena, err := allocator.NewLinearArena(allocator.LinearArenaCreateOptions{
		Parent:   newTestHeap(t),
		PageSize: pageSize,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, arena.Destroy())
	})

	return arena
}

func TestLinearArenaBumpsForward(t *testing.T) {
	arena := newTestArena(t, 4096)

	var allocations [][]byte
	previous := uint64(0)
	for i, alignment := range []uint{1, 8, 4, 16, 64, 2, 32} {
		memory, err := arena.Allocate(10+i, alignment)
		require.NoError(t, err)
		require.Len(t, memory, 10+i)
		requireAligned(t, memory, alignment)

		require.Greater(t, uint64(memutils.Address(memory)), previous)
		previous = uint64(memutils.Address(memory))
		allocations = append(allocations, memory)
	}

	requireDisjoint(t, allocations)
	require.Equal(t, 7, arena.AllocationCount())
	require.Equal(t, 10+11+12+13+14+15+16, arena.RequestedBytes())
	require.Equal(t, 1, arena.PageCount())
	require.NoError(t, arena.Validate())
}

func TestLinearArenaGrowsAndReusesPages(t *testing.T) {
	arena := newTestArena(t, 256)

	var allocations [][]byte
	for i := 0; i < 10; i++ {
		memory, err := arena.Allocate(100, 8)
		require.NoError(t, err)
		allocations = append(allocations, memory)
	}

	requireDisjoint(t, allocations)
	require.Equal(t, 5, arena.PageCount())
	require.Equal(t, 5*256, arena.Capacity())
	require.NoError(t, arena.Validate())

	first := memutils.Address(allocations[0])
	arena.Clear()
	require.Equal(t, 0, arena.AllocationCount())

	memory, err := arena.Allocate(100, 8)
	require.NoError(t, err)
	require.Equal(t, first, memutils.Address(memory))

	for i := 0; i < 9; i++ {
		_, err = arena.Allocate(100, 8)
		require.NoError(t, err)
	}
	require.Equal(t, 5, arena.PageCount())
	require.NoError(t, arena.Validate())
}

func TestLinearArenaRollback(t *testing.T) {
	arena := newTestArena(t, 256)

	_, err := arena.Allocate(64, 8)
	require.NoError(t, err)

	marker := arena.Snapshot()
	used := arena.UsedBytes()

	afterMarker, err := arena.Allocate(32, 16)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err = arena.Allocate(150, 8)
		require.NoError(t, err)
	}
	require.Greater(t, arena.PageCount(), 1)

	require.NoError(t, arena.Rollback(marker))
	require.Equal(t, used, arena.UsedBytes())
	require.Equal(t, 1, arena.AllocationCount())
	require.Equal(t, 64, arena.RequestedBytes())

	again, err := arena.Allocate(32, 16)
	require.NoError(t, err)
	require.Equal(t, memutils.Address(afterMarker), memutils.Address(again))

	// A marker taken after the cursor cannot be rolled back to once the arena has rewound
	_, err = arena.Allocate(150, 8)
	require.NoError(t, err)
	ahead := arena.Snapshot()
	require.NoError(t, arena.Rollback(marker))
	err = arena.Rollback(ahead)
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	other := newTestArena(t, 256)
	err = other.Rollback(marker)
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	require.NoError(t, arena.Validate())
}

func TestLinearArenaScope(t *testing.T) {
	arena := newTestArena(t, 1024)

	_, err := arena.Allocate(10, 8)
	require.NoError(t, err)
	used := arena.UsedBytes()

	scopeErr := errors.New("scope failed")
	err = arena.Scope(func() error {
		_, err := arena.Allocate(500, 8)
		require.NoError(t, err)
		return scopeErr
	})
	require.True(t, errors.Is(err, scopeErr))
	require.Equal(t, used, arena.UsedBytes())

	err = arena.Scope(func() error {
		_, err := arena.Allocate(100, 8)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, used, arena.UsedBytes())
}

func TestLinearArenaRejectsImpossibleRequests(t *testing.T) {
	arena := newTestArena(t, 256)

	_, err := arena.Allocate(241, 8)
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	_, err = arena.Allocate(240, 16)
	require.NoError(t, err)

	_, err = arena.Allocate(-1, 8)
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	_, err = arena.Allocate(8, 3)
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	require.NoError(t, arena.Deallocate(nil))

	_, err = allocator.NewLinearArena(allocator.LinearArenaCreateOptions{PageSize: 16})
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	_, err = allocator.NewLinearArena(allocator.LinearArenaCreateOptions{PageSize: 256, Alignment: 4})
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))
}

func TestLinearArenaParentOutOfMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	page := make([]byte, 128)
	parent := mock_allocator.NewMockAllocator(ctrl)
	parent.EXPECT().Allocate(128, uint(8)).Return(page, nil)
	parent.EXPECT().Allocate(128, uint(8)).Return(nil, errors.Wrap(memutils.ErrOutOfMemory, "parent is exhausted"))
	parent.EXPECT().Deallocate(gomock.Any()).Return(nil)

	arena, err := allocator.NewLinearArena(allocator.LinearArenaCreateOptions{
		Parent:    parent,
		PageSize:  128,
		Alignment: 8,
	})
	require.NoError(t, err)

	_, err = arena.Allocate(100, 8)
	require.NoError(t, err)

	_, err = arena.Allocate(100, 8)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Equal(t, 1, arena.PageCount())
	require.NoError(t, arena.Validate())

	require.NoError(t, arena.Destroy())
}

func TestLinearArenaPrintDetailedMap(t *testing.T) {
	arena := newTestArena(t, 256)

	_, err := arena.Allocate(16, 16)
	require.NoError(t, err)

	require.JSONEq(t, `{
		"Type": "LinearArena",
		"PageSize": 256,
		"Pages": 1,
		"Allocations": 1,
		"TotalBytes": 256,
		"UsedBytes": 32,
		"UnusedBytes": 224,
		"RequestedBytes": 16,
		"CurrentPage": 0
	}`, printMap(arena))
}
