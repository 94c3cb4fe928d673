package memutils_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/bedrock/memutils"
)

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(1, "one"))
	require.NoError(t, memutils.CheckPow2(uint(64), "alignment"))

	err := memutils.CheckPow2(24, "alignment")
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))
	require.Contains(t, err.Error(), "alignment is 24")

	require.Error(t, memutils.CheckPow2(0, "zero"))
}

func TestNextPow2(t *testing.T) {
	testCases := map[int]int{
		-5:   1,
		0:    1,
		1:    1,
		2:    2,
		3:    4,
		40:   64,
		64:   64,
		65:   128,
		1000: 1024,
	}

	for input, expected := range testCases {
		require.Equal(t, expected, memutils.NextPow2(input), "NextPow2(%d)", input)
	}

	require.Equal(t, 10, memutils.Log2(1024))
}

func TestAlignment(t *testing.T) {
	require.Equal(t, 16, memutils.AlignUp(9, 8))
	require.Equal(t, 16, memutils.AlignUp(16, 8))
	require.Equal(t, 8, memutils.AlignDown(15, 8))

	require.Equal(t, 0, memutils.AlignPadding(0x1000, 16))
	require.Equal(t, 8, memutils.AlignPadding(0x1008, 16))
	require.Equal(t, 3, memutils.AlignPadding(0x1005, 8))
}

func TestAlignPaddingWithHeader(t *testing.T) {
	require.Equal(t, 16, memutils.AlignPaddingWithHeader(0x1000, 16, 16))
	require.Equal(t, 8, memutils.AlignPaddingWithHeader(0x1008, 16, 8))
	require.Equal(t, 20, memutils.AlignPaddingWithHeader(0x1004, 8, 16))

	for addr := uintptr(0x2000); addr < 0x2040; addr++ {
		padding := memutils.AlignPaddingWithHeader(addr, 32, 16)
		require.GreaterOrEqual(t, padding, 16)
		require.Zero(t, (addr+uintptr(padding))%32)
	}
}

func TestOffsetOf(t *testing.T) {
	region := make([]byte, 128)

	offset, ok := memutils.OffsetOf(region, region[40:60])
	require.True(t, ok)
	require.Equal(t, 40, offset)

	_, ok = memutils.OffsetOf(region, make([]byte, 8))
	require.False(t, ok)

	_, ok = memutils.OffsetOf(region, nil)
	require.False(t, ok)
}

type testHeader struct {
	Next int64
	Size int64
}

func TestHeaderAt(t *testing.T) {
	buf := make([]uint64, 8)
	raw := unsafeBytes(buf)

	header := memutils.HeaderAt[testHeader](raw, 16)
	header.Next = 7
	header.Size = 99

	require.Equal(t, uint64(7), buf[2])
	require.Equal(t, uint64(99), buf[3])
	require.Equal(t, 16, memutils.SizeOf[testHeader]())

	require.Panics(t, func() {
		memutils.HeaderAt[testHeader](raw, 56)
	})
	require.Panics(t, func() {
		memutils.HeaderAt[testHeader](raw, 4)
	})
	require.Panics(t, func() {
		memutils.HeaderAt[testHeader](raw, -8)
	})
}

func TestStatistics(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()

	stats.PageCount = 1
	stats.PageBytes = 1024
	stats.AddAllocation(64)
	stats.AddAllocation(16)
	stats.AddUnusedRange(944)

	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 80, stats.AllocationBytes)
	require.Equal(t, 16, stats.AllocationSizeMin)
	require.Equal(t, 64, stats.AllocationSizeMax)
	require.Equal(t, 944, stats.UnusedBytes())

	var total memutils.Statistics
	total.AddStatistics(&stats.Statistics)
	total.AddStatistics(&stats.Statistics)
	require.Equal(t, memutils.Statistics{
		PageCount:       2,
		AllocationCount: 4,
		PageBytes:       2048,
		AllocationBytes: 160,
	}, total)
}
