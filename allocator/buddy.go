package allocator

import (
	"context"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/bedrock/memutils"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// buddyFreeNode is written at the start of every free block
type buddyFreeNode struct {
	// next is the offset of the next free block in address order, or -1
	next int64
	size int64
}

var buddyFreeNodeSize = memutils.SizeOf[buddyFreeNode]()

const maxBuddyRegionAlignment = 4096

// BuddyPoolCreateOptions contains settings used to create a BuddyPool
type BuddyPoolCreateOptions struct {
	// Parent is the allocator the region is obtained from. Default() is used if it is nil.
	Parent Allocator
	// Size is the size of the region in bytes. It is rounded up to a power of two.
	Size int
	// MinBlockSize is the smallest block the pool will split down to. It must be a power of two
	// large enough to hold a free-list node (16 bytes), which is also the default.
	MinBlockSize int
	Logger       *slog.Logger
}

// BuddyPool manages a single power-of-two region by recursive halving. Every block's size is a
// power of two and its offset is a multiple of its size. Blocks are split on allocation and
// merged with their free buddy on deallocation.
type BuddyPool struct {
	region pageSet
	logger *slog.Logger

	size         int
	minBlockSize int

	freeHead  int64
	freeCount int
	freeBytes int

	// live maps the offset of every allocated block to the block's size
	live *swiss.Map[int, int]
}

var _ Allocator = &BuddyPool{}

// NewBuddyPool creates a BuddyPool and obtains its region from the parent
func NewBuddyPool(options BuddyPoolCreateOptions) (*BuddyPool, error) {
	if options.Size < 1 {
		return nil, cerrors.Wrapf(memutils.ErrInvalidArgument, "invalid buddy pool size: %d", options.Size)
	}

	minBlockSize := options.MinBlockSize
	if minBlockSize == 0 {
		minBlockSize = buddyFreeNodeSize
	}

	err := memutils.CheckPow2(minBlockSize, "MinBlockSize")
	if err != nil {
		return nil, err
	}

	if minBlockSize < buddyFreeNodeSize {
		return nil, cerrors.Wrapf(memutils.ErrInvalidArgument, "MinBlockSize %d cannot hold a %d byte free node", minBlockSize, buddyFreeNodeSize)
	}

	size := memutils.NextPow2(options.Size)
	if size < minBlockSize {
		size = minBlockSize
	}

	alignment := size
	if alignment > maxBuddyRegionAlignment {
		alignment = maxBuddyRegionAlignment
	}

	pool := &BuddyPool{
		logger:       resolveLogger(options.Logger),
		size:         size,
		minBlockSize: minBlockSize,
		freeHead:     -1,
		live:         swiss.NewMap[int, int](16),
	}
	pool.region.init("BuddyPool", options.Parent, size, uint(alignment), pool.logger)

	_, err = pool.region.grow()
	if err != nil {
		return nil, err
	}

	pool.resetFreeList()
	return pool, nil
}

func (p *BuddyPool) resetFreeList() {
	root := p.node(0)
	root.next = -1
	root.size = int64(p.size)

	p.freeHead = 0
	p.freeCount = 1
	p.freeBytes = p.size
}

func (p *BuddyPool) memory() []byte {
	return p.region.pages[0]
}

func (p *BuddyPool) node(offset int64) *buddyFreeNode {
	return memutils.HeaderAt[buddyFreeNode](p.memory(), int(offset))
}

// blockSize returns the size of the block that serves a request
func (p *BuddyPool) blockSize(size int, alignment uint) int {
	blockSize := memutils.NextPow2(size)
	if blockSize < p.minBlockSize {
		blockSize = p.minBlockSize
	}
	if blockSize < int(alignment) {
		blockSize = int(alignment)
	}
	return blockSize
}

// insertAfter links the free block at offset into the list after prev, or at the head if prev is -1
func (p *BuddyPool) insertAfter(prev int64, offset int64, size int) {
	node := p.node(offset)
	node.size = int64(size)

	if prev < 0 {
		node.next = p.freeHead
		p.freeHead = offset
	} else {
		prevNode := p.node(prev)
		node.next = prevNode.next
		prevNode.next = offset
	}

	p.freeCount++
	p.freeBytes += size
}

func (p *BuddyPool) unlink(prev int64, offset int64) {
	node := p.node(offset)
	if prev < 0 {
		p.freeHead = node.next
	} else {
		p.node(prev).next = node.next
	}

	p.freeCount--
	p.freeBytes -= int(node.size)
}

func (p *BuddyPool) Allocate(size int, alignment uint) ([]byte, error) {
	err := checkRequest(size, alignment)
	if err != nil {
		return nil, err
	}

	if alignment > p.region.alignment {
		return nil, cerrors.Wrapf(memutils.ErrInvalidArgument, "requested alignment %d from a buddy region aligned to %d", alignment, p.region.alignment)
	}

	target := p.blockSize(size, alignment)
	if target > p.size {
		return nil, cerrors.Wrapf(memutils.ErrInvalidArgument, "requested %d bytes from a buddy pool of %d bytes", size, p.size)
	}

	memutils.DebugValidate(p)

	// Smallest free block that can hold the target, lowest address first among equals
	bestOffset, bestPrev, bestSize := int64(-1), int64(-1), 0
	prev := int64(-1)
	for offset := p.freeHead; offset >= 0; offset = p.node(offset).next {
		blockSize := int(p.node(offset).size)
		if blockSize >= target && (bestOffset < 0 || blockSize < bestSize) {
			bestOffset, bestPrev, bestSize = offset, prev, blockSize
			if blockSize == target {
				break
			}
		}
		prev = offset
	}

	if bestOffset < 0 {
		return nil, cerrors.Wrapf(memutils.ErrOutOfMemory, "no free block of %d bytes in a buddy pool with %d free bytes", target, p.freeBytes)
	}

	p.unlink(bestPrev, bestOffset)

	// Each upper half is inserted directly after the block's old predecessor; halves shrink as
	// they approach bestOffset, so the list stays in address order.
	for bestSize > target {
		bestSize /= 2
		p.insertAfter(bestPrev, bestOffset+int64(bestSize), bestSize)
	}

	p.live.Put(int(bestOffset), bestSize)

	start := int(bestOffset)
	return p.memory()[start : start+size : start+size], nil
}

func (p *BuddyPool) Deallocate(memory []byte) error {
	if len(memory) == 0 {
		return cerrors.Wrap(memutils.ErrInvalidArgument, "attempted to deallocate empty memory")
	}

	offset, ok := memutils.OffsetOf(p.memory(), memory)
	if !ok {
		return cerrors.Wrap(memutils.ErrInvalidArgument, "memory does not belong to this buddy pool")
	}

	blockSize, ok := p.live.Get(offset)
	if !ok {
		return cerrors.Wrapf(memutils.ErrInvalidArgument, "no live block starts at offset %d", offset)
	}

	if p.blockSize(len(memory), 1) > blockSize {
		return cerrors.Wrapf(memutils.ErrInvalidArgument, "deallocated %d bytes from a block of %d bytes", len(memory), blockSize)
	}

	memutils.DebugValidate(p)

	p.live.Delete(offset)

	prev := int64(-1)
	for next := p.freeHead; next >= 0 && next < int64(offset); next = p.node(next).next {
		prev = next
	}
	p.insertAfter(prev, int64(offset), blockSize)

	p.coalesce()
	return nil
}

// coalesce merges neighbouring free buddies until no pair can be merged. A merge can make the
// result eligible to merge with its own buddy, so passes repeat until one makes no change.
func (p *BuddyPool) coalesce() {
	for merged := true; merged; {
		merged = false

		for offset := p.freeHead; offset >= 0; {
			node := p.node(offset)
			next := node.next
			if next < 0 {
				break
			}

			nextNode := p.node(next)
			if node.size == nextNode.size && offset+node.size == next && offset%(node.size*2) == 0 {
				node.next = nextNode.next
				node.size *= 2
				p.freeCount--
				merged = true
				continue
			}

			offset = next
		}
	}
}

// FreeBlocks returns the free list in address order
func (p *BuddyPool) FreeBlocks() []BlockInfo {
	blocks := make([]BlockInfo, 0, p.freeCount)
	for offset := p.freeHead; offset >= 0; offset = p.node(offset).next {
		blocks = append(blocks, BlockInfo{Offset: int(offset), Size: int(p.node(offset).size)})
	}
	return blocks
}

// AllocatedBlocks returns every live block in address order
func (p *BuddyPool) AllocatedBlocks() []BlockInfo {
	blocks := make([]BlockInfo, 0, p.live.Count())
	p.live.Iter(func(offset int, size int) bool {
		blocks = append(blocks, BlockInfo{Offset: offset, Size: size})
		return false
	})

	slices.SortFunc(blocks, func(a, b BlockInfo) bool {
		return a.Offset < b.Offset
	})
	return blocks
}

// Size returns the size of the region after rounding to a power of two
func (p *BuddyPool) Size() int {
	return p.size
}

func (p *BuddyPool) FreeBytes() int {
	return p.freeBytes
}

func (p *BuddyPool) AllocationCount() int {
	return p.live.Count()
}

func (p *BuddyPool) checkBlock(offset, size int) error {
	if !memutils.IsPow2(size) || size < p.minBlockSize {
		return cerrors.Newf("block at offset %d has invalid size %d", offset, size)
	}
	if offset%size != 0 {
		return cerrors.Newf("block at offset %d is not aligned to its size %d", offset, size)
	}
	if offset+size > p.size {
		return cerrors.Newf("block at offset %d of size %d runs past the end of the region", offset, size)
	}
	return nil
}

func (p *BuddyPool) Validate() error {
	blocks := p.FreeBlocks()
	if len(blocks) != p.freeCount {
		return cerrors.Newf("the free list holds %d blocks, but the pool believes it has %d", len(blocks), p.freeCount)
	}

	var freeBytes int
	for index, block := range blocks {
		err := p.checkBlock(block.Offset, block.Size)
		if err != nil {
			return err
		}

		if index > 0 && blocks[index-1].Offset+blocks[index-1].Size > block.Offset {
			return cerrors.Newf("free block at offset %d overlaps or precedes the free block at offset %d", block.Offset, blocks[index-1].Offset)
		}
		freeBytes += block.Size
	}

	if freeBytes != p.freeBytes {
		return cerrors.Newf("the free blocks add up to %d bytes, but the pool believes it has %d", freeBytes, p.freeBytes)
	}

	allocated := p.AllocatedBlocks()
	var allocatedBytes int
	for _, block := range allocated {
		err := p.checkBlock(block.Offset, block.Size)
		if err != nil {
			return err
		}
		allocatedBytes += block.Size
	}

	if freeBytes+allocatedBytes != p.size {
		return cerrors.Newf("free bytes (%d) and allocated bytes (%d) do not add up to the region size %d", freeBytes, allocatedBytes, p.size)
	}

	return nil
}

func (p *BuddyPool) AddStatistics(stats *memutils.Statistics) {
	stats.PageCount++
	stats.PageBytes += p.size
	stats.AllocationCount += p.live.Count()
	stats.AllocationBytes += p.size - p.freeBytes
}

func (p *BuddyPool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.PageCount++
	stats.PageBytes += p.size

	for _, block := range p.FreeBlocks() {
		stats.AddUnusedRange(block.Size)
	}

	p.live.Iter(func(offset int, size int) bool {
		stats.AddAllocation(size)
		return false
	})
}

func (p *BuddyPool) PrintDetailedMap(json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	p.AddDetailedStatistics(&stats)

	json.Name("Type").String("BuddyPool")
	json.Name("MinBlockSize").Int(p.minBlockSize)
	stats.WriteJson(json)
	printBlocks(json, "FreeBlocks", p.FreeBlocks())
	printBlocks(json, "AllocatedBlocks", p.AllocatedBlocks())
}

// Destroy returns the region to the parent. It fails without releasing anything if blocks are
// still allocated.
func (p *BuddyPool) Destroy() error {
	if p.live.Count() > 0 {
		for _, block := range p.AllocatedBlocks() {
			p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed buddy block",
				slog.Int("offset", block.Offset),
				slog.Int("size", block.Size),
			)
		}
		return cerrors.Newf("%d blocks were not freed before the destruction of this buddy pool", p.live.Count())
	}

	p.freeHead = -1
	p.freeCount = 0
	p.freeBytes = 0
	return p.region.release()
}
