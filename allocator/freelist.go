package allocator

import (
	"context"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/bedrock/memutils"
	"golang.org/x/exp/slog"
)

// freeListNode is written at the start of every free block
type freeListNode struct {
	// next is the location of the next free block in address order, or -1
	next int64
	size int64
}

// freeListHeader is written immediately before every pointer the allocator returns
type freeListHeader struct {
	// size is the full size of the block, including padding and the header itself
	size int64
	// padding is the distance from the start of the block to the returned pointer
	padding int64
}

var (
	freeListNodeSize   = memutils.SizeOf[freeListNode]()
	freeListHeaderSize = memutils.SizeOf[freeListHeader]()
)

const freeListGranularity = 8

// FreeListCreateOptions contains settings used to create a FreeListAllocator
type FreeListCreateOptions struct {
	// Parent is the allocator pages are obtained from. Default() is used if it is nil.
	Parent Allocator
	// PageSize is the size of each page. DefaultPageSize is used if it is 0.
	PageSize int
	// Alignment is the alignment pages are requested with. DefaultAlignment is used if it is 0.
	Alignment uint
	Logger    *slog.Logger
}

// FreeListAllocator serves variable-size requests from an address-ordered list of free blocks.
// Each allocation is preceded by a header recording the block's full size and padding, so
// Deallocate can recover the block from the returned memory alone. Freed blocks are merged with
// adjacent free neighbours immediately. Blocks never span pages.
//
// Locations in the free list are encoded as page*pageSize+offset, which keeps the list ordered
// across pages.
type FreeListAllocator struct {
	pages  pageSet
	logger *slog.Logger

	freeHead  int64
	freeCount int
	freeBytes int

	allocationCount int
}

var _ Allocator = &FreeListAllocator{}

// NewFreeListAllocator creates a FreeListAllocator and obtains its first page from the parent
func NewFreeListAllocator(options FreeListCreateOptions) (*FreeListAllocator, error) {
	pageSize, alignment, err := resolvePageOptions(options.PageSize, options.Alignment)
	if err != nil {
		return nil, err
	}

	if pageSize%freeListGranularity != 0 || pageSize < freeListHeaderSize+freeListGranularity {
		return nil, cerrors.Wrapf(memutils.ErrInvalidArgument, "page size %d must be a multiple of %d and hold at least one allocation", pageSize, freeListGranularity)
	}

	allocator := &FreeListAllocator{
		logger:   resolveLogger(options.Logger),
		freeHead: -1,
	}
	allocator.pages.init("FreeListAllocator", options.Parent, pageSize, alignment, allocator.logger)

	err = allocator.grow()
	if err != nil {
		return nil, err
	}

	return allocator, nil
}

func (a *FreeListAllocator) location(page, offset int) int64 {
	return int64(page*a.pages.pageSize + offset)
}

func (a *FreeListAllocator) split(location int64) (int, int) {
	return int(location) / a.pages.pageSize, int(location) % a.pages.pageSize
}

func (a *FreeListAllocator) node(location int64) *freeListNode {
	page, offset := a.split(location)
	return memutils.HeaderAt[freeListNode](a.pages.pages[page], offset)
}

func (a *FreeListAllocator) samePage(first, second int64) bool {
	return int(first)/a.pages.pageSize == int(second)/a.pages.pageSize
}

// grow obtains a new page and appends it to the end of the free list as a single block
func (a *FreeListAllocator) grow() error {
	page, err := a.pages.grow()
	if err != nil {
		return err
	}

	location := a.location(page, 0)
	node := a.node(location)
	node.next = -1
	node.size = int64(a.pages.pageSize)

	if a.freeHead < 0 {
		a.freeHead = location
	} else {
		tail := a.freeHead
		for a.node(tail).next >= 0 {
			tail = a.node(tail).next
		}
		a.node(tail).next = location
	}

	a.freeCount++
	a.freeBytes += a.pages.pageSize
	return nil
}

// fitsFreshPage reports whether a request could be satisfied by an empty page
func (a *FreeListAllocator) fitsFreshPage(size int, alignment uint) bool {
	padding := freeListHeaderSize + int(alignment) - 1
	if alignment <= a.pages.alignment {
		padding = memutils.AlignUp(freeListHeaderSize, alignment)
	}

	return memutils.AlignUp(padding+size+memutils.DebugMargin, freeListGranularity) <= a.pages.pageSize
}

func (a *FreeListAllocator) Allocate(size int, alignment uint) ([]byte, error) {
	err := checkRequest(size, alignment)
	if err != nil {
		return nil, err
	}

	if alignment < freeListGranularity {
		alignment = freeListGranularity
	}

	if !a.fitsFreshPage(size, alignment) {
		return nil, cerrors.Wrapf(memutils.ErrInvalidArgument, "a request of %d bytes aligned to %d can never fit in a page of %d bytes", size, alignment, a.pages.pageSize)
	}

	memutils.DebugValidate(a)

	memory, ok := a.allocateFromList(size, alignment)
	if ok {
		return memory, nil
	}

	err = a.grow()
	if err != nil {
		return nil, cerrors.Mark(err, memutils.ErrOutOfMemory)
	}

	memory, ok = a.allocateFromList(size, alignment)
	if !ok {
		return nil, cerrors.Wrapf(memutils.ErrOutOfMemory, "a fresh page could not hold a request of %d bytes aligned to %d", size, alignment)
	}

	return memory, nil
}

func (a *FreeListAllocator) allocateFromList(size int, alignment uint) ([]byte, bool) {
	prev := int64(-1)
	for location := a.freeHead; location >= 0; location = a.node(location).next {
		pageIndex, offset := a.split(location)
		page := a.pages.pages[pageIndex]
		node := a.node(location)

		padding := memutils.AlignPaddingWithHeader(memutils.Address(page)+uintptr(offset), alignment, freeListHeaderSize)
		required := memutils.AlignUp(padding+size+memutils.DebugMargin, freeListGranularity)
		if required > int(node.size) {
			prev = location
			continue
		}

		remainder := int(node.size) - required
		replacement := node.next
		if remainder < freeListHeaderSize+freeListGranularity {
			// A sliver this small could never serve another allocation, so it goes with this one
			required = int(node.size)
			a.freeCount--
		} else {
			remainderLocation := location + int64(required)
			remainderNode := a.node(remainderLocation)
			remainderNode.next = node.next
			remainderNode.size = int64(remainder)
			replacement = remainderLocation
		}

		if prev < 0 {
			a.freeHead = replacement
		} else {
			a.node(prev).next = replacement
		}
		a.freeBytes -= required
		a.allocationCount++

		header := memutils.HeaderAt[freeListHeader](page, offset+padding-freeListHeaderSize)
		header.size = int64(required)
		header.padding = int64(padding)

		start := offset + padding
		if memutils.DebugMargin > 0 {
			memutils.WriteMagicValue(page, start+size)
		}

		return page[start : start+size : start+size], true
	}

	return nil, false
}

func (a *FreeListAllocator) Deallocate(memory []byte) error {
	if len(memory) == 0 {
		return cerrors.Wrap(memutils.ErrInvalidArgument, "attempted to deallocate empty memory")
	}

	pageIndex, start, ok := a.pages.find(memory)
	if !ok {
		return cerrors.Wrap(memutils.ErrInvalidArgument, "memory does not belong to this allocator")
	}

	if start < freeListHeaderSize || start%freeListGranularity != 0 {
		return cerrors.Wrapf(memutils.ErrInvalidArgument, "memory at page offset %d cannot have been returned by this allocator", start)
	}

	page := a.pages.pages[pageIndex]
	header := memutils.HeaderAt[freeListHeader](page, start-freeListHeaderSize)
	blockSize, padding := int(header.size), int(header.padding)
	blockOffset := start - padding

	if padding < freeListHeaderSize || blockOffset < 0 || blockOffset+blockSize > len(page) || padding+len(memory)+memutils.DebugMargin > blockSize {
		return cerrors.Wrapf(memutils.ErrInvalidArgument, "allocation header at page offset %d is invalid (size %d, padding %d)", start-freeListHeaderSize, blockSize, padding)
	}

	if memutils.DebugMargin > 0 && !memutils.ValidateMagicValue(page, start+len(memory)) {
		return cerrors.Wrapf(memutils.ErrCorruption, "memory corruption detected after the allocation at page %d offset %d", pageIndex, start)
	}

	memutils.DebugValidate(a)

	location := a.location(pageIndex, blockOffset)

	prev := int64(-1)
	next := a.freeHead
	for next >= 0 && next < location {
		prev = next
		next = a.node(next).next
	}

	if prev >= 0 && prev+a.node(prev).size > location {
		return cerrors.Wrapf(memutils.ErrInvalidArgument, "block at page %d offset %d overlaps a free block; it may have been freed twice", pageIndex, blockOffset)
	}
	if next >= 0 && location+int64(blockSize) > next {
		return cerrors.Wrapf(memutils.ErrInvalidArgument, "block at page %d offset %d overlaps a free block; it may have been freed twice", pageIndex, blockOffset)
	}

	node := a.node(location)
	node.next = next
	node.size = int64(blockSize)
	if prev < 0 {
		a.freeHead = location
	} else {
		a.node(prev).next = location
	}

	a.freeCount++
	a.freeBytes += blockSize
	a.allocationCount--

	// Merge with the preceding block first, then with the following block
	if prev >= 0 && a.samePage(prev, location) && prev+a.node(prev).size == location {
		prevNode := a.node(prev)
		prevNode.size += node.size
		prevNode.next = node.next
		a.freeCount--

		location = prev
		node = prevNode
	}

	if next >= 0 && a.samePage(location, next) && location+node.size == next {
		nextNode := a.node(next)
		node.size += nextNode.size
		node.next = nextNode.next
		a.freeCount--
	}

	return nil
}

// FreeBlocks returns the free list in address order
func (a *FreeListAllocator) FreeBlocks() []BlockInfo {
	blocks := make([]BlockInfo, 0, a.freeCount)
	for location := a.freeHead; location >= 0; location = a.node(location).next {
		page, offset := a.split(location)
		blocks = append(blocks, BlockInfo{Page: page, Offset: offset, Size: int(a.node(location).size)})
	}
	return blocks
}

func (a *FreeListAllocator) FreeBytes() int {
	return a.freeBytes
}

func (a *FreeListAllocator) AllocationCount() int {
	return a.allocationCount
}

func (a *FreeListAllocator) PageCount() int {
	return a.pages.count()
}

func (a *FreeListAllocator) Validate() error {
	var count, freeBytes int
	prevEnd := int64(-1)
	prevPage := -1

	for location := a.freeHead; location >= 0; location = a.node(location).next {
		page, offset := a.split(location)
		if page >= a.pages.count() {
			return cerrors.Newf("free block at location %d references page %d, but only %d pages exist", location, page, a.pages.count())
		}

		node := a.node(location)
		if node.size < int64(freeListGranularity) || offset+int(node.size) > a.pages.pageSize {
			return cerrors.Newf("free block at page %d offset %d has invalid size %d", page, offset, node.size)
		}

		if location < prevEnd {
			return cerrors.Newf("free block at page %d offset %d overlaps or precedes the previous free block", page, offset)
		}
		if location == prevEnd && page == prevPage {
			return cerrors.Newf("free block at page %d offset %d is adjacent to the previous free block but was not merged", page, offset)
		}

		count++
		freeBytes += int(node.size)
		if count > a.freeCount {
			return cerrors.Newf("the free list is longer than the %d blocks the allocator believes it has", a.freeCount)
		}

		prevEnd = location + node.size
		prevPage = page
	}

	if count != a.freeCount {
		return cerrors.Newf("the free list holds %d blocks, but the allocator believes it has %d", count, a.freeCount)
	}

	if freeBytes != a.freeBytes {
		return cerrors.Newf("the free blocks add up to %d bytes, but the allocator believes it has %d", freeBytes, a.freeBytes)
	}

	if a.freeBytes > a.pages.totalBytes() {
		return cerrors.Newf("the allocator has %d free bytes but only holds %d", a.freeBytes, a.pages.totalBytes())
	}

	return nil
}

func (a *FreeListAllocator) AddStatistics(stats *memutils.Statistics) {
	stats.PageCount += a.pages.count()
	stats.PageBytes += a.pages.totalBytes()
	stats.AllocationCount += a.allocationCount
	stats.AllocationBytes += a.pages.totalBytes() - a.freeBytes
}

func (a *FreeListAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.PageCount += a.pages.count()
	stats.PageBytes += a.pages.totalBytes()
	stats.AllocationCount += a.allocationCount
	stats.AllocationBytes += a.pages.totalBytes() - a.freeBytes

	for _, block := range a.FreeBlocks() {
		stats.AddUnusedRange(block.Size)
	}
}

func (a *FreeListAllocator) PrintDetailedMap(json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	a.AddDetailedStatistics(&stats)

	json.Name("Type").String("FreeListAllocator")
	json.Name("PageSize").Int(a.pages.pageSize)
	stats.WriteJson(json)
	printBlocks(json, "FreeBlocks", a.FreeBlocks())
}

// Destroy returns every page to the parent. It fails without releasing anything if allocations
// are still live.
func (a *FreeListAllocator) Destroy() error {
	if a.allocationCount > 0 {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] free-list allocator destroyed with live allocations",
			slog.Int("allocations", a.allocationCount),
			slog.Int("bytes", a.pages.totalBytes()-a.freeBytes),
		)
		return cerrors.Newf("%d allocations were not freed before the destruction of this free-list allocator", a.allocationCount)
	}

	a.freeHead = -1
	a.freeCount = 0
	a.freeBytes = 0
	return a.pages.release()
}
