package allocator

import (
	"context"
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/bedrock/memutils"
	"golang.org/x/exp/slog"
)

// slabFreeSlot is stored inside every free slot and links it to the next free slot
type slabFreeSlot struct {
	// next is the global index of the next free slot, or -1
	next int64
}

var slabFreeSlotSize = memutils.SizeOf[slabFreeSlot]()

// SlabPoolCreateOptions contains settings used to create a SlabPool
type SlabPoolCreateOptions struct {
	// Parent is the allocator pages are obtained from. Default() is used if it is nil.
	Parent Allocator
	// ObjectSize is the size of the objects the pool hands out. It is rounded up to a multiple of
	// Alignment and to at least 8 bytes.
	ObjectSize int
	// Alignment is the alignment of every object. It must be a power of two no smaller than
	// MinAlignment. DefaultAlignment is used if it is 0.
	Alignment uint
	// PageSize is the size of each page. DefaultPageSize is used if it is 0.
	PageSize int
	Logger   *slog.Logger
}

// SlabPool hands out fixed-size slots. Free slots are threaded into a singly linked list whose
// links live inside the slots themselves, so allocation and deallocation are both O(1).
type SlabPool struct {
	pages  pageSet
	logger *slog.Logger

	objectSize   int
	slotsPerPage int

	freeHead        int64
	freeCount       int
	allocationCount int
	// allocated holds one bit per slot, set while the slot is handed out
	allocated []uint64
}

var _ Allocator = &SlabPool{}

// NewSlabPool creates a SlabPool and obtains its first page from the parent
func NewSlabPool(options SlabPoolCreateOptions) (*SlabPool, error) {
	pageSize, alignment, err := resolvePageOptions(options.PageSize, options.Alignment)
	if err != nil {
		return nil, err
	}

	if options.ObjectSize < 1 {
		return nil, cerrors.Wrapf(memutils.ErrInvalidArgument, "invalid object size: %d", options.ObjectSize)
	}

	objectSize := options.ObjectSize
	if objectSize < slabFreeSlotSize {
		objectSize = slabFreeSlotSize
	}
	objectSize = memutils.AlignUp(objectSize, alignment)

	slotsPerPage := pageSize / objectSize
	if slotsPerPage < 1 {
		return nil, cerrors.Wrapf(memutils.ErrInvalidArgument, "page size %d cannot hold a single object of %d bytes", pageSize, objectSize)
	}

	pool := &SlabPool{
		logger:       resolveLogger(options.Logger),
		objectSize:   objectSize,
		slotsPerPage: slotsPerPage,
		freeHead:     -1,
	}
	pool.pages.init("SlabPool", options.Parent, pageSize, alignment, pool.logger)

	err = pool.grow()
	if err != nil {
		return nil, err
	}

	return pool, nil
}

// grow obtains a new page and pushes all of its slots onto the free list
func (p *SlabPool) grow() error {
	pageIndex, err := p.pages.grow()
	if err != nil {
		return err
	}

	page := p.pages.pages[pageIndex]
	base := int64(pageIndex * p.slotsPerPage)

	// Thread back to front so the lowest slot ends up at the head
	for slot := p.slotsPerPage - 1; slot >= 0; slot-- {
		link := memutils.HeaderAt[slabFreeSlot](page, slot*p.objectSize)
		link.next = p.freeHead
		p.freeHead = base + int64(slot)
	}
	p.freeCount += p.slotsPerPage

	totalSlots := p.pages.count() * p.slotsPerPage
	for len(p.allocated)*64 < totalSlots {
		p.allocated = append(p.allocated, 0)
	}

	return nil
}

func (p *SlabPool) isAllocated(globalSlot int64) bool {
	return p.allocated[globalSlot/64]&(1<<(globalSlot%64)) != 0
}

func (p *SlabPool) markAllocated(globalSlot int64, allocated bool) {
	if allocated {
		p.allocated[globalSlot/64] |= 1 << (globalSlot % 64)
	} else {
		p.allocated[globalSlot/64] &^= 1 << (globalSlot % 64)
	}
}

func (p *SlabPool) slotMemory(globalSlot int64) []byte {
	pageIndex := int(globalSlot) / p.slotsPerPage
	offset := (int(globalSlot) % p.slotsPerPage) * p.objectSize
	return p.pages.pages[pageIndex][offset : offset+p.objectSize : offset+p.objectSize]
}

// ObjectSize returns the size of each slot after rounding
func (p *SlabPool) ObjectSize() int {
	return p.objectSize
}

func (p *SlabPool) Allocate(size int, alignment uint) ([]byte, error) {
	err := checkRequest(size, alignment)
	if err != nil {
		return nil, err
	}

	if size > p.objectSize {
		return nil, cerrors.Wrapf(memutils.ErrInvalidArgument, "requested %d bytes from a pool of %d byte objects", size, p.objectSize)
	}

	if alignment > p.pages.alignment {
		return nil, cerrors.Wrapf(memutils.ErrInvalidArgument, "requested alignment %d from a pool aligned to %d", alignment, p.pages.alignment)
	}

	memutils.DebugValidate(p)

	if p.freeHead < 0 {
		err = p.grow()
		if err != nil {
			return nil, err
		}
	}

	p.markAllocated(p.freeHead, true)
	slot := p.slotMemory(p.freeHead)
	p.freeHead = memutils.HeaderAt[slabFreeSlot](slot, 0).next
	p.freeCount--
	p.allocationCount++

	return slot[:size:size], nil
}

// Deallocate returns a slot to the pool. Freeing a slot that is not currently allocated fails
// with memutils.ErrInvalidArgument.
func (p *SlabPool) Deallocate(memory []byte) error {
	if len(memory) == 0 {
		return cerrors.Wrap(memutils.ErrInvalidArgument, "attempted to deallocate empty memory")
	}

	pageIndex, offset, ok := p.pages.find(memory)
	if !ok {
		return cerrors.Wrap(memutils.ErrInvalidArgument, "memory does not belong to this pool")
	}

	if offset%p.objectSize != 0 || offset/p.objectSize >= p.slotsPerPage {
		return cerrors.Wrapf(memutils.ErrInvalidArgument, "memory at page offset %d is not the start of a slot", offset)
	}

	if len(memory) > p.objectSize {
		return cerrors.Wrapf(memutils.ErrInvalidArgument, "deallocated %d bytes from a pool of %d byte objects", len(memory), p.objectSize)
	}

	globalSlot := int64(pageIndex*p.slotsPerPage + offset/p.objectSize)
	if !p.isAllocated(globalSlot) {
		return cerrors.Wrapf(memutils.ErrInvalidArgument, "slot %d is not allocated: it may have already been freed", globalSlot)
	}
	p.markAllocated(globalSlot, false)

	slot := p.slotMemory(globalSlot)
	memutils.HeaderAt[slabFreeSlot](slot, 0).next = p.freeHead
	p.freeHead = globalSlot
	p.freeCount++
	p.allocationCount--

	return nil
}

func (p *SlabPool) AllocationCount() int {
	return p.allocationCount
}

// FreeCount returns the number of slots available without obtaining another page
func (p *SlabPool) FreeCount() int {
	return p.freeCount
}

func (p *SlabPool) PageCount() int {
	return p.pages.count()
}

func (p *SlabPool) Validate() error {
	totalSlots := int64(p.pages.count() * p.slotsPerPage)
	if p.freeCount+p.allocationCount != int(totalSlots) {
		return cerrors.Newf("the pool has %d slots, but %d are free and %d are allocated", totalSlots, p.freeCount, p.allocationCount)
	}

	var walked int
	for slot := p.freeHead; slot >= 0; slot = memutils.HeaderAt[slabFreeSlot](p.slotMemory(slot), 0).next {
		if slot >= totalSlots {
			return cerrors.Newf("the free list references slot %d, but the pool only has %d slots", slot, totalSlots)
		}

		walked++
		if walked > p.freeCount {
			return cerrors.Newf("the free list is longer than the %d free slots the pool believes it has", p.freeCount)
		}
	}

	if walked != p.freeCount {
		return cerrors.Newf("the free list holds %d slots, but the pool believes it has %d", walked, p.freeCount)
	}

	var marked int
	for _, word := range p.allocated {
		marked += bits.OnesCount64(word)
	}
	if marked != p.allocationCount {
		return cerrors.Newf("%d slots are marked allocated, but the pool believes it has %d allocations", marked, p.allocationCount)
	}

	return nil
}

func (p *SlabPool) AddStatistics(stats *memutils.Statistics) {
	stats.PageCount += p.pages.count()
	stats.PageBytes += p.pages.totalBytes()
	stats.AllocationCount += p.allocationCount
	stats.AllocationBytes += p.allocationCount * p.objectSize
}

func (p *SlabPool) PrintDetailedMap(json jwriter.ObjectState) {
	var stats memutils.Statistics
	p.AddStatistics(&stats)

	json.Name("Type").String("SlabPool")
	json.Name("ObjectSize").Int(p.objectSize)
	json.Name("SlotsPerPage").Int(p.slotsPerPage)
	stats.WriteJson(json)
	json.Name("FreeSlots").Int(p.freeCount)
}

// Destroy returns every page to the parent. It fails without releasing anything if objects are
// still allocated from the pool.
func (p *SlabPool) Destroy() error {
	if p.allocationCount > 0 {
		p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] slab pool destroyed with live objects",
			slog.Int("objects", p.allocationCount),
			slog.Int("objectSize", p.objectSize),
		)
		return cerrors.Newf("%d objects were not freed before the destruction of this slab pool", p.allocationCount)
	}

	p.freeHead = -1
	p.freeCount = 0
	p.allocated = nil
	return p.pages.release()
}
