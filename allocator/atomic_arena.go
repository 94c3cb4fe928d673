package allocator

import (
	"sync/atomic"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/bedrock/memutils"
	"golang.org/x/exp/slog"
)

// AtomicArenaCreateOptions contains settings used to create an AtomicArena
type AtomicArenaCreateOptions struct {
	// Parent is the allocator the arena's page is obtained from. Default() is used if it is nil.
	Parent Allocator
	// Size is the size of the arena's single page, including its header. DefaultPageSize is used
	// if it is 0.
	Size int
	// Alignment is the alignment the page is requested with. DefaultAlignment is used if it is 0.
	Alignment uint
	Logger    *slog.Logger
}

// AtomicArena is a bump arena whose Allocate method may be called from any number of goroutines
// at once. The cursor is advanced with a compare-and-swap loop, so allocation never blocks.
//
// The arena owns exactly one page and never grows: once the page is exhausted, Allocate fails with
// memutils.ErrOutOfMemory until Clear is called. Clear, Destroy and Validate must not race with
// Allocate.
type AtomicArena struct {
	pages  pageSet
	logger *slog.Logger

	cursor          atomic.Uint64
	allocationCount atomic.Int64
	requestedBytes  atomic.Int64
	retries         atomic.Int64
}

var _ Allocator = &AtomicArena{}

func NewAtomicArena(options AtomicArenaCreateOptions) (*AtomicArena, error) {
	size, alignment, err := resolvePageOptions(options.Size, options.Alignment)
	if err != nil {
		return nil, err
	}

	if size <= linearPageHeaderSize {
		return nil, cerrors.Wrapf(memutils.ErrInvalidArgument, "arena size %d cannot hold the %d byte page header", size, linearPageHeaderSize)
	}

	arena := &AtomicArena{logger: resolveLogger(options.Logger)}
	arena.pages.init("AtomicArena", options.Parent, size, alignment, arena.logger)

	index, err := arena.pages.grow()
	if err != nil {
		return nil, err
	}

	header := memutils.HeaderAt[linearPageHeader](arena.pages.pages[index], 0)
	header.next = -1
	header.size = int64(size)

	arena.cursor.Store(uint64(linearPageHeaderSize))
	return arena, nil
}

func (a *AtomicArena) Allocate(size int, alignment uint) ([]byte, error) {
	err := checkRequest(size, alignment)
	if err != nil {
		return nil, err
	}

	if len(a.pages.pages) == 0 {
		return nil, cerrors.New("attempted to allocate from a destroyed atomic arena")
	}

	page := a.pages.pages[0]
	base := memutils.Address(page)

	for {
		observed := a.cursor.Load()
		start := int(observed) + memutils.AlignPadding(base+uintptr(observed), alignment)
		end := start + size

		if end > len(page) || end < start {
			return nil, cerrors.Wrapf(memutils.ErrOutOfMemory, "atomic arena has %d of %d bytes in use and cannot serve %d bytes aligned to %d", observed, len(page), size, alignment)
		}

		if a.cursor.CompareAndSwap(observed, uint64(end)) {
			a.allocationCount.Add(1)
			a.requestedBytes.Add(int64(size))
			return page[start:end:end], nil
		}

		a.retries.Add(1)
	}
}

// Deallocate does nothing: memory is reclaimed with Clear
func (a *AtomicArena) Deallocate(memory []byte) error {
	return nil
}

// Clear makes the whole page available again. Memory previously returned by the arena must not be
// used afterward.
func (a *AtomicArena) Clear() {
	a.cursor.Store(uint64(linearPageHeaderSize))
	a.allocationCount.Store(0)
	a.requestedBytes.Store(0)
}

func (a *AtomicArena) UsedBytes() int {
	return int(a.cursor.Load())
}

func (a *AtomicArena) Capacity() int {
	return a.pages.totalBytes()
}

func (a *AtomicArena) AllocationCount() int {
	return int(a.allocationCount.Load())
}

func (a *AtomicArena) RequestedBytes() int {
	return int(a.requestedBytes.Load())
}

// Retries reports how many compare-and-swap attempts lost a race with another goroutine
func (a *AtomicArena) Retries() int {
	return int(a.retries.Load())
}

func (a *AtomicArena) Validate() error {
	if len(a.pages.pages) != 1 {
		return cerrors.Newf("atomic arena holds %d pages, but should hold exactly one", len(a.pages.pages))
	}

	header := memutils.HeaderAt[linearPageHeader](a.pages.pages[0], 0)
	if header.next != -1 || header.size != int64(a.pages.pageSize) {
		return cerrors.Newf("atomic arena page header is corrupt (next %d, size %d)", header.next, header.size)
	}

	used := a.UsedBytes()
	if used < linearPageHeaderSize || used > a.pages.pageSize {
		return cerrors.Newf("atomic arena cursor %d is outside of its page of %d bytes", used, a.pages.pageSize)
	}

	if a.RequestedBytes() > used-linearPageHeaderSize {
		return cerrors.Newf("atomic arena has handed out %d bytes, but its cursor only covers %d", a.RequestedBytes(), used-linearPageHeaderSize)
	}

	return nil
}

func (a *AtomicArena) AddStatistics(stats *memutils.Statistics) {
	stats.PageCount += a.pages.count()
	stats.PageBytes += a.pages.totalBytes()
	stats.AllocationCount += a.AllocationCount()
	stats.AllocationBytes += a.UsedBytes()
}

func (a *AtomicArena) PrintDetailedMap(json jwriter.ObjectState) {
	var stats memutils.Statistics
	a.AddStatistics(&stats)

	json.Name("Type").String("AtomicArena")
	json.Name("CursorBytes").Int(a.UsedBytes())
	json.Name("Retries").Int(a.Retries())
	stats.WriteJson(json)
}

// Destroy returns the arena's page to its parent
func (a *AtomicArena) Destroy() error {
	a.Clear()
	return a.pages.release()
}
