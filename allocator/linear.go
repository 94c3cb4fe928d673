package allocator

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/bedrock/memutils"
	"golang.org/x/exp/slog"
)

// linearPageHeader is written at the start of every arena page
type linearPageHeader struct {
	// next is the index of the page that follows this one, or -1 for the last page
	next int64
	size int64
}

var linearPageHeaderSize = memutils.SizeOf[linearPageHeader]()

// LinearArenaCreateOptions contains settings used to create a LinearArena
type LinearArenaCreateOptions struct {
	// Parent is the allocator pages are obtained from. Default() is used if it is nil.
	Parent Allocator
	// PageSize is the size in bytes of each page, including its header. DefaultPageSize is used
	// if it is 0.
	PageSize int
	// Alignment is the alignment pages are requested with. It must be a power of two no smaller
	// than MinAlignment. DefaultAlignment is used if it is 0.
	Alignment uint
	Logger    *slog.Logger
}

// LinearArena hands out memory by advancing a cursor through a chain of pages. Individual
// allocations cannot be freed: Deallocate is a no-op, and memory is reclaimed all at once with
// Clear or Rollback. Pages are never returned to the parent before Destroy, so an arena that is
// cleared every frame stops requesting memory once it has grown to its working size.
type LinearArena struct {
	pages pageSet

	current        int
	cursor         int
	consumedBefore int

	allocationCount int
	requestedBytes  int
}

var _ Allocator = &LinearArena{}

// NewLinearArena creates a LinearArena and obtains its first page from the parent
func NewLinearArena(options LinearArenaCreateOptions) (*LinearArena, error) {
	pageSize, alignment, err := resolvePageOptions(options.PageSize, options.Alignment)
	if err != nil {
		return nil, err
	}

	if pageSize <= linearPageHeaderSize {
		return nil, cerrors.Wrapf(memutils.ErrInvalidArgument, "page size %d cannot hold the %d byte page header", pageSize, linearPageHeaderSize)
	}

	arena := &LinearArena{}
	arena.pages.init("LinearArena", options.Parent, pageSize, alignment, options.Logger)

	_, err = arena.appendPage()
	if err != nil {
		return nil, err
	}
	arena.cursor = linearPageHeaderSize

	return arena, nil
}

func (a *LinearArena) appendPage() (int, error) {
	index, err := a.pages.grow()
	if err != nil {
		return -1, err
	}

	page := a.pages.pages[index]
	header := memutils.HeaderAt[linearPageHeader](page, 0)
	header.next = -1
	header.size = int64(len(page))

	if index > 0 {
		memutils.HeaderAt[linearPageHeader](a.pages.pages[index-1], 0).next = int64(index)
	}

	return index, nil
}

// fitsFreshPage reports whether a request could be satisfied by an empty page
func (a *LinearArena) fitsFreshPage(size int, alignment uint) bool {
	if alignment <= a.pages.alignment {
		return memutils.AlignUp(linearPageHeaderSize, alignment)+size <= a.pages.pageSize
	}

	return linearPageHeaderSize+int(alignment)-1+size <= a.pages.pageSize
}

func (a *LinearArena) advancePage() error {
	header := memutils.HeaderAt[linearPageHeader](a.pages.pages[a.current], 0)
	if header.next < 0 {
		_, err := a.appendPage()
		if err != nil {
			return err
		}
	}

	a.consumedBefore += len(a.pages.pages[a.current])
	a.current = int(header.next)
	a.cursor = linearPageHeaderSize
	return nil
}

func (a *LinearArena) Allocate(size int, alignment uint) ([]byte, error) {
	err := checkRequest(size, alignment)
	if err != nil {
		return nil, err
	}

	if !a.fitsFreshPage(size, alignment) {
		return nil, cerrors.Wrapf(memutils.ErrInvalidArgument, "a request of %d bytes aligned to %d can never fit in a page of %d bytes", size, alignment, a.pages.pageSize)
	}

	memutils.DebugValidate(a)

	for {
		page := a.pages.pages[a.current]
		offset := a.cursor + memutils.AlignPadding(memutils.Address(page)+uintptr(a.cursor), alignment)

		if offset+size <= len(page) {
			a.cursor = offset + size
			a.allocationCount++
			a.requestedBytes += size
			return page[offset:a.cursor:a.cursor], nil
		}

		err = a.advancePage()
		if err != nil {
			return nil, err
		}
	}
}

// Deallocate does nothing: arena memory is reclaimed with Clear or Rollback
func (a *LinearArena) Deallocate(memory []byte) error {
	return nil
}

// Clear rewinds the arena to the start of its first page. Pages are kept for reuse. All memory
// previously returned by the arena is invalidated.
func (a *LinearArena) Clear() {
	a.current = 0
	a.cursor = linearPageHeaderSize
	a.consumedBefore = 0
	a.allocationCount = 0
	a.requestedBytes = 0
}

// Marker records an arena position that can be returned to with Rollback
type Marker struct {
	arena          *LinearArena
	page           int
	cursor         int
	consumedBefore int

	allocationCount int
	requestedBytes  int
}

func (m Marker) position() int {
	return m.consumedBefore + m.cursor
}

// Snapshot records the arena's current position
func (a *LinearArena) Snapshot() Marker {
	return Marker{
		arena:           a,
		page:            a.current,
		cursor:          a.cursor,
		consumedBefore:  a.consumedBefore,
		allocationCount: a.allocationCount,
		requestedBytes:  a.requestedBytes,
	}
}

// Rollback returns the arena to the position recorded by marker. Every allocation made after the
// snapshot is invalidated; the arena does not check whether the consumer still holds any of it.
func (a *LinearArena) Rollback(marker Marker) error {
	if marker.arena != a {
		return cerrors.Wrap(memutils.ErrInvalidArgument, "marker was taken from a different arena")
	}

	if marker.position() > a.UsedBytes() {
		return cerrors.Wrapf(memutils.ErrInvalidArgument, "marker at position %d is ahead of the arena cursor at %d", marker.position(), a.UsedBytes())
	}

	a.current = marker.page
	a.cursor = marker.cursor
	a.consumedBefore = marker.consumedBefore
	a.allocationCount = marker.allocationCount
	a.requestedBytes = marker.requestedBytes
	return nil
}

// Scope runs fn and then rolls the arena back to where it was before fn was called, releasing
// everything fn allocated from the arena
func (a *LinearArena) Scope(fn func() error) error {
	marker := a.Snapshot()
	err := fn()
	return cerrors.CombineErrors(err, a.Rollback(marker))
}

// UsedBytes returns the number of page bytes consumed, including page headers, alignment
// padding and the unused tails of pages that were skipped
func (a *LinearArena) UsedBytes() int {
	return a.consumedBefore + a.cursor
}

// RequestedBytes returns the sum of the sizes of every allocation made since the last Clear
func (a *LinearArena) RequestedBytes() int {
	return a.requestedBytes
}

func (a *LinearArena) AllocationCount() int {
	return a.allocationCount
}

// Capacity returns the total size of every page the arena holds
func (a *LinearArena) Capacity() int {
	return a.pages.totalBytes()
}

func (a *LinearArena) PageCount() int {
	return a.pages.count()
}

func (a *LinearArena) Validate() error {
	if a.pages.count() == 0 {
		return cerrors.New("the arena has no pages")
	}

	if a.current < 0 || a.current >= a.pages.count() {
		return cerrors.Newf("the arena's current page %d does not exist", a.current)
	}

	if a.cursor < linearPageHeaderSize || a.cursor > len(a.pages.pages[a.current]) {
		return cerrors.Newf("the arena cursor %d lies outside of page %d", a.cursor, a.current)
	}

	if a.UsedBytes() > a.Capacity() {
		return cerrors.Newf("the arena has used %d bytes but only holds %d", a.UsedBytes(), a.Capacity())
	}

	if a.requestedBytes > a.UsedBytes() {
		return cerrors.Newf("the arena has granted %d bytes but only used %d", a.requestedBytes, a.UsedBytes())
	}

	for index, page := range a.pages.pages {
		header := memutils.HeaderAt[linearPageHeader](page, 0)
		if header.size != int64(len(page)) {
			return cerrors.Newf("page %d has a header size of %d, but is %d bytes", index, header.size, len(page))
		}

		expectedNext := int64(index + 1)
		if index == a.pages.count()-1 {
			expectedNext = -1
		}
		if header.next != expectedNext {
			return cerrors.Newf("page %d links to page %d, but should link to page %d", index, header.next, expectedNext)
		}
	}

	return nil
}

func (a *LinearArena) AddStatistics(stats *memutils.Statistics) {
	stats.PageCount += a.pages.count()
	stats.PageBytes += a.pages.totalBytes()
	stats.AllocationCount += a.allocationCount
	stats.AllocationBytes += a.UsedBytes()
}

func (a *LinearArena) PrintDetailedMap(json jwriter.ObjectState) {
	var stats memutils.Statistics
	a.AddStatistics(&stats)

	json.Name("Type").String("LinearArena")
	json.Name("PageSize").Int(a.pages.pageSize)
	stats.WriteJson(json)
	json.Name("RequestedBytes").Int(a.requestedBytes)
	json.Name("CurrentPage").Int(a.current)
}

// Destroy returns every page to the parent. The arena must not be used afterward.
func (a *LinearArena) Destroy() error {
	err := a.pages.release()
	a.Clear()
	return err
}
