package allocator

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/bedrock/memutils"
	"golang.org/x/exp/slog"
)

// pageSet holds the pages an arena or pool has obtained from its parent. Pages are referenced by
// index so that in-page headers can link to one another without holding Go pointers.
type pageSet struct {
	owner     string
	parent    Allocator
	pageSize  int
	alignment uint
	logger    *slog.Logger

	pages [][]byte
}

func (p *pageSet) init(owner string, parent Allocator, pageSize int, alignment uint, logger *slog.Logger) {
	p.owner = owner
	p.parent = resolveParent(parent)
	p.pageSize = pageSize
	p.alignment = alignment
	p.logger = resolveLogger(logger)
	p.pages = nil
}

// grow obtains exactly one new page from the parent and returns its index
func (p *pageSet) grow() (int, error) {
	page, err := p.parent.Allocate(p.pageSize, p.alignment)
	if err != nil {
		return -1, cerrors.Wrapf(err, "%s could not obtain a page of %d bytes from its parent", p.owner, p.pageSize)
	}

	if len(page) != p.pageSize {
		panic(cerrors.AssertionFailedf("parent allocator returned %d bytes for a %d byte page", len(page), p.pageSize))
	}

	p.pages = append(p.pages, page)
	index := len(p.pages) - 1

	p.logger.Debug("allocated page",
		slog.String("owner", p.owner),
		slog.Int("page", index),
		slog.Int("size", p.pageSize),
	)

	return index, nil
}

// find locates the page containing memory and returns the page index and the offset of memory
// within the page
func (p *pageSet) find(memory []byte) (int, int, bool) {
	for index, page := range p.pages {
		offset, ok := memutils.OffsetOf(page, memory)
		if ok {
			return index, offset, true
		}
	}

	return -1, 0, false
}

func (p *pageSet) count() int {
	return len(p.pages)
}

func (p *pageSet) totalBytes() int {
	return len(p.pages) * p.pageSize
}

// release hands every page back to the parent. Pages that the parent refuses are still forgotten.
func (p *pageSet) release() error {
	var err error
	for index, page := range p.pages {
		deallocErr := p.parent.Deallocate(page)
		if deallocErr != nil {
			err = cerrors.CombineErrors(err, cerrors.Wrapf(deallocErr, "%s could not return page %d to its parent", p.owner, index))
		}
	}

	p.pages = nil
	return err
}
