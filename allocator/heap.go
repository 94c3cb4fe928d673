package allocator

import (
	"context"
	"sync"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/bedrock/internal/utils"
	"github.com/vkngwrapper/bedrock/memutils"
	"golang.org/x/exp/slog"
)

// HeapCreateFlags indicate specific heap allocator behaviors to activate or deactivate
type HeapCreateFlags int32

const (
	// HeapCreateExternallySynchronized ensures that the heap allocator will not be synchronized
	// internally. The consumer must guarantee it is used from only one goroutine at a time.
	HeapCreateExternallySynchronized HeapCreateFlags = 1 << iota
)

var heapCreateFlagsMapping = map[HeapCreateFlags]string{
	HeapCreateExternallySynchronized: "HeapCreateExternallySynchronized",
}

func (f HeapCreateFlags) String() string {
	return heapCreateFlagsMapping[f]
}

// HeapCreateOptions contains optional settings when creating a HeapAllocator
type HeapCreateOptions struct {
	Flags HeapCreateFlags
	// MaxBytes caps the number of live bytes the allocator will hand out. Requests that would
	// exceed it fail with memutils.ErrOutOfMemory. 0 means no limit.
	MaxBytes int
	// Logger receives leak reports on Destroy. slog.Default() is used if it is nil.
	Logger *slog.Logger
}

type heapBlock struct {
	size    int
	backing []byte
}

// HeapAllocator is the root of an allocator hierarchy. It obtains aligned memory from the Go
// heap and keeps a registry of live allocations so that mismatched or foreign deallocations are
// reported instead of silently accepted.
type HeapAllocator struct {
	mutex    sync.Locker
	logger   *slog.Logger
	maxBytes int

	liveBytes int
	peakBytes int
	live      *swiss.Map[uintptr, heapBlock]
}

var _ Allocator = &HeapAllocator{}

// maxHeapAllocation is the largest backing slice the heap allocator will request from the
// runtime: 2^31-1 on 32-bit platforms and 2^47-1 on 64-bit ones.
const maxHeapAllocation = 1<<(31+16*(^uint(0)>>63)) - 1

// NewHeapAllocator creates a HeapAllocator. options may be nil.
func NewHeapAllocator(options *HeapCreateOptions) (*HeapAllocator, error) {
	if options == nil {
		options = &HeapCreateOptions{}
	}

	if options.MaxBytes < 0 {
		return nil, cerrors.Wrapf(memutils.ErrInvalidArgument, "invalid MaxBytes: %d", options.MaxBytes)
	}

	return &HeapAllocator{
		mutex:    utils.NewLocker(options.Flags&HeapCreateExternallySynchronized != 0),
		logger:   resolveLogger(options.Logger),
		maxBytes: options.MaxBytes,
		live:     swiss.NewMap[uintptr, heapBlock](64),
	}, nil
}

var defaultHeap struct {
	once      sync.Once
	allocator *HeapAllocator
}

// Default returns the process-wide HeapAllocator. It is created on first use, has no byte limit,
// and is safe for concurrent use. Arenas and pools created without a parent draw from it.
func Default() *HeapAllocator {
	defaultHeap.once.Do(func() {
		defaultHeap.allocator = &HeapAllocator{
			mutex:  utils.NewLocker(false),
			logger: slog.Default(),
			live:   swiss.NewMap[uintptr, heapBlock](64),
		}
	})

	return defaultHeap.allocator
}

func (h *HeapAllocator) Allocate(size int, alignment uint) ([]byte, error) {
	err := checkRequest(size, alignment)
	if err != nil {
		return nil, err
	}

	if alignment > maxHeapAllocation || size > maxHeapAllocation-int(alignment)+1 {
		return nil, cerrors.Wrapf(memutils.ErrOutOfMemory, "allocating %d bytes aligned to %d exceeds the largest possible heap allocation", size, alignment)
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.maxBytes > 0 && h.liveBytes+size > h.maxBytes {
		return nil, cerrors.Wrapf(memutils.ErrOutOfMemory, "allocating %d bytes would exceed the heap limit of %d bytes (%d live)", size, h.maxBytes, h.liveBytes)
	}

	backing := make([]byte, size+int(alignment)-1)
	padding := memutils.AlignPadding(memutils.Address(backing), alignment)
	memory := backing[padding : padding+size : padding+size]

	h.live.Put(memutils.Address(memory), heapBlock{size: size, backing: backing})
	h.liveBytes += size
	if h.liveBytes > h.peakBytes {
		h.peakBytes = h.liveBytes
	}

	return memory, nil
}

func (h *HeapAllocator) Deallocate(memory []byte) error {
	if len(memory) == 0 {
		return cerrors.Wrap(memutils.ErrInvalidArgument, "attempted to deallocate empty memory")
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	address := memutils.Address(memory)
	block, ok := h.live.Get(address)
	if !ok {
		return cerrors.Wrapf(memutils.ErrInvalidArgument, "memory at %#x was not allocated by this heap allocator", address)
	}

	if block.size != len(memory) {
		return cerrors.Wrapf(memutils.ErrInvalidArgument, "memory at %#x was allocated with size %d but deallocated with size %d", address, block.size, len(memory))
	}

	h.live.Delete(address)
	h.liveBytes -= block.size
	return nil
}

// LiveBytes returns the number of bytes currently allocated and not yet deallocated
func (h *HeapAllocator) LiveBytes() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.liveBytes
}

// PeakBytes returns the largest value LiveBytes has reached
func (h *HeapAllocator) PeakBytes() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.peakBytes
}

func (h *HeapAllocator) AllocationCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.live.Count()
}

func (h *HeapAllocator) Validate() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	var sum int
	var err error
	h.live.Iter(func(address uintptr, block heapBlock) bool {
		if memutils.Address(block.backing) > address || address+uintptr(block.size) > memutils.Address(block.backing)+uintptr(len(block.backing)) {
			err = cerrors.Newf("allocation at %#x of size %d lies outside its backing memory", address, block.size)
			return true
		}
		sum += block.size
		return false
	})
	if err != nil {
		return err
	}

	if sum != h.liveBytes {
		return cerrors.Newf("the heap allocator believes it has %d live bytes, but its allocations add up to %d", h.liveBytes, sum)
	}

	return nil
}

func (h *HeapAllocator) AddStatistics(stats *memutils.Statistics) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	count := h.live.Count()
	stats.PageCount += count
	stats.AllocationCount += count
	stats.PageBytes += h.liveBytes
	stats.AllocationBytes += h.liveBytes
}

func (h *HeapAllocator) PrintDetailedMap(json jwriter.ObjectState) {
	var stats memutils.Statistics
	h.AddStatistics(&stats)

	json.Name("Type").String("HeapAllocator")
	stats.WriteJson(json)
	json.Name("PeakBytes").Int(h.PeakBytes())
	json.Name("MaxBytes").Int(h.maxBytes)
}

// Destroy reports every allocation that was never deallocated and forgets about it. It returns
// an error if any allocation was still live.
func (h *HeapAllocator) Destroy() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	leaked := h.live.Count()
	if leaked == 0 {
		return nil
	}

	h.live.Iter(func(address uintptr, block heapBlock) bool {
		h.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed heap allocation",
			slog.Any("address", address),
			slog.Int("size", block.size),
		)
		return false
	})

	h.live = swiss.NewMap[uintptr, heapBlock](64)
	h.liveBytes = 0

	return cerrors.Newf("%d allocations were not freed before the destruction of this heap allocator", leaked)
}
