package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics summarizes the memory held by one or more allocators
type Statistics struct {
	// PageCount is the number of pages or regions obtained from parent allocators
	PageCount int
	// AllocationCount is the number of live allocations
	AllocationCount int
	// PageBytes is the total size in bytes of all pages or regions
	PageBytes int
	// AllocationBytes is the number of page bytes consumed by live allocations, including
	// alignment padding and in-page headers
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.PageCount = 0
	s.AllocationCount = 0
	s.PageBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.PageCount += other.PageCount
	s.AllocationCount += other.AllocationCount
	s.PageBytes += other.PageBytes
	s.AllocationBytes += other.AllocationBytes
}

// UnusedBytes is the number of page bytes not consumed by live allocations
func (s *Statistics) UnusedBytes() int {
	return s.PageBytes - s.AllocationBytes
}

func (s *Statistics) WriteJson(json jwriter.ObjectState) {
	json.Name("Pages").Int(s.PageCount)
	json.Name("Allocations").Int(s.AllocationCount)
	json.Name("TotalBytes").Int(s.PageBytes)
	json.Name("UsedBytes").Int(s.AllocationBytes)
	json.Name("UnusedBytes").Int(s.UnusedBytes())
}

// DetailedStatistics adds free-range information for allocators that can report individual
// free regions
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) WriteJson(json jwriter.ObjectState) {
	s.Statistics.WriteJson(json)
	json.Name("UnusedRanges").Int(s.UnusedRangeCount)
	if s.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(s.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(s.UnusedRangeSizeMax)
	}
	if s.AllocationSizeMax > 0 {
		json.Name("AllocationSizeMin").Int(s.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(s.AllocationSizeMax)
	}
}
