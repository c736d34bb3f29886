package memutils

import "math"

// Statistics holds page accounting for one or more regions
type Statistics struct {
	RegionCount    int
	FreeBlockCount int
	RegionPages    uint64
	AllocatedPages uint64
}

func (s *Statistics) Clear() {
	s.RegionCount = 0
	s.FreeBlockCount = 0
	s.RegionPages = 0
	s.AllocatedPages = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.RegionCount += other.RegionCount
	s.FreeBlockCount += other.FreeBlockCount
	s.RegionPages += other.RegionPages
	s.AllocatedPages += other.AllocatedPages
}

// FreePages is the number of pages not currently handed out
func (s *Statistics) FreePages() uint64 {
	return s.RegionPages - s.AllocatedPages
}

type DetailedStatistics struct {
	Statistics
	FreeBlockPagesMin uint64
	FreeBlockPagesMax uint64
	// LargestFreeOrder is the index of the largest order holding at least one free block, or -1
	LargestFreeOrder int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeBlockPagesMin = math.MaxUint64
	s.FreeBlockPagesMax = 0
	s.LargestFreeOrder = -1
}

// AddFreeBlocks records count free blocks of the given order, each holding pages pages
func (s *DetailedStatistics) AddFreeBlocks(order int, pages uint64, count int) {
	if count == 0 {
		return
	}

	s.FreeBlockCount += count

	if pages < s.FreeBlockPagesMin {
		s.FreeBlockPagesMin = pages
	}

	if pages > s.FreeBlockPagesMax {
		s.FreeBlockPagesMax = pages
	}

	if order > s.LargestFreeOrder {
		s.LargestFreeOrder = order
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)

	if other.FreeBlockPagesMin < s.FreeBlockPagesMin {
		s.FreeBlockPagesMin = other.FreeBlockPagesMin
	}

	if other.FreeBlockPagesMax > s.FreeBlockPagesMax {
		s.FreeBlockPagesMax = other.FreeBlockPagesMax
	}

	if other.LargestFreeOrder > s.LargestFreeOrder {
		s.LargestFreeOrder = other.LargestFreeOrder
	}
}
