package region

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/pageheap/memutils"
	"github.com/vkngwrapper/pageheap/memutils/blockorder"
	"github.com/vkngwrapper/pageheap/memutils/pagelist"
	"github.com/vkngwrapper/pageheap/region/internal/utils"
	"golang.org/x/exp/slog"
)

// Allocator hands out page-granular extents of a single physical memory region. Every operation
// that reads or changes the region's free pages runs under one mutex, so concurrent callers never
// receive overlapping pages.
type Allocator struct {
	logger  *slog.Logger
	flags   CreateFlags
	mutex   utils.OptionalMutex
	heap    *blockorder.Heap
	tracker *allocationTracker
}

func formatAddress(address uint64) string {
	return fmt.Sprintf("%#x", address)
}

// Address returns the first address of the region
func (a *Allocator) Address() uint64 { return a.heap.Address() }

// Size returns the size in bytes of the region
func (a *Allocator) Size() uint64 { return a.heap.Size() }

// PageSize returns the size in bytes of a single page
func (a *Allocator) PageSize() uint64 { return a.heap.PageSize() }

// TotalPages returns the number of pages in the region
func (a *Allocator) TotalPages() uint64 { return a.heap.TotalPages() }

// AllocatePages allocates pageCount pages, which need not be contiguous with one another. The pages
// are gathered from the largest blocks that fit the remaining count first, so the returned list holds
// few extents. Either all pageCount pages are allocated or, on failure, none are: any blocks gathered
// before the failure are freed before ErrOutOfMemory is returned.
//
// backwards asks for blocks from the high end of the region. Whether it is honored depends on the
// allocator's SelectionStrategy.
//
// Requesting zero pages returns an empty list and does not touch the region.
func (a *Allocator) AllocatePages(pageCount uint64, backwards bool) (*pagelist.List, error) {
	if pageCount == 0 {
		return pagelist.New(a.heap.PageSize()), nil
	}

	a.logger.Debug("Allocator::AllocatePages")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	pages, err := a.allocatePagesAfterLock(pageCount, backwards)
	if err != nil {
		return nil, err
	}

	if a.tracker != nil {
		a.tracker.TrackList(pages)
	}
	memutils.DebugValidate(a.heap)

	return pages, nil
}

func (a *Allocator) allocatePagesAfterLock(pageCount uint64, backwards bool) (*pagelist.List, error) {
	pages := pagelist.New(a.heap.PageSize())

	if pageCount > a.heap.FreePagesCount() {
		return nil, a.outOfMemory(pageCount, 1)
	}

	// Requests larger than the largest order are served starting from the largest order
	startOrder, found := a.heap.OrderFor(pageCount)
	if !found {
		startOrder, _ = a.heap.Orders().FloorOrderFor(pageCount)
	}

	remaining := pageCount
	for order := startOrder; order >= 0 && remaining > 0; order-- {
		blockPages := a.heap.BlockSize(order)

		for remaining >= blockPages {
			address, ok := a.heap.AllocateBlock(order, backwards)
			if !ok {
				break
			}

			err := pages.AddRange(address, blockPages)
			if err != nil {
				a.heap.Free(address, blockPages)
				a.releaseAfterLock(pages)
				return nil, err
			}

			remaining -= blockPages
		}
	}

	if remaining != 0 {
		a.releaseAfterLock(pages)
		return nil, a.outOfMemory(pageCount, 1)
	}

	return pages, nil
}

// AllocatePagesContiguous allocates pageCount physically contiguous pages whose first address is a
// multiple of alignPages pages and returns that address. alignPages must be a power of two; zero is
// treated as one. The pages are carved out of a single block, and the rest of the block is returned
// to the region immediately. When backwards is true the pages are placed as high within the block as
// the alignment allows.
//
// ErrOutOfMemory is returned both when no suitable block is free and when no order can honor the
// requested size and alignment. Requesting zero pages returns (0, nil) and does not touch the region.
func (a *Allocator) AllocatePagesContiguous(pageCount uint64, alignPages uint64, backwards bool) (uint64, error) {
	if pageCount == 0 {
		return 0, nil
	}

	a.logger.Debug("Allocator::AllocatePagesContiguous")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if alignPages == 0 {
		alignPages = 1
	}

	address, err := a.allocateContiguousAfterLock(pageCount, alignPages, backwards)
	if errors.Is(err, ErrOutOfMemory) && a.flags&CreateCompactOnExhaustion != 0 && a.heap.Compact() > 0 {
		address, err = a.allocateContiguousAfterLock(pageCount, alignPages, backwards)
	}
	if err != nil {
		return 0, err
	}

	if a.tracker != nil {
		a.tracker.TrackRange(address, pageCount)
	}
	memutils.DebugValidate(a.heap)

	return address, nil
}

func (a *Allocator) allocateContiguousAfterLock(pageCount uint64, alignPages uint64, backwards bool) (uint64, error) {
	order, found := a.heap.AlignedOrderFor(pageCount, alignPages)
	if !found {
		return 0, a.outOfMemory(pageCount, alignPages)
	}

	block, ok := a.heap.AllocateBlock(order, backwards)
	if !ok {
		return 0, a.outOfMemory(pageCount, alignPages)
	}

	pageSize := a.heap.PageSize()
	blockPages := a.heap.BlockSize(order)
	memutils.DebugCheckPow2(blockPages, "blockPages")

	address := block
	if backwards {
		address = memutils.AlignDown(block+(blockPages-pageCount)*pageSize, alignPages*pageSize)
	}

	headPages := (address - block) / pageSize
	tailPages := blockPages - pageCount - headPages

	a.heap.Free(block, headPages)
	a.heap.Free(address+pageCount*pageSize, tailPages)

	return address, nil
}

func (a *Allocator) outOfMemory(pageCount uint64, alignPages uint64) error {
	freePages := a.heap.FreePagesCount()

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "allocation failed",
		slog.Uint64("requestedPages", pageCount),
		slog.Uint64("alignPages", alignPages),
		slog.Uint64("freePages", freePages),
	)

	return errors.Wrapf(ErrOutOfMemory, "requested %d pages aligned to %d pages with %d pages free", pageCount, alignPages, freePages)
}

// FreePage returns the single page at address to the region
func (a *Allocator) FreePage(address uint64) {
	a.logger.Debug("Allocator::FreePage")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.freeRangeAfterLock(address, 1)
	memutils.DebugValidate(a.heap)
}

// FreePages returns every extent in pages to the region, in list order. The extents must have been
// allocated from this allocator and not yet freed; this is not checked unless the allocator was
// created with CreateTrackAllocations.
func (a *Allocator) FreePages(pages *pagelist.List) {
	a.logger.Debug("Allocator::FreePages")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	_ = pages.Visit(func(extent pagelist.Extent) error {
		a.freeRangeAfterLock(extent.Address, extent.PageCount)
		return nil
	})
	memutils.DebugValidate(a.heap)
}

func (a *Allocator) freeRangeAfterLock(address, pageCount uint64) {
	if a.tracker != nil {
		err := a.tracker.Release(address, pageCount)
		if err != nil {
			a.logger.LogAttrs(context.Background(), slog.LevelError, "[INVALID FREE] ignoring free of pages that are not allocated",
				slog.String("address", formatAddress(address)),
				slog.Uint64("pages", pageCount),
				slog.Any("error", err),
			)
			return
		}
	}

	a.heap.Free(address, pageCount)
}

// releaseAfterLock frees extents that were never handed to the caller
func (a *Allocator) releaseAfterLock(pages *pagelist.List) {
	_ = pages.Visit(func(extent pagelist.Extent) error {
		a.heap.Free(extent.Address, extent.PageCount)
		return nil
	})
}

// GetFreePages returns the number of pages currently free in the region
func (a *Allocator) GetFreePages() uint64 {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.heap.FreePagesCount()
}

// Compact merges free blocks into larger orders wherever every piece of a larger block is free, which
// lets later contiguous allocations find large blocks again. It returns the number of merges.
func (a *Allocator) Compact() int {
	a.logger.Debug("Allocator::Compact")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	merged := a.heap.Compact()
	memutils.DebugValidate(a.heap)

	return merged
}

// AddStatistics sums this region's page accounting into stats
func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.heap.AddStatistics(stats)
}

// CalculateStatistics returns detailed page accounting for this region
func (a *Allocator) CalculateStatistics() memutils.DetailedStatistics {
	a.logger.Debug("Allocator::CalculateStatistics")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.heap.AddDetailedStatistics(&stats)
	return stats
}

// BuildStatsString returns a JSON document describing the region. When detailedMap is true every free
// block, and every tracked allocation if CreateTrackAllocations is active, is listed as well.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	a.logger.Debug("Allocator::BuildStatsString")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	writer := jwriter.NewWriter()
	objState := writer.Object()

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.heap.AddDetailedStatistics(&stats)

	totalObj := objState.Name("Total").Object()
	totalObj.Name("AllocatedPages").Int(int(stats.AllocatedPages))
	totalObj.Name("FreeBlocks").Int(stats.FreeBlockCount)
	if stats.FreeBlockCount > 0 {
		totalObj.Name("FreeBlockPagesMin").Int(int(stats.FreeBlockPagesMin))
		totalObj.Name("FreeBlockPagesMax").Int(int(stats.FreeBlockPagesMax))
	}
	totalObj.End()

	heapObj := objState.Name("Heap").Object()
	a.heap.BlockJsonData(&heapObj)
	if detailedMap {
		a.heap.FreeBlocksJsonData(&heapObj)
	}
	heapObj.End()

	if detailedMap && a.tracker != nil {
		arrayState := objState.Name("Allocations").Array()
		for _, outstanding := range a.tracker.Outstanding() {
			obj := arrayState.Object()
			obj.Name("Id").Int(int(outstanding.ID))
			obj.Name("Address").String(formatAddress(outstanding.Address))
			obj.Name("Pages").Int(int(outstanding.PageCount))
			obj.End()
		}
		arrayState.End()
	}

	objState.End()

	return string(writer.Bytes())
}

// Validate performs internal consistency checks on the region's free-sets, and on the allocation
// records when CreateTrackAllocations is active. It is expensive and intended for diagnostics.
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.heap.Validate()
	if err != nil {
		return err
	}

	if a.tracker == nil {
		return nil
	}

	trackedPages := uint64(a.tracker.PageCount())
	if trackedPages+a.heap.FreePagesCount() != a.heap.TotalPages() {
		return errors.Newf("%d pages are tracked as allocated and %d are free, but the region holds %d", trackedPages, a.heap.FreePagesCount(), a.heap.TotalPages())
	}

	for _, outstanding := range a.tracker.Outstanding() {
		for page := uint64(0); page < outstanding.PageCount; page++ {
			address := outstanding.Address + page*a.heap.PageSize()
			if a.heap.IsFree(address) {
				return errors.Newf("page at %#x belongs to allocation %d but is free", address, outstanding.ID)
			}
		}
	}

	return nil
}

// Destroy verifies that every allocated page has been returned to the region. If any have not, they
// are logged and an error is returned.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	freePages := a.heap.FreePagesCount()
	if freePages == a.heap.TotalPages() {
		return nil
	}

	if a.tracker != nil {
		for _, outstanding := range a.tracker.Outstanding() {
			a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
				slog.Uint64("id", outstanding.ID),
				slog.String("address", formatAddress(outstanding.Address)),
				slog.Uint64("pages", outstanding.PageCount),
			)
		}
	}

	return errors.Newf("%d pages were not freed before the destruction of this region", a.heap.TotalPages()-freePages)
}
