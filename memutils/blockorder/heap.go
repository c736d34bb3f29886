package blockorder

import (
	"fmt"
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/pageheap/memutils"
)

type orderLevel struct {
	pages uint64
	// shift is log2 of the block size in bytes
	shift uint
	// firstSlot is the address of slot 0: the region start aligned down to the block size
	firstSlot uint64
	free      slotBitmap
}

func (l *orderLevel) blockBytes() uint64 { return uint64(1) << l.shift }

func (l *orderLevel) slotAddress(slot int) uint64 {
	return l.firstSlot + uint64(slot)<<l.shift
}

func (l *orderLevel) slotIndex(address uint64) int {
	return int((address - l.firstSlot) >> l.shift)
}

// Heap is a segregated free-list page allocator over a fixed, page-aligned address range. It tracks,
// for each order in its OrderTable, which order-aligned blocks are currently free. Any single page is
// free in at most one order at a time.
//
// Heap does not synchronize access: consumers must guarantee that it is used from only one goroutine
// at a time.
type Heap struct {
	pageSize  uint64
	pageShift uint
	orders    OrderTable
	selector  Selector

	address    uint64
	size       uint64
	end        uint64
	totalPages uint64
	freePages  uint64
	levels     []orderLevel
}

var _ memutils.Validatable = &Heap{}

// NewHeap creates a Heap that has not yet been given a region. A zero OrderTable selects
// DefaultOrderTable, and a nil selector selects LowestFirst. Init must be called before use.
func NewHeap(pageSize uint64, orders OrderTable, selector Selector) *Heap {
	if orders.IsZero() {
		orders = DefaultOrderTable()
	}
	if selector == nil {
		selector = LowestFirst{}
	}

	return &Heap{
		pageSize: pageSize,
		orders:   orders,
		selector: selector,
	}
}

// Init assigns the region [address, address+size) to this heap and marks all of it free. Both values
// must be multiples of the page size.
func (h *Heap) Init(address, size uint64) error {
	err := memutils.CheckPow2(h.pageSize, "pageSize")
	if err != nil {
		return err
	}
	if size == 0 {
		return cerrors.New("a heap region must hold at least one page")
	}
	err = memutils.CheckAligned(address, h.pageSize, "region address")
	if err != nil {
		return err
	}
	err = memutils.CheckAligned(size, h.pageSize, "region size")
	if err != nil {
		return err
	}
	if address+size < address {
		return cerrors.Newf("region at %#x with size %#x overflows the address space", address, size)
	}

	h.pageShift = uint(bits.TrailingZeros64(h.pageSize))
	if uint(bits.TrailingZeros64(h.orders.MaxBlockPages()))+h.pageShift >= 64 {
		return cerrors.Newf("blocks of %d pages of %d bytes cannot be addressed", h.orders.MaxBlockPages(), h.pageSize)
	}

	h.address = address
	h.size = size
	h.end = address + size
	h.totalPages = size >> h.pageShift
	h.freePages = 0

	h.levels = make([]orderLevel, h.orders.Count())
	for order := range h.levels {
		pages := h.orders.BlockPages(order)
		level := &h.levels[order]
		level.pages = pages
		level.shift = uint(bits.TrailingZeros64(pages)) + h.pageShift
		level.firstSlot = memutils.AlignDown(address, level.blockBytes())

		slots := int((h.end-1-level.firstSlot)>>level.shift) + 1
		level.free = newSlotBitmap(slots)
	}

	h.Free(address, h.totalPages)
	return nil
}

// Address returns the first address of the heap's region
func (h *Heap) Address() uint64 { return h.address }

// Size returns the size in bytes of the heap's region
func (h *Heap) Size() uint64 { return h.size }

// PageSize returns the size in bytes of a single page
func (h *Heap) PageSize() uint64 { return h.pageSize }

// TotalPages returns the number of pages in the heap's region
func (h *Heap) TotalPages() uint64 { return h.totalPages }

// FreePagesCount returns the number of pages currently free
func (h *Heap) FreePagesCount() uint64 { return h.freePages }

// Orders returns the heap's order table
func (h *Heap) Orders() OrderTable { return h.orders }

// OrderCount returns the number of orders the heap tracks
func (h *Heap) OrderCount() int { return h.orders.Count() }

// BlockSize returns the number of pages in a block of the provided order
func (h *Heap) BlockSize(order int) uint64 { return h.orders.BlockPages(order) }

// OrderFor returns the smallest order whose blocks hold at least pageCount pages
func (h *Heap) OrderFor(pageCount uint64) (int, bool) { return h.orders.OrderFor(pageCount) }

// AlignedOrderFor returns the smallest order whose blocks hold at least pageCount pages and start on
// a multiple of alignPages pages
func (h *Heap) AlignedOrderFor(pageCount, alignPages uint64) (int, bool) {
	return h.orders.AlignedOrderFor(pageCount, alignPages)
}

// FreeBlockCount returns the number of free blocks currently tracked by the provided order
func (h *Heap) FreeBlockCount(order int) int { return h.levels[order].free.Count() }

// AllocateBlock removes a single free block of the provided order and returns its address. The
// heap's Selector chooses among the order's free blocks. If the order has no free blocks, a block
// from the next larger order that has one is split: the requested block is carved from its low end,
// or its high end when backwards is true, and the rest is returned to the free-sets.
//
// AllocateBlock returns false if neither the order nor any larger order holds a free block.
func (h *Heap) AllocateBlock(order int, backwards bool) (uint64, bool) {
	if order < 0 || order >= len(h.levels) {
		return 0, false
	}

	for sourceOrder := order; sourceOrder < len(h.levels); sourceOrder++ {
		source := &h.levels[sourceOrder]
		freeCount := source.free.Count()
		if freeCount == 0 {
			continue
		}

		rank := h.selector.Select(freeCount, backwards)
		if rank < 0 || rank >= freeCount {
			panic(fmt.Sprintf("selector chose block %d out of %d free blocks", rank, freeCount))
		}

		slot := source.free.SelectRank(rank)
		source.free.Clear(slot)
		h.freePages -= source.pages
		address := source.slotAddress(slot)

		if sourceOrder == order {
			return address, true
		}

		wantedPages := h.levels[order].pages
		surplusPages := source.pages - wantedPages
		if backwards {
			h.Free(address, surplusPages)
			return address + surplusPages<<h.pageShift, true
		}

		h.Free(address+wantedPages<<h.pageShift, surplusPages)
		return address, true
	}

	return 0, false
}

// Free returns pageCount pages starting at address to the free-sets. The range is split greedily:
// at each step the largest order whose block fits in the remaining count and whose alignment the
// current address satisfies receives one block. Freed blocks are not merged with free neighbors;
// see Compact.
//
// Freeing pages outside the heap's region panics. Freeing pages that are already free is not
// detected in general and corrupts the heap.
func (h *Heap) Free(address, pageCount uint64) {
	if pageCount == 0 {
		return
	}

	if address < h.address || address >= h.end || pageCount > (h.end-address)>>h.pageShift {
		panic(fmt.Sprintf("attempted to free %d pages at %#x, outside of the heap region [%#x, %#x)", pageCount, address, h.address, h.end))
	}
	if !memutils.IsAligned(address, h.pageSize) {
		panic(fmt.Sprintf("attempted to free pages at %#x, which is not page aligned", address))
	}

	for pageCount > 0 {
		level := &h.levels[h.freeOrderAt(address, pageCount)]
		level.free.Set(level.slotIndex(address))
		h.freePages += level.pages

		address += level.blockBytes()
		pageCount -= level.pages
	}
}

func (h *Heap) freeOrderAt(address, pageCount uint64) int {
	for order := len(h.levels) - 1; order > 0; order-- {
		level := &h.levels[order]
		if level.pages <= pageCount && memutils.IsAligned(address, level.blockBytes()) {
			return order
		}
	}

	return 0
}

// IsFree returns true if the page containing address is currently free in any order
func (h *Heap) IsFree(address uint64) bool {
	if address < h.address || address >= h.end {
		return false
	}

	for order := range h.levels {
		level := &h.levels[order]
		if level.free.IsSet(level.slotIndex(address)) {
			return true
		}
	}

	return false
}

// Compact merges free blocks upward: whenever every block covering a larger order's slot is free
// in the next order down, those blocks are replaced by a single free block of the larger order.
// Orders are processed from smallest to largest so merges cascade. It returns the number of merges
// performed. Compact never changes the number of free pages.
func (h *Heap) Compact() int {
	merged := 0

	for order := 0; order+1 < len(h.levels); order++ {
		child := &h.levels[order]
		parent := &h.levels[order+1]
		ratio := int(parent.pages / child.pages)

		for slot := 0; slot < parent.free.Len(); slot++ {
			start := parent.slotAddress(slot)
			if start < h.address || start+parent.blockBytes() > h.end || parent.free.IsSet(slot) {
				continue
			}

			firstChild := child.slotIndex(start)
			if !child.free.AllSet(firstChild, ratio) {
				continue
			}

			for childSlot := firstChild; childSlot < firstChild+ratio; childSlot++ {
				child.free.Clear(childSlot)
			}
			parent.free.Set(slot)
			merged++
		}
	}

	return merged
}

// VisitFreeBlocks calls the provided callback once for each free block, order by order, in ascending
// address order within each order.
func (h *Heap) VisitFreeBlocks(handleBlock func(order int, address uint64, pages uint64) error) error {
	var err error

	for order := range h.levels {
		level := &h.levels[order]
		level.free.Visit(func(slot int) bool {
			err = handleBlock(order, level.slotAddress(slot), level.pages)
			return err == nil
		})

		if err != nil {
			return err
		}
	}

	return nil
}

// Validate performs internal consistency checks on the heap. It is expensive: every free page is
// visited.
func (h *Heap) Validate() error {
	if len(h.levels) == 0 {
		return cerrors.New("the heap has not been initialized")
	}

	var calculatedFree uint64
	for order := range h.levels {
		level := &h.levels[order]
		err := level.free.validate()
		if err != nil {
			return cerrors.Wrapf(err, "order %d", order)
		}

		calculatedFree += uint64(level.free.Count()) * level.pages
	}

	if calculatedFree != h.freePages {
		return cerrors.Newf("the heap counts %d free pages, but its free-sets hold %d", h.freePages, calculatedFree)
	}
	if calculatedFree > h.totalPages {
		return cerrors.Newf("the free-sets hold %d pages, but the region only has %d", calculatedFree, h.totalPages)
	}

	coverage := newSlotBitmap(int(h.totalPages))
	return h.VisitFreeBlocks(func(order int, address uint64, pages uint64) error {
		if address < h.address || address+pages<<h.pageShift > h.end {
			return cerrors.Newf("free block of order %d at %#x lies outside of the heap region", order, address)
		}

		firstPage := int((address - h.address) >> h.pageShift)
		for page := firstPage; page < firstPage+int(pages); page++ {
			if coverage.IsSet(page) {
				return cerrors.Newf("page at %#x is free in more than one order", h.address+uint64(page)<<h.pageShift)
			}
			coverage.Set(page)
		}

		return nil
	})
}

// AddStatistics sums this heap's page accounting into the provided memutils.Statistics object
func (h *Heap) AddStatistics(stats *memutils.Statistics) {
	stats.RegionCount++
	stats.RegionPages += h.totalPages
	stats.AllocatedPages += h.totalPages - h.freePages

	for order := range h.levels {
		stats.FreeBlockCount += h.levels[order].free.Count()
	}
}

// AddDetailedStatistics sums this heap's page accounting, including per-order free block details,
// into the provided memutils.DetailedStatistics object
func (h *Heap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.RegionCount++
	stats.RegionPages += h.totalPages
	stats.AllocatedPages += h.totalPages - h.freePages

	for order := range h.levels {
		level := &h.levels[order]
		stats.AddFreeBlocks(order, level.pages, level.free.Count())
	}
}

// BlockJsonData populates a json object with information about this heap
func (h *Heap) BlockJsonData(json *jwriter.ObjectState) {
	json.Name("Address").String(fmt.Sprintf("%#x", h.address))
	json.Name("PageSize").Int(int(h.pageSize))
	json.Name("TotalPages").Int(int(h.totalPages))
	json.Name("FreePages").Int(int(h.freePages))

	orders := json.Name("Orders").Array()
	defer orders.End()

	for order := range h.levels {
		level := &h.levels[order]

		obj := orders.Object()
		obj.Name("BlockPages").Int(int(level.pages))
		obj.Name("FreeBlocks").Int(level.free.Count())
		obj.End()
	}
}

// FreeBlocksJsonData writes every free block into a json array named FreeBlocks
func (h *Heap) FreeBlocksJsonData(json *jwriter.ObjectState) {
	arrayState := json.Name("FreeBlocks").Array()
	defer arrayState.End()

	_ = h.VisitFreeBlocks(func(order int, address uint64, pages uint64) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Order").Int(order)
		obj.Name("Address").String(fmt.Sprintf("%#x", address))
		obj.Name("Pages").Int(int(pages))
		return nil
	})
}
