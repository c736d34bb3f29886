package blockorder

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/pageheap/memutils"
)

// MaxOrders is the largest number of orders an OrderTable may hold
const MaxOrders = 32

// OrderTable is the fixed, ascending sequence of block sizes (in pages) that a Heap tracks. It is
// built once and never modified, so copies of an OrderTable may be shared freely.
type OrderTable struct {
	blockPages []uint64
}

// NewOrderTable builds an OrderTable from a list of block sizes in pages. The sizes must be
// strictly increasing powers of two, and the first must be exactly one page so that any page count
// can be decomposed into blocks.
func NewOrderTable(blockPages ...uint64) (OrderTable, error) {
	if len(blockPages) == 0 {
		return OrderTable{}, cerrors.New("an order table requires at least one order")
	}
	if len(blockPages) > MaxOrders {
		return OrderTable{}, cerrors.Newf("an order table may hold at most %d orders, but %d were provided", MaxOrders, len(blockPages))
	}
	if blockPages[0] != 1 {
		return OrderTable{}, cerrors.Newf("the smallest order must be a single page, but it was %d pages", blockPages[0])
	}

	for i, pages := range blockPages {
		err := memutils.CheckPow2(pages, "order block size")
		if err != nil {
			return OrderTable{}, cerrors.Wrapf(err, "order %d", i)
		}

		if i > 0 && pages <= blockPages[i-1] {
			return OrderTable{}, cerrors.Newf("order %d has %d pages per block, which does not exceed order %d (%d pages)", i, pages, i-1, blockPages[i-1])
		}
	}

	table := OrderTable{blockPages: make([]uint64, len(blockPages))}
	copy(table.blockPages, blockPages)
	return table, nil
}

// DefaultOrderTable returns the order table used when none is configured. With 4KiB pages its
// blocks are 4KiB, 64KiB, 2MiB, 4MiB, 32MiB, 512MiB and 1GiB.
func DefaultOrderTable() OrderTable {
	table, err := NewOrderTable(1, 16, 512, 1024, 8192, 131072, 262144)
	if err != nil {
		panic(err)
	}
	return table
}

// IsZero returns true for the zero OrderTable, which holds no orders
func (t OrderTable) IsZero() bool { return len(t.blockPages) == 0 }

// Count returns the number of orders in the table
func (t OrderTable) Count() int { return len(t.blockPages) }

// BlockPages returns the number of pages in a block of the provided order
func (t OrderTable) BlockPages(order int) uint64 { return t.blockPages[order] }

// MaxBlockPages returns the number of pages in a block of the largest order
func (t OrderTable) MaxBlockPages() uint64 { return t.blockPages[len(t.blockPages)-1] }

// OrderFor returns the smallest order whose blocks hold at least pageCount pages. It returns false
// if pageCount exceeds the largest order.
func (t OrderTable) OrderFor(pageCount uint64) (int, bool) {
	for order, pages := range t.blockPages {
		if pageCount <= pages {
			return order, true
		}
	}

	return -1, false
}

// AlignedOrderFor returns the smallest order whose blocks hold at least pageCount pages and whose
// block starts are multiples of alignPages pages. Because blocks are aligned to their own size,
// this is the smallest order at least as large as both values. alignPages must be a power of two;
// zero is treated as one.
func (t OrderTable) AlignedOrderFor(pageCount uint64, alignPages uint64) (int, bool) {
	if alignPages == 0 {
		alignPages = 1
	}
	if memutils.CheckPow2(alignPages, "alignPages") != nil {
		return -1, false
	}

	target := pageCount
	if alignPages > target {
		target = alignPages
	}

	return t.OrderFor(target)
}

// FloorOrderFor returns the largest order whose blocks hold no more than pageCount pages. It returns
// false only when pageCount is zero.
func (t OrderTable) FloorOrderFor(pageCount uint64) (int, bool) {
	for order := len(t.blockPages) - 1; order >= 0; order-- {
		if t.blockPages[order] <= pageCount {
			return order, true
		}
	}

	return -1, false
}
