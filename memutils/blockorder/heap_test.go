package blockorder_test

import (
	"encoding/json"
	"testing"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/pageheap/memutils"
	"github.com/vkngwrapper/pageheap/memutils/blockorder"
	"github.com/vkngwrapper/pageheap/memutils/blockorder/mocks"
	"go.uber.org/mock/gomock"
)

const pageSize uint64 = 0x1000

type freeBlock struct {
	Order   int
	Address uint64
	Pages   uint64
}

func newTestHeap(t *testing.T, address uint64, pages uint64, selector blockorder.Selector) *blockorder.Heap {
	orders, err := blockorder.NewOrderTable(1, 4, 16)
	require.NoError(t, err)

	heap := blockorder.NewHeap(pageSize, orders, selector)
	require.NoError(t, heap.Init(address, pages*pageSize))
	require.NoError(t, heap.Validate())
	return heap
}

func freeBlocks(t *testing.T, heap *blockorder.Heap) []freeBlock {
	var blocks []freeBlock
	err := heap.VisitFreeBlocks(func(order int, address uint64, pages uint64) error {
		blocks = append(blocks, freeBlock{Order: order, Address: address, Pages: pages})
		return nil
	})
	require.NoError(t, err)
	return blocks
}

func TestHeapInitRejectsBadRegions(t *testing.T) {
	heap := blockorder.NewHeap(pageSize, blockorder.OrderTable{}, nil)
	err := heap.Init(0x1010, 4*pageSize)
	require.True(t, cerrors.Is(err, memutils.AlignmentError))

	err = heap.Init(0x1000, 0x1800)
	require.True(t, cerrors.Is(err, memutils.AlignmentError))

	err = heap.Init(0x1000, 0)
	require.Error(t, err)

	err = heap.Init(^uint64(0)-0xfff, 2*pageSize)
	require.Error(t, err)

	heap = blockorder.NewHeap(3000, blockorder.OrderTable{}, nil)
	err = heap.Init(0, 4*3000)
	require.True(t, cerrors.Is(err, memutils.PowerOfTwoError))
}

func TestHeapDefaults(t *testing.T) {
	heap := blockorder.NewHeap(pageSize, blockorder.OrderTable{}, nil)
	require.NoError(t, heap.Init(0, 1024*pageSize))

	require.Equal(t, 7, heap.OrderCount())
	require.Equal(t, uint64(1024), heap.TotalPages())
	require.Equal(t, uint64(1024), heap.FreePagesCount())
	require.Equal(t, 1, heap.FreeBlockCount(3))

	address, ok := heap.AllocateBlock(2, true)
	require.True(t, ok)
	require.Equal(t, 512*pageSize, address)
	require.Equal(t, 1, heap.FreeBlockCount(2))
}

func TestHeapInitialPartition(t *testing.T) {
	heap := newTestHeap(t, 0x1000, 13, nil)

	require.Equal(t, uint64(0x1000), heap.Address())
	require.Equal(t, 13*pageSize, heap.Size())
	require.Equal(t, uint64(13), heap.TotalPages())
	require.Equal(t, uint64(13), heap.FreePagesCount())

	require.Equal(t, 5, heap.FreeBlockCount(0))
	require.Equal(t, 2, heap.FreeBlockCount(1))
	require.Equal(t, 0, heap.FreeBlockCount(2))

	require.Equal(t, []freeBlock{
		{Order: 0, Address: 0x1000, Pages: 1},
		{Order: 0, Address: 0x2000, Pages: 1},
		{Order: 0, Address: 0x3000, Pages: 1},
		{Order: 0, Address: 0xc000, Pages: 1},
		{Order: 0, Address: 0xd000, Pages: 1},
		{Order: 1, Address: 0x4000, Pages: 4},
		{Order: 1, Address: 0x8000, Pages: 4},
	}, freeBlocks(t, heap))

	require.False(t, heap.IsFree(0))
	require.True(t, heap.IsFree(0x5000))
	require.False(t, heap.IsFree(0xe000))
}

func TestHeapSelectors(t *testing.T) {
	heap := newTestHeap(t, 0x1000, 13, blockorder.LowestFirst{})
	address, ok := heap.AllocateBlock(0, true)
	require.True(t, ok)
	require.Equal(t, uint64(0x1000), address)

	heap = newTestHeap(t, 0x1000, 13, blockorder.HighestFirst{})
	address, ok = heap.AllocateBlock(0, false)
	require.True(t, ok)
	require.Equal(t, uint64(0xd000), address)

	heap = newTestHeap(t, 0x1000, 13, blockorder.Directional{})
	address, ok = heap.AllocateBlock(1, false)
	require.True(t, ok)
	require.Equal(t, uint64(0x4000), address)
	address, ok = heap.AllocateBlock(1, true)
	require.True(t, ok)
	require.Equal(t, uint64(0x8000), address)
	require.Equal(t, uint64(5), heap.FreePagesCount())
	require.NoError(t, heap.Validate())
}

func TestHeapMockSelector(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	selector := mocks.NewMockSelector(ctrl)
	heap := newTestHeap(t, 0, 32, selector)

	selector.EXPECT().Select(2, false).Return(1)
	address, ok := heap.AllocateBlock(2, false)
	require.True(t, ok)
	require.Equal(t, uint64(0x10000), address)

	selector.EXPECT().Select(1, true).Return(5)
	require.Panics(t, func() {
		heap.AllocateBlock(2, true)
	})
}

func TestHeapAllocateSplitsLargerOrders(t *testing.T) {
	heap := newTestHeap(t, 0, 16, blockorder.Directional{})
	require.Equal(t, 1, heap.FreeBlockCount(2))

	address, ok := heap.AllocateBlock(0, false)
	require.True(t, ok)
	require.Equal(t, uint64(0), address)
	require.Equal(t, uint64(15), heap.FreePagesCount())
	require.Equal(t, 3, heap.FreeBlockCount(0))
	require.Equal(t, 3, heap.FreeBlockCount(1))
	require.Equal(t, 0, heap.FreeBlockCount(2))
	require.NoError(t, heap.Validate())

	heap = newTestHeap(t, 0, 16, blockorder.Directional{})
	address, ok = heap.AllocateBlock(0, true)
	require.True(t, ok)
	require.Equal(t, uint64(0xf000), address)
	require.Equal(t, []freeBlock{
		{Order: 0, Address: 0xc000, Pages: 1},
		{Order: 0, Address: 0xd000, Pages: 1},
		{Order: 0, Address: 0xe000, Pages: 1},
		{Order: 1, Address: 0x0, Pages: 4},
		{Order: 1, Address: 0x4000, Pages: 4},
		{Order: 1, Address: 0x8000, Pages: 4},
	}, freeBlocks(t, heap))
	require.NoError(t, heap.Validate())
}

func TestHeapAllocateExhausted(t *testing.T) {
	heap := newTestHeap(t, 0, 16, nil)

	address, ok := heap.AllocateBlock(2, false)
	require.True(t, ok)
	require.Equal(t, uint64(0), address)
	require.Equal(t, uint64(0), heap.FreePagesCount())

	_, ok = heap.AllocateBlock(0, false)
	require.False(t, ok)
	_, ok = heap.AllocateBlock(3, false)
	require.False(t, ok)
	_, ok = heap.AllocateBlock(-1, false)
	require.False(t, ok)
}

func TestHeapFreeDecomposesGreedily(t *testing.T) {
	heap := newTestHeap(t, 0, 32, nil)
	_, ok := heap.AllocateBlock(2, false)
	require.True(t, ok)
	_, ok = heap.AllocateBlock(2, false)
	require.True(t, ok)
	require.Equal(t, uint64(0), heap.FreePagesCount())

	heap.Free(0x4000, 9)
	require.Equal(t, uint64(9), heap.FreePagesCount())
	require.Equal(t, []freeBlock{
		{Order: 0, Address: 0xc000, Pages: 1},
		{Order: 1, Address: 0x4000, Pages: 4},
		{Order: 1, Address: 0x8000, Pages: 4},
	}, freeBlocks(t, heap))

	heap.Free(0x10000, 16)
	require.Equal(t, 1, heap.FreeBlockCount(2))
	require.NoError(t, heap.Validate())

	heap.Free(0, 0)
	require.Equal(t, uint64(25), heap.FreePagesCount())

	require.Panics(t, func() { heap.Free(0x20000, 1) })
	require.Panics(t, func() { heap.Free(0x1f000, 2) })
	require.Panics(t, func() { heap.Free(0x1800, 1) })
	require.Panics(t, func() { heap.Free(0xc000, 1) })
}

func TestHeapCompact(t *testing.T) {
	heap := newTestHeap(t, 0, 16, blockorder.LowestFirst{})
	address, ok := heap.AllocateBlock(0, false)
	require.True(t, ok)

	// Without compaction the region stays fragmented
	heap.Free(address, 1)
	require.Equal(t, 4, heap.FreeBlockCount(0))
	require.Equal(t, 3, heap.FreeBlockCount(1))
	_, ok = heap.AllocateBlock(2, false)
	require.False(t, ok)

	require.Equal(t, 2, heap.Compact())
	require.Equal(t, []freeBlock{
		{Order: 2, Address: 0, Pages: 16},
	}, freeBlocks(t, heap))
	require.Equal(t, uint64(16), heap.FreePagesCount())
	require.NoError(t, heap.Validate())

	require.Equal(t, 0, heap.Compact())
}

func TestHeapCompactStaysInsideRegion(t *testing.T) {
	heap := newTestHeap(t, 0x1000, 13, nil)
	require.Equal(t, 0, heap.Compact())
	require.Equal(t, 5, heap.FreeBlockCount(0))
	require.NoError(t, heap.Validate())
}

func TestHeapStatistics(t *testing.T) {
	heap := newTestHeap(t, 0x1000, 13, nil)
	_, ok := heap.AllocateBlock(1, false)
	require.True(t, ok)

	var stats memutils.Statistics
	heap.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{
		RegionCount:    1,
		FreeBlockCount: 6,
		RegionPages:    13,
		AllocatedPages: 4,
	}, stats)

	var detailed memutils.DetailedStatistics
	detailed.Clear()
	heap.AddDetailedStatistics(&detailed)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics:        stats,
		FreeBlockPagesMin: 1,
		FreeBlockPagesMax: 4,
		LargestFreeOrder:  1,
	}, detailed)
}

func TestHeapJsonData(t *testing.T) {
	heap := newTestHeap(t, 0x1000, 13, nil)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	heap.BlockJsonData(&obj)
	heap.FreeBlocksJsonData(&obj)
	obj.End()
	require.NoError(t, writer.Error())

	var parsed struct {
		Address    string
		PageSize   int
		TotalPages int
		FreePages  int
		Orders     []struct {
			BlockPages int
			FreeBlocks int
		}
		FreeBlocks []struct {
			Order   int
			Address string
			Pages   int
		}
	}
	require.NoError(t, json.Unmarshal(writer.Bytes(), &parsed))

	require.Equal(t, "0x1000", parsed.Address)
	require.Equal(t, 4096, parsed.PageSize)
	require.Equal(t, 13, parsed.TotalPages)
	require.Equal(t, 13, parsed.FreePages)
	require.Len(t, parsed.Orders, 3)
	require.Equal(t, 16, parsed.Orders[2].BlockPages)
	require.Equal(t, 5, parsed.Orders[0].FreeBlocks)
	require.Len(t, parsed.FreeBlocks, 7)
	require.Equal(t, "0x8000", parsed.FreeBlocks[6].Address)
}
