package pagelist_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/pageheap/memutils/pagelist"
)

func TestAddRangeMergesAdjacentExtents(t *testing.T) {
	list := pagelist.New(0x1000)
	require.Equal(t, uint64(0x1000), list.PageSize())

	require.NoError(t, list.AddRange(0x4000, 4))
	require.NoError(t, list.AddRange(0x8000, 2))
	require.NoError(t, list.AddRange(0x1000, 1))

	require.Equal(t, []pagelist.Extent{
		{Address: 0x4000, PageCount: 6},
		{Address: 0x1000, PageCount: 1},
	}, list.Extents())
	require.Equal(t, 2, list.Len())
	require.Equal(t, uint64(7), list.PagesCount())
	require.Equal(t, uint64(0xa000), list.Extents()[0].End(list.PageSize()))
}

func TestAddRangeRejectsBadRanges(t *testing.T) {
	list := pagelist.New(0x1000)

	require.Error(t, list.AddRange(0x1000, 0))
	require.Error(t, list.AddRange(0x1800, 1))
	require.Equal(t, 0, list.Len())
	require.Equal(t, uint64(0), list.PagesCount())
}

func TestExtentsReturnsCopy(t *testing.T) {
	list := pagelist.New(0x1000)
	require.NoError(t, list.AddRange(0, 3))

	extents := list.Extents()
	extents[0].PageCount = 100

	require.Equal(t, uint64(3), list.PagesCount())
}

func TestVisit(t *testing.T) {
	list := pagelist.New(0x1000)
	require.NoError(t, list.AddRange(0x10000, 16))
	require.NoError(t, list.AddRange(0x2000, 1))
	require.NoError(t, list.AddRange(0x5000, 2))

	var visited []uint64
	err := list.Visit(func(extent pagelist.Extent) error {
		visited = append(visited, extent.Address)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{0x10000, 0x2000, 0x5000}, visited)

	visited = nil
	err = list.Visit(func(extent pagelist.Extent) error {
		visited = append(visited, extent.Address)
		if extent.PageCount == 1 {
			return errStop
		}
		return nil
	})
	require.ErrorIs(t, err, errStop)
	require.Equal(t, []uint64{0x10000, 0x2000}, visited)
}

func TestIsEqual(t *testing.T) {
	left := pagelist.New(0x1000)
	right := pagelist.New(0x1000)
	require.True(t, left.IsEqual(right))

	require.NoError(t, left.AddRange(0x1000, 2))
	require.False(t, left.IsEqual(right))

	require.NoError(t, right.AddRange(0x1000, 1))
	require.NoError(t, right.AddRange(0x2000, 1))
	require.True(t, left.IsEqual(right))

	require.NoError(t, right.AddRange(0x8000, 1))
	require.NoError(t, left.AddRange(0x9000, 1))
	require.False(t, left.IsEqual(right))
}

var errStop = errors.New("stop")
