package blockorder

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlotBitmapSetClear(t *testing.T) {
	bitmap := newSlotBitmap(100)
	require.Equal(t, 100, bitmap.Len())
	require.Equal(t, 0, bitmap.Count())

	bitmap.Set(0)
	bitmap.Set(63)
	bitmap.Set(64)
	bitmap.Set(99)
	require.Equal(t, 4, bitmap.Count())
	require.True(t, bitmap.IsSet(63))
	require.False(t, bitmap.IsSet(62))

	require.Panics(t, func() { bitmap.Set(64) })
	require.Panics(t, func() { bitmap.Set(100) })
	require.Panics(t, func() { bitmap.Clear(1) })

	bitmap.Clear(63)
	require.Equal(t, 3, bitmap.Count())
	require.False(t, bitmap.IsSet(63))
	require.NoError(t, bitmap.validate())
}

func TestSlotBitmapSelectRank(t *testing.T) {
	// Spans several chunks so that chunk counts are used to skip ahead
	bitmap := newSlotBitmap(20000)
	set := []int{5, 4100, 4101, 8191, 8192, 19999}
	for _, slot := range set {
		bitmap.Set(slot)
	}

	for rank, slot := range set {
		require.Equal(t, slot, bitmap.SelectRank(rank))
	}

	require.Panics(t, func() { bitmap.SelectRank(len(set)) })
	require.Panics(t, func() { bitmap.SelectRank(-1) })

	var visited []int
	bitmap.Visit(func(slot int) bool {
		visited = append(visited, slot)
		return true
	})
	require.Equal(t, set, visited)

	visited = nil
	bitmap.Visit(func(slot int) bool {
		visited = append(visited, slot)
		return len(visited) < 2
	})
	require.Equal(t, []int{5, 4100}, visited)

	require.NoError(t, bitmap.validate())
}

func TestSlotBitmapAllSet(t *testing.T) {
	bitmap := newSlotBitmap(300)
	for slot := 60; slot < 200; slot++ {
		bitmap.Set(slot)
	}

	require.True(t, bitmap.AllSet(60, 140))
	require.True(t, bitmap.AllSet(64, 128))
	require.True(t, bitmap.AllSet(100, 1))
	require.False(t, bitmap.AllSet(59, 4))
	require.False(t, bitmap.AllSet(190, 16))
	require.False(t, bitmap.AllSet(290, 16))
}

func TestSlotBitmapValidateDetectsBadCounts(t *testing.T) {
	bitmap := newSlotBitmap(10)
	bitmap.Set(3)

	bitmap.count = 2
	require.Error(t, bitmap.validate())

	bitmap.count = 1
	bitmap.chunks[0] = 0
	require.Error(t, bitmap.validate())

	bitmap.chunks[0] = 1
	bitmap.words[0] |= 1 << 20
	bitmap.chunks[0] = 2
	bitmap.count = 2
	require.Error(t, bitmap.validate())
}
