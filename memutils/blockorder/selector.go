package blockorder

import (
	"math/rand"
)

//go:generate mockgen -source selector.go -destination ./mocks/selector.go -package mocks

// Selector chooses which free block of an order AllocateBlock hands out. Select receives the number
// of free blocks in the order and returns the rank, in ascending address order, of the block to take.
// It must return a value in [0, freeCount).
type Selector interface {
	Select(freeCount int, backwards bool) int
}

// LowestFirst always hands out the free block with the lowest address
type LowestFirst struct{}

func (LowestFirst) Select(freeCount int, backwards bool) int { return 0 }

// HighestFirst always hands out the free block with the highest address
type HighestFirst struct{}

func (HighestFirst) Select(freeCount int, backwards bool) int { return freeCount - 1 }

// Directional hands out the lowest free block, or the highest when the caller asks for a backwards
// allocation
type Directional struct{}

func (Directional) Select(freeCount int, backwards bool) int {
	if backwards {
		return freeCount - 1
	}
	return 0
}

// RandomSelector hands out a uniformly chosen free block, making the addresses of allocations hard
// to predict. The backwards flag is ignored. RandomSelector is not safe for concurrent use.
type RandomSelector struct {
	rng *rand.Rand
}

var _ Selector = &RandomSelector{}

func NewRandomSelector(seed int64) *RandomSelector {
	return &RandomSelector{rng: rand.New(rand.NewSource(seed))}
}

func (s *RandomSelector) Select(freeCount int, backwards bool) int {
	return s.rng.Intn(freeCount)
}
