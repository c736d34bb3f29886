package blockorder

import (
	"fmt"
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

const (
	wordBits = 64
	// chunkWords is the number of bitmap words summarized by a single entry in slotBitmap.chunks
	chunkWords = 64
)

// slotBitmap is the free-set of a single order. Bit i is set while slot i is free. Per-chunk
// population counts let selectRank skip empty stretches of the bitmap without touching every word.
type slotBitmap struct {
	words  []uint64
	chunks []uint32
	slots  int
	count  int
}

func newSlotBitmap(slots int) slotBitmap {
	wordCount := (slots + wordBits - 1) / wordBits
	chunkCount := (wordCount + chunkWords - 1) / chunkWords

	return slotBitmap{
		words:  make([]uint64, wordCount),
		chunks: make([]uint32, chunkCount),
		slots:  slots,
	}
}

func (b *slotBitmap) Len() int   { return b.slots }
func (b *slotBitmap) Count() int { return b.count }

func (b *slotBitmap) IsSet(slot int) bool {
	return b.words[slot/wordBits]&(1<<(slot%wordBits)) != 0
}

func (b *slotBitmap) Set(slot int) {
	if slot < 0 || slot >= b.slots {
		panic(fmt.Sprintf("slot %d is outside of a bitmap holding %d slots", slot, b.slots))
	}

	word := slot / wordBits
	mask := uint64(1) << (slot % wordBits)
	if b.words[word]&mask != 0 {
		panic(fmt.Sprintf("slot %d is already free", slot))
	}

	b.words[word] |= mask
	b.chunks[word/chunkWords]++
	b.count++
}

func (b *slotBitmap) Clear(slot int) {
	if slot < 0 || slot >= b.slots {
		panic(fmt.Sprintf("slot %d is outside of a bitmap holding %d slots", slot, b.slots))
	}

	word := slot / wordBits
	mask := uint64(1) << (slot % wordBits)
	if b.words[word]&mask == 0 {
		panic(fmt.Sprintf("slot %d is not free", slot))
	}

	b.words[word] &^= mask
	b.chunks[word/chunkWords]--
	b.count--
}

// AllSet returns true if every slot in [first, first+count) is set
func (b *slotBitmap) AllSet(first, count int) bool {
	if first < 0 || first+count > b.slots {
		return false
	}

	for slot := first; slot < first+count; {
		word := slot / wordBits
		offset := slot % wordBits

		if offset == 0 && first+count-slot >= wordBits {
			if b.words[word] != ^uint64(0) {
				return false
			}
			slot += wordBits
			continue
		}

		if b.words[word]&(1<<offset) == 0 {
			return false
		}
		slot++
	}

	return true
}

// SelectRank returns the index of the rank-th set slot, counting from zero in ascending order
func (b *slotBitmap) SelectRank(rank int) int {
	if rank < 0 || rank >= b.count {
		panic(fmt.Sprintf("rank %d is outside of a free-set holding %d slots", rank, b.count))
	}

	for chunk, chunkCount := range b.chunks {
		if rank >= int(chunkCount) {
			rank -= int(chunkCount)
			continue
		}

		firstWord := chunk * chunkWords
		for word := firstWord; word < len(b.words); word++ {
			value := b.words[word]
			wordCount := bits.OnesCount64(value)
			if rank >= wordCount {
				rank -= wordCount
				continue
			}

			// Drop the lowest set bits until the one we want is the lowest
			for ; rank > 0; rank-- {
				value &= value - 1
			}
			return word*wordBits + bits.TrailingZeros64(value)
		}
	}

	panic("free-set chunk counts are in an invalid state")
}

// Visit calls fn for each set slot in ascending order, stopping early if fn returns false
func (b *slotBitmap) Visit(fn func(slot int) bool) {
	for word, value := range b.words {
		for value != 0 {
			slot := word*wordBits + bits.TrailingZeros64(value)
			if !fn(slot) {
				return
			}
			value &= value - 1
		}
	}
}

func (b *slotBitmap) validate() error {
	total := 0
	for chunk := range b.chunks {
		sum := 0
		end := (chunk + 1) * chunkWords
		if end > len(b.words) {
			end = len(b.words)
		}
		for word := chunk * chunkWords; word < end; word++ {
			sum += bits.OnesCount64(b.words[word])
		}

		if sum != int(b.chunks[chunk]) {
			return cerrors.Newf("chunk %d counts %d free slots but holds %d", chunk, b.chunks[chunk], sum)
		}
		total += sum
	}

	if total != b.count {
		return cerrors.Newf("free-set counts %d free slots but holds %d", b.count, total)
	}

	if tail := b.slots % wordBits; tail != 0 && len(b.words) > 0 {
		if b.words[len(b.words)-1]>>tail != 0 {
			return cerrors.Newf("free-set has bits set past its last slot %d", b.slots-1)
		}
	}

	return nil
}
