package region

import (
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/pageheap/memutils/pagelist"
	"golang.org/x/exp/slices"
)

// outstandingRange is a run of allocated pages that all belong to the same allocation
type outstandingRange struct {
	ID        uint64
	Address   uint64
	PageCount uint64
}

// allocationTracker records which allocation owns every allocated page frame. It is only created
// when CreateTrackAllocations is set.
type allocationTracker struct {
	pageShift uint
	nextID    uint64
	owners    *swiss.Map[uint64, uint64]
}

func newAllocationTracker(pageSize uint64) *allocationTracker {
	return &allocationTracker{
		pageShift: uint(bits.TrailingZeros64(pageSize)),
		nextID:    1,
		owners:    swiss.NewMap[uint64, uint64](64),
	}
}

// TrackList records every extent in pages as one allocation
func (t *allocationTracker) TrackList(pages *pagelist.List) {
	id := t.nextID
	t.nextID++

	_ = pages.Visit(func(extent pagelist.Extent) error {
		t.trackFrames(id, extent.Address, extent.PageCount)
		return nil
	})
}

// TrackRange records a single contiguous run as one allocation
func (t *allocationTracker) TrackRange(address, pageCount uint64) {
	id := t.nextID
	t.nextID++

	t.trackFrames(id, address, pageCount)
}

func (t *allocationTracker) trackFrames(id, address, pageCount uint64) {
	frame := address >> t.pageShift
	for i := uint64(0); i < pageCount; i++ {
		t.owners.Put(frame+i, id)
	}
}

// Release forgets pageCount pages starting at address. If any of those pages is not tracked, nothing
// is released and an error is returned.
func (t *allocationTracker) Release(address, pageCount uint64) error {
	frame := address >> t.pageShift
	for i := uint64(0); i < pageCount; i++ {
		if !t.owners.Has(frame + i) {
			return errors.Newf("page at %#x is not allocated", (frame+i)<<t.pageShift)
		}
	}

	for i := uint64(0); i < pageCount; i++ {
		t.owners.Delete(frame + i)
	}

	return nil
}

// IsTracked returns true if the page containing address is allocated
func (t *allocationTracker) IsTracked(address uint64) bool {
	return t.owners.Has(address >> t.pageShift)
}

// PageCount returns the number of pages currently tracked
func (t *allocationTracker) PageCount() int {
	return t.owners.Count()
}

// Outstanding returns every tracked page, coalesced into runs of adjacent pages with the same owner,
// in ascending address order
func (t *allocationTracker) Outstanding() []outstandingRange {
	frames := make([]uint64, 0, t.owners.Count())
	t.owners.Iter(func(frame uint64, _ uint64) bool {
		frames = append(frames, frame)
		return false
	})
	slices.Sort(frames)

	var ranges []outstandingRange
	for _, frame := range frames {
		id, _ := t.owners.Get(frame)

		if len(ranges) > 0 {
			last := &ranges[len(ranges)-1]
			if last.ID == id && (last.Address>>t.pageShift)+last.PageCount == frame {
				last.PageCount++
				continue
			}
		}

		ranges = append(ranges, outstandingRange{
			ID:        id,
			Address:   frame << t.pageShift,
			PageCount: 1,
		})
	}

	return ranges
}
