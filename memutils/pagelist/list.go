package pagelist

import (
	"github.com/pkg/errors"
)

// Extent is a single contiguous run of pages
type Extent struct {
	Address   uint64
	PageCount uint64
}

// End returns the first address past the extent
func (e Extent) End(pageSize uint64) uint64 {
	return e.Address + e.PageCount*pageSize
}

// List is an ordered sequence of page extents. Extents are kept in the order they were added, which
// is the order in which a region allocator granted them and the order in which they will be freed.
type List struct {
	pageSize uint64
	extents  []Extent
}

// New creates an empty List whose extents are measured in pages of pageSize bytes
func New(pageSize uint64) *List {
	return &List{pageSize: pageSize}
}

// PageSize returns the size in bytes of the pages in this list
func (l *List) PageSize() uint64 { return l.pageSize }

// AddRange appends pageCount pages starting at address. If the new range begins where the last
// extent ends, the last extent is extended instead of adding a new one.
func (l *List) AddRange(address, pageCount uint64) error {
	if pageCount == 0 {
		return errors.New("cannot add an empty range to a page list")
	}
	if l.pageSize == 0 || address%l.pageSize != 0 {
		return errors.Errorf("address %#x is not aligned to the page size %#x", address, l.pageSize)
	}

	if len(l.extents) > 0 {
		last := &l.extents[len(l.extents)-1]
		if last.End(l.pageSize) == address {
			last.PageCount += pageCount
			return nil
		}
	}

	l.extents = append(l.extents, Extent{Address: address, PageCount: pageCount})
	return nil
}

// Len returns the number of extents in the list
func (l *List) Len() int { return len(l.extents) }

// Extents returns a copy of the list's extents in insertion order
func (l *List) Extents() []Extent {
	extents := make([]Extent, len(l.extents))
	copy(extents, l.extents)
	return extents
}

// PagesCount returns the total number of pages across all extents
func (l *List) PagesCount() uint64 {
	var sum uint64
	for _, extent := range l.extents {
		sum += extent.PageCount
	}
	return sum
}

// Visit calls fn for each extent in insertion order, stopping at the first error
func (l *List) Visit(fn func(extent Extent) error) error {
	for _, extent := range l.extents {
		err := fn(extent)
		if err != nil {
			return err
		}
	}

	return nil
}

// IsEqual returns true if other holds the same extents in the same order
func (l *List) IsEqual(other *List) bool {
	if len(l.extents) != len(other.extents) {
		return false
	}

	for i := range l.extents {
		if l.extents[i] != other.extents[i] {
			return false
		}
	}

	return true
}
