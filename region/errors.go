package region

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfMemory is returned when an allocation cannot be fully satisfied from the region's free
	// pages, including contiguous requests whose size or alignment no order can honor
	ErrOutOfMemory = errors.New("out of memory")

	// ErrInvalidRegion is returned from New when the region or its options cannot back an allocator
	ErrInvalidRegion = errors.New("invalid region")
)
