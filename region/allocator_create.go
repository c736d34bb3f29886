package region

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/pageheap/memutils"
	"github.com/vkngwrapper/pageheap/memutils/blockorder"
	"github.com/vkngwrapper/pageheap/region/internal/utils"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateExternallySynchronized ensures that this allocator will not be synchronized internally.
	// The consumer must guarantee it is used from only one goroutine at a time or is synchronized by
	// some other mechanism.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateTrackAllocations records the owner of every allocated page. Frees of pages that are not
	// allocated are logged and ignored, and Destroy reports every unreleased range. Tracking costs
	// a map entry per allocated page and should generally be used for diagnostics only.
	CreateTrackAllocations
	// CreateCompactOnExhaustion causes AllocatePagesContiguous to run Compact and retry once when no
	// block of the required order is free.
	CreateCompactOnExhaustion
)

var createFlagsMapping = map[CreateFlags]string{
	CreateExternallySynchronized: "CreateExternallySynchronized",
	CreateTrackAllocations:       "CreateTrackAllocations",
	CreateCompactOnExhaustion:    "CreateCompactOnExhaustion",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for bit := CreateFlags(1); bit != 0 && bit <= f; bit <<= 1 {
		if f&bit == 0 {
			continue
		}

		name, ok := createFlagsMapping[bit]
		if !ok {
			name = "Unknown"
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

// SelectionStrategy chooses which free block of an order is handed out when several are available
type SelectionStrategy uint32

const (
	// SelectionRandom picks a random free block, making allocation addresses hard to predict. The
	// backwards argument of allocation methods is ignored. This is the default.
	SelectionRandom SelectionStrategy = iota
	// SelectionDirectional picks the lowest free block, or the highest for backwards allocations
	SelectionDirectional
	// SelectionLowestFirst always picks the lowest free block
	SelectionLowestFirst
	// SelectionHighestFirst always picks the highest free block
	SelectionHighestFirst
)

var selectionStrategyMapping = map[SelectionStrategy]string{
	SelectionRandom:       "SelectionRandom",
	SelectionDirectional:  "SelectionDirectional",
	SelectionLowestFirst:  "SelectionLowestFirst",
	SelectionHighestFirst: "SelectionHighestFirst",
}

func (s SelectionStrategy) String() string {
	str, ok := selectionStrategyMapping[s]
	if !ok {
		return "unknown SelectionStrategy"
	}

	return str
}

func (s SelectionStrategy) selector(seed int64) (blockorder.Selector, error) {
	switch s {
	case SelectionRandom:
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		return blockorder.NewRandomSelector(seed), nil
	case SelectionDirectional:
		return blockorder.Directional{}, nil
	case SelectionLowestFirst:
		return blockorder.LowestFirst{}, nil
	case SelectionHighestFirst:
		return blockorder.HighestFirst{}, nil
	}

	return nil, errors.Newf("unknown selection strategy: %s", s)
}

const (
	// DefaultPageSize is the page size used when none is provided via CreateOptions
	DefaultPageSize uint64 = 4096
)

// CreateOptions contains optional settings when creating an allocator. It is valid to leave all the
// fields blank.
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// PageSize is the size in bytes of a single page. It must be a power of two. Defaults to
	// DefaultPageSize.
	PageSize uint64
	// Orders is the set of block sizes the allocator tracks. Defaults to blockorder.DefaultOrderTable.
	Orders blockorder.OrderTable

	// Selection picks one of the built-in block selection strategies
	Selection SelectionStrategy
	// Selector, if provided, overrides Selection
	Selector blockorder.Selector
	// RandomSeed seeds SelectionRandom. When zero, the current time is used.
	RandomSeed int64
}

// New creates a new Allocator that owns the region [address, address+size) and marks all of it free.
//
// logger - The logger to write diagnostics to. slog.Default() is used if nil.
//
// address, size - The region, in bytes. Both must be multiples of the page size.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, address, size uint64, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pageSize := options.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	err := memutils.CheckPow2(pageSize, "PageSize")
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidRegion)
	}

	selector := options.Selector
	if selector == nil {
		selector, err = options.Selection.selector(options.RandomSeed)
		if err != nil {
			return nil, errors.Mark(err, ErrInvalidRegion)
		}
	}

	heap := blockorder.NewHeap(pageSize, options.Orders, selector)
	err = heap.Init(address, size)
	if err != nil {
		wrapped := errors.Wrapf(err, "could not create a page heap for [%#x, %#x)", address, address+size)
		return nil, errors.Mark(wrapped, ErrInvalidRegion)
	}

	allocator := &Allocator{
		logger: logger,
		flags:  options.Flags,
		heap:   heap,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&CreateExternallySynchronized == 0,
		},
	}

	if options.Flags&CreateTrackAllocations != 0 {
		allocator.tracker = newAllocationTracker(pageSize)
	}

	logger.Debug("Allocator::New",
		slog.String("address", formatAddress(address)),
		slog.Uint64("pages", heap.TotalPages()),
		slog.String("flags", options.Flags.String()),
	)

	return allocator, nil
}
