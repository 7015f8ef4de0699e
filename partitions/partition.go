// Package partitions computes how a distributed global vector is split into
// per-rank contiguous index ranges. Ranks are ordered by rank id; the ranges
// are disjoint, contiguous, and cover [0, global size) exactly once.
package partitions

import (
	"fmt"

	"github.com/ehariton/mphys/comm"
	"github.com/ehariton/mphys/solver"
)

// Range is a half-open interval [Start, End) of global vector indices.
type Range struct {
	Start int
	End   int
}

// Len returns the number of indices in the range.
func (r Range) Len() int { return r.End - r.Start }

// Contains reports whether the global index i falls in the range.
func (r Range) Contains(i int) bool { return i >= r.Start && i < r.End }

// Layout describes the decomposition of one distributed vector across all
// ranks of a communicator. It is built once per distributed vector
// definition; the all-gather of local sizes is its only collective.
type Layout struct {
	// Sizes holds each rank's local extent, ordered by rank id.
	Sizes []int

	// Owned is the calling rank's index range into the global vector.
	Owned Range

	// GlobalSize is the sum of all local extents.
	GlobalSize int

	rank int
}

// NewLayout gathers the local extents of all ranks and computes the calling
// rank's contiguous range via a prefix sum: sizes of ranks < self give the
// start, sizes of ranks <= self the end. The size check happens before the
// collective so a malformed rank fails fast instead of deadlocking the rest
// of the group mid-gather.
func NewLayout(c comm.Communicator, localSize int) (*Layout, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: layout requires a communicator", solver.ErrConfiguration)
	}
	if localSize < 0 {
		return nil, fmt.Errorf("%w: negative local size %d on rank %d",
			solver.ErrConfiguration, localSize, c.Rank())
	}

	sizes, err := c.AllGather(localSize)
	if err != nil {
		return nil, fmt.Errorf("gathering local sizes: %w", err)
	}

	l := &Layout{Sizes: sizes, rank: c.Rank()}
	for r, s := range sizes {
		if s < 0 {
			return nil, fmt.Errorf("%w: rank %d reported negative size %d",
				solver.ErrConfiguration, r, s)
		}
		l.GlobalSize += s
	}
	l.Owned = l.RangeOf(l.rank)
	return l, nil
}

// RangeOf returns the index range owned by the given rank.
func (l *Layout) RangeOf(rank int) Range {
	start := 0
	for r := 0; r < rank; r++ {
		start += l.Sizes[r]
	}
	return Range{Start: start, End: start + l.Sizes[rank]}
}

// Rank returns the calling rank the layout was built for.
func (l *Layout) Rank() int { return l.rank }

// NumRanks returns the number of ranks in the decomposition.
func (l *Layout) NumRanks() int { return len(l.Sizes) }
