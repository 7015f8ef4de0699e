// Package comm provides the collective operations the adapter needs across
// distributed-memory ranks: rank identity, all-gather of sizes, and sum
// reductions. The surface is deliberately small so a real MPI binding can
// satisfy it; Self covers single-process runs and NewLocalGroup provides an
// in-process group for exercising multi-rank behavior.
//
// Every collective is blocking: all ranks of a communicator must reach the
// same collective in the same order or the group deadlocks. The local group
// turns a detected desynchronization into ErrCollectiveMismatch on every
// participant instead of hanging.
package comm

import "errors"

// ErrCollectiveMismatch indicates ranks arrived at different collective
// operations in the same round. The condition is fatal for the whole group:
// once raised, every subsequent collective on the group fails.
var ErrCollectiveMismatch = errors.New("comm: ranks desynchronized on collective operation")

// Communicator is the set of collective operations used by the adapter.
type Communicator interface {
	Rank() int
	Size() int

	// AllGather exchanges one integer per rank and returns the values of
	// all ranks ordered by rank id. Blocking and collective.
	AllGather(local int) ([]int, error)

	// AllReduceSum sums vals elementwise across all ranks and returns the
	// result on every rank. Blocking and collective.
	AllReduceSum(vals []float64) ([]float64, error)
}

// Self returns the communicator of a single-process run: rank 0 of 1,
// collectives complete immediately.
func Self() Communicator { return selfComm{} }

type selfComm struct{}

func (selfComm) Rank() int { return 0 }
func (selfComm) Size() int { return 1 }

func (selfComm) AllGather(local int) ([]int, error) {
	return []int{local}, nil
}

func (selfComm) AllReduceSum(vals []float64) ([]float64, error) {
	out := make([]float64, len(vals))
	copy(out, vals)
	return out, nil
}
