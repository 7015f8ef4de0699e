package comm

import (
	"fmt"
	"sync"
)

// NewLocalGroup creates n rank handles backed by one in-process rendezvous.
// Each handle must be driven from its own goroutine; collectives block until
// all n ranks arrive. Rank i of the returned slice reports Rank() == i.
func NewLocalGroup(n int) []Communicator {
	if n < 1 {
		panic(fmt.Sprintf("comm: group size must be >= 1, got %d", n))
	}
	g := &group{size: n}
	g.cond = sync.NewCond(&g.mu)
	ranks := make([]Communicator, n)
	for i := 0; i < n; i++ {
		ranks[i] = &localComm{group: g, rank: i}
	}
	return ranks
}

type localComm struct {
	group *group
	rank  int
}

func (c *localComm) Rank() int { return c.rank }
func (c *localComm) Size() int { return c.group.size }

func (c *localComm) AllGather(local int) ([]int, error) {
	vals, err := c.group.exchange("allgather-int", c.rank, local)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(vals))
	for i, v := range vals {
		out[i] = v.(int)
	}
	return out, nil
}

func (c *localComm) AllReduceSum(vals []float64) ([]float64, error) {
	// The vector length is part of the operation label so ranks reducing
	// different shapes are caught as a mismatch, not a panic.
	label := fmt.Sprintf("allreduce-sum:%d", len(vals))
	contrib := make([]float64, len(vals))
	copy(contrib, vals)

	all, err := c.group.exchange(label, c.rank, contrib)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(vals))
	for _, v := range all {
		for i, x := range v.([]float64) {
			out[i] += x
		}
	}
	return out, nil
}

// group is the shared rendezvous point. One collective round is open at a
// time; a round completes when all ranks have contributed.
type group struct {
	mu   sync.Mutex
	cond *sync.Cond
	size int

	round   int    // completed rounds
	label   string // operation label of the open round
	arrived int
	vals    []interface{} // contributions of the open round, by rank
	result  []interface{} // contributions of the last completed round
	err     error         // sticky: set once, fails everything after
}

// exchange contributes val to the current round under the given operation
// label and blocks until every rank has contributed, returning all
// contributions ordered by rank. A label disagreement within a round poisons
// the group.
func (g *group) exchange(label string, rank int, val interface{}) ([]interface{}, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.err != nil {
		return nil, g.err
	}

	round := g.round
	if g.arrived == 0 {
		g.label = label
		g.vals = make([]interface{}, g.size)
	} else if g.label != label {
		g.err = fmt.Errorf("%w: rank %d called %q while round %d is %q",
			ErrCollectiveMismatch, rank, label, round, g.label)
		g.cond.Broadcast()
		return nil, g.err
	}

	g.vals[rank] = val
	g.arrived++

	if g.arrived == g.size {
		g.result = g.vals
		g.round++
		g.arrived = 0
		g.cond.Broadcast()
		return g.result, nil
	}

	for g.round == round && g.err == nil {
		g.cond.Wait()
	}
	if g.err != nil {
		return nil, g.err
	}
	return g.result, nil
}
