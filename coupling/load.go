package coupling

import (
	"fmt"

	"github.com/ehariton/mphys/comm"
	"github.com/ehariton/mphys/partitions"
	"github.com/ehariton/mphys/solver"
)

// LoadLaw maps rank-local node coordinates (3 per node) to a rank-local
// load vector (ndof per node). The law is user supplied and must be pure.
type LoadLaw func(nodes []float64, ndof int) ([]float64, error)

// LoadConfig carries what the load prescription needs. Engine and Law are
// required; Comm defaults to a single-rank communicator.
type LoadConfig struct {
	Engine solver.Engine
	Comm   comm.Communicator
	Law    LoadLaw
}

// Load prescribes the structural load vector from node coordinates via the
// configured law. Its only state is the per-node DOF count derived once at
// construction.
type Load struct {
	law  LoadLaw
	ndof int

	nodeSize  int
	stateSize int

	nodeLayout *partitions.Layout
}

var _ Explicit = (*Load)(nil)

// NewLoad derives the DOF count from the engine's vector sizes and builds
// the node layout. Malformed size arithmetic fails before the collective.
func NewLoad(cfg LoadConfig) (*Load, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("%w: load prescription requires an engine", solver.ErrConfiguration)
	}
	if cfg.Law == nil {
		return nil, fmt.Errorf("%w: load prescription requires a load law", solver.ErrConfiguration)
	}
	if cfg.Comm == nil {
		cfg.Comm = comm.Self()
	}

	l := &Load{
		law:       cfg.Law,
		nodeSize:  cfg.Engine.CreateNodeVec().Len(),
		stateSize: cfg.Engine.CreateVec().Len(),
	}

	ndof, err := deriveNDOF(l.stateSize, l.nodeSize)
	if err != nil {
		return nil, err
	}
	l.ndof = ndof

	if l.nodeLayout, err = partitions.NewLayout(cfg.Comm, l.nodeSize); err != nil {
		return nil, err
	}
	return l, nil
}

// NDOF returns the per-node state count derived at construction.
func (l *Load) NDOF() int { return l.ndof }

func (l *Load) Inputs() []Port {
	return []Port{
		{Name: "x_s0", Size: l.nodeSize, Distributed: true, Owned: l.nodeLayout.Owned},
	}
}

func (l *Load) Outputs() []Port {
	return []Port{
		{Name: "f_s", Size: l.stateSize, Distributed: true},
	}
}

// Compute applies the load law to the node coordinates.
func (l *Load) Compute(inputs, outputs Variables) error {
	x, err := need(inputs, "x_s0", l.nodeSize)
	if err != nil {
		return err
	}
	out, err := need(outputs, "f_s", l.stateSize)
	if err != nil {
		return err
	}

	f, err := l.law(x, l.ndof)
	if err != nil {
		return fmt.Errorf("load law: %w", err)
	}
	if len(f) != l.stateSize {
		return fmt.Errorf("%w: load law returned %d values, want %d",
			solver.ErrConfiguration, len(f), l.stateSize)
	}
	copy(out, f)
	return nil
}

// ComputeJacVec is declared for the framework contract; load-law derivative
// propagation is not implemented in either direction.
func (l *Load) ComputeJacVec(inputs, dInputs, dOutputs Variables, mode Mode) error {
	return fmt.Errorf("%w: load-law sensitivity", solver.ErrNotSupported)
}
