// Package coupling contains the adapter components that let an opaque
// structural engine participate as a stage in a differentiable
// multidisciplinary pipeline: a mesh source, an implicit steady analysis, a
// scalar-function evaluator, and a prescribed-load map. Each component
// declares a fixed set of named ports, copies plain arrays across the engine
// boundary, and forwards residual, solve, and sensitivity requests to the
// engine. Chain-rule composition across components is the job of the
// composing framework, not of this package: reverse-mode entry points only
// accumulate into the seed arrays they are handed.
package coupling

import (
	"fmt"

	"github.com/ehariton/mphys/partitions"
	"github.com/ehariton/mphys/solver"
)

// Variables maps port names to flat value or seed arrays crossing the
// component boundary.
type Variables map[string][]float64

// Has reports whether the named variable is present.
func (v Variables) Has(name string) bool {
	_, ok := v[name]
	return ok
}

// Mode selects the direction of derivative propagation.
type Mode int

const (
	// Forward propagates input perturbations to outputs. Declared but not
	// implemented by the components here; requesting it fails with
	// solver.ErrNotSupported, never with a silent wrong answer.
	Forward Mode = iota
	// Reverse propagates output seeds back to inputs (adjoint).
	Reverse
)

func (m Mode) String() string {
	switch m {
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Port declares one named input or output of a component. The port list of
// every component is fixed at construction; there is no dynamic port
// introspection.
type Port struct {
	Name string
	// Size is the rank-local extent of the variable.
	Size int
	// Distributed marks variables partitioned across ranks; Owned then
	// gives this rank's index range into the global vector.
	Distributed bool
	Owned       partitions.Range
}

// Component is the surface every adapter component exposes to the composing
// framework.
type Component interface {
	Inputs() []Port
	Outputs() []Port
}

// Explicit is a component whose outputs are a pure function of its inputs.
type Explicit interface {
	Component
	Compute(inputs, outputs Variables) error
	// ComputeJacVec propagates seeds across the component: in Reverse mode
	// output seeds in dOutputs are accumulated into input seeds in dInputs.
	ComputeJacVec(inputs, dInputs, dOutputs Variables, mode Mode) error
}

// Implicit is a component whose output is defined by a residual contract
// R(inputs, output) = 0.
type Implicit interface {
	Component
	ApplyNonlinear(inputs, outputs, residuals Variables) error
	SolveNonlinear(inputs, outputs Variables) error
	SolveLinear(dOutputs, dResiduals Variables, mode Mode) error
	ApplyLinear(inputs, outputs, dInputs, dOutputs, dResiduals Variables, mode Mode) error
}

// need fetches a required variable and checks its rank-local extent.
func need(vars Variables, name string, size int) ([]float64, error) {
	arr, ok := vars[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing variable %q", solver.ErrConfiguration, name)
	}
	if len(arr) != size {
		return nil, fmt.Errorf("%w: variable %q has length %d, want %d",
			solver.ErrConfiguration, name, len(arr), size)
	}
	return arr, nil
}

// deriveNDOF computes the per-node state count from vector-size arithmetic:
// stateSize / (nodeSize / 3). Both divisions must be exact.
func deriveNDOF(stateSize, nodeSize int) (int, error) {
	if nodeSize <= 0 || nodeSize%3 != 0 {
		return 0, fmt.Errorf("%w: node vector size %d is not a positive multiple of 3",
			solver.ErrConfiguration, nodeSize)
	}
	numNodes := nodeSize / 3
	if stateSize <= 0 || stateSize%numNodes != 0 {
		return 0, fmt.Errorf("%w: state size %d is not divisible by node count %d",
			solver.ErrConfiguration, stateSize, numNodes)
	}
	return stateSize / numNodes, nil
}
