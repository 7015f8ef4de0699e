// Package dense is a rank-local linear-elastic reference engine implementing
// the solver contract. It models a chain of axial spring elements between
// consecutive nodes, with every state component of node 0 constrained. It
// exists so the adapter components can be exercised and finite-difference
// checked without an external structural engine, and doubles as the
// documentation-by-example of what an engine must provide.
package dense

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/ehariton/mphys/comm"
	"github.com/ehariton/mphys/solver"
)

// Options configures a reference engine. Zero values pick usable defaults
// where one exists.
type Options struct {
	NumNodes int // number of mesh nodes, >= 2
	NDOF     int // state components per node, >= 1

	Modulus float64 // Young's modulus E, default 1.0
	Density float64 // material density rho, default 1.0

	// Coords holds 3 coordinates per node. Default: nodes spaced unit
	// distance apart along the x axis.
	Coords []float64

	// Areas holds the initial design variable (section area) per element,
	// length NumNodes-1. Default: all 1.0.
	Areas []float64

	// Comm is used for the cross-rank sums the engine performs in its
	// design-variable sensitivity kernels. Default: comm.Self().
	Comm comm.Communicator
}

// Engine is the reference implementation of solver.Engine.
type Engine struct {
	comm comm.Communicator

	nn   int
	ndof int
	e    float64
	rho  float64

	dv     []float64 // area per element
	coords []float64 // 3 per node
	state  []float64 // ndof per node
}

var (
	_ solver.Engine         = (*Engine)(nil)
	_ solver.SnapshotWriter = (*Engine)(nil)
)

// New validates the options and builds the engine.
func New(opts Options) (*Engine, error) {
	if opts.NumNodes < 2 {
		return nil, fmt.Errorf("%w: need at least 2 nodes, got %d",
			solver.ErrConfiguration, opts.NumNodes)
	}
	if opts.NDOF < 1 {
		return nil, fmt.Errorf("%w: need at least 1 DOF per node, got %d",
			solver.ErrConfiguration, opts.NDOF)
	}
	if opts.Modulus == 0 {
		opts.Modulus = 1.0
	}
	if opts.Density == 0 {
		opts.Density = 1.0
	}
	if opts.Modulus < 0 || opts.Density < 0 {
		return nil, fmt.Errorf("%w: modulus and density must be positive",
			solver.ErrConfiguration)
	}
	if opts.Comm == nil {
		opts.Comm = comm.Self()
	}

	en := &Engine{
		comm:   opts.Comm,
		nn:     opts.NumNodes,
		ndof:   opts.NDOF,
		e:      opts.Modulus,
		rho:    opts.Density,
		dv:     make([]float64, opts.NumNodes-1),
		coords: make([]float64, 3*opts.NumNodes),
		state:  make([]float64, opts.NDOF*opts.NumNodes),
	}

	if opts.Coords != nil {
		if len(opts.Coords) != 3*opts.NumNodes {
			return nil, fmt.Errorf("%w: coords length %d, want %d",
				solver.ErrConfiguration, len(opts.Coords), 3*opts.NumNodes)
		}
		copy(en.coords, opts.Coords)
	} else {
		for i := 0; i < opts.NumNodes; i++ {
			en.coords[3*i] = float64(i)
		}
	}

	if opts.Areas != nil {
		if len(opts.Areas) != opts.NumNodes-1 {
			return nil, fmt.Errorf("%w: areas length %d, want %d",
				solver.ErrConfiguration, len(opts.Areas), opts.NumNodes-1)
		}
		copy(en.dv, opts.Areas)
	} else {
		for i := range en.dv {
			en.dv[i] = 1.0
		}
	}

	return en, nil
}

// vecBuf is the engine-native vector: a flat float64 buffer.
type vecBuf struct {
	data []float64
}

func (v *vecBuf) Array() []float64 { return v.data }
func (v *vecBuf) Len() int         { return len(v.data) }

func (v *vecBuf) Zero() {
	for i := range v.data {
		v.data[i] = 0
	}
}

func (en *Engine) CreateVec() solver.Vector {
	return &vecBuf{data: make([]float64, en.nn*en.ndof)}
}

func (en *Engine) CreateNodeVec() solver.Vector {
	return &vecBuf{data: make([]float64, 3*en.nn)}
}

func (en *Engine) GetNodes(x Vec) { copy(x.Array(), en.coords) }
func (en *Engine) SetNodes(x Vec) { copy(en.coords, x.Array()) }

func (en *Engine) NumDesignVars() int { return len(en.dv) }

func (en *Engine) SetDesignVars(dv []float64) { copy(en.dv, dv) }

func (en *Engine) SetVariables(u Vec) { copy(en.state, u.Array()) }

// ApplyBCs zeroes the constrained entries: all state components of node 0.
func (en *Engine) ApplyBCs(v Vec) {
	arr := v.Array()
	if len(arr) != en.nn*en.ndof {
		return // node vectors carry no boundary conditions
	}
	for d := 0; d < en.ndof; d++ {
		arr[d] = 0
	}
}

// Vec aliases the contract's vector type to keep signatures readable.
type Vec = solver.Vector

// elemLength returns the length of element i and the unit direction from
// node i to node i+1.
func (en *Engine) elemLength(i int) (length float64, dir [3]float64, err error) {
	var d [3]float64
	for c := 0; c < 3; c++ {
		d[c] = en.coords[3*(i+1)+c] - en.coords[3*i+c]
	}
	length = math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
	if length == 0 {
		return 0, d, fmt.Errorf("%w: zero-length element %d", solver.ErrConfiguration, i)
	}
	for c := 0; c < 3; c++ {
		d[c] /= length
	}
	return length, d, nil
}

// stiffness returns k = E*A/L for element i.
func (en *Engine) stiffness(i int) (float64, error) {
	l, _, err := en.elemLength(i)
	if err != nil {
		return 0, err
	}
	return en.e * en.dv[i] / l, nil
}

// AssembleJacobian assembles alpha*K at the current design and nodes into m
// and writes the internal-force residual K*u into res. The beta and gamma
// terms (damping, mass operators) are zero for the static model. Boundary
// conditions are built into the operator: constrained rows and columns are
// identity.
func (en *Engine) AssembleJacobian(alpha, beta, gamma float64, res Vec, m solver.Matrix) error {
	op, ok := m.(*Operator)
	if !ok {
		return fmt.Errorf("%w: foreign matrix handle %T", solver.ErrConfiguration, m)
	}

	n := en.nn * en.ndof
	k := mat.NewSymDense(n, nil)
	for i := 0; i < en.nn-1; i++ {
		ke, err := en.stiffness(i)
		if err != nil {
			return err
		}
		ke *= alpha
		for d := 0; d < en.ndof; d++ {
			a := en.ndof*i + d
			b := en.ndof*(i+1) + d
			k.SetSym(a, a, k.At(a, a)+ke)
			k.SetSym(b, b, k.At(b, b)+ke)
			k.SetSym(a, b, k.At(a, b)-ke)
		}
	}

	// Constrained rows/columns become identity so the factorized operator
	// stays symmetric positive definite.
	for d := 0; d < en.ndof; d++ {
		for j := 0; j < n; j++ {
			k.SetSym(d, j, 0)
		}
		k.SetSym(d, d, 1)
	}

	op.k = k
	op.n = n

	if res != nil {
		if err := op.Mult(&vecBuf{data: en.state}, res); err != nil {
			return err
		}
	}
	return nil
}

// AssembleRes evaluates the internal-force product K*u at the current
// design, nodes and state.
func (en *Engine) AssembleRes(res Vec) error {
	var op Operator
	return en.AssembleJacobian(1, 0, 0, res, &op)
}

// elemStretch returns u_b - u_a for element i, state component d.
func (en *Engine) elemStretch(i, d int) float64 {
	return en.state[en.ndof*(i+1)+d] - en.state[en.ndof*i+d]
}
