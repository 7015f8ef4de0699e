package dense

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/ehariton/mphys/solver"
)

// Operator holds the assembled stiffness operator. It is empty until the
// engine's AssembleJacobian fills it, and stale after any design or node
// mutation until the next assemble.
type Operator struct {
	k *mat.SymDense
	n int
}

var _ solver.Matrix = (*Operator)(nil)

// NewOperator returns an unassembled operator handle for the engine.
func NewOperator() *Operator { return &Operator{} }

// Mult computes y = K*x with the last assembled operator.
func (op *Operator) Mult(x, y solver.Vector) error {
	if op.k == nil {
		return fmt.Errorf("%w: operator not assembled", solver.ErrConfiguration)
	}
	if x.Len() != op.n || y.Len() != op.n {
		return fmt.Errorf("%w: operator size %d, vectors %d and %d",
			solver.ErrConfiguration, op.n, x.Len(), y.Len())
	}
	xv := mat.NewVecDense(op.n, x.Array())
	yv := mat.NewVecDense(op.n, y.Array())
	yv.MulVec(op.k, xv)
	return nil
}

// Jacobi is the diagonal preconditioner over an assembled operator.
type Jacobi struct {
	op  *Operator
	inv []float64
}

var _ solver.Preconditioner = (*Jacobi)(nil)

// NewJacobi returns a preconditioner bound to op. Factor must run after
// every assemble before the preconditioner is applied.
func NewJacobi(op *Operator) *Jacobi { return &Jacobi{op: op} }

// Factor captures the inverse diagonal of the current operator.
func (p *Jacobi) Factor() error {
	if p.op.k == nil {
		return fmt.Errorf("%w: factor before assemble", solver.ErrConfiguration)
	}
	if p.inv == nil || len(p.inv) != p.op.n {
		p.inv = make([]float64, p.op.n)
	}
	for i := 0; i < p.op.n; i++ {
		d := p.op.k.At(i, i)
		if d <= 0 {
			return fmt.Errorf("%w: non-positive diagonal %g at row %d",
				solver.ErrConfiguration, d, i)
		}
		p.inv[i] = 1 / d
	}
	return nil
}

func (p *Jacobi) apply(r, z []float64) {
	for i, ri := range r {
		z[i] = p.inv[i] * ri
	}
}

// CG is a preconditioned conjugate-gradient solver over the assembled
// operator. The operator is symmetric positive definite by construction
// (constrained rows are identity), which is what CG requires.
type CG struct {
	op *Operator
	pc *Jacobi

	// Tol is the relative residual tolerance, default 1e-12.
	Tol float64
	// MaxIter bounds the iteration count, default 10x the system size.
	MaxIter int
}

var _ solver.LinearSolver = (*CG)(nil)

// NewCG returns a solver bound to an operator/preconditioner pair.
func NewCG(op *Operator, pc *Jacobi) *CG { return &CG{op: op, pc: pc} }

// Solve runs preconditioned CG for K*sol = rhs. A solve that fails to reach
// tolerance returns an error wrapping solver.ErrDiverged; sol then holds the
// last iterate, which callers must not treat as converged.
func (s *CG) Solve(rhs, sol solver.Vector) error {
	if s.op.k == nil {
		return fmt.Errorf("%w: solve before assemble", solver.ErrConfiguration)
	}
	if s.pc.inv == nil {
		return fmt.Errorf("%w: solve before factor", solver.ErrConfiguration)
	}
	n := s.op.n
	if rhs.Len() != n || sol.Len() != n {
		return fmt.Errorf("%w: system size %d, vectors %d and %d",
			solver.ErrConfiguration, n, rhs.Len(), sol.Len())
	}

	tol := s.Tol
	if tol == 0 {
		tol = 1e-12
	}
	maxIter := s.MaxIter
	if maxIter == 0 {
		maxIter = 10 * n
	}

	b := rhs.Array()
	x := sol.Array()
	for i := range x {
		x[i] = 0
	}

	bnorm := floats.Norm(b, 2)
	if bnorm == 0 {
		return nil
	}

	r := make([]float64, n)
	copy(r, b)
	z := make([]float64, n)
	s.pc.apply(r, z)
	p := make([]float64, n)
	copy(p, z)
	ap := make([]float64, n)

	rz := floats.Dot(r, z)
	rnorm := bnorm

	for iter := 0; iter < maxIter; iter++ {
		kv := mat.NewVecDense(n, ap)
		kv.MulVec(s.op.k, mat.NewVecDense(n, p))

		pap := floats.Dot(p, ap)
		if pap <= 0 {
			return fmt.Errorf("%w: indefinite operator detected at iteration %d",
				solver.ErrDiverged, iter)
		}
		alpha := rz / pap
		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, ap)

		rnorm = floats.Norm(r, 2)
		if rnorm/bnorm < tol {
			return nil
		}

		s.pc.apply(r, z)
		rzNext := floats.Dot(r, z)
		beta := rzNext / rz
		rz = rzNext
		for i := range p {
			p[i] = z[i] + beta*p[i]
		}
	}

	return fmt.Errorf("%w: %d iterations, relative residual %.3e (tolerance %.3e)",
		solver.ErrDiverged, maxIter, rnorm/bnorm, tol)
}
