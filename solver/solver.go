// Package solver defines the contract between the adapter components and the
// structural/aerodynamic engine. The engine owns the hard numerics (element
// assembly, factorization, iterative solves, sensitivity kernels) and is
// reached only through the interfaces here, so it can be swapped for another
// engine or for the rank-local reference engine in solver/dense.
package solver

// Vector is a handle to an engine-native buffer. Array aliases the native
// storage, so writes through the returned slice are visible to the engine.
type Vector interface {
	Array() []float64
	Len() int
	Zero()
}

// Matrix is a handle to the engine's assembled operator. The operator is
// valid between an AssembleJacobian call and the next design or node
// mutation.
type Matrix interface {
	// Mult computes y = A*x using the last assembled operator.
	Mult(x, y Vector) error
}

// Preconditioner factors the assembled operator for reuse across repeated
// linear solves.
type Preconditioner interface {
	Factor() error
}

// LinearSolver solves the assembled system against a right-hand side.
// Implementations return an error wrapping ErrDiverged when the requested
// tolerance is not reached.
type LinearSolver interface {
	Solve(rhs, sol Vector) error
}

// Engine is the opaque solver boundary. Vector sizes are fixed at engine
// construction; every call operates on flat engine-native buffers.
type Engine interface {
	// CreateVec allocates a state-sized vector (rank-local partition).
	CreateVec() Vector
	// CreateNodeVec allocates a node-coordinate vector, 3 values per node.
	CreateNodeVec() Vector

	GetNodes(x Vector)
	SetNodes(x Vector)

	NumDesignVars() int
	SetDesignVars(dv []float64)

	// AssembleJacobian assembles alpha*K + beta*C + gamma*M at the current
	// design and nodes, writing the residual into res and the operator into m.
	AssembleJacobian(alpha, beta, gamma float64, res Vector, m Matrix) error

	// AssembleRes evaluates the internal-force product K*u at the variables
	// last set by SetVariables.
	AssembleRes(res Vector) error

	// ApplyBCs zeroes the constrained entries of v.
	ApplyBCs(v Vector)

	// SetVariables pushes a state vector into the engine.
	SetVariables(u Vector)

	// EvalFunctions evaluates the given scalar functions at the current
	// design, nodes and state.
	EvalFunctions(fns []Function) ([]float64, error)

	// EvalDVSens writes the partial of fn with respect to the design
	// variables into out. The engine performs its own cross-rank reduction.
	EvalDVSens(fn Function, out []float64) error
	// EvalXptSens writes the partial of fn with respect to node coordinates.
	EvalXptSens(fn Function, out Vector) error
	// EvalSVSens writes the partial of fn with respect to the state vector.
	EvalSVSens(fn Function, out Vector) error

	// EvalAdjointResProduct computes psi^T * d(K*u)/d(dv) into out. The
	// engine performs the cross-rank sum, so callers accumulate the result
	// on a single rank only.
	EvalAdjointResProduct(psi Vector, out []float64) error
	// EvalAdjointResXptSensProduct computes psi^T * d(K*u)/d(x) into out.
	EvalAdjointResXptSensProduct(psi Vector, out Vector) error
}

// Function identifies a scalar output of the engine (mass, stress
// aggregates, compliance).
type Function interface {
	Name() string
}

// MassFunction marks functions that are independent of the converged state.
// The functions component gives these their own output and sensitivity path.
type MassFunction interface {
	Function
	StateIndependent() bool
}

// IsMass reports whether fn belongs to the state-independent mass category.
func IsMass(fn Function) bool {
	m, ok := fn.(MassFunction)
	return ok && m.StateIndependent()
}

// SnapshotWriter is an optional engine capability for persisting a
// visualization snapshot (node positions, displacements, strains) after a
// converged solve. The format is engine-defined.
type SnapshotWriter interface {
	WriteSnapshot(path string) error
}
