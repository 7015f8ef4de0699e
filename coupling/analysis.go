package coupling

import (
	"fmt"
	"io"

	"gonum.org/v1/gonum/floats"

	"github.com/ehariton/mphys/comm"
	"github.com/ehariton/mphys/partitions"
	"github.com/ehariton/mphys/solver"
)

// AnalysisConfig carries the engine pieces the implicit component drives.
// Engine, Mat, Precond and LinSolver are required; Comm defaults to a
// single-rank communicator. SnapshotPath, when set, selects the file a
// visualization snapshot is written to after each converged solve; the
// engine must then implement solver.SnapshotWriter.
type AnalysisConfig struct {
	Engine    solver.Engine
	Mat       solver.Matrix
	Precond   solver.Preconditioner
	LinSolver solver.LinearSolver
	Comm      comm.Communicator

	SnapshotPath string
	// Diag receives best-effort diagnostics (snapshot write failures).
	Diag io.Writer
}

// Analysis performs the steady structural analysis as an implicit component:
// the state u_s is defined by the residual R = K*u_s - f_s = 0.
//
// Inputs: dv_struct (shared design variables), x_s0 (distributed node
// coordinates), f_s (distributed load vector). Output: u_s (distributed
// state vector).
type Analysis struct {
	cfg  AnalysisConfig
	comm comm.Communicator

	res     solver.Vector
	force   solver.Vector
	ans     solver.Vector
	psi     solver.Vector
	scratch solver.Vector
	xpts    solver.Vector
	xptSens solver.Vector

	ndv       int
	stateSize int
	nodeSize  int
	ndof      int

	stateLayout *partitions.Layout
	nodeLayout  *partitions.Layout

	// Dirty tracking: every input push bumps gen; the assemble step records
	// the generation it ran at. The factorization is valid only while the
	// two match.
	gen          uint64
	assembledGen uint64
}

var _ Implicit = (*Analysis)(nil)

// NewAnalysis validates the configuration, sizes the engine buffers, and
// builds the distributed layouts. Configuration failures surface before the
// layout collectives run, so a malformed rank cannot leave the rest of the
// group blocked in a partial gather.
func NewAnalysis(cfg AnalysisConfig) (*Analysis, error) {
	if cfg.Engine == nil || cfg.Mat == nil || cfg.Precond == nil || cfg.LinSolver == nil {
		return nil, fmt.Errorf("%w: analysis requires engine, matrix, preconditioner and linear solver",
			solver.ErrConfiguration)
	}
	if cfg.Comm == nil {
		cfg.Comm = comm.Self()
	}
	if cfg.SnapshotPath != "" {
		if _, ok := cfg.Engine.(solver.SnapshotWriter); !ok {
			return nil, fmt.Errorf("%w: snapshot path set but engine cannot write snapshots",
				solver.ErrConfiguration)
		}
	}

	a := &Analysis{
		cfg:     cfg,
		comm:    cfg.Comm,
		res:     cfg.Engine.CreateVec(),
		force:   cfg.Engine.CreateVec(),
		ans:     cfg.Engine.CreateVec(),
		psi:     cfg.Engine.CreateVec(),
		scratch: cfg.Engine.CreateVec(),
		xpts:    cfg.Engine.CreateNodeVec(),
		xptSens: cfg.Engine.CreateNodeVec(),
		ndv:     cfg.Engine.NumDesignVars(),
	}
	a.stateSize = a.ans.Len()
	a.nodeSize = a.xptSens.Len()

	ndof, err := deriveNDOF(a.stateSize, a.nodeSize)
	if err != nil {
		return nil, err
	}
	a.ndof = ndof

	if a.stateLayout, err = partitions.NewLayout(cfg.Comm, a.stateSize); err != nil {
		return nil, err
	}
	if a.nodeLayout, err = partitions.NewLayout(cfg.Comm, a.nodeSize); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Analysis) Inputs() []Port {
	return []Port{
		{Name: "dv_struct", Size: a.ndv},
		{Name: "x_s0", Size: a.nodeSize, Distributed: true, Owned: a.nodeLayout.Owned},
		{Name: "f_s", Size: a.stateSize, Distributed: true, Owned: a.stateLayout.Owned},
	}
}

func (a *Analysis) Outputs() []Port {
	return []Port{
		{Name: "u_s", Size: a.stateSize, Distributed: true, Owned: a.stateLayout.Owned},
	}
}

// NDOF returns the per-node state count derived at setup.
func (a *Analysis) NDOF() int { return a.ndof }

// pushDesign and pushNodes are the only mutators of the engine's
// linearization point; each bumps the generation counter.
func (a *Analysis) pushDesign(dv []float64) {
	a.cfg.Engine.SetDesignVars(dv)
	a.gen++
}

func (a *Analysis) pushNodes(x []float64) error {
	if err := solver.Copy(a.xpts, x); err != nil {
		return err
	}
	a.cfg.Engine.SetNodes(a.xpts)
	a.gen++
	return nil
}

// updateInternal pushes design and nodes into the engine and, if either
// changed since the last assemble, reassembles the operator and refactors
// the preconditioner. When state is non-nil it is pushed afterwards with
// boundary conditions applied.
func (a *Analysis) updateInternal(inputs Variables, state []float64) error {
	dv, err := need(inputs, "dv_struct", a.ndv)
	if err != nil {
		return err
	}
	x, err := need(inputs, "x_s0", a.nodeSize)
	if err != nil {
		return err
	}

	a.pushDesign(dv)
	if err := a.pushNodes(x); err != nil {
		return err
	}

	if a.gen != a.assembledGen {
		a.res.Zero()
		if err := a.cfg.Engine.AssembleJacobian(1.0, 0.0, 0.0, a.res, a.cfg.Mat); err != nil {
			return fmt.Errorf("assembling operator: %w", err)
		}
		if err := a.cfg.Precond.Factor(); err != nil {
			return fmt.Errorf("factoring preconditioner: %w", err)
		}
		a.assembledGen = a.gen
	}

	if state != nil {
		if err := solver.Copy(a.ans, state); err != nil {
			return err
		}
		a.cfg.Engine.ApplyBCs(a.ans)
		a.cfg.Engine.SetVariables(a.ans)
	}
	return nil
}

// ApplyNonlinear evaluates the residual R = K*u_s - f_s at the supplied
// state and loads. Boundary conditions are applied to the residual after
// the subtraction, so constrained entries read zero.
func (a *Analysis) ApplyNonlinear(inputs, outputs, residuals Variables) error {
	u, err := need(outputs, "u_s", a.stateSize)
	if err != nil {
		return err
	}
	f, err := need(inputs, "f_s", a.stateSize)
	if err != nil {
		return err
	}
	out, err := need(residuals, "u_s", a.stateSize)
	if err != nil {
		return err
	}

	if err := a.updateInternal(inputs, u); err != nil {
		return err
	}

	a.res.Zero()
	if err := a.cfg.Engine.AssembleRes(a.res); err != nil {
		return fmt.Errorf("evaluating internal forces: %w", err)
	}
	floats.Sub(a.res.Array(), f)
	a.cfg.Engine.ApplyBCs(a.res)

	return solver.Export(out, a.res)
}

// SolveNonlinear solves K*u_s = f_s with the factorized operator and pushes
// the converged state into the engine. A snapshot write afterwards is
// best-effort and never fails the solve.
func (a *Analysis) SolveNonlinear(inputs, outputs Variables) error {
	f, err := need(inputs, "f_s", a.stateSize)
	if err != nil {
		return err
	}
	out, err := need(outputs, "u_s", a.stateSize)
	if err != nil {
		return err
	}

	if err := a.updateInternal(inputs, nil); err != nil {
		return err
	}

	if err := solver.Copy(a.force, f); err != nil {
		return err
	}
	a.cfg.Engine.ApplyBCs(a.force)

	if err := a.cfg.LinSolver.Solve(a.force, a.ans); err != nil {
		return fmt.Errorf("steady solve: %w", err)
	}
	if err := solver.Export(out, a.ans); err != nil {
		return err
	}
	a.cfg.Engine.SetVariables(a.ans)

	a.writeSnapshot()
	return nil
}

func (a *Analysis) writeSnapshot() {
	if a.cfg.SnapshotPath == "" {
		return
	}
	sw := a.cfg.Engine.(solver.SnapshotWriter)
	if err := sw.WriteSnapshot(a.cfg.SnapshotPath); err != nil && a.cfg.Diag != nil {
		fmt.Fprintf(a.cfg.Diag, "snapshot write to %s failed: %v\n", a.cfg.SnapshotPath, err)
	}
}

// SolveLinear solves the adjoint system K^T psi = seed for a state-output
// seed, leaving the adjoint vector in dResiduals. Forward mode is declared
// but not implemented.
func (a *Analysis) SolveLinear(dOutputs, dResiduals Variables, mode Mode) error {
	if mode == Forward {
		return fmt.Errorf("%w: forward-mode linear solve", solver.ErrNotSupported)
	}

	seed, err := need(dOutputs, "u_s", a.stateSize)
	if err != nil {
		return err
	}
	out, err := need(dResiduals, "u_s", a.stateSize)
	if err != nil {
		return err
	}

	a.res.Zero()
	if err := solver.Copy(a.res, seed); err != nil {
		return err
	}
	a.cfg.Engine.ApplyBCs(a.res)

	if err := a.cfg.LinSolver.Solve(a.res, a.psi); err != nil {
		return fmt.Errorf("adjoint solve: %w", err)
	}
	return solver.Export(out, a.psi)
}

// ApplyLinear back-propagates a residual seed to the component's inputs and
// state output. Every contribution is accumulated into the supplied seed
// arrays, never overwritten, the adjoint chain-rule contract. Forward mode
// is declared but not implemented.
func (a *Analysis) ApplyLinear(inputs, outputs, dInputs, dOutputs, dResiduals Variables, mode Mode) error {
	if mode == Forward {
		return fmt.Errorf("%w: forward-mode sensitivity", solver.ErrNotSupported)
	}

	u, err := need(outputs, "u_s", a.stateSize)
	if err != nil {
		return err
	}
	if err := a.updateInternal(inputs, u); err != nil {
		return err
	}

	if !dResiduals.Has("u_s") {
		return nil
	}
	seed, err := need(dResiduals, "u_s", a.stateSize)
	if err != nil {
		return err
	}

	if dOutputs.Has("u_s") {
		// dR/du_s^T seed: the operator is the residual Jacobian.
		dOut, err := need(dOutputs, "u_s", a.stateSize)
		if err != nil {
			return err
		}
		if err := solver.Copy(a.scratch, seed); err != nil {
			return err
		}
		a.res.Zero()
		if err := a.cfg.Mat.Mult(a.scratch, a.res); err != nil {
			return fmt.Errorf("operator transpose product: %w", err)
		}
		a.cfg.Engine.ApplyBCs(a.res)
		floats.Add(dOut, a.res.Array())
	}

	if dInputs.Has("f_s") {
		// dR/df_s^T = -I restricted to the translational components of
		// each node's state block.
		dIn, err := need(dInputs, "f_s", a.stateSize)
		if err != nil {
			return err
		}
		a.res.Zero()
		resArr := a.res.Array()
		trans := a.ndof
		if trans > 3 {
			trans = 3
		}
		for i := 0; i < a.stateSize/a.ndof; i++ {
			for j := 0; j < trans; j++ {
				resArr[a.ndof*i+j] = seed[a.ndof*i+j]
			}
		}
		a.cfg.Engine.ApplyBCs(a.res)
		floats.AddScaled(dIn, -1, resArr)
	}

	if dInputs.Has("x_s0") {
		dIn, err := need(dInputs, "x_s0", a.nodeSize)
		if err != nil {
			return err
		}
		if err := solver.Copy(a.scratch, seed); err != nil {
			return err
		}
		a.xptSens.Zero()
		if err := a.cfg.Engine.EvalAdjointResXptSensProduct(a.scratch, a.xptSens); err != nil {
			return fmt.Errorf("adjoint node-coordinate product: %w", err)
		}
		floats.Add(dIn, a.xptSens.Array())
	}

	if dInputs.Has("dv_struct") {
		dIn, err := need(dInputs, "dv_struct", a.ndv)
		if err != nil {
			return err
		}
		if err := solver.Copy(a.psi, seed); err != nil {
			return err
		}
		prod := make([]float64, a.ndv)
		if err := a.cfg.Engine.EvalAdjointResProduct(a.psi, prod); err != nil {
			return fmt.Errorf("adjoint design product: %w", err)
		}
		// The engine has already summed the product across ranks, so it is
		// accumulated on one rank only.
		if a.comm.Rank() == 0 {
			floats.Add(dIn, prod)
		}
	}

	return nil
}
