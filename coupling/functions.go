package coupling

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/ehariton/mphys/comm"
	"github.com/ehariton/mphys/partitions"
	"github.com/ehariton/mphys/solver"
)

// FunctionsConfig carries what the function evaluator needs. Engine, Mat,
// Precond and a non-empty function list are required; Comm defaults to a
// single-rank communicator.
type FunctionsConfig struct {
	Engine  solver.Engine
	Mat     solver.Matrix
	Precond solver.Preconditioner
	Comm    comm.Communicator

	// Functions lists the scalar outputs to evaluate. Order is preserved
	// for the batched f_struct output.
	Functions []solver.Function
}

// Functions evaluates scalar engine outputs from a converged state.
//
// The mass category is split out: it does not depend on the state vector,
// so it gets its own output ("mass") with a design/node-only sensitivity
// path. Every other configured function lands in the batched "f_struct"
// output, ordered as configured.
type Functions struct {
	cfg  FunctionsConfig
	comm comm.Communicator

	funcs []solver.Function // state-dependent functions, configured order
	mass  solver.Function   // nil when no mass function was configured

	res     solver.Vector
	ans     solver.Vector
	xpts    solver.Vector
	xptSens solver.Vector
	svSens  solver.Vector

	ndv       int
	stateSize int
	nodeSize  int

	stateLayout *partitions.Layout
	nodeLayout  *partitions.Layout

	gen          uint64
	assembledGen uint64
}

var _ Explicit = (*Functions)(nil)

// NewFunctions validates the configuration, splits the mass category from
// the general list, and builds the distributed layouts.
func NewFunctions(cfg FunctionsConfig) (*Functions, error) {
	if cfg.Engine == nil || cfg.Mat == nil || cfg.Precond == nil {
		return nil, fmt.Errorf("%w: function evaluation requires engine, matrix and preconditioner",
			solver.ErrConfiguration)
	}
	if len(cfg.Functions) == 0 {
		return nil, fmt.Errorf("%w: no scalar functions configured", solver.ErrConfiguration)
	}
	if cfg.Comm == nil {
		cfg.Comm = comm.Self()
	}

	f := &Functions{
		cfg:     cfg,
		comm:    cfg.Comm,
		res:     cfg.Engine.CreateVec(),
		ans:     cfg.Engine.CreateVec(),
		svSens:  cfg.Engine.CreateVec(),
		xpts:    cfg.Engine.CreateNodeVec(),
		xptSens: cfg.Engine.CreateNodeVec(),
		ndv:     cfg.Engine.NumDesignVars(),
	}
	f.stateSize = f.ans.Len()
	f.nodeSize = f.xptSens.Len()

	for _, fn := range cfg.Functions {
		if solver.IsMass(fn) {
			if f.mass == nil {
				f.mass = fn
			}
			continue
		}
		f.funcs = append(f.funcs, fn)
	}

	var err error
	if f.stateLayout, err = partitions.NewLayout(cfg.Comm, f.stateSize); err != nil {
		return nil, err
	}
	if f.nodeLayout, err = partitions.NewLayout(cfg.Comm, f.nodeSize); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Functions) Inputs() []Port {
	return []Port{
		{Name: "dv_struct", Size: f.ndv},
		{Name: "x_s0", Size: f.nodeSize, Distributed: true, Owned: f.nodeLayout.Owned},
		{Name: "u_s", Size: f.stateSize, Distributed: true, Owned: f.stateLayout.Owned},
	}
}

func (f *Functions) Outputs() []Port {
	var ports []Port
	if f.mass != nil {
		ports = append(ports, Port{Name: "mass", Size: 1})
	}
	if len(f.funcs) > 0 {
		ports = append(ports, Port{Name: "f_struct", Size: len(f.funcs)})
	}
	return ports
}

// updateInternal reapplies the same assemble step as the analysis component.
// Re-running it with unchanged design, nodes and state is idempotent.
func (f *Functions) updateInternal(inputs Variables) error {
	dv, err := need(inputs, "dv_struct", f.ndv)
	if err != nil {
		return err
	}
	x, err := need(inputs, "x_s0", f.nodeSize)
	if err != nil {
		return err
	}
	u, err := need(inputs, "u_s", f.stateSize)
	if err != nil {
		return err
	}

	f.cfg.Engine.SetDesignVars(dv)
	f.gen++
	if err := solver.Copy(f.xpts, x); err != nil {
		return err
	}
	f.cfg.Engine.SetNodes(f.xpts)
	f.gen++

	if f.gen != f.assembledGen {
		f.res.Zero()
		if err := f.cfg.Engine.AssembleJacobian(1.0, 0.0, 0.0, f.res, f.cfg.Mat); err != nil {
			return fmt.Errorf("assembling operator: %w", err)
		}
		if err := f.cfg.Precond.Factor(); err != nil {
			return fmt.Errorf("factoring preconditioner: %w", err)
		}
		f.assembledGen = f.gen
	}

	if err := solver.Copy(f.ans, u); err != nil {
		return err
	}
	f.cfg.Engine.ApplyBCs(f.ans)
	f.cfg.Engine.SetVariables(f.ans)
	return nil
}

// Compute evaluates the configured functions at the supplied design, nodes
// and state.
func (f *Functions) Compute(inputs, outputs Variables) error {
	if err := f.updateInternal(inputs); err != nil {
		return err
	}

	if outputs.Has("f_struct") {
		out, err := need(outputs, "f_struct", len(f.funcs))
		if err != nil {
			return err
		}
		vals, err := f.cfg.Engine.EvalFunctions(f.funcs)
		if err != nil {
			return fmt.Errorf("evaluating functions: %w", err)
		}
		copy(out, vals)
	}

	if outputs.Has("mass") && f.mass != nil {
		out, err := need(outputs, "mass", 1)
		if err != nil {
			return err
		}
		vals, err := f.cfg.Engine.EvalFunctions([]solver.Function{f.mass})
		if err != nil {
			return fmt.Errorf("evaluating mass: %w", err)
		}
		out[0] = vals[0]
	}

	return nil
}

// ComputeJacVec back-propagates output seeds into design, node and state
// seeds. Each function's sensitivities are scaled by that function's seed
// and accumulated independently; nothing is overwritten or rescaled.
// Forward mode is declared but not implemented.
func (f *Functions) ComputeJacVec(inputs, dInputs, dOutputs Variables, mode Mode) error {
	if mode == Forward {
		return fmt.Errorf("%w: forward-mode sensitivity", solver.ErrNotSupported)
	}

	if err := f.updateInternal(inputs); err != nil {
		return err
	}

	if dOutputs.Has("mass") && f.mass != nil {
		seed, err := need(dOutputs, "mass", 1)
		if err != nil {
			return err
		}
		if err := f.accumulate(f.mass, seed[0], dInputs, false); err != nil {
			return err
		}
	}

	if dOutputs.Has("f_struct") && len(f.funcs) > 0 {
		seeds, err := need(dOutputs, "f_struct", len(f.funcs))
		if err != nil {
			return err
		}
		for i, fn := range f.funcs {
			if err := f.accumulate(fn, seeds[i], dInputs, true); err != nil {
				return err
			}
		}
	}

	return nil
}

// accumulate adds seed-scaled sensitivities of one function into the input
// seeds. State sensitivity applies only to state-dependent functions.
func (f *Functions) accumulate(fn solver.Function, seed float64, dInputs Variables, withState bool) error {
	// Engines evaluate a function before its sensitivities are available.
	if _, err := f.cfg.Engine.EvalFunctions([]solver.Function{fn}); err != nil {
		return fmt.Errorf("evaluating %s: %w", fn.Name(), err)
	}

	if dInputs.Has("dv_struct") {
		dIn, err := need(dInputs, "dv_struct", f.ndv)
		if err != nil {
			return err
		}
		dvSens := make([]float64, f.ndv)
		if err := f.cfg.Engine.EvalDVSens(fn, dvSens); err != nil {
			return fmt.Errorf("design sensitivity of %s: %w", fn.Name(), err)
		}
		floats.AddScaled(dIn, seed, dvSens)
	}

	if dInputs.Has("x_s0") {
		dIn, err := need(dInputs, "x_s0", f.nodeSize)
		if err != nil {
			return err
		}
		f.xptSens.Zero()
		if err := f.cfg.Engine.EvalXptSens(fn, f.xptSens); err != nil {
			return fmt.Errorf("node sensitivity of %s: %w", fn.Name(), err)
		}
		floats.AddScaled(dIn, seed, f.xptSens.Array())
	}

	if withState && dInputs.Has("u_s") {
		dIn, err := need(dInputs, "u_s", f.stateSize)
		if err != nil {
			return err
		}
		f.svSens.Zero()
		if err := f.cfg.Engine.EvalSVSens(fn, f.svSens); err != nil {
			return fmt.Errorf("state sensitivity of %s: %w", fn.Name(), err)
		}
		floats.AddScaled(dIn, seed, f.svSens.Array())
	}

	return nil
}
