package coupling

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehariton/mphys/solver"
	"github.com/ehariton/mphys/solver/dense"
)

// unitLaw loads every state component with a unit force.
func unitLaw(nodes []float64, ndof int) ([]float64, error) {
	f := make([]float64, ndof*(len(nodes)/3))
	for i := range f {
		f[i] = 1.0
	}
	return f, nil
}

// pipeline wires one dense engine through the full component chain.
type pipeline struct {
	engine   *dense.Engine
	op       *dense.Operator
	mesh     *Mesh
	load     *Load
	analysis *Analysis
	funcs    *Functions

	ndv       int
	stateSize int
	nodeSize  int
}

func newPipeline(t *testing.T, nn, ndof int, snapshotPath string) *pipeline {
	t.Helper()

	coords := make([]float64, 3*nn)
	for i := 0; i < nn; i++ {
		coords[3*i] = 1.1 * float64(i)
		coords[3*i+1] = 0.3 * float64(i%2)
		coords[3*i+2] = -0.2 * float64(i%3)
	}
	engine, err := dense.New(dense.Options{
		NumNodes: nn,
		NDOF:     ndof,
		Modulus:  2.0,
		Density:  1.5,
		Coords:   coords,
	})
	require.NoError(t, err)

	op := dense.NewOperator()
	pc := dense.NewJacobi(op)
	cg := dense.NewCG(op, pc)

	mesh, err := NewMesh(engine)
	require.NoError(t, err)

	load, err := NewLoad(LoadConfig{Engine: engine, Law: unitLaw})
	require.NoError(t, err)

	analysis, err := NewAnalysis(AnalysisConfig{
		Engine:       engine,
		Mat:          op,
		Precond:      pc,
		LinSolver:    cg,
		SnapshotPath: snapshotPath,
	})
	require.NoError(t, err)

	funcs, err := NewFunctions(FunctionsConfig{
		Engine:    engine,
		Mat:       op,
		Precond:   pc,
		Functions: []solver.Function{dense.Mass{}, dense.Compliance{}},
	})
	require.NoError(t, err)

	return &pipeline{
		engine:    engine,
		op:        op,
		mesh:      mesh,
		load:      load,
		analysis:  analysis,
		funcs:     funcs,
		ndv:       engine.NumDesignVars(),
		stateSize: nn * ndof,
		nodeSize:  3 * nn,
	}
}

// forward runs mesh -> load -> solve and returns coordinates, loads, state.
func (p *pipeline) forward(t *testing.T, dv []float64) (x, f, u []float64) {
	t.Helper()
	x = make([]float64, p.nodeSize)
	f = make([]float64, p.stateSize)
	u = make([]float64, p.stateSize)

	require.NoError(t, p.mesh.Compute(nil, Variables{"x_s0": x}))
	require.NoError(t, p.load.Compute(Variables{"x_s0": x}, Variables{"f_s": f}))
	require.NoError(t, p.analysis.SolveNonlinear(
		Variables{"dv_struct": dv, "x_s0": x, "f_s": f},
		Variables{"u_s": u}))
	return x, f, u
}

// compliance evaluates the state-dependent function output.
func (p *pipeline) compliance(t *testing.T, dv, x, u []float64) float64 {
	t.Helper()
	out := make([]float64, 1)
	require.NoError(t, p.funcs.Compute(
		Variables{"dv_struct": dv, "x_s0": x, "u_s": u},
		Variables{"f_struct": out}))
	return out[0]
}

func ones(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = 1.0
	}
	return v
}

func TestPorts(t *testing.T) {
	p := newPipeline(t, 3, 2, "")

	assert.Empty(t, p.mesh.Inputs())
	require.Len(t, p.mesh.Outputs(), 1)
	assert.Equal(t, "x_s0", p.mesh.Outputs()[0].Name)

	in := p.analysis.Inputs()
	require.Len(t, in, 3)
	assert.Equal(t, "dv_struct", in[0].Name)
	assert.False(t, in[0].Distributed)
	assert.Equal(t, "x_s0", in[1].Name)
	assert.True(t, in[1].Distributed)
	assert.Equal(t, 0, in[1].Owned.Start)
	assert.Equal(t, 9, in[1].Owned.End)
	assert.Equal(t, "f_s", in[2].Name)
	assert.Equal(t, 6, in[2].Size)

	out := p.funcs.Outputs()
	require.Len(t, out, 2)
	assert.Equal(t, "mass", out[0].Name)
	assert.Equal(t, 1, out[0].Size)
	assert.Equal(t, "f_struct", out[1].Name)
	assert.Equal(t, 1, out[1].Size)

	assert.Equal(t, 2, p.analysis.NDOF())
	assert.Equal(t, 2, p.load.NDOF())
}

func TestAnalysis_ResidualZeroAtConvergence(t *testing.T) {
	p := newPipeline(t, 5, 2, "")
	dv := ones(p.ndv)
	x, f, u := p.forward(t, dv)

	res := make([]float64, p.stateSize)
	require.NoError(t, p.analysis.ApplyNonlinear(
		Variables{"dv_struct": dv, "x_s0": x, "f_s": f},
		Variables{"u_s": u},
		Variables{"u_s": res}))

	for i, r := range res {
		assert.InDelta(t, 0, r, 1e-9, "residual entry %d", i)
	}
}

func TestAnalysis_RepeatedAssembleIdempotent(t *testing.T) {
	p := newPipeline(t, 4, 2, "")
	dv := ones(p.ndv)
	x, f, u := p.forward(t, dv)

	inputs := Variables{"dv_struct": dv, "x_s0": x, "f_s": f}
	res1 := make([]float64, p.stateSize)
	res2 := make([]float64, p.stateSize)
	require.NoError(t, p.analysis.ApplyNonlinear(inputs, Variables{"u_s": u}, Variables{"u_s": res1}))
	require.NoError(t, p.analysis.ApplyNonlinear(inputs, Variables{"u_s": u}, Variables{"u_s": res2}))
	assert.Equal(t, res1, res2, "residual must be bit-identical across repeated assembles")

	c1 := p.compliance(t, dv, x, u)
	c2 := p.compliance(t, dv, x, u)
	assert.Equal(t, c1, c2, "function outputs must be bit-identical across repeated assembles")
}

func TestFunctions_MassIndependentOfState(t *testing.T) {
	p := newPipeline(t, 4, 2, "")
	dv := ones(p.ndv)
	x, _, u := p.forward(t, dv)

	eval := func(state []float64) (mass, fs float64) {
		m := make([]float64, 1)
		f := make([]float64, 1)
		require.NoError(t, p.funcs.Compute(
			Variables{"dv_struct": dv, "x_s0": x, "u_s": state},
			Variables{"mass": m, "f_struct": f}))
		return m[0], f[0]
	}

	mass0, fs0 := eval(u)

	perturbed := append([]float64(nil), u...)
	for i := range perturbed {
		perturbed[i] += 0.1 * float64(i+1)
	}
	mass1, fs1 := eval(perturbed)

	assert.Equal(t, mass0, mass1, "mass must not depend on the state vector")
	assert.NotEqual(t, fs0, fs1, "state-dependent functions must see the perturbation")
}

func TestFunctions_SeedAccumulationOrderIndependent(t *testing.T) {
	p := newPipeline(t, 4, 2, "")
	dv := ones(p.ndv)
	x, _, u := p.forward(t, dv)
	inputs := Variables{"dv_struct": dv, "x_s0": x, "u_s": u}

	seedA := Variables{"f_struct": []float64{0.7}, "mass": []float64{0.2}}
	seedB := Variables{"f_struct": []float64{-1.3}, "mass": []float64{0.5}}

	run := func(order ...Variables) []float64 {
		acc := make([]float64, p.ndv)
		for _, seeds := range order {
			require.NoError(t, p.funcs.ComputeJacVec(inputs,
				Variables{"dv_struct": acc}, seeds, Reverse))
		}
		return acc
	}

	ab := run(seedA, seedB)
	ba := run(seedB, seedA)
	combined := run(Variables{"f_struct": []float64{-0.6}, "mass": []float64{0.7}})

	for i := range ab {
		assert.InDelta(t, ab[i], ba[i], 1e-12, "interleave order changed seed %d", i)
		assert.InDelta(t, combined[i], ab[i], 1e-12, "summed seeds disagree at %d", i)
	}
}

func TestFunctions_SeedsAccumulateNotOverwrite(t *testing.T) {
	p := newPipeline(t, 3, 2, "")
	dv := ones(p.ndv)
	x, _, u := p.forward(t, dv)

	pre := make([]float64, p.ndv)
	for i := range pre {
		pre[i] = 100.0 + float64(i)
	}
	acc := append([]float64(nil), pre...)

	fresh := make([]float64, p.ndv)
	seeds := Variables{"mass": []float64{1.0}}
	inputs := Variables{"dv_struct": dv, "x_s0": x, "u_s": u}
	require.NoError(t, p.funcs.ComputeJacVec(inputs, Variables{"dv_struct": acc}, seeds, Reverse))
	require.NoError(t, p.funcs.ComputeJacVec(inputs, Variables{"dv_struct": fresh}, seeds, Reverse))

	for i := range acc {
		assert.InDelta(t, pre[i]+fresh[i], acc[i], 1e-12,
			"pre-existing partial seed %d must be preserved", i)
	}
}

// TestAdjointDesignGradient is the end-to-end check: a unit seed on the
// state-dependent function, pulled back through the function evaluator and
// the implicit analysis, must match a finite-difference recomputation of the
// whole pipeline. Scenario: one rank, 2 DOF per node, 3 nodes, unit load.
func TestAdjointDesignGradient(t *testing.T) {
	p := newPipeline(t, 3, 2, "")
	dv := ones(p.ndv)
	x, f, u := p.forward(t, dv)
	inputs := Variables{"dv_struct": dv, "x_s0": x, "f_s": f}
	fnInputs := Variables{"dv_struct": dv, "x_s0": x, "u_s": u}

	// Reverse pass.
	dDV := make([]float64, p.ndv)
	dU := make([]float64, p.stateSize)
	require.NoError(t, p.funcs.ComputeJacVec(fnInputs,
		Variables{"dv_struct": dDV, "u_s": dU},
		Variables{"f_struct": []float64{1.0}},
		Reverse))

	psi := make([]float64, p.stateSize)
	require.NoError(t, p.analysis.SolveLinear(
		Variables{"u_s": dU}, Variables{"u_s": psi}, Reverse))

	resDV := make([]float64, p.ndv)
	require.NoError(t, p.analysis.ApplyLinear(inputs, Variables{"u_s": u},
		Variables{"dv_struct": resDV}, Variables{}, Variables{"u_s": psi}, Reverse))

	// Finite-difference pass, re-solving the coupled system.
	const h = 1e-6
	for e := 0; e < p.ndv; e++ {
		dvp := append([]float64(nil), dv...)
		dvp[e] += h
		_, _, up := p.forward(t, dvp)
		cp := p.compliance(t, dvp, x, up)

		dvm := append([]float64(nil), dv...)
		dvm[e] -= h
		_, _, um := p.forward(t, dvm)
		cm := p.compliance(t, dvm, x, um)

		fd := (cp - cm) / (2 * h)
		adjoint := dDV[e] - resDV[e]
		assert.InEpsilon(t, fd, adjoint, 1e-6, "design variable %d", e)
	}
}

// TestAdjointNodeAndLoadGradient covers the node-coordinate and load seed
// paths with a 3-DOF engine, where every state component is translational.
func TestAdjointNodeAndLoadGradient(t *testing.T) {
	p := newPipeline(t, 4, 3, "")
	dv := ones(p.ndv)
	x, f, u := p.forward(t, dv)
	inputs := Variables{"dv_struct": dv, "x_s0": x, "f_s": f}
	fnInputs := Variables{"dv_struct": dv, "x_s0": x, "u_s": u}

	dX := make([]float64, p.nodeSize)
	dU := make([]float64, p.stateSize)
	require.NoError(t, p.funcs.ComputeJacVec(fnInputs,
		Variables{"x_s0": dX, "u_s": dU},
		Variables{"f_struct": []float64{1.0}},
		Reverse))

	psi := make([]float64, p.stateSize)
	require.NoError(t, p.analysis.SolveLinear(
		Variables{"u_s": dU}, Variables{"u_s": psi}, Reverse))

	resX := make([]float64, p.nodeSize)
	resF := make([]float64, p.stateSize)
	require.NoError(t, p.analysis.ApplyLinear(inputs, Variables{"u_s": u},
		Variables{"x_s0": resX, "f_s": resF}, Variables{}, Variables{"u_s": psi}, Reverse))

	const h = 1e-6

	// Load gradient: dC/df_s = -ψ^T dR/df_s = +ψ on free DOFs.
	solveWith := func(loads []float64) float64 {
		uu := make([]float64, p.stateSize)
		require.NoError(t, p.analysis.SolveNonlinear(
			Variables{"dv_struct": dv, "x_s0": x, "f_s": loads},
			Variables{"u_s": uu}))
		return p.compliance(t, dv, x, uu)
	}
	for i := 0; i < p.stateSize; i++ {
		fp := append([]float64(nil), f...)
		fp[i] += h
		fm := append([]float64(nil), f...)
		fm[i] -= h
		fd := (solveWith(fp) - solveWith(fm)) / (2 * h)
		total := -resF[i]
		if math.Abs(fd) < 1e-12 {
			assert.InDelta(t, fd, total, 1e-8, "load component %d", i)
		} else {
			assert.InEpsilon(t, fd, total, 1e-5, "load component %d", i)
		}
	}

	// Node-coordinate gradient. The unit load law is independent of the
	// coordinates, so only the operator and function terms contribute.
	evalAt := func(coords []float64) float64 {
		uu := make([]float64, p.stateSize)
		require.NoError(t, p.analysis.SolveNonlinear(
			Variables{"dv_struct": dv, "x_s0": coords, "f_s": f},
			Variables{"u_s": uu}))
		return p.compliance(t, dv, coords, uu)
	}
	for i := 0; i < p.nodeSize; i++ {
		xp := append([]float64(nil), x...)
		xp[i] += h
		xm := append([]float64(nil), x...)
		xm[i] -= h
		fd := (evalAt(xp) - evalAt(xm)) / (2 * h)
		total := dX[i] - resX[i]
		if math.Abs(fd) < 1e-12 {
			assert.InDelta(t, fd, total, 1e-8, "coordinate %d", i)
		} else {
			assert.InEpsilon(t, fd, total, 1e-5, "coordinate %d", i)
		}
	}
}

func TestForwardMode_NotSupported(t *testing.T) {
	p := newPipeline(t, 3, 2, "")
	dv := ones(p.ndv)
	x, f, u := p.forward(t, dv)
	inputs := Variables{"dv_struct": dv, "x_s0": x, "f_s": f}

	err := p.analysis.SolveLinear(Variables{"u_s": u}, Variables{"u_s": make([]float64, p.stateSize)}, Forward)
	assert.ErrorIs(t, err, solver.ErrNotSupported)

	err = p.analysis.ApplyLinear(inputs, Variables{"u_s": u}, Variables{}, Variables{}, Variables{}, Forward)
	assert.ErrorIs(t, err, solver.ErrNotSupported)

	err = p.funcs.ComputeJacVec(Variables{"dv_struct": dv, "x_s0": x, "u_s": u},
		Variables{}, Variables{}, Forward)
	assert.ErrorIs(t, err, solver.ErrNotSupported)

	err = p.load.ComputeJacVec(Variables{"x_s0": x}, Variables{}, Variables{}, Forward)
	assert.ErrorIs(t, err, solver.ErrNotSupported)
}

func TestAnalysis_SnapshotWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wing.snap")
	p := newPipeline(t, 3, 2, path)
	p.forward(t, ones(p.ndv))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "nodes 3")
}

func TestNewAnalysis_Validation(t *testing.T) {
	p := newPipeline(t, 3, 2, "")
	pc := dense.NewJacobi(p.op)
	cg := dense.NewCG(p.op, pc)

	_, err := NewAnalysis(AnalysisConfig{Mat: p.op, Precond: pc, LinSolver: cg})
	assert.ErrorIs(t, err, solver.ErrConfiguration)

	_, err = NewAnalysis(AnalysisConfig{Engine: p.engine, Precond: pc, LinSolver: cg})
	assert.ErrorIs(t, err, solver.ErrConfiguration)

	// Snapshot requested from an engine that cannot write one.
	stub := &stubEngine{stateSize: 6, nodeSize: 9, ndv: 2}
	_, err = NewAnalysis(AnalysisConfig{
		Engine: stub, Mat: p.op, Precond: pc, LinSolver: cg,
		SnapshotPath: "out.snap",
	})
	assert.ErrorIs(t, err, solver.ErrConfiguration)
}

func TestNewLoad_ConfigurationErrors(t *testing.T) {
	testCases := []struct {
		name      string
		stateSize int
		nodeSize  int
	}{
		{"node_size_not_multiple_of_3", 20, 10},
		{"non_integral_dof_ratio", 7, 9},
		{"zero_nodes", 4, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &stubEngine{stateSize: tc.stateSize, nodeSize: tc.nodeSize}
			_, err := NewLoad(LoadConfig{Engine: stub, Law: unitLaw})
			require.Error(t, err)
			assert.ErrorIs(t, err, solver.ErrConfiguration)
		})
	}

	_, err := NewLoad(LoadConfig{Engine: &stubEngine{stateSize: 6, nodeSize: 9}})
	assert.ErrorIs(t, err, solver.ErrConfiguration, "missing load law")

	_, err = NewLoad(LoadConfig{Law: unitLaw})
	assert.ErrorIs(t, err, solver.ErrConfiguration, "missing engine")
}

func TestLoad_BadLawOutput(t *testing.T) {
	stub := &stubEngine{stateSize: 6, nodeSize: 9}
	l, err := NewLoad(LoadConfig{
		Engine: stub,
		Law: func(nodes []float64, ndof int) ([]float64, error) {
			return make([]float64, 3), nil
		},
	})
	require.NoError(t, err)

	err = l.Compute(Variables{"x_s0": make([]float64, 9)}, Variables{"f_s": make([]float64, 6)})
	assert.ErrorIs(t, err, solver.ErrConfiguration)
}

func TestMissingVariable(t *testing.T) {
	p := newPipeline(t, 3, 2, "")
	err := p.analysis.SolveNonlinear(
		Variables{"dv_struct": ones(p.ndv)},
		Variables{"u_s": make([]float64, p.stateSize)})
	assert.ErrorIs(t, err, solver.ErrConfiguration)
}
