package coupling

import "github.com/ehariton/mphys/solver"

// stubVec is a plain slice-backed vector for engine stubs.
type stubVec []float64

func (v stubVec) Array() []float64 { return v }
func (v stubVec) Len() int         { return len(v) }
func (v stubVec) Zero() {
	for i := range v {
		v[i] = 0
	}
}

// stubEngine reports configurable vector sizes and does nothing else. It
// backs the configuration-error tests, which never reach the numeric paths.
type stubEngine struct {
	stateSize int
	nodeSize  int
	ndv       int
}

var _ solver.Engine = (*stubEngine)(nil)

func (s *stubEngine) CreateVec() solver.Vector     { return make(stubVec, s.stateSize) }
func (s *stubEngine) CreateNodeVec() solver.Vector { return make(stubVec, s.nodeSize) }

func (s *stubEngine) GetNodes(x solver.Vector) {}
func (s *stubEngine) SetNodes(x solver.Vector) {}

func (s *stubEngine) NumDesignVars() int { return s.ndv }

func (s *stubEngine) SetDesignVars(dv []float64) {}
func (s *stubEngine) ApplyBCs(v solver.Vector) {}
func (s *stubEngine) SetVariables(u solver.Vector) {}

func (s *stubEngine) AssembleJacobian(alpha, beta, gamma float64, res solver.Vector, m solver.Matrix) error {
	return nil
}
func (s *stubEngine) AssembleRes(res solver.Vector) error { return nil }

func (s *stubEngine) EvalFunctions(fns []solver.Function) ([]float64, error) {
	return make([]float64, len(fns)), nil
}
func (s *stubEngine) EvalDVSens(fn solver.Function, out []float64) error { return nil }
func (s *stubEngine) EvalXptSens(fn solver.Function, out solver.Vector) error { return nil }
func (s *stubEngine) EvalSVSens(fn solver.Function, out solver.Vector) error { return nil }

func (s *stubEngine) EvalAdjointResProduct(psi solver.Vector, out []float64) error { return nil }
func (s *stubEngine) EvalAdjointResXptSensProduct(psi solver.Vector, out solver.Vector) error {
	return nil
}
