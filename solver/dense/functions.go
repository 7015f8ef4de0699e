package dense

import (
	"fmt"

	"github.com/ehariton/mphys/solver"
)

// Mass is the aggregate structural mass, sum of rho*A*L over elements.
// It does not depend on the state vector.
type Mass struct{}

func (Mass) Name() string           { return "mass" }
func (Mass) StateIndependent() bool { return true }

// Compliance is the strain energy 1/2 u^T K u, evaluated elementwise.
type Compliance struct{}

func (Compliance) Name() string { return "compliance" }

var (
	_ solver.MassFunction = Mass{}
	_ solver.Function     = Compliance{}
)

// EvalFunctions evaluates the scalar functions at the current design, nodes
// and state, in the order given.
func (en *Engine) EvalFunctions(fns []solver.Function) ([]float64, error) {
	out := make([]float64, len(fns))
	for i, fn := range fns {
		switch fn.(type) {
		case Mass:
			for e := 0; e < en.nn-1; e++ {
				l, _, err := en.elemLength(e)
				if err != nil {
					return nil, err
				}
				out[i] += en.rho * en.dv[e] * l
			}
		case Compliance:
			for e := 0; e < en.nn-1; e++ {
				ke, err := en.stiffness(e)
				if err != nil {
					return nil, err
				}
				for d := 0; d < en.ndof; d++ {
					du := en.elemStretch(e, d)
					out[i] += 0.5 * ke * du * du
				}
			}
		default:
			return nil, fmt.Errorf("%w: unknown function %q", solver.ErrConfiguration, fn.Name())
		}
	}
	return out, nil
}

// EvalDVSens writes the partial of fn with respect to the element areas,
// summed across ranks.
func (en *Engine) EvalDVSens(fn solver.Function, out []float64) error {
	if len(out) != len(en.dv) {
		return fmt.Errorf("%w: sensitivity length %d, want %d",
			solver.ErrConfiguration, len(out), len(en.dv))
	}
	local := make([]float64, len(en.dv))
	switch fn.(type) {
	case Mass:
		for e := range local {
			l, _, err := en.elemLength(e)
			if err != nil {
				return err
			}
			local[e] = en.rho * l
		}
	case Compliance:
		for e := range local {
			l, _, err := en.elemLength(e)
			if err != nil {
				return err
			}
			for d := 0; d < en.ndof; d++ {
				du := en.elemStretch(e, d)
				local[e] += 0.5 * en.e / l * du * du
			}
		}
	default:
		return fmt.Errorf("%w: unknown function %q", solver.ErrConfiguration, fn.Name())
	}

	summed, err := en.comm.AllReduceSum(local)
	if err != nil {
		return err
	}
	copy(out, summed)
	return nil
}

// EvalXptSens writes the partial of fn with respect to node coordinates.
func (en *Engine) EvalXptSens(fn solver.Function, out Vec) error {
	arr := out.Array()
	if len(arr) != 3*en.nn {
		return fmt.Errorf("%w: node sensitivity length %d, want %d",
			solver.ErrConfiguration, len(arr), 3*en.nn)
	}
	out.Zero()

	for e := 0; e < en.nn-1; e++ {
		l, dir, err := en.elemLength(e)
		if err != nil {
			return err
		}

		// dF/dL for this element.
		var dfdl float64
		switch fn.(type) {
		case Mass:
			dfdl = en.rho * en.dv[e]
		case Compliance:
			for d := 0; d < en.ndof; d++ {
				du := en.elemStretch(e, d)
				dfdl += -0.5 * en.e * en.dv[e] / (l * l) * du * du
			}
		default:
			return fmt.Errorf("%w: unknown function %q", solver.ErrConfiguration, fn.Name())
		}

		// dL/dx is +dir at the far node, -dir at the near node.
		for c := 0; c < 3; c++ {
			arr[3*(e+1)+c] += dfdl * dir[c]
			arr[3*e+c] -= dfdl * dir[c]
		}
	}
	return nil
}

// EvalSVSens writes the partial of fn with respect to the state vector.
// Mass has no state dependence, so its sensitivity is identically zero.
func (en *Engine) EvalSVSens(fn solver.Function, out Vec) error {
	arr := out.Array()
	if len(arr) != en.nn*en.ndof {
		return fmt.Errorf("%w: state sensitivity length %d, want %d",
			solver.ErrConfiguration, len(arr), en.nn*en.ndof)
	}
	out.Zero()

	switch fn.(type) {
	case Mass:
		return nil
	case Compliance:
		// dC/du = K*u assembled elementwise.
		for e := 0; e < en.nn-1; e++ {
			ke, err := en.stiffness(e)
			if err != nil {
				return err
			}
			for d := 0; d < en.ndof; d++ {
				du := en.elemStretch(e, d)
				arr[en.ndof*(e+1)+d] += ke * du
				arr[en.ndof*e+d] -= ke * du
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown function %q", solver.ErrConfiguration, fn.Name())
	}
}

// EvalAdjointResProduct computes psi^T * d(K*u)/d(dv) at the current state,
// summed across ranks. Callers accumulate the result on one rank only.
func (en *Engine) EvalAdjointResProduct(psi Vec, out []float64) error {
	if len(out) != len(en.dv) {
		return fmt.Errorf("%w: product length %d, want %d",
			solver.ErrConfiguration, len(out), len(en.dv))
	}
	p := psi.Array()
	local := make([]float64, len(en.dv))
	for e := range local {
		l, _, err := en.elemLength(e)
		if err != nil {
			return err
		}
		for d := 0; d < en.ndof; d++ {
			du := en.elemStretch(e, d)
			dpsi := p[en.ndof*(e+1)+d] - p[en.ndof*e+d]
			local[e] += en.e / l * dpsi * du
		}
	}

	summed, err := en.comm.AllReduceSum(local)
	if err != nil {
		return err
	}
	copy(out, summed)
	return nil
}

// EvalAdjointResXptSensProduct computes psi^T * d(K*u)/d(x) at the current
// state.
func (en *Engine) EvalAdjointResXptSensProduct(psi Vec, out Vec) error {
	arr := out.Array()
	if len(arr) != 3*en.nn {
		return fmt.Errorf("%w: product length %d, want %d",
			solver.ErrConfiguration, len(arr), 3*en.nn)
	}
	out.Zero()

	p := psi.Array()
	for e := 0; e < en.nn-1; e++ {
		l, dir, err := en.elemLength(e)
		if err != nil {
			return err
		}

		// dk/dL = -E*A/L^2, contracted with psi^T (pattern) u.
		var contract float64
		for d := 0; d < en.ndof; d++ {
			du := en.elemStretch(e, d)
			dpsi := p[en.ndof*(e+1)+d] - p[en.ndof*e+d]
			contract += dpsi * du
		}
		dkdl := -en.e * en.dv[e] / (l * l)

		for c := 0; c < 3; c++ {
			arr[3*(e+1)+c] += dkdl * contract * dir[c]
			arr[3*e+c] -= dkdl * contract * dir[c]
		}
	}
	return nil
}
