package coupling

import (
	"fmt"

	"github.com/ehariton/mphys/solver"
)

// Mesh reads the initial node coordinates from the engine once and serves
// them as the distributed x_s0 output.
type Mesh struct {
	engine solver.Engine
	xpts   solver.Vector
}

var _ Explicit = (*Mesh)(nil)

// NewMesh captures the engine's initial node coordinates.
func NewMesh(engine solver.Engine) (*Mesh, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: mesh requires an engine", solver.ErrConfiguration)
	}
	m := &Mesh{engine: engine, xpts: engine.CreateNodeVec()}
	engine.GetNodes(m.xpts)
	return m, nil
}

func (m *Mesh) Inputs() []Port { return nil }

func (m *Mesh) Outputs() []Port {
	return []Port{{Name: "x_s0", Size: m.xpts.Len(), Distributed: true}}
}

func (m *Mesh) Compute(inputs, outputs Variables) error {
	out, err := need(outputs, "x_s0", m.xpts.Len())
	if err != nil {
		return err
	}
	return solver.Export(out, m.xpts)
}

// ComputeJacVec is a no-op: the mesh has no inputs to seed.
func (m *Mesh) ComputeJacVec(inputs, dInputs, dOutputs Variables, mode Mode) error {
	return nil
}
