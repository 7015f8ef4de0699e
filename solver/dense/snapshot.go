package dense

import (
	"fmt"
	"os"
	"strings"
)

// WriteSnapshot persists a plain-text visualization snapshot of the current
// mesh and solution: node positions, displacements, and per-element strain.
func (en *Engine) WriteSnapshot(path string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "nodes %d ndof %d elements %d\n", en.nn, en.ndof, en.nn-1)

	for i := 0; i < en.nn; i++ {
		fmt.Fprintf(&b, "node %d %.17g %.17g %.17g\n",
			i, en.coords[3*i], en.coords[3*i+1], en.coords[3*i+2])
	}
	for i := 0; i < en.nn; i++ {
		fmt.Fprintf(&b, "disp %d", i)
		for d := 0; d < en.ndof; d++ {
			fmt.Fprintf(&b, " %.17g", en.state[en.ndof*i+d])
		}
		fmt.Fprintln(&b)
	}
	for e := 0; e < en.nn-1; e++ {
		l, _, err := en.elemLength(e)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "strain %d", e)
		for d := 0; d < en.ndof; d++ {
			fmt.Fprintf(&b, " %.17g", en.elemStretch(e, d)/l)
		}
		fmt.Fprintln(&b)
	}
	fmt.Fprintf(&b, "extras area")
	for e := range en.dv {
		fmt.Fprintf(&b, " %.17g", en.dv[e])
	}
	fmt.Fprintln(&b)

	return os.WriteFile(path, []byte(b.String()), 0o644)
}
