package solver

import "fmt"

// Copy loads a plain numeric array into an engine-native vector. Lengths
// must match exactly: the adapter boundary never truncates or pads.
func Copy(dst Vector, src []float64) error {
	if dst == nil {
		return fmt.Errorf("%w: copy into nil vector", ErrConfiguration)
	}
	arr := dst.Array()
	if len(arr) != len(src) {
		return fmt.Errorf("%w: copy length mismatch: vector %d, source %d",
			ErrConfiguration, len(arr), len(src))
	}
	copy(arr, src)
	return nil
}

// Export copies an engine-native vector out into a plain numeric array.
func Export(dst []float64, src Vector) error {
	if src == nil {
		return fmt.Errorf("%w: export from nil vector", ErrConfiguration)
	}
	arr := src.Array()
	if len(arr) != len(dst) {
		return fmt.Errorf("%w: export length mismatch: destination %d, vector %d",
			ErrConfiguration, len(dst), len(arr))
	}
	copy(dst, arr)
	return nil
}
