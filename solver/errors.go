package solver

import "errors"

// Failure taxonomy for the adapter boundary.
var (
	// ErrConfiguration indicates malformed setup: size/DOF arithmetic that
	// does not work out, a missing engine or factory, mismatched buffer
	// lengths. Raised before any collective operation is attempted.
	ErrConfiguration = errors.New("solver: invalid configuration")

	// ErrNotSupported indicates a declared but unimplemented entry point,
	// such as forward-mode sensitivity propagation.
	ErrNotSupported = errors.New("solver: operation not supported")

	// ErrDiverged indicates the iterative linear solve failed to reach the
	// requested tolerance. Surfaced to the caller, never retried here.
	ErrDiverged = errors.New("solver: linear solve diverged")
)
