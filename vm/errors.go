package vm

import "errors"

var (
	// ErrTimeout is returned by CreateVM when the spawn+connect attempt
	// exceeds its budget. Shutdown does not return it: when its wait runs
	// out it escalates to Destroy instead.
	ErrTimeout = errors.New("vm: operation timed out")

	// ErrInvalidConfiguration is returned when a Configuration fails
	// validation before createVM spawns anything.
	ErrInvalidConfiguration = errors.New("vm: invalid configuration")

	// ErrWrongState is returned when an operation's precondition on the
	// current VMStatus is not met.
	ErrWrongState = errors.New("vm: operation not valid in current state")
)
