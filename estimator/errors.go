package estimator

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned by setters given a value outside its domain.
	ErrInvalidConfig = errors.New("estimator: invalid configuration")
	// ErrLocked is returned by every mutator while an estimation is running.
	ErrLocked = errors.New("estimator: locked while estimating")
	// ErrNotReady is returned by Estimate when IsReady is false.
	ErrNotReady = errors.New("estimator: not ready")
)

// EstimationError reports a failed run: no consensus within the iteration
// budget, or a refinement that could not be completed.
type EstimationError struct {
	Stage string
	Err   error
}

func (e *EstimationError) Error() string {
	return fmt.Sprintf("estimator: %s failed: %v", e.Stage, e.Err)
}

func (e *EstimationError) Unwrap() error { return e.Err }

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
