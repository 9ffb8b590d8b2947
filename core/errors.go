package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for fatal configuration and sequencing failures. These
// indicate a programming or configuration mistake, not a transient condition;
// callers should abort the run, not retry.
var (
	// ErrMissingResidual is returned when a Problem does not supply a weak
	// residual definition.
	ErrMissingResidual = errors.New("goadapt: problem does not define a weak residual")

	// ErrMissingSpace is returned when no function-space definition is
	// available for the current mesh.
	ErrMissingSpace = errors.New("goadapt: no function space defined")

	// ErrEmptyTape is returned when a dual sweep is requested against a tape
	// with no recorded entries.
	ErrEmptyTape = errors.New("goadapt: forward tape is empty")

	// ErrMalformedTape is returned when tape entries are out of order or the
	// primal variable is missing from the record.
	ErrMalformedTape = errors.New("goadapt: forward tape is malformed")

	// ErrAdjointUnavailable is returned by the null adjoint backend when
	// adaptivity or optimization is requested without adjoint support.
	ErrAdjointUnavailable = errors.New("goadapt: adjoint backend unavailable")

	// ErrSolveDiverged is returned by backends when a nonlinear solve fails
	// to converge within its iteration budget.
	ErrSolveDiverged = errors.New("goadapt: nonlinear solve diverged")
)

// ConfigError is a typed, recoverable configuration error returned at
// startup validation time so a host application can decide how to react.
type ConfigError struct {
	Field   string
	Value   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration for %s '%s': %s", e.Field, e.Value, e.Message)
}

// IsConfigError checks if an error (or any error in its chain) is a ConfigError.
func IsConfigError(err error) bool {
	var configError *ConfigError
	return errors.As(err, &configError)
}

// SolveError wraps a backend solve failure with the step context in which it
// occurred.
type SolveError struct {
	Step int
	Time float64
	Err  error
}

func (e *SolveError) Error() string {
	return fmt.Sprintf("solve failed at step %d (t=%g): %v", e.Step, e.Time, e.Err)
}

func (e *SolveError) Unwrap() error {
	return e.Err
}
