// Package problem defines the contract a PDE problem supplies to the solver:
// its domain, weak residual, boundary and initial conditions, and goal
// functional. Optional abilities (time-dependent boundary updates, dynamic
// step sizing, optimization, steady state) are declared up front in a
// Capabilities descriptor and implemented on separate interfaces; the solver
// queries the descriptor once at configuration time instead of introspecting
// mid-run.
package problem

import (
	"context"
	"fmt"

	"github.com/dwrlab/goadapt/core"
)

// Capabilities declares which optional members a problem implements. A
// missing optional capability disables the corresponding feature without
// failing the run.
type Capabilities struct {
	// SteadyState marks a problem without a time domain: a single solve, a
	// single dual state, no tape bookkeeping, no checkpoint plan.
	SteadyState bool
	// Updatable means the problem recomputes boundary conditions each step.
	Updatable bool
	// DynamicStep means the problem supplies a step-sizing rule evaluated
	// after each refinement.
	DynamicStep bool
	// Optimizable means the problem defines an optimization pass over the
	// recorded trajectory.
	Optimizable bool
}

// ResidualArgs carries the state context for one weak-residual evaluation.
// For primal solves the trial state is implicit (chosen by the backend's
// nonlinear iteration) and ThetaState/State are nil; for indicator assembly
// both tape states and the dual weight are supplied explicitly.
type ResidualArgs struct {
	K     float64
	Theta float64
	Space core.Space

	// ThetaState is theta*State + (1-theta)*PrevState. Set in indicator mode.
	ThetaState core.State
	// State is the (chronologically later) tape state in indicator mode.
	State core.State
	// PrevState is the previous time step's solution.
	PrevState core.State

	// IndicatorMode selects the error-representation variant of the residual,
	// tested against the dual weight on a piecewise-constant space.
	IndicatorMode bool
	// DualWeight is the dual state weighting the residual. Set in indicator
	// mode only.
	DualWeight core.State
}

// Interface is the required surface of a problem. Every method here must be
// meaningfully implemented; use Validate at startup to turn missing pieces
// into typed configuration errors instead of mid-run failures.
type Interface interface {
	// Name identifies the problem in logs and artifact names.
	Name() string
	// Mesh returns the initial mesh.
	Mesh() core.Mesh
	// TimeDomain returns the time interval and nominal step. Ignored for
	// steady-state problems.
	TimeDomain() core.TimeDomain
	// Theta returns the time-stepping weight in [0,1].
	Theta() float64
	// Capabilities declares the optional members this problem implements.
	Capabilities() Capabilities

	// WeakResidual builds the weak form of the problem for the given state
	// context.
	WeakResidual(args ResidualArgs) (core.Form, error)
	// BoundaryConditions returns the boundary conditions at time t.
	BoundaryConditions(space core.Space, t float64) (core.BoundaryConditions, error)
	// InitialConditions returns the initial state on the given space.
	InitialConditions(space core.Space) (core.State, error)
	// Functional returns the goal functional form evaluated at state w.
	Functional(space core.Space, w core.State) (core.Form, error)
}

// Updatable problems recompute boundary conditions each time step.
type Updatable interface {
	Update(space core.Space, t float64) (core.BoundaryConditions, error)
}

// DynamicStepper problems recompute the nominal time step after refinement.
type DynamicStepper interface {
	TimeStep(prev core.State, mesh core.Mesh) float64
}

// Optimizable problems run an optimization pass over the annotated forward
// trajectory after the adaptive loop.
type Optimizable interface {
	Optimize(ctx context.Context, space core.Space, w core.State) error
}

// Validate checks a problem at configuration time: required members are
// present and sane, and every declared capability is actually implemented.
// All failures are typed, recoverable errors; the host decides how to react.
func Validate(p Interface) error {
	if p == nil {
		return &core.ConfigError{Field: "problem", Value: "<nil>", Message: "no problem supplied"}
	}
	if p.Mesh() == nil {
		return &core.ConfigError{Field: "problem.mesh", Value: p.Name(), Message: "problem supplies no mesh"}
	}
	if theta := p.Theta(); theta < 0 || theta > 1 {
		return &core.ConfigError{Field: "problem.theta", Value: fmt.Sprintf("%g", theta), Message: "theta must be in [0,1]"}
	}

	caps := p.Capabilities()
	if !caps.SteadyState {
		if err := p.TimeDomain().Validate(); err != nil {
			return err
		}
	}
	if caps.Updatable {
		if _, ok := p.(Updatable); !ok {
			return &core.ConfigError{Field: "problem.capabilities.updatable", Value: p.Name(), Message: "declared but Update is not implemented"}
		}
	}
	if caps.DynamicStep {
		if _, ok := p.(DynamicStepper); !ok {
			return &core.ConfigError{Field: "problem.capabilities.dynamic_step", Value: p.Name(), Message: "declared but TimeStep is not implemented"}
		}
	}
	if caps.Optimizable {
		if _, ok := p.(Optimizable); !ok {
			return &core.ConfigError{Field: "problem.capabilities.optimizable", Value: p.Name(), Message: "declared but Optimize is not implemented"}
		}
	}
	return nil
}
