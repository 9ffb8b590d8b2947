// Package backend defines the numerical backend contract: function-space
// construction, weak-form assembly, nonlinear solves, and mesh subdivision.
// Reverse-mode adjoint support is a separate capability; hosts without it
// plug in NullAdjoint and the solver degrades to primal-only with a warning.
package backend

import (
	"context"

	"github.com/RoaringBitmap/roaring"

	"github.com/dwrlab/goadapt/core"
	"github.com/dwrlab/goadapt/tape"
)

// Interface is the primal surface every backend must provide. All operations
// are treated as atomic black boxes by the solver core.
type Interface interface {
	// BuildSpace constructs a function space over the mesh.
	BuildSpace(mesh core.Mesh) (core.Space, error)

	// AssembleScalar assembles a scalar-valued form (a goal functional).
	AssembleScalar(space core.Space, form core.Form) (float64, error)

	// AssembleCellwise assembles a form projected onto the piecewise-constant
	// per-cell space, returning one value per mesh cell.
	AssembleCellwise(space core.Space, form core.Form) ([]float64, error)

	// SolveNonlinear solves form == 0 for the trial state, starting from
	// guess, with the boundary conditions applied. Divergence is reported
	// with core.ErrSolveDiverged in the error chain.
	SolveNonlinear(ctx context.Context, space core.Space, form core.Form, bcs core.BoundaryConditions, guess core.State) (core.State, error)

	// Refine subdivides the marked cells using the named algorithm and
	// returns a new mesh. The input mesh is never mutated.
	Refine(mesh core.Mesh, marked *roaring.Bitmap, algorithm string) (core.Mesh, error)
}

// Adjoint is the reverse-mode capability. Available reports whether dual
// solves can actually be performed; the solver checks it once at startup
// rather than threading a global flag through call sites.
type Adjoint interface {
	// Available reports whether this backend can compute dual states.
	Available() bool

	// ConfigureCheckpoints installs the snapshot budget for the next
	// annotated forward pass.
	ConfigureCheckpoints(budget core.CheckpointBudget) error

	// DualSolve computes the dual state for one tape entry, given the dual
	// state of the chronologically later step (nil at the final time, where
	// the sweep starts).
	DualSolve(ctx context.Context, space core.Space, functional core.Form, entry tape.Entry, laterDual core.State) (core.State, error)

	// Reset drops all adjoint state between adaptive iterations.
	Reset()
}

// NullAdjoint rejects every adjoint request with core.ErrAdjointUnavailable.
// It is the default when no adjoint-capable backend is configured.
type NullAdjoint struct{}

var _ Adjoint = NullAdjoint{}

func (NullAdjoint) Available() bool { return false }

func (NullAdjoint) ConfigureCheckpoints(core.CheckpointBudget) error {
	return core.ErrAdjointUnavailable
}

func (NullAdjoint) DualSolve(context.Context, core.Space, core.Form, tape.Entry, core.State) (core.State, error) {
	return nil, core.ErrAdjointUnavailable
}

func (NullAdjoint) Reset() {}
