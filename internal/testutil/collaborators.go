// Package testutil provides synthetic Problem and Backend collaborators with
// simple, exactly predictable arithmetic so orchestration tests can assert on
// phase ordering, tape contents, and indicator values without a real
// discretization.
package testutil

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring"

	"github.com/dwrlab/goadapt/core"
	"github.com/dwrlab/goadapt/problem"
	"github.com/dwrlab/goadapt/tape"
)

// Mesh is a cell-counted mesh with no geometry.
type Mesh struct {
	Cells int
}

func (m Mesh) CellCount() int { return m.Cells }
func (m Mesh) Dim() int       { return 1 }

// Space is the function space over a Mesh: one degree of freedom per cell.
type Space struct {
	Mesh Mesh
}

// ResidualForm is the weak-residual handle the synthetic backend assembles.
type ResidualForm struct {
	Args problem.ResidualArgs
}

// FunctionalForm is the goal-functional handle: J(w) = sum_i w_i.
type FunctionalForm struct {
	State core.State
}

// Backend implements backend.Interface and backend.Adjoint with scripted
// arithmetic:
//
//   - SolveNonlinear returns Decay * previous state,
//   - AssembleScalar sums the functional state,
//   - AssembleCellwise returns DualWeight[i] * ThetaState[i] per cell,
//   - DualSolve returns DualScale * tape value,
//   - Refine splits every marked cell in two.
//
// Calls records the operation sequence for ordering assertions.
type Backend struct {
	Decay     float64
	DualScale float64

	// SolveErr, if set, fails every nonlinear solve.
	SolveErr error
	// AdjointOff disables the adjoint capability.
	AdjointOff bool

	Calls            []string
	Budget           core.CheckpointBudget
	ConfiguredBudget int
	Resets           int
	LastAlgorithm    string
}

func NewBackend() *Backend {
	return &Backend{Decay: 0.5, DualScale: 0.25}
}

func (b *Backend) record(op string) { b.Calls = append(b.Calls, op) }

func (b *Backend) BuildSpace(mesh core.Mesh) (core.Space, error) {
	b.record("BuildSpace")
	m, ok := mesh.(Mesh)
	if !ok {
		return nil, fmt.Errorf("unexpected mesh type %T", mesh)
	}
	return Space{Mesh: m}, nil
}

func (b *Backend) AssembleScalar(_ core.Space, form core.Form) (float64, error) {
	b.record("AssembleScalar")
	f, ok := form.(FunctionalForm)
	if !ok {
		return 0, fmt.Errorf("unexpected scalar form type %T", form)
	}
	sum := 0.0
	for _, v := range f.State {
		sum += v
	}
	return sum, nil
}

func (b *Backend) AssembleCellwise(space core.Space, form core.Form) ([]float64, error) {
	b.record("AssembleCellwise")
	f, ok := form.(ResidualForm)
	if !ok {
		return nil, fmt.Errorf("unexpected cellwise form type %T", form)
	}
	if !f.Args.IndicatorMode {
		return nil, fmt.Errorf("cellwise assembly requires indicator mode")
	}
	cells := space.(Space).Mesh.Cells
	out := make([]float64, cells)
	for i := 0; i < cells && i < len(f.Args.ThetaState); i++ {
		out[i] = f.Args.DualWeight[i] * f.Args.ThetaState[i]
	}
	return out, nil
}

func (b *Backend) SolveNonlinear(_ context.Context, space core.Space, form core.Form, _ core.BoundaryConditions, guess core.State) (core.State, error) {
	b.record("SolveNonlinear")
	if b.SolveErr != nil {
		return nil, b.SolveErr
	}
	f, ok := form.(ResidualForm)
	if !ok {
		return nil, fmt.Errorf("unexpected residual form type %T", form)
	}
	prev := f.Args.PrevState
	if prev == nil {
		// Steady solve: start from ones.
		prev = make(core.State, space.(Space).Mesh.Cells)
		for i := range prev {
			prev[i] = 1
		}
	}
	next := make(core.State, len(prev))
	for i, v := range prev {
		next[i] = b.Decay * v
	}
	_ = guess
	return next, nil
}

func (b *Backend) Refine(mesh core.Mesh, marked *roaring.Bitmap, algorithm string) (core.Mesh, error) {
	b.record("Refine")
	b.LastAlgorithm = algorithm
	m := mesh.(Mesh)
	return Mesh{Cells: m.Cells + int(marked.GetCardinality())}, nil
}

func (b *Backend) Available() bool { return !b.AdjointOff }

func (b *Backend) ConfigureCheckpoints(budget core.CheckpointBudget) error {
	b.record("ConfigureCheckpoints")
	if b.AdjointOff {
		return core.ErrAdjointUnavailable
	}
	b.Budget = budget
	b.ConfiguredBudget++
	return nil
}

func (b *Backend) DualSolve(_ context.Context, _ core.Space, _ core.Form, entry tape.Entry, laterDual core.State) (core.State, error) {
	b.record("DualSolve")
	if b.AdjointOff {
		return nil, core.ErrAdjointUnavailable
	}
	dual := make(core.State, len(entry.Value))
	for i, v := range entry.Value {
		dual[i] = b.DualScale * v
		if laterDual != nil {
			dual[i] += laterDual[i]
		}
	}
	return dual, nil
}

func (b *Backend) Reset() {
	b.record("Reset")
	b.Resets++
}

// CallCount returns how many times op was recorded.
func (b *Backend) CallCount(op string) int {
	n := 0
	for _, c := range b.Calls {
		if c == op {
			n++
		}
	}
	return n
}

// Problem is a configurable synthetic problem.
type Problem struct {
	ProblemName string
	MeshVal     Mesh
	Domain      core.TimeDomain
	ThetaVal    float64
	Caps        problem.Capabilities

	// Initial is the initial state; defaults to ones sized to the mesh.
	Initial core.State
	// NoFunctional disables the goal functional.
	NoFunctional bool

	// UpdateCalls counts boundary-condition updates (Updatable capability).
	UpdateCalls int
	// NextStep is returned by TimeStep when DynamicStep is declared.
	NextStep float64
	// OptimizeCalls counts optimization passes (Optimizable capability).
	OptimizeCalls int
}

var _ problem.Interface = (*Problem)(nil)

// NewProblem returns a transient problem over [0,1] with k=0.25, theta=0.5
// and the given cell count.
func NewProblem(cells int) *Problem {
	return &Problem{
		ProblemName: "synthetic",
		MeshVal:     Mesh{Cells: cells},
		Domain:      core.TimeDomain{T0: 0, T: 1, K: 0.25},
		ThetaVal:    0.5,
	}
}

func (p *Problem) Name() string                       { return p.ProblemName }
func (p *Problem) Mesh() core.Mesh                    { return p.MeshVal }
func (p *Problem) TimeDomain() core.TimeDomain        { return p.Domain }
func (p *Problem) Theta() float64                     { return p.ThetaVal }
func (p *Problem) Capabilities() problem.Capabilities { return p.Caps }

func (p *Problem) WeakResidual(args problem.ResidualArgs) (core.Form, error) {
	return ResidualForm{Args: args}, nil
}

func (p *Problem) BoundaryConditions(core.Space, float64) (core.BoundaryConditions, error) {
	return "dirichlet", nil
}

func (p *Problem) InitialConditions(space core.Space) (core.State, error) {
	if p.Initial != nil {
		return p.Initial.Clone(), nil
	}
	ic := make(core.State, space.(Space).Mesh.Cells)
	for i := range ic {
		ic[i] = 1
	}
	return ic, nil
}

func (p *Problem) Functional(_ core.Space, w core.State) (core.Form, error) {
	if p.NoFunctional {
		return nil, nil
	}
	return FunctionalForm{State: w.Clone()}, nil
}

// Update implements problem.Updatable.
func (p *Problem) Update(core.Space, float64) (core.BoundaryConditions, error) {
	p.UpdateCalls++
	return "dirichlet-updated", nil
}

// TimeStep implements problem.DynamicStepper.
func (p *Problem) TimeStep(core.State, core.Mesh) float64 {
	if p.NextStep > 0 {
		return p.NextStep
	}
	return p.Domain.K
}

// Optimize implements problem.Optimizable.
func (p *Problem) Optimize(context.Context, core.Space, core.State) error {
	p.OptimizeCalls++
	return nil
}
