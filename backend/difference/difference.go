// Package difference is the reference numerical backend: a 1D cell-centered
// finite-difference discretization with Newton per-step solves and a discrete
// adjoint. It exists to run the full adaptive pipeline end to end without an
// external PDE library, and as the contract model for richer backends.
package difference

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/RoaringBitmap/roaring"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/dwrlab/goadapt/backend"
	"github.com/dwrlab/goadapt/core"
	"github.com/dwrlab/goadapt/tape"
)

// gridSpace is one unknown per cell center.
type gridSpace struct {
	mesh *IntervalMesh
}

func asSpace(s core.Space) (gridSpace, error) {
	sp, ok := s.(gridSpace)
	if !ok {
		return gridSpace{}, fmt.Errorf("%w: space %T does not belong to the difference backend", core.ErrMissingSpace, s)
	}
	return sp, nil
}

// Options tunes the Newton iteration.
type Options struct {
	MaxIterations     int
	RelativeTolerance float64
	AbsoluteTolerance float64
	Logger            *slog.Logger
}

// Backend implements the numerical and adjoint capabilities on interval
// meshes. It is single-threaded, like the solver driving it.
type Backend struct {
	maxIter int
	relTol  float64
	absTol  float64
	logger  *slog.Logger

	budget core.CheckpointBudget

	// Discretization of the last annotated primal pass, consumed by the
	// dual sweep.
	lastK     float64
	lastTheta float64
	lastNu    float64
	lastBeta  float64
}

var (
	_ backend.Interface = (*Backend)(nil)
	_ backend.Adjoint   = (*Backend)(nil)
)

// New builds a Backend. Zero tolerances and iteration counts fall back to
// Newton defaults.
func New(opts Options) *Backend {
	if opts.MaxIterations < 1 {
		opts.MaxIterations = 50
	}
	if opts.RelativeTolerance <= 0 {
		opts.RelativeTolerance = 1e-9
	}
	if opts.AbsoluteTolerance <= 0 {
		opts.AbsoluteTolerance = 1e-10
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Backend{
		maxIter: opts.MaxIterations,
		relTol:  opts.RelativeTolerance,
		absTol:  opts.AbsoluteTolerance,
		logger:  logger.With("component", "difference"),
	}
}

func (b *Backend) BuildSpace(mesh core.Mesh) (core.Space, error) {
	m, ok := mesh.(*IntervalMesh)
	if !ok {
		return nil, fmt.Errorf("%w: mesh %T does not belong to the difference backend", core.ErrMissingSpace, mesh)
	}
	return gridSpace{mesh: m}, nil
}

// laplacian assembles the cell-centered diffusion operator with homogeneous
// Dirichlet boundaries, valid on non-uniform spacings.
func laplacian(m *IntervalMesh) *mat.Dense {
	n := m.CellCount()
	a, bnd := m.Bounds()
	L := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		h := m.Width(i)
		var dLeft, dRight float64
		if i == 0 {
			dLeft = m.Center(0) - a
		} else {
			dLeft = m.Center(i) - m.Center(i-1)
		}
		if i == n-1 {
			dRight = bnd - m.Center(n - 1)
		} else {
			dRight = m.Center(i+1) - m.Center(i)
		}

		L.Set(i, i, -(1/dLeft+1/dRight)/h)
		if i > 0 {
			L.Set(i, i-1, 1/(dLeft*h))
		}
		if i < n-1 {
			L.Set(i, i+1, 1/(dRight*h))
		}
	}
	return L
}

// SolveNonlinear runs a Newton iteration on the theta-discretized residual.
// The converged solution of F(u)=0 with F(u) = u - uPrev
// - k*nu*(theta*L u + (1-theta)*L uPrev) + k*beta*(theta*u^3 +
// (1-theta)*uPrev^3) - k*f. For steady problems (no previous state and no
// step) the residual is -nu*L u + beta*u^3 - f.
func (b *Backend) SolveNonlinear(ctx context.Context, space core.Space, form core.Form, _ core.BoundaryConditions, guess core.State) (core.State, error) {
	sp, err := asSpace(space)
	if err != nil {
		return nil, err
	}
	rf, ok := form.(*residualForm)
	if !ok {
		return nil, fmt.Errorf("form %T does not belong to the difference backend", form)
	}

	n := sp.mesh.CellCount()
	steady := rf.args.PrevState == nil && rf.args.K == 0
	k, theta := rf.args.K, rf.args.Theta

	b.lastK, b.lastTheta = k, theta
	b.lastNu, b.lastBeta = rf.nu, rf.beta

	L := laplacian(sp.mesh)
	f := make([]float64, n)
	for i := range f {
		f[i] = rf.sourceAt(sp.mesh.Center(i))
	}

	u := make(core.State, n)
	switch {
	case guess != nil:
		copy(u, guess)
	case rf.args.PrevState != nil:
		copy(u, rf.args.PrevState)
	}

	residual := func(u core.State) *mat.VecDense {
		r := mat.NewVecDense(n, nil)
		Lu := mat.NewVecDense(n, nil)
		Lu.MulVec(L, mat.NewVecDense(n, u))
		if steady {
			for i := 0; i < n; i++ {
				r.SetVec(i, -rf.nu*Lu.AtVec(i)+rf.beta*u[i]*u[i]*u[i]-f[i])
			}
			return r
		}
		prev := rf.args.PrevState
		LuPrev := mat.NewVecDense(n, nil)
		LuPrev.MulVec(L, mat.NewVecDense(n, prev))
		for i := 0; i < n; i++ {
			diff := rf.nu * (theta*Lu.AtVec(i) + (1-theta)*LuPrev.AtVec(i))
			reac := rf.beta * (theta*u[i]*u[i]*u[i] + (1-theta)*prev[i]*prev[i]*prev[i])
			r.SetVec(i, u[i]-prev[i]-k*diff+k*reac-k*f[i])
		}
		return r
	}

	jacobian := func(u core.State) *mat.Dense {
		J := mat.NewDense(n, n, nil)
		if steady {
			J.Scale(-rf.nu, L)
			for i := 0; i < n; i++ {
				J.Set(i, i, J.At(i, i)+3*rf.beta*u[i]*u[i])
			}
			return J
		}
		J.Scale(-k*theta*rf.nu, L)
		for i := 0; i < n; i++ {
			J.Set(i, i, J.At(i, i)+1+3*k*theta*rf.beta*u[i]*u[i])
		}
		return J
	}

	for iter := 1; iter <= b.maxIter; iter++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		r := residual(u)
		var delta mat.VecDense
		if err := delta.SolveVec(jacobian(u), r); err != nil {
			return nil, fmt.Errorf("%w: singular Newton system: %v", core.ErrSolveDiverged, err)
		}
		floats.Sub(u, delta.RawVector().Data)

		step := floats.Norm(delta.RawVector().Data, 2)
		if step <= b.absTol+b.relTol*floats.Norm(u, 2) {
			if !u.IsValid() {
				return nil, fmt.Errorf("%w: non-finite solution", core.ErrSolveDiverged)
			}
			b.logger.Debug("newton converged", "iterations", iter, "step_norm", step)
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: no convergence in %d Newton iterations", core.ErrSolveDiverged, b.maxIter)
}

// AssembleScalar evaluates the integral functional sum_i h_i w_i.
func (b *Backend) AssembleScalar(space core.Space, form core.Form) (float64, error) {
	sp, err := asSpace(space)
	if err != nil {
		return 0, err
	}
	ff, ok := form.(*functionalForm)
	if !ok {
		return 0, fmt.Errorf("form %T is not a functional of the difference backend", form)
	}
	if len(ff.state) != sp.mesh.CellCount() {
		return 0, fmt.Errorf("functional state has %d values for a %d-cell mesh", len(ff.state), sp.mesh.CellCount())
	}
	sum := 0.0
	for i, v := range ff.state {
		sum += sp.mesh.Width(i) * v
	}
	return sum, nil
}

// recovered evaluates a second derivative per cell by fitting a quadratic
// through three neighboring cell centers, one-sided at the boundaries. It
// deliberately differs from the solve operator: the discrete residual of the
// converged scheme vanishes against its own operator, so the indicator
// measures the gap between the scheme and the recovered derivative instead.
func recovered(m *IntervalMesh, u core.State) []float64 {
	n := m.CellCount()
	out := make([]float64, n)
	if n < 3 {
		return out
	}
	for i := 0; i < n; i++ {
		j := i
		if j == 0 {
			j = 1
		}
		if j == n-1 {
			j = n - 2
		}
		xa, xb, xc := m.Center(j-1), m.Center(j), m.Center(j+1)
		ua, ub, uc := u[j-1], u[j], u[j+1]
		out[i] = 2 * (ua/((xa-xb)*(xa-xc)) + ub/((xb-xa)*(xb-xc)) + uc/((xc-xa)*(xc-xb)))
	}
	return out
}

// AssembleCellwise localizes the dual-weighted residual: per cell, the strong
// residual at the theta state times the dual weight times the cell width. The
// diffusion term uses the recovered second derivative.
func (b *Backend) AssembleCellwise(space core.Space, form core.Form) ([]float64, error) {
	sp, err := asSpace(space)
	if err != nil {
		return nil, err
	}
	rf, ok := form.(*residualForm)
	if !ok {
		return nil, fmt.Errorf("form %T does not belong to the difference backend", form)
	}
	if !rf.args.IndicatorMode {
		return nil, fmt.Errorf("cellwise assembly requires the indicator residual")
	}

	n := sp.mesh.CellCount()
	args := rf.args
	if len(args.ThetaState) != n || len(args.DualWeight) != n {
		return nil, fmt.Errorf("indicator states have %d/%d values for a %d-cell mesh", len(args.ThetaState), len(args.DualWeight), n)
	}

	rec := recovered(sp.mesh, args.ThetaState)

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		var strong float64
		th := args.ThetaState[i]
		if args.K > 0 {
			strong = (args.State[i]-args.PrevState[i])/args.K - rf.nu*rec[i] + rf.beta*th*th*th - rf.sourceAt(sp.mesh.Center(i))
		} else {
			strong = -rf.nu*rec[i] + rf.beta*th*th*th - rf.sourceAt(sp.mesh.Center(i))
		}
		out[i] = strong * args.DualWeight[i] * sp.mesh.Width(i)
	}
	return out, nil
}

// Refine bisects the marked cells. Only the midpoint-cut algorithm is known
// to this backend.
func (b *Backend) Refine(mesh core.Mesh, marked *roaring.Bitmap, algorithm string) (core.Mesh, error) {
	m, ok := mesh.(*IntervalMesh)
	if !ok {
		return nil, fmt.Errorf("mesh %T does not belong to the difference backend", mesh)
	}
	if algorithm != core.DefaultRefinementAlgorithm {
		return nil, fmt.Errorf("unknown refinement algorithm %q", algorithm)
	}
	return m.Bisect(marked), nil
}

// Available reports the adjoint capability.
func (b *Backend) Available() bool { return true }

// ConfigureCheckpoints records the budget of the next annotated pass. The
// dense 1D states are small, the budget is kept for accounting only.
func (b *Backend) ConfigureCheckpoints(budget core.CheckpointBudget) error {
	b.budget = budget
	return nil
}

// DualSolve advances the discrete adjoint one step backward in time: the
// transposed Newton system at the recorded primal state, driven by the
// functional weight and the dual state of the later timestep.
func (b *Backend) DualSolve(ctx context.Context, space core.Space, functional core.Form, entry tape.Entry, laterDual core.State) (core.State, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	sp, err := asSpace(space)
	if err != nil {
		return nil, err
	}
	if _, ok := functional.(*functionalForm); !ok && functional != nil {
		return nil, fmt.Errorf("form %T is not a functional of the difference backend", functional)
	}

	n := sp.mesh.CellCount()
	if len(entry.Value) != n {
		return nil, fmt.Errorf("recorded state has %d values for a %d-cell mesh", len(entry.Value), n)
	}
	k, theta := b.lastK, b.lastTheta
	steady := k == 0
	L := laplacian(sp.mesh)

	// dJ/du of the integral functional is the cell width; time integration
	// scales it by the step.
	g := mat.NewVecDense(n, nil)
	if functional != nil {
		for i := 0; i < n; i++ {
			w := sp.mesh.Width(i)
			if !steady {
				w *= k
			}
			g.SetVec(i, w)
		}
	}

	// Jacobian of the primal step at the recorded state.
	J := mat.NewDense(n, n, nil)
	if steady {
		J.Scale(-b.lastNu, L)
		for i := 0; i < n; i++ {
			J.Set(i, i, J.At(i, i)+3*b.lastBeta*entry.Value[i]*entry.Value[i])
		}
	} else {
		J.Scale(-k*theta*b.lastNu, L)
		for i := 0; i < n; i++ {
			J.Set(i, i, J.At(i, i)+1+3*k*theta*b.lastBeta*entry.Value[i]*entry.Value[i])
		}
	}

	rhs := mat.NewVecDense(n, nil)
	rhs.CopyVec(g)
	if laterDual != nil {
		if len(laterDual) != n {
			return nil, fmt.Errorf("later dual state has %d values for a %d-cell mesh", len(laterDual), n)
		}
		// Coupling matrix of the explicit part, transposed. The reaction
		// derivative enters with the opposite sign of the diffusion term.
		B := mat.NewDense(n, n, nil)
		B.Scale(k*(1-theta)*b.lastNu, L)
		for i := 0; i < n; i++ {
			B.Set(i, i, B.At(i, i)+1-3*k*(1-theta)*b.lastBeta*entry.Value[i]*entry.Value[i])
		}
		carry := mat.NewVecDense(n, nil)
		carry.MulVec(B.T(), mat.NewVecDense(n, laterDual))
		rhs.AddVec(rhs, carry)
	}

	var z mat.VecDense
	if err := z.SolveVec(J.T(), rhs); err != nil {
		return nil, fmt.Errorf("%w: singular adjoint system: %v", core.ErrSolveDiverged, err)
	}
	dualState := core.State(z.RawVector().Data)
	if !dualState.IsValid() {
		return nil, fmt.Errorf("%w: non-finite dual state", core.ErrSolveDiverged)
	}
	return dualState.Clone(), nil
}

// Reset drops the captured discretization between adaptive iterations.
func (b *Backend) Reset() {
	b.lastK, b.lastTheta, b.lastNu, b.lastBeta = 0, 0, 0, 0
	b.budget = core.CheckpointBudget{}
}
