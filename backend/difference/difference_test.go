package difference

import (
	"context"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwrlab/goadapt/core"
	"github.com/dwrlab/goadapt/problem"
	"github.com/dwrlab/goadapt/tape"
)

func TestIntervalMesh_Geometry(t *testing.T) {
	m, err := NewIntervalMesh(0, 1, 4)
	require.NoError(t, err)

	assert.Equal(t, 4, m.CellCount())
	assert.Equal(t, 1, m.Dim())
	assert.InDelta(t, 0.25, m.Width(2), 1e-15)
	assert.InDelta(t, 0.625, m.Center(2), 1e-15)

	a, b := m.Bounds()
	assert.Equal(t, 0.0, a)
	assert.Equal(t, 1.0, b)

	_, err = NewIntervalMesh(0, 1, 0)
	assert.Error(t, err)
	_, err = NewIntervalMesh(1, 1, 4)
	assert.Error(t, err)
}

type foreignMesh struct{}

func (foreignMesh) CellCount() int { return 1 }
func (foreignMesh) Dim() int       { return 1 }

func TestBackend_RejectsForeignMeshAndSpace(t *testing.T) {
	be := New(Options{})

	_, err := be.BuildSpace(foreignMesh{})
	assert.ErrorIs(t, err, core.ErrMissingSpace)

	_, err = be.AssembleScalar(nil, functionalForm{state: core.State{1}})
	assert.ErrorIs(t, err, core.ErrMissingSpace)
}

func TestIntervalMesh_Bisect(t *testing.T) {
	m, err := NewIntervalMesh(0, 1, 4)
	require.NoError(t, err)

	marked := roaring.New()
	marked.Add(1)
	refined := m.Bisect(marked)

	assert.Equal(t, 5, refined.CellCount())
	assert.Equal(t, 4, m.CellCount(), "the original mesh is unchanged")
	// Cell 1 [0.25, 0.5] splits at 0.375.
	assert.InDelta(t, 0.125, refined.Width(1), 1e-15)
	assert.InDelta(t, 0.125, refined.Width(2), 1e-15)
}

func TestLaplacian_UniformSpacing(t *testing.T) {
	m, err := NewIntervalMesh(0, 1, 4)
	require.NoError(t, err)
	L := laplacian(m)

	// Interior cell: classic [1 -2 1]/h^2 stencil at h=0.25.
	assert.InDelta(t, -32, L.At(1, 1), 1e-12)
	assert.InDelta(t, 16, L.At(1, 0), 1e-12)
	assert.InDelta(t, 16, L.At(1, 2), 1e-12)

	// Boundary cell: the Dirichlet wall is half a cell away.
	assert.InDelta(t, -48, L.At(0, 0), 1e-12)
	assert.InDelta(t, 16, L.At(0, 1), 1e-12)
}

func TestSolveNonlinear_TrivialDynamicsKeepState(t *testing.T) {
	be := New(Options{})
	prob := mustHeat(t, 4)
	prob.Nu = 0
	prob.Initial = func(x float64) float64 { return 4 * x * (1 - x) }

	space, err := be.BuildSpace(prob.MeshVal)
	require.NoError(t, err)
	prev, err := prob.InitialConditions(space)
	require.NoError(t, err)

	form, err := prob.WeakResidual(problem.ResidualArgs{K: 0.25, Theta: 0.5, Space: space, PrevState: prev})
	require.NoError(t, err)

	u, err := be.SolveNonlinear(context.Background(), space, form, nil, prev.Clone())
	require.NoError(t, err)
	for i := range u {
		assert.InDelta(t, prev[i], u[i], 1e-9, "without diffusion or forcing the state is stationary")
	}
}

func TestSolveNonlinear_ConstantForcing(t *testing.T) {
	be := New(Options{})
	prob := mustHeat(t, 4)
	prob.Nu = 0
	prob.Initial = nil
	prob.Source = func(float64) float64 { return 2 }

	space, err := be.BuildSpace(prob.MeshVal)
	require.NoError(t, err)
	prev := make(core.State, 4)

	form, err := prob.WeakResidual(problem.ResidualArgs{K: 0.25, Theta: 0.5, Space: space, PrevState: prev})
	require.NoError(t, err)

	u, err := be.SolveNonlinear(context.Background(), space, form, nil, nil)
	require.NoError(t, err)
	for i := range u {
		assert.InDelta(t, 0.5, u[i], 1e-9, "u = uPrev + k*f")
	}
}

func TestSolveNonlinear_SteadyNonlinearReaction(t *testing.T) {
	be := New(Options{})
	prob := mustHeat(t, 8)
	prob.Beta = 1
	prob.Source = func(float64) float64 { return 1 }

	space, err := be.BuildSpace(prob.MeshVal)
	require.NoError(t, err)
	form, err := prob.WeakResidual(problem.ResidualArgs{Theta: 0.5, Space: space})
	require.NoError(t, err)

	u, err := be.SolveNonlinear(context.Background(), space, form, nil, nil)
	require.NoError(t, err)
	require.True(t, u.IsValid())

	// A symmetric problem has a symmetric solution, positive under positive
	// forcing.
	for i := range u {
		assert.Greater(t, u[i], 0.0)
		assert.InDelta(t, u[len(u)-1-i], u[i], 1e-8)
	}
}

func TestSolveNonlinear_DiffusionDecaysTheBump(t *testing.T) {
	be := New(Options{})
	prob := mustHeat(t, 8)

	space, err := be.BuildSpace(prob.MeshVal)
	require.NoError(t, err)
	prev, err := prob.InitialConditions(space)
	require.NoError(t, err)

	form, err := prob.WeakResidual(problem.ResidualArgs{K: 0.01, Theta: 0.5, Space: space, PrevState: prev})
	require.NoError(t, err)

	u, err := be.SolveNonlinear(context.Background(), space, form, nil, prev.Clone())
	require.NoError(t, err)
	assert.Less(t, u.Norm(), prev.Norm(), "diffusion with Dirichlet walls dissipates energy")
}

func TestAssembleScalar_IntegralFunctional(t *testing.T) {
	be := New(Options{})
	prob := mustHeat(t, 4)
	space, err := be.BuildSpace(prob.MeshVal)
	require.NoError(t, err)

	form, err := prob.Functional(space, core.State{1, 2, 3, 4})
	require.NoError(t, err)
	v, err := be.AssembleScalar(space, form)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, v, 1e-12, "midpoint rule with h=0.25")
}

func TestAssembleCellwise_DualWeightedResidual(t *testing.T) {
	be := New(Options{})
	prob := mustHeat(t, 2)
	prob.Nu = 0

	space, err := be.BuildSpace(prob.MeshVal)
	require.NoError(t, err)
	form, err := prob.WeakResidual(problem.ResidualArgs{
		K:             0.5,
		Theta:         0.5,
		Space:         space,
		ThetaState:    core.State{1, 1},
		State:         core.State{2, 4},
		PrevState:     core.State{0, 0},
		IndicatorMode: true,
		DualWeight:    core.State{1, 3},
	})
	require.NoError(t, err)

	out, err := be.AssembleCellwise(space, form)
	require.NoError(t, err)
	require.Len(t, out, 2)
	// strong residual = (state-prev)/k; scaled by weight and width 0.5.
	assert.InDelta(t, 4*1*0.5, out[0], 1e-12)
	assert.InDelta(t, 8*3*0.5, out[1], 1e-12)
}

func TestAssembleCellwise_RequiresIndicatorMode(t *testing.T) {
	be := New(Options{})
	prob := mustHeat(t, 2)
	space, err := be.BuildSpace(prob.MeshVal)
	require.NoError(t, err)

	form, err := prob.WeakResidual(problem.ResidualArgs{K: 0.5, Space: space})
	require.NoError(t, err)
	_, err = be.AssembleCellwise(space, form)
	assert.Error(t, err)
}

func TestRefine_AlgorithmGuard(t *testing.T) {
	be := New(Options{})
	m, err := NewIntervalMesh(0, 1, 4)
	require.NoError(t, err)

	marked := roaring.New()
	marked.Add(0)
	refined, err := be.Refine(m, marked, core.DefaultRefinementAlgorithm)
	require.NoError(t, err)
	assert.Equal(t, 5, refined.CellCount())

	_, err = be.Refine(m, marked, "longest_edge")
	assert.Error(t, err)
}

func TestDualSolve_LinearBackwardAccumulation(t *testing.T) {
	be := New(Options{})
	prob := mustHeat(t, 4)
	space, err := be.BuildSpace(prob.MeshVal)
	require.NoError(t, err)

	// Pure accumulation dynamics: the Jacobian is the identity.
	be.lastK, be.lastTheta = 0.25, 0.5
	be.lastNu, be.lastBeta = 0, 0

	functional, err := prob.Functional(space, make(core.State, 4))
	require.NoError(t, err)
	entry := tape.Entry{Timestep: 4, Value: make(core.State, 4)}

	z, err := be.DualSolve(context.Background(), space, functional, entry, nil)
	require.NoError(t, err)
	for _, v := range z {
		assert.InDelta(t, 0.0625, v, 1e-12, "terminal dual is k times the cell width")
	}

	z2, err := be.DualSolve(context.Background(), space, functional, entry, z)
	require.NoError(t, err)
	for _, v := range z2 {
		assert.InDelta(t, 0.125, v, 1e-12, "each backward step adds the functional weight")
	}
}

func TestDualSolve_ReactionCoupling(t *testing.T) {
	be := New(Options{})
	prob := mustHeat(t, 4)
	space, err := be.BuildSpace(prob.MeshVal)
	require.NoError(t, err)

	// Pure reaction dynamics at u=1: the Jacobian and the backward coupling
	// are both diagonal.
	be.lastK, be.lastTheta = 0.5, 0.5
	be.lastNu, be.lastBeta = 0, 2

	functional, err := prob.Functional(space, make(core.State, 4))
	require.NoError(t, err)
	ones := core.State{1, 1, 1, 1}
	entry := tape.Entry{Timestep: 3, Value: ones}

	z, err := be.DualSolve(context.Background(), space, functional, entry, ones)
	require.NoError(t, err)
	for _, v := range z {
		// (k*h + (1 - 3k(1-theta)beta)*1) / (1 + 3k theta beta)
		// = (0.125 - 0.5) / 2.5
		assert.InDelta(t, -0.15, v, 1e-12)
	}
}

func TestBackend_CheckpointAccounting(t *testing.T) {
	be := New(Options{})
	budget := core.CheckpointBudget{Steps: 4, SnapsInMemory: 3, SnapsOnDisk: 1}
	require.NoError(t, be.ConfigureCheckpoints(budget))
	assert.Equal(t, budget, be.budget)
	assert.True(t, be.Available())

	be.lastK = 0.25
	be.Reset()
	assert.Zero(t, be.lastK)
	assert.Zero(t, be.budget)
}

func mustHeat(t *testing.T, nx int) *HeatProblem {
	t.Helper()
	p, err := NewHeatProblem(nx, core.TimeDomain{T0: 0, T: 1, K: 0.25})
	require.NoError(t, err)
	return p
}
