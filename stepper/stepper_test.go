package stepper

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwrlab/goadapt/core"
	"github.com/dwrlab/goadapt/hooks"
	"github.com/dwrlab/goadapt/internal/testutil"
	"github.com/dwrlab/goadapt/tape"
)

func newOrchestrator(t *testing.T, be *testutil.Backend, h hooks.HookManager) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(Options{Backend: be, Hooks: h})
	require.NoError(t, err)
	return o
}

func TestAdjustStep_EvenlyDividesInterval(t *testing.T) {
	tests := []struct {
		name       string
		t0, T, k   float64
		want       float64
	}{
		{"ShrinksToEvenDivision", 0, 1.0, 0.3, 0.25},
		{"KeepsExactDivision", 0, 1.0, 0.25, 0.25},
		{"StepLargerThanInterval", 0, 0.5, 2.0, 0.5},
		{"OffsetInterval", 1.0, 2.0, 0.3, 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AdjustStep(tt.t0, tt.T, tt.k)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-12)
			assert.LessOrEqual(t, got, tt.k, "adjusted step must never grow")

			steps := (tt.T - tt.t0) / got
			assert.InDelta(t, math.Round(steps), steps, 1e-9,
				"adjusted step must evenly divide the interval")
		})
	}
}

func TestAdjustStep_RejectsBadInput(t *testing.T) {
	_, err := AdjustStep(0, 0, 0.1)
	require.Error(t, err, "empty interval must be rejected")
	assert.True(t, core.IsConfigError(err))

	_, err = AdjustStep(0, 1, -0.1)
	require.Error(t, err, "non-positive step must be rejected")
	assert.True(t, core.IsConfigError(err))
}

func TestRun_StepCountAndFinalTime(t *testing.T) {
	be := testutil.NewBackend()
	o := newOrchestrator(t, be, nil)

	p := testutil.NewProblem(4)
	res, err := o.Run(context.Background(), RunInput{
		Problem: p,
		Mesh:    p.MeshVal,
		Domain:  core.TimeDomain{T0: 0, T: 1.0, K: 0.25},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Steps, "k=0.25 over [0,1] is exactly four steps")
	assert.Equal(t, 4, be.CallCount("SolveNonlinear"))
}

func TestRun_RecordsTapeInForwardOrder(t *testing.T) {
	be := testutil.NewBackend()
	o := newOrchestrator(t, be, nil)

	p := testutil.NewProblem(4)
	tp := tape.New()
	_, err := o.Run(context.Background(), RunInput{
		Problem: p,
		Mesh:    p.MeshVal,
		Domain:  core.TimeDomain{T0: 0, T: 1.0, K: 0.25},
		Record:  tp,
	})
	require.NoError(t, err)

	entries := tp.Entries()
	require.Len(t, entries, 4, "one tape entry per step solve")
	for i, e := range entries {
		assert.Equal(t, core.PrimalVariable, e.Variable)
		assert.Equal(t, i+1, e.Timestep)
		assert.Equal(t, 0, e.Iteration)
		assert.InDelta(t, float64(i+1)*0.25, e.Time, 1e-12)
	}
	require.NoError(t, tp.Validate(core.PrimalVariable))
}

func TestRun_FunctionalAccumulation(t *testing.T) {
	// Decay 0.5, initial state of ones over 2 cells: J(w) = sum(w).
	// m = k*J(w0) + sum_{n=1..4} k*J(wn)
	//   = 0.25*2 + 0.25*(1 + 0.5 + 0.25 + 0.125) = 0.5 + 0.46875.
	be := testutil.NewBackend()
	o := newOrchestrator(t, be, nil)

	p := testutil.NewProblem(2)
	res, err := o.Run(context.Background(), RunInput{
		Problem:        p,
		Mesh:           p.MeshVal,
		Domain:         core.TimeDomain{T0: 0, T: 1.0, K: 0.25},
		WithFunctional: true,
	})
	require.NoError(t, err)
	require.True(t, res.HasFunctional)
	assert.InDelta(t, 0.96875, res.Functional, 1e-12)
}

func TestRun_NoFunctionalSupplied(t *testing.T) {
	be := testutil.NewBackend()
	o := newOrchestrator(t, be, nil)

	p := testutil.NewProblem(2)
	p.NoFunctional = true
	res, err := o.Run(context.Background(), RunInput{
		Problem:        p,
		Mesh:           p.MeshVal,
		Domain:         core.TimeDomain{T0: 0, T: 1.0, K: 0.25},
		WithFunctional: true,
	})
	require.NoError(t, err)
	assert.False(t, res.HasFunctional, "absent functional disables accumulation without failing")
}

func TestRun_UpdatableBoundaryConditions(t *testing.T) {
	be := testutil.NewBackend()
	o := newOrchestrator(t, be, nil)

	p := testutil.NewProblem(2)
	p.Caps.Updatable = true
	_, err := o.Run(context.Background(), RunInput{
		Problem: p,
		Mesh:    p.MeshVal,
		Domain:  core.TimeDomain{T0: 0, T: 1.0, K: 0.25},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, p.UpdateCalls, "boundary conditions update once per step")
}

func TestRun_SolveFailureCarriesStepContext(t *testing.T) {
	be := testutil.NewBackend()
	be.SolveErr = core.ErrSolveDiverged
	o := newOrchestrator(t, be, nil)

	p := testutil.NewProblem(2)
	_, err := o.Run(context.Background(), RunInput{
		Problem: p,
		Mesh:    p.MeshVal,
		Domain:  core.TimeDomain{T0: 0, T: 1.0, K: 0.25},
	})
	require.Error(t, err)
	require.ErrorIs(t, err, core.ErrSolveDiverged)

	var solveErr *core.SolveError
	require.ErrorAs(t, err, &solveErr)
	assert.Equal(t, 1, solveErr.Step)
	assert.InDelta(t, 0.25, solveErr.Time, 1e-12)
}

type vetoListener struct{ err error }

func (l vetoListener) OnEvent(context.Context, hooks.HookEvent) error { return l.err }
func (l vetoListener) Priority() int                                  { return 0 }

func TestRun_PreStepHookCanCancel(t *testing.T) {
	be := testutil.NewBackend()
	m := hooks.NewHookManager(nil)
	boom := errors.New("prestep rejected")
	m.Register(hooks.EventPreStepSolve, vetoListener{err: boom})
	o := newOrchestrator(t, be, m)

	p := testutil.NewProblem(2)
	_, err := o.Run(context.Background(), RunInput{
		Problem: p,
		Mesh:    p.MeshVal,
		Domain:  core.TimeDomain{T0: 0, T: 1.0, K: 0.25},
	})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, be.CallCount("SolveNonlinear"), "a vetoed step must not reach the backend")
}

func TestSolveSteady_SingleSolveAndTapeEntry(t *testing.T) {
	be := testutil.NewBackend()
	o := newOrchestrator(t, be, nil)

	p := testutil.NewProblem(3)
	p.Caps.SteadyState = true
	tp := tape.New()
	res, err := o.SolveSteady(context.Background(), RunInput{
		Problem:        p,
		Mesh:           p.MeshVal,
		WithFunctional: true,
		Record:         tp,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, be.CallCount("SolveNonlinear"))
	require.True(t, res.HasFunctional)
	// Steady solve starts from ones, one decay application, 3 cells.
	assert.InDelta(t, 1.5, res.Functional, 1e-12)
	assert.Equal(t, 1, tp.Len(), "steady solves record a single tape entry")
	assert.Equal(t, 0, tp.Entries()[0].Timestep)
}
