// Package stepper advances the primal state through the time domain with the
// theta method, accumulating the goal functional and recording the annotated
// trajectory onto a tape. It owns the effective time step: AdjustStep shrinks
// the nominal step so that it evenly divides the interval.
package stepper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/dwrlab/goadapt/backend"
	"github.com/dwrlab/goadapt/core"
	"github.com/dwrlab/goadapt/hooks"
	"github.com/dwrlab/goadapt/problem"
	"github.com/dwrlab/goadapt/tape"
)

// Sink receives solution snapshots as they are produced. Implementations
// decide which snapshots to keep (save frequency, naming).
type Sink interface {
	SaveState(kind string, timestep int, t float64, w core.State) error
}

// Options configures an Orchestrator. Backend is required.
type Options struct {
	Backend backend.Interface
	Hooks   hooks.HookManager
	Logger  *slog.Logger
	// ReportMemory logs process resident-set size after each step.
	ReportMemory bool
}

// Orchestrator runs primal passes. It is reusable across adaptive
// iterations; all per-pass state lives in RunInput and Result.
type Orchestrator struct {
	be     backend.Interface
	hooks  hooks.HookManager
	logger *slog.Logger
	mem    *memReporter
}

// NewOrchestrator creates an Orchestrator from options.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Backend == nil {
		return nil, &core.ConfigError{Field: "stepper.backend", Value: "<nil>", Message: "a numerical backend is required"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	o := &Orchestrator{
		be:     opts.Backend,
		hooks:  opts.Hooks,
		logger: logger.With("component", "stepper"),
	}
	if opts.ReportMemory {
		o.mem = newMemReporter(o.logger)
	}
	return o, nil
}

// RunInput is the per-pass state of one primal solve.
type RunInput struct {
	Problem problem.Interface
	Mesh    core.Mesh
	// Domain carries the effective step in K; callers adjust it first.
	Domain core.TimeDomain
	// WithFunctional requests functional accumulation. It is ignored when
	// the problem supplies no functional.
	WithFunctional bool
	// Record receives the annotated trajectory; nil disables recording.
	Record *tape.Tape
	// Sink receives solution snapshots; nil disables saving.
	Sink Sink
}

// Result is the outcome of a primal pass.
type Result struct {
	Space         core.Space
	State         core.State
	Functional    float64
	HasFunctional bool
	Steps         int
}

// AdjustStep shrinks the nominal step k so that it evenly divides [t0, T].
// The returned step always satisfies k' <= k and (T-t0)/k' integral within
// floating tolerance.
func AdjustStep(t0, T, k float64) (float64, error) {
	if T <= t0 {
		return 0, &core.ConfigError{Field: "time_domain", Value: fmt.Sprintf("[%g, %g]", t0, T), Message: "end time must be after start time"}
	}
	if k <= 0 {
		return 0, &core.ConfigError{Field: "time_domain.k", Value: fmt.Sprintf("%g", k), Message: "time step must be positive"}
	}
	span := T - t0
	d := math.Floor(span / k)
	if r := span - d*k; r > core.Epsilon*math.Max(1, span) {
		k = span / (d + 1)
	}
	return k, nil
}

// Run executes the transient primal pass: theta-weighted stepping from T0 to
// T with the effective step in in.Domain.K. The loop terminates inside a
// half-step band of T so floating accumulation in t never skips or repeats
// the final step.
func (o *Orchestrator) Run(ctx context.Context, in RunInput) (Result, error) {
	p := in.Problem
	space, err := o.be.BuildSpace(in.Mesh)
	if err != nil {
		return Result{}, fmt.Errorf("building function space: %w", err)
	}

	ic, err := p.InitialConditions(space)
	if err != nil {
		return Result{}, fmt.Errorf("evaluating initial conditions: %w", err)
	}
	w := ic.Clone()

	t, T, k := in.Domain.T0, in.Domain.T, in.Domain.K
	theta := p.Theta()

	// Capability dispatch happens once, not per step.
	var upd problem.Updatable
	if p.Capabilities().Updatable {
		upd = p.(problem.Updatable)
	}

	bcs, err := p.BoundaryConditions(space, t)
	if err != nil {
		return Result{}, fmt.Errorf("evaluating boundary conditions: %w", err)
	}

	res := Result{Space: space}
	if err := o.save(in.Sink, "primal", 0, t, w); err != nil {
		return Result{}, err
	}

	// The initial state's functional contribution is counted once, before
	// the loop.
	if in.WithFunctional {
		v, ok, err := o.functionalValue(p, space, w)
		if err != nil {
			return Result{}, err
		}
		if ok {
			res.HasFunctional = true
			res.Functional = k * v
		}
	}

	o.logger.Info("starting primal pass", "t0", t, "T", T, "k", k, "theta", theta, "annotated", in.Record != nil)

	for t < T-k/2 {
		t += k

		if upd != nil {
			bcs, err = upd.Update(space, t)
			if err != nil {
				return Result{}, fmt.Errorf("updating boundary conditions at t=%g: %w", t, err)
			}
		}

		form, err := p.WeakResidual(problem.ResidualArgs{K: k, Theta: theta, Space: space, PrevState: w})
		if err != nil {
			return Result{}, fmt.Errorf("building weak residual at t=%g: %w", t, err)
		}

		if err := o.trigger(ctx, hooks.NewPreStepSolveEvent(hooks.StepPayload{Timestep: res.Steps + 1, Time: t, K: k, State: w})); err != nil {
			return Result{}, err
		}

		started := time.Now()
		next, err := o.be.SolveNonlinear(ctx, space, form, bcs, w.Clone())
		if err != nil {
			return Result{}, &core.SolveError{Step: res.Steps + 1, Time: t, Err: err}
		}
		elapsed := time.Since(started)

		if err := o.trigger(ctx, hooks.NewPostStepSolveEvent(hooks.StepPayload{Timestep: res.Steps + 1, Time: t, K: k, State: next})); err != nil {
			return Result{}, err
		}

		w = next
		res.Steps++

		if in.Record != nil {
			in.Record.Append(core.PrimalVariable, res.Steps, t, w.Clone())
		}

		if res.HasFunctional {
			v, _, err := o.functionalValue(p, space, w)
			if err != nil {
				return Result{}, err
			}
			res.Functional += k * v
		}

		if err := o.save(in.Sink, "primal", res.Steps, t, w); err != nil {
			return Result{}, err
		}

		o.logger.Debug("time step finished",
			"step", res.Steps, "t", t, "elapsed", elapsed,
			"done_pct", 100*(t-in.Domain.T0)/(T-in.Domain.T0))
		o.mem.report()
	}

	o.logger.Info("primal pass finished", "steps", res.Steps, "functional", res.Functional)
	res.State = w
	return res, nil
}

// SolveSteady executes a single steady-state solve. No time domain, no
// half-step bookkeeping; the functional is not weighted by a step size.
func (o *Orchestrator) SolveSteady(ctx context.Context, in RunInput) (Result, error) {
	p := in.Problem
	space, err := o.be.BuildSpace(in.Mesh)
	if err != nil {
		return Result{}, fmt.Errorf("building function space: %w", err)
	}

	bcs, err := p.BoundaryConditions(space, 0)
	if err != nil {
		return Result{}, fmt.Errorf("evaluating boundary conditions: %w", err)
	}

	form, err := p.WeakResidual(problem.ResidualArgs{Theta: p.Theta(), Space: space})
	if err != nil {
		return Result{}, fmt.Errorf("building weak residual: %w", err)
	}

	if err := o.trigger(ctx, hooks.NewPreStepSolveEvent(hooks.StepPayload{})); err != nil {
		return Result{}, err
	}
	w, err := o.be.SolveNonlinear(ctx, space, form, bcs, nil)
	if err != nil {
		return Result{}, &core.SolveError{Err: err}
	}
	if err := o.trigger(ctx, hooks.NewPostStepSolveEvent(hooks.StepPayload{State: w})); err != nil {
		return Result{}, err
	}

	res := Result{Space: space, State: w}
	if in.WithFunctional {
		v, ok, err := o.functionalValue(p, space, w)
		if err != nil {
			return Result{}, err
		}
		res.Functional, res.HasFunctional = v, ok
	}

	if in.Record != nil {
		in.Record.Append(core.PrimalVariable, 0, 0, w.Clone())
	}
	if err := o.save(in.Sink, "primal", 0, 0, w); err != nil {
		return Result{}, err
	}
	o.mem.report()
	return res, nil
}

func (o *Orchestrator) functionalValue(p problem.Interface, space core.Space, w core.State) (float64, bool, error) {
	form, err := p.Functional(space, w)
	if err != nil {
		return 0, false, fmt.Errorf("building functional: %w", err)
	}
	if form == nil {
		return 0, false, nil
	}
	v, err := o.be.AssembleScalar(space, form)
	if err != nil {
		return 0, false, fmt.Errorf("assembling functional: %w", err)
	}
	return v, true, nil
}

func (o *Orchestrator) trigger(ctx context.Context, event hooks.HookEvent) error {
	if o.hooks == nil {
		return nil
	}
	return o.hooks.Trigger(ctx, event)
}

func (o *Orchestrator) save(sink Sink, kind string, timestep int, t float64, w core.State) error {
	if sink == nil {
		return nil
	}
	if err := sink.SaveState(kind, timestep, t, w); err != nil {
		return fmt.Errorf("saving %s state at step %d: %w", kind, timestep, err)
	}
	return nil
}
