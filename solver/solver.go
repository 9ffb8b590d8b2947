// Package solver is the top of the stack: the adaptive controller that
// alternates annotated primal passes, reverse dual sweeps, goal-oriented
// error estimation, and mesh refinement until the configured stopping
// metric falls below tolerance, then runs the final primal pass on the
// adapted mesh.
package solver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/dwrlab/goadapt/artifact"
	"github.com/dwrlab/goadapt/backend"
	"github.com/dwrlab/goadapt/checkpoint"
	"github.com/dwrlab/goadapt/compress"
	"github.com/dwrlab/goadapt/config"
	"github.com/dwrlab/goadapt/core"
	"github.com/dwrlab/goadapt/dual"
	"github.com/dwrlab/goadapt/hooks"
	"github.com/dwrlab/goadapt/indicator"
	"github.com/dwrlab/goadapt/problem"
	"github.com/dwrlab/goadapt/refine"
	"github.com/dwrlab/goadapt/stepper"
	"github.com/dwrlab/goadapt/tape"
)

// SolverName identifies this solver in logs and artifact names.
const SolverName = "gods"

// Options configures a Controller. Backend and Config are required.
type Options struct {
	Backend backend.Interface
	// Adjoint supplies the dual capability. Nil falls back to the backend
	// itself when it implements the capability, else to the null adjoint.
	Adjoint backend.Adjoint
	Config  *config.Config
	Logger  *slog.Logger
	Tracer  trace.TracerProvider
	Hooks   hooks.HookManager
	// Metric overrides the configured stopping metric.
	Metric StoppingMetric
	// WorkDir holds checkpoint spill files. Defaults to the system temp dir.
	WorkDir string
}

// Controller owns one solver configuration and runs problems against it.
// Configuration is read at construction and never re-read.
type Controller struct {
	be      backend.Interface
	adjoint backend.Adjoint
	cfg     config.Config
	logger  *slog.Logger
	tracer  trace.Tracer
	hooks   hooks.HookManager
	metric  StoppingMetric
	workDir string
}

// New validates the options and builds a Controller.
func New(opts Options) (*Controller, error) {
	if opts.Backend == nil {
		return nil, &core.ConfigError{Field: "solver.backend", Value: "<nil>", Message: "a numerical backend is required"}
	}
	if opts.Config == nil {
		return nil, &core.ConfigError{Field: "solver.config", Value: "<nil>", Message: "a configuration is required"}
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tp := opts.Tracer
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	mgr := opts.Hooks
	if mgr == nil {
		mgr = hooks.NewHookManager(logger)
	}

	adjoint := opts.Adjoint
	if adjoint == nil {
		if a, ok := opts.Backend.(backend.Adjoint); ok {
			adjoint = a
		} else {
			adjoint = backend.NullAdjoint{}
		}
	}

	metric := opts.Metric
	if metric == nil {
		m, err := MetricForName(opts.Config.Adaptive.Metric)
		if err != nil {
			return nil, err
		}
		metric = m
	}

	workDir := opts.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}

	return &Controller{
		be:      opts.Backend,
		adjoint: adjoint,
		cfg:     *opts.Config,
		logger:  logger.With("component", "solver"),
		tracer:  tp.Tracer("github.com/dwrlab/goadapt/solver"),
		hooks:   mgr,
		metric:  metric,
		workDir: workDir,
	}, nil
}

// RunResult is the outcome of one Solve.
type RunResult struct {
	RunID string
	Mesh  core.Mesh
	Space core.Space
	State core.State

	Functional    float64
	HasFunctional bool

	// Iterations counts completed adaptive iterations; zero when adaptivity
	// was disabled or degraded.
	Iterations int
	// StoppingMetric is the metric value of the last adaptive iteration.
	StoppingMetric float64
	// Converged reports whether the metric reached tolerance before the
	// iteration limit.
	Converged bool

	Warnings []string
}

// Solve runs the configured pipeline for one problem. The problem is
// validated up front so capability and domain mistakes surface as typed
// configuration errors before any numerical work starts.
func (c *Controller) Solve(ctx context.Context, p problem.Interface) (RunResult, error) {
	if err := problem.Validate(p); err != nil {
		return RunResult{}, err
	}

	runID := uuid.NewString()
	res := RunResult{RunID: runID, Mesh: p.Mesh()}
	logger := c.logger.With("run_id", runID, "problem", p.Name())

	ctx, span := c.tracer.Start(ctx, "solve", trace.WithAttributes(
		attribute.String("problem", p.Name()),
		attribute.Bool("adaptive", c.cfg.Adaptive.Enabled),
	))
	defer span.End()

	steady := p.Capabilities().SteadyState
	domain := p.TimeDomain()
	if !steady {
		k, err := stepper.AdjustStep(domain.T0, domain.T, domain.K)
		if err != nil {
			return RunResult{}, err
		}
		if k != domain.K {
			logger.Info("time step adjusted to divide the interval", "nominal", domain.K, "effective", k)
		}
		domain.K = k
	}

	orch, err := stepper.NewOrchestrator(stepper.Options{
		Backend:      c.be,
		Hooks:        c.hooks,
		Logger:       logger,
		ReportMemory: c.cfg.CheckMemUsage,
	})
	if err != nil {
		return RunResult{}, err
	}

	adaptive := c.cfg.Adaptive.Enabled
	if adaptive && !c.adjoint.Available() {
		msg := "adjoint capability unavailable, running without adaptivity"
		logger.Warn(msg)
		res.Warnings = append(res.Warnings, msg)
		adaptive = false
	}

	mesh := res.Mesh
	if adaptive {
		mesh, domain, err = c.adaptLoop(ctx, p, orch, logger, &res, mesh, domain, steady)
		if err != nil {
			return RunResult{}, err
		}
	}

	// Final primal pass on the adapted mesh, with artifacts if requested.
	var sink stepper.Sink
	if c.cfg.Save.Solution {
		w, err := c.newArtifactWriter(p, mesh, domain, runID, logger)
		if err != nil {
			return RunResult{}, err
		}
		sink = w
	}

	record := tape.New()
	in := stepper.RunInput{
		Problem:        p,
		Mesh:           mesh,
		Domain:         domain,
		WithFunctional: true,
		Record:         record,
		Sink:           sink,
	}

	ctx, finalSpan := c.tracer.Start(ctx, "final_primal")
	var final stepper.Result
	if steady {
		final, err = orch.SolveSteady(ctx, in)
	} else {
		final, err = orch.Run(ctx, in)
	}
	finalSpan.End()
	if err != nil {
		return RunResult{}, err
	}

	res.Mesh = mesh
	res.Space = final.Space
	res.State = final.State
	res.Functional = final.Functional
	res.HasFunctional = final.HasFunctional

	if c.cfg.Optimize {
		if p.Capabilities().Optimizable {
			opt := p.(problem.Optimizable)
			if err := opt.Optimize(ctx, final.Space, final.State); err != nil {
				return RunResult{}, fmt.Errorf("optimization pass: %w", err)
			}
		} else {
			msg := "optimization requested but the problem is not optimizable"
			logger.Warn(msg)
			res.Warnings = append(res.Warnings, msg)
		}
	}

	logger.Info("solve finished",
		"cells", mesh.CellCount(), "iterations", res.Iterations,
		"converged", res.Converged, "functional", res.Functional)
	return res, nil
}

// adaptLoop runs the goal-oriented adapt-until-converged cycle and returns
// the refined mesh and the (possibly re-adjusted) time domain.
func (c *Controller) adaptLoop(
	ctx context.Context,
	p problem.Interface,
	orch *stepper.Orchestrator,
	logger *slog.Logger,
	res *RunResult,
	mesh core.Mesh,
	domain core.TimeDomain,
	steady bool,
) (core.Mesh, core.TimeDomain, error) {
	dualEngine, err := dual.NewEngine(dual.Options{Adjoint: c.adjoint, Hooks: c.hooks, Logger: logger})
	if err != nil {
		return nil, domain, err
	}
	builder := indicator.NewBuilder(c.be, logger)
	refiner := refine.NewRefiner(refine.Options{Backend: c.be, Hooks: c.hooks, Logger: logger})

	comp, err := compress.ForName(c.cfg.Save.Compression)
	if err != nil {
		return nil, domain, err
	}

	// Per-iteration outputs: the mesh each iteration solved on and its
	// indicator field, iteration-tagged so refinements stay inspectable.
	var arts *artifact.Writer
	if c.cfg.Save.Solution {
		arts, err = c.newArtifactWriter(p, mesh, domain, res.RunID, logger)
		if err != nil {
			return nil, domain, err
		}
	}

	var ds problem.DynamicStepper
	if p.Capabilities().DynamicStep {
		ds = p.(problem.DynamicStepper)
	}

	metricValue := math.Inf(1)
	prevFunctional := 0.0
	tol := c.cfg.Adaptive.Tolerance

	for i := 1; i <= c.cfg.Adaptive.MaxAdaptations && metricValue > tol; i++ {
		ctx, iterSpan := c.tracer.Start(ctx, "adapt_iteration", trace.WithAttributes(
			attribute.Int("iteration", i),
			attribute.Int("cells", mesh.CellCount()),
		))

		if err := c.hooks.Trigger(ctx, hooks.NewPreAdaptIterationEvent(hooks.AdaptIterationPayload{
			Iteration: i, CellCount: mesh.CellCount(),
		})); err != nil {
			iterSpan.End()
			return nil, domain, err
		}

		if arts != nil {
			if err := arts.SaveMesh(i, mesh); err != nil {
				iterSpan.End()
				return nil, domain, err
			}
		}

		steps := 1
		if !steady {
			steps = domain.Steps(domain.K)
		}
		budget, err := checkpoint.Plan(steps, c.cfg.Adaptive.OnDisk)
		if err != nil {
			iterSpan.End()
			return nil, domain, err
		}
		if err := c.adjoint.ConfigureCheckpoints(budget); err != nil {
			iterSpan.End()
			return nil, domain, fmt.Errorf("configuring checkpoints: %w", err)
		}

		spillDir, err := os.MkdirTemp(c.workDir, "goadapt-ckpt-")
		if err != nil {
			iterSpan.End()
			return nil, domain, fmt.Errorf("creating checkpoint spill directory: %w", err)
		}
		store := checkpoint.NewStore(spillDir, budget, comp, logger)

		// Fresh tape every iteration; nothing carries over from the last
		// mesh.
		record := tape.New()
		in := stepper.RunInput{
			Problem:        p,
			Mesh:           mesh,
			Domain:         domain,
			WithFunctional: true,
			Record:         record,
		}

		var primal stepper.Result
		if steady {
			primal, err = orch.SolveSteady(ctx, in)
		} else {
			primal, err = orch.Run(ctx, in)
		}
		if err != nil {
			c.cleanupIteration(store, spillDir, logger)
			iterSpan.End()
			return nil, domain, err
		}

		duals, err := dualEngine.Sweep(ctx, dual.SweepInput{
			Space:      primal.Space,
			Functional: c.functionalForm(p, primal),
			Tape:       record,
			Domain:     domain,
			Steady:     steady,
			Observer: func(r dual.Result) error {
				return store.Save(r.Timestep, r.Dual)
			},
		})
		if err != nil {
			c.cleanupIteration(store, spillDir, logger)
			iterSpan.End()
			return nil, domain, err
		}

		field, err := builder.Build(ctx, indicator.Input{
			Problem: p,
			Space:   primal.Space,
			Mesh:    mesh,
			Tape:    record,
			Duals:   duals,
			Steady:  steady,
		})
		if err != nil {
			c.cleanupIteration(store, spillDir, logger)
			iterSpan.End()
			return nil, domain, err
		}

		if arts != nil {
			if err := arts.SaveIndicators(i, field); err != nil {
				c.cleanupIteration(store, spillDir, logger)
				iterSpan.End()
				return nil, domain, err
			}
		}

		metricValue = c.metric.Evaluate(MetricInput{
			Field:          field,
			Functional:     primal.Functional,
			HasFunctional:  primal.HasFunctional,
			PrevFunctional: prevFunctional,
			FirstIteration: i == 1,
		})
		prevFunctional = primal.Functional
		res.Iterations = i
		res.StoppingMetric = metricValue

		if err := c.hooks.Trigger(ctx, hooks.NewPostAdaptIterationEvent(hooks.AdaptIterationPayload{
			Iteration:  i,
			CellCount:  mesh.CellCount(),
			Functional: primal.Functional,
			Metric:     metricValue,
		})); err != nil {
			c.cleanupIteration(store, spillDir, logger)
			iterSpan.End()
			return nil, domain, err
		}

		summary := field.Summarize()
		logger.Info("adaptive iteration finished",
			"iteration", i, "cells", mesh.CellCount(),
			"functional", primal.Functional, "metric", metricValue,
			"metric_name", c.metric.Name(),
			"indicator_max", summary.Max, "indicator_median", summary.Median)

		if metricValue <= tol {
			res.Converged = true
			c.cleanupIteration(store, spillDir, logger)
			iterSpan.End()
			break
		}

		refined, err := refiner.Refine(ctx, mesh, field, c.cfg.Adaptive.AdaptRatio, c.cfg.Refinement.Algorithm)
		if err != nil {
			c.cleanupIteration(store, spillDir, logger)
			iterSpan.End()
			return nil, domain, err
		}
		mesh = refined.Mesh

		if ds != nil && !steady {
			k, err := stepper.AdjustStep(domain.T0, domain.T, ds.TimeStep(primal.State, mesh))
			if err != nil {
				c.cleanupIteration(store, spillDir, logger)
				iterSpan.End()
				return nil, domain, err
			}
			domain.K = k
		}

		c.cleanupIteration(store, spillDir, logger)
		iterSpan.End()
	}

	if !res.Converged {
		msg := fmt.Sprintf("stopping metric %g still above tolerance %g after %d iterations", metricValue, tol, res.Iterations)
		logger.Warn(msg)
		res.Warnings = append(res.Warnings, msg)
	}
	return mesh, domain, nil
}

// cleanupIteration resets the adjoint and drops all iteration-scoped
// snapshots. Failures here are logged, not propagated; they cannot corrupt
// the next iteration because the spill directory is per-iteration.
func (c *Controller) cleanupIteration(store *checkpoint.Store, spillDir string, logger *slog.Logger) {
	c.adjoint.Reset()
	if err := store.Clear(); err != nil {
		logger.Warn("clearing checkpoint store", "error", err)
	}
	if err := os.RemoveAll(spillDir); err != nil {
		logger.Warn("removing checkpoint spill directory", "error", err)
	}
}

func (c *Controller) functionalForm(p problem.Interface, primal stepper.Result) core.Form {
	form, err := p.Functional(primal.Space, primal.State)
	if err != nil || form == nil {
		return nil
	}
	return form
}

func (c *Controller) newArtifactWriter(p problem.Interface, mesh core.Mesh, domain core.TimeDomain, runID string, logger *slog.Logger) (*artifact.Writer, error) {
	comp, err := compress.ForName(c.cfg.Save.Compression)
	if err != nil {
		return nil, err
	}
	return artifact.NewWriter(artifact.Options{
		Folder: c.cfg.Save.Folder,
		Naming: artifact.Naming{
			Problem:  p.Name(),
			Solver:   SolverName,
			RunID:    runID,
			Dim:      mesh.Dim(),
			T:        domain.T,
			K:        domain.K,
			Cells:    mesh.CellCount(),
			Theta:    p.Theta(),
			Adaptive: c.cfg.Adaptive.Enabled,
		},
		Frequency:  c.cfg.Save.Frequency,
		Compressor: comp,
		Logger:     logger,
	})
}
