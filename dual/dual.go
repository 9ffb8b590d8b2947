// Package dual replays the annotated forward tape in reverse to obtain the
// adjoint trajectory. The sweep is a streaming consumer: every dual state is
// handed to the observer the moment it is produced, so progress reporting and
// checkpoint snapshotting happen without buffering the whole trajectory
// twice.
package dual

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/dwrlab/goadapt/backend"
	"github.com/dwrlab/goadapt/core"
	"github.com/dwrlab/goadapt/hooks"
	"github.com/dwrlab/goadapt/tape"
)

// Result pairs one dual state with the tape value it was computed against,
// in reverse time order (index 0 is the final time).
type Result struct {
	Timestep  int
	Iteration int
	Time      float64
	Dual      core.State
	TapeValue core.State
}

// Observer receives each result as the sweep produces it.
type Observer func(Result) error

// Engine drives reverse sweeps against an adjoint-capable backend.
type Engine struct {
	adjoint backend.Adjoint
	hooks   hooks.HookManager
	logger  *slog.Logger
}

// Options configures an Engine. Adjoint is required and must be available.
type Options struct {
	Adjoint backend.Adjoint
	Hooks   hooks.HookManager
	Logger  *slog.Logger
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Adjoint == nil {
		return nil, &core.ConfigError{Field: "dual.adjoint", Value: "<nil>", Message: "an adjoint backend is required"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		adjoint: opts.Adjoint,
		hooks:   opts.Hooks,
		logger:  logger.With("component", "dual"),
	}, nil
}

// SweepInput is the per-sweep state.
type SweepInput struct {
	Space core.Space
	// Functional is the goal functional over the full trajectory.
	Functional core.Form
	// Tape is the completed annotated forward record.
	Tape *tape.Tape
	// Domain supplies T and the effective step for progress reporting.
	Domain core.TimeDomain
	// Steady selects the single-solve path with no timestep bookkeeping.
	Steady bool
	// Observer, if set, receives each result as it is produced.
	Observer Observer
}

// Sweep consumes the tape in exactly reverse chronological order and returns
// the dual trajectory newest-time-first. Repeated records at the same
// timestep are deduplicated: only the last (converged) record of each
// timestep drives a dual solve.
func (e *Engine) Sweep(ctx context.Context, in SweepInput) ([]Result, error) {
	if in.Tape == nil {
		return nil, core.ErrEmptyTape
	}
	if err := in.Tape.Validate(core.PrimalVariable); err != nil {
		return nil, err
	}

	if in.Steady {
		return e.steadySweep(ctx, in)
	}

	e.logger.Info("starting dual sweep", "entries", in.Tape.Len())

	var (
		results   []Result
		laterDual core.State
		seenStep  = -1
	)
	it := in.Tape.Reverse(core.PrimalVariable)
	for it.Next() {
		entry := it.At()
		if entry.Timestep == seenStep {
			// An earlier nonlinear iterate of a timestep already handled;
			// only the converged record is dual-relevant.
			continue
		}
		seenStep = entry.Timestep

		adj, err := e.adjoint.DualSolve(ctx, in.Space, in.Functional, entry, laterDual)
		if err != nil {
			return nil, fmt.Errorf("dual solve at timestep %d: %w", entry.Timestep, err)
		}
		laterDual = adj

		res := Result{
			Timestep:  entry.Timestep,
			Iteration: entry.Iteration,
			Time:      entry.Time,
			Dual:      adj,
			TapeValue: entry.Value,
		}
		results = append(results, res)

		if err := e.emit(ctx, in, res); err != nil {
			return nil, err
		}

		remaining := 100 * (in.Domain.T - entry.Time) / (in.Domain.T - in.Domain.T0)
		e.logger.Debug("dual state produced", "timestep", entry.Timestep, "t", entry.Time, "done_pct", remaining)
	}

	e.logger.Info("dual sweep finished", "states", len(results))
	return results, nil
}

// steadySweep performs the single dual solve of a steady problem.
func (e *Engine) steadySweep(ctx context.Context, in SweepInput) ([]Result, error) {
	it := in.Tape.Reverse(core.PrimalVariable)
	if !it.Next() {
		return nil, core.ErrEmptyTape
	}
	entry := it.At()

	adj, err := e.adjoint.DualSolve(ctx, in.Space, in.Functional, entry, nil)
	if err != nil {
		return nil, fmt.Errorf("steady dual solve: %w", err)
	}
	res := Result{Dual: adj, TapeValue: entry.Value}
	if err := e.emit(ctx, in, res); err != nil {
		return nil, err
	}
	return []Result{res}, nil
}

func (e *Engine) emit(ctx context.Context, in SweepInput, res Result) error {
	if e.hooks != nil {
		if err := e.hooks.Trigger(ctx, hooks.NewPostDualStateEvent(hooks.DualStatePayload{
			Timestep: res.Timestep,
			Time:     res.Time,
			Dual:     res.Dual,
		})); err != nil {
			return err
		}
	}
	if in.Observer != nil {
		if err := in.Observer(res); err != nil {
			return fmt.Errorf("dual observer at timestep %d: %w", res.Timestep, err)
		}
	}
	return nil
}
