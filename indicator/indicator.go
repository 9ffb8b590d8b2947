// Package indicator assembles the goal-oriented error field: the weak
// residual of each recorded time interval, weighted by the dual state and
// localized cell by cell. The field drives both the refinement marking and
// the adaptive stopping metric.
package indicator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/caio/go-tdigest/v4"
	"gonum.org/v1/gonum/floats"

	"github.com/dwrlab/goadapt/backend"
	"github.com/dwrlab/goadapt/core"
	"github.com/dwrlab/goadapt/dual"
	"github.com/dwrlab/goadapt/problem"
	"github.com/dwrlab/goadapt/tape"
)

// Field holds one signed error indicator per mesh cell.
type Field []float64

// SumAbs returns the l1 norm of the field, the default stopping metric.
func (f Field) SumAbs() float64 { return floats.Norm(f, 1) }

// MaxAbs returns the largest cell indicator by magnitude.
func (f Field) MaxAbs() float64 {
	max := 0.0
	for _, v := range f {
		if a := math.Abs(v); a > max {
			max = a
		}
	}
	return max
}

// Summary condenses a field for logging. Quantiles come from a t-digest over
// the absolute cell values, so the summary stays cheap on fine meshes.
type Summary struct {
	Cells  int
	Sum    float64
	Max    float64
	Median float64
	P90    float64
}

func (f Field) Summarize() Summary {
	s := Summary{Cells: len(f), Sum: f.SumAbs(), Max: f.MaxAbs()}
	if len(f) == 0 {
		return s
	}
	td, err := tdigest.New()
	if err != nil {
		return s
	}
	for _, v := range f {
		_ = td.Add(math.Abs(v))
	}
	s.Median = td.Quantile(0.5)
	s.P90 = td.Quantile(0.9)
	return s
}

// Builder assembles indicator fields against a backend.
type Builder struct {
	backend backend.Interface
	logger  *slog.Logger
}

func NewBuilder(be backend.Interface, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Builder{backend: be, logger: logger.With("component", "indicator")}
}

// Input carries one adaptive iteration's trajectories.
type Input struct {
	Problem problem.Interface
	Space   core.Space
	Mesh    core.Mesh
	// Tape is the annotated forward record of the iteration.
	Tape *tape.Tape
	// Duals is the dual trajectory in reverse time order, as produced by the
	// sweep engine.
	Duals  []dual.Result
	Steady bool
}

// Build assembles the per-cell error field. For transient problems each
// consecutive pair of converged primal states contributes the residual of its
// interval, evaluated at the theta-blended state and weighted by the dual
// state at the interval end; contributions accumulate cell by cell.
func (b *Builder) Build(ctx context.Context, in Input) (Field, error) {
	if in.Tape == nil {
		return nil, core.ErrEmptyTape
	}
	if err := in.Tape.Validate(core.PrimalVariable); err != nil {
		return nil, err
	}
	cells := in.Mesh.CellCount()
	duals := make(map[int]core.State, len(in.Duals))
	for _, d := range in.Duals {
		duals[d.Timestep] = d.Dual
	}

	if in.Steady {
		return b.buildSteady(ctx, in, cells, duals)
	}

	primal := convergedEntries(in.Tape)
	if len(primal) < 2 {
		b.logger.Warn("fewer than two recorded states, indicator field is zero", "entries", len(primal))
		return make(Field, cells), nil
	}

	theta := in.Problem.Theta()
	field := make(Field, cells)
	for i := 0; i+1 < len(primal); i++ {
		cur, next := primal[i], primal[i+1]
		weight, ok := duals[next.Timestep]
		if !ok {
			return nil, fmt.Errorf("no dual state for timestep %d", next.Timestep)
		}

		form, err := in.Problem.WeakResidual(problem.ResidualArgs{
			K:             next.Time - cur.Time,
			Theta:         theta,
			Space:         in.Space,
			ThetaState:    core.Blend(theta, next.Value, cur.Value),
			State:         next.Value,
			PrevState:     cur.Value,
			IndicatorMode: true,
			DualWeight:    weight,
		})
		if err != nil {
			return nil, fmt.Errorf("residual for interval [%g, %g]: %w", cur.Time, next.Time, err)
		}

		contrib, err := b.backend.AssembleCellwise(in.Space, form)
		if err != nil {
			return nil, fmt.Errorf("cellwise assembly for interval [%g, %g]: %w", cur.Time, next.Time, err)
		}
		if len(contrib) != cells {
			return nil, fmt.Errorf("cellwise assembly returned %d values for a %d-cell mesh", len(contrib), cells)
		}
		floats.Add(field, contrib)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	sum := field.Summarize()
	b.logger.Debug("indicator field assembled", "cells", sum.Cells, "sum", sum.Sum, "max", sum.Max)
	return field, nil
}

// buildSteady assembles the single residual contribution of a steady solve.
func (b *Builder) buildSteady(_ context.Context, in Input, cells int, duals map[int]core.State) (Field, error) {
	it := in.Tape.Reverse(core.PrimalVariable)
	if !it.Next() {
		return nil, core.ErrEmptyTape
	}
	entry := it.At()
	weight, ok := duals[entry.Timestep]
	if !ok {
		return nil, fmt.Errorf("no dual state for steady solve")
	}

	form, err := in.Problem.WeakResidual(problem.ResidualArgs{
		Theta:         in.Problem.Theta(),
		Space:         in.Space,
		ThetaState:    entry.Value,
		State:         entry.Value,
		IndicatorMode: true,
		DualWeight:    weight,
	})
	if err != nil {
		return nil, fmt.Errorf("steady residual: %w", err)
	}
	contrib, err := b.backend.AssembleCellwise(in.Space, form)
	if err != nil {
		return nil, fmt.Errorf("steady cellwise assembly: %w", err)
	}
	if len(contrib) != cells {
		return nil, fmt.Errorf("cellwise assembly returned %d values for a %d-cell mesh", len(contrib), cells)
	}
	return Field(contrib), nil
}

// convergedEntries keeps the last recorded iterate of each timestep, in
// forward order.
func convergedEntries(t *tape.Tape) []tape.Entry {
	var out []tape.Entry
	for _, e := range t.Entries() {
		if e.Variable != core.PrimalVariable {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Timestep == e.Timestep {
			out[n-1] = e
			continue
		}
		out = append(out, e)
	}
	return out
}
