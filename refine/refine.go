// Package refine turns an error indicator field into a refined mesh. Cell
// selection follows an order statistic: the cells are ranked by indicator
// magnitude, the threshold is the magnitude at the rank implied by the adapt
// ratio, and every cell strictly above the threshold is marked.
package refine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring"

	"github.com/dwrlab/goadapt/backend"
	"github.com/dwrlab/goadapt/core"
	"github.com/dwrlab/goadapt/hooks"
	"github.com/dwrlab/goadapt/indicator"
)

// Mark selects the cells to refine. With C cells and adapt ratio r, the
// threshold is the magnitude ranked floor(C*r)-1 in descending order; cells
// whose magnitude strictly exceeds it are marked. A rank below zero (tiny
// meshes or tiny ratios) marks nothing.
func Mark(field indicator.Field, ratio float64) (*roaring.Bitmap, float64, error) {
	if ratio <= 0 || ratio > 1 {
		return nil, 0, &core.ConfigError{Field: "adaptive.adapt_ratio", Value: fmt.Sprintf("%g", ratio), Message: "must be in (0,1]"}
	}

	marked := roaring.New()
	cells := len(field)
	rank := int(math.Floor(float64(cells)*ratio)) - 1
	if rank < 0 {
		return marked, math.Inf(1), nil
	}

	mags := make([]float64, cells)
	for i, v := range field {
		mags[i] = math.Abs(v)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(mags)))
	threshold := mags[rank]

	for i, v := range field {
		if math.Abs(v) > threshold {
			marked.Add(uint32(i))
		}
	}
	return marked, threshold, nil
}

// Refiner marks cells and delegates the mesh surgery to the backend.
type Refiner struct {
	backend backend.Interface
	hooks   hooks.HookManager
	logger  *slog.Logger
}

type Options struct {
	Backend backend.Interface
	Hooks   hooks.HookManager
	Logger  *slog.Logger
}

func NewRefiner(opts Options) *Refiner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Refiner{
		backend: opts.Backend,
		hooks:   opts.Hooks,
		logger:  logger.With("component", "refine"),
	}
}

// Result describes one completed refinement.
type Result struct {
	Mesh      core.Mesh
	Marked    int
	Threshold float64
}

// Refine marks cells from the field and refines the mesh with the named
// algorithm. An empty marking returns the mesh unchanged without calling the
// backend.
func (r *Refiner) Refine(ctx context.Context, mesh core.Mesh, field indicator.Field, ratio float64, algorithm string) (Result, error) {
	if len(field) != mesh.CellCount() {
		return Result{}, fmt.Errorf("indicator field has %d values for a %d-cell mesh", len(field), mesh.CellCount())
	}

	marked, threshold, err := Mark(field, ratio)
	if err != nil {
		return Result{}, err
	}
	before := mesh.CellCount()

	res := Result{Mesh: mesh, Marked: int(marked.GetCardinality()), Threshold: threshold}
	if res.Marked == 0 {
		r.logger.Info("no cells above threshold, mesh unchanged", "cells", before, "threshold", threshold)
	} else {
		refined, err := r.backend.Refine(mesh, marked, algorithm)
		if err != nil {
			return Result{}, fmt.Errorf("refine %d of %d cells: %w", res.Marked, before, err)
		}
		res.Mesh = refined
		r.logger.Info("mesh refined",
			"marked", res.Marked, "threshold", threshold,
			"cells_before", before, "cells_after", refined.CellCount(),
			"algorithm", algorithm)
	}

	if r.hooks != nil {
		if err := r.hooks.Trigger(ctx, hooks.NewPostRefineEvent(hooks.RefinePayload{
			MarkedCells: res.Marked,
			CellsBefore: before,
			CellsAfter:  res.Mesh.CellCount(),
			Threshold:   threshold,
		})); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}
