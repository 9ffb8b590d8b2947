package difference

import (
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring"
)

// IntervalMesh is a 1D mesh over [a, b]: cells between consecutive node
// positions, one unknown per cell center. Refinement bisects cells, so the
// spacing is non-uniform after the first adaptation.
type IntervalMesh struct {
	nodes []float64
}

// NewIntervalMesh builds a uniform mesh with nx cells over [a, b].
func NewIntervalMesh(a, b float64, nx int) (*IntervalMesh, error) {
	if nx < 1 {
		return nil, fmt.Errorf("interval mesh needs at least one cell, got %d", nx)
	}
	if b <= a {
		return nil, fmt.Errorf("interval [%g, %g] is empty", a, b)
	}
	nodes := make([]float64, nx+1)
	h := (b - a) / float64(nx)
	for i := range nodes {
		nodes[i] = a + float64(i)*h
	}
	nodes[nx] = b
	return &IntervalMesh{nodes: nodes}, nil
}

func (m *IntervalMesh) CellCount() int { return len(m.nodes) - 1 }
func (m *IntervalMesh) Dim() int       { return 1 }

// Width returns the width of cell i.
func (m *IntervalMesh) Width(i int) float64 { return m.nodes[i+1] - m.nodes[i] }

// Center returns the center of cell i.
func (m *IntervalMesh) Center(i int) float64 { return (m.nodes[i] + m.nodes[i+1]) / 2 }

// Bounds returns the interval endpoints.
func (m *IntervalMesh) Bounds() (a, b float64) { return m.nodes[0], m.nodes[len(m.nodes)-1] }

// Vertices returns a copy of the node positions, for mesh snapshots.
func (m *IntervalMesh) Vertices() []float64 {
	out := make([]float64, len(m.nodes))
	copy(out, m.nodes)
	return out
}

// Bisect splits every marked cell at its midpoint and returns a new mesh.
// The receiver is unchanged.
func (m *IntervalMesh) Bisect(marked *roaring.Bitmap) *IntervalMesh {
	nodes := make([]float64, 0, len(m.nodes)+int(marked.GetCardinality()))
	nodes = append(nodes, m.nodes...)
	it := marked.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		if i < m.CellCount() {
			nodes = append(nodes, m.Center(i))
		}
	}
	sort.Float64s(nodes)
	return &IntervalMesh{nodes: nodes}
}
