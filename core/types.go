package core

import (
	"fmt"
	"math"
)

// Epsilon is the floating tolerance used when comparing times and when
// checking that a step evenly divides the time interval.
const Epsilon = 1e-12

// TimeDomain describes the time interval of a transient problem and the
// nominal step requested by the problem. The effective step used for a run
// is derived from K by AdjustStep so that it evenly divides [T0, T].
type TimeDomain struct {
	T0 float64
	T  float64
	K  float64
}

// Steps returns the number of steps of size k needed to traverse the domain.
func (d TimeDomain) Steps(k float64) int {
	return int(math.Round((d.T - d.T0) / k))
}

// Validate checks the basic sanity of the domain.
func (d TimeDomain) Validate() error {
	if d.T <= d.T0 {
		return &ConfigError{Field: "time_domain", Value: fmt.Sprintf("[%g, %g]", d.T0, d.T), Message: "end time must be after start time"}
	}
	if d.K <= 0 {
		return &ConfigError{Field: "time_domain.k", Value: fmt.Sprintf("%g", d.K), Message: "time step must be positive"}
	}
	return nil
}

// Mesh is the minimal view of a spatial mesh this core needs: a cell count
// for sizing error-indicator fields and a dimension for artifact naming.
// Topology and geometry belong to the backend; meshes are replaced on
// refinement, never mutated.
type Mesh interface {
	CellCount() int
	Dim() int
}

// Space is an opaque function-space handle built by the backend over a mesh.
// The core never looks inside it; it only threads it between the Problem and
// Backend collaborators.
type Space interface{}

// Form is an opaque weak-form handle produced by a Problem and assembled by
// the Backend that understands it.
type Form interface{}

// BoundaryConditions is an opaque boundary-condition handle produced by a
// Problem and applied by the Backend during a solve.
type BoundaryConditions interface{}

// CheckpointBudget splits the snapshots of a forward pass between memory and
// secondary storage for the reverse sweep. SnapsInMemory+SnapsOnDisk always
// equals Steps.
type CheckpointBudget struct {
	Steps         int
	SnapsInMemory int
	SnapsOnDisk   int
}

// DefaultRefinementAlgorithm is the cell-subdivision strategy used when the
// configuration does not name one.
const DefaultRefinementAlgorithm = "regular_cut"

// PrimalVariable is the tape variable name under which the forward solution
// is recorded.
const PrimalVariable = "w"
