// Package checkpoint plans and stores the snapshots a reverse sweep needs to
// replay a long forward pass. The planner splits the snapshot count between
// memory and secondary storage; the store holds the in-memory share and
// spills the rest to compressed files. Budgets only apply to transient
// problems; steady problems have no forward trajectory to replay.
package checkpoint

import (
	"fmt"

	"github.com/dwrlab/goadapt/core"
)

// Plan computes the checkpoint budget for a forward pass of steps time steps
// with the given fraction of snapshots kept on secondary storage. A fraction
// outside [0,1] is a precondition failure.
func Plan(steps int, onDiskFraction float64) (core.CheckpointBudget, error) {
	if steps < 0 {
		return core.CheckpointBudget{}, &core.ConfigError{
			Field:   "steps",
			Value:   fmt.Sprintf("%d", steps),
			Message: "step count must be non-negative",
		}
	}
	if onDiskFraction < 0 || onDiskFraction > 1 {
		return core.CheckpointBudget{}, &core.ConfigError{
			Field:   "on_disk",
			Value:   fmt.Sprintf("%g", onDiskFraction),
			Message: "fraction on secondary storage must be in [0,1]",
		}
	}
	onDisk := int(onDiskFraction * float64(steps))
	return core.CheckpointBudget{
		Steps:         steps,
		SnapsInMemory: steps - onDisk,
		SnapsOnDisk:   onDisk,
	}, nil
}
