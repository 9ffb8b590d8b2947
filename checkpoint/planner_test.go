package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwrlab/goadapt/core"
)

func TestPlan_BudgetArithmetic(t *testing.T) {
	tests := []struct {
		name       string
		steps      int
		fraction   float64
		wantMemory int
		wantDisk   int
	}{
		{"ThirtyPercentOfTen", 10, 0.3, 7, 3},
		{"AllInMemory", 10, 0.0, 10, 0},
		{"AllOnDisk", 10, 1.0, 0, 10},
		{"FlooredFraction", 7, 0.5, 4, 3},
		{"ZeroSteps", 0, 0.5, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			budget, err := Plan(tt.steps, tt.fraction)
			require.NoError(t, err)
			assert.Equal(t, tt.wantMemory, budget.SnapsInMemory)
			assert.Equal(t, tt.wantDisk, budget.SnapsOnDisk)
			assert.Equal(t, tt.steps, budget.SnapsInMemory+budget.SnapsOnDisk,
				"snapshot counts must always sum to the step count")
		})
	}
}

func TestPlan_RejectsInvalidInput(t *testing.T) {
	_, err := Plan(10, -0.1)
	require.Error(t, err, "negative fraction must be rejected")
	assert.True(t, core.IsConfigError(err))

	_, err = Plan(10, 1.1)
	require.Error(t, err, "fraction above one must be rejected")
	assert.True(t, core.IsConfigError(err))

	_, err = Plan(-1, 0.5)
	require.Error(t, err, "negative step count must be rejected")
	assert.True(t, core.IsConfigError(err))
}
