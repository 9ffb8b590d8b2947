package problem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwrlab/goadapt/core"
)

type fakeMesh struct{ cells int }

func (m fakeMesh) CellCount() int { return m.cells }
func (m fakeMesh) Dim() int       { return 1 }

// minimalProblem implements only the required members.
type minimalProblem struct {
	Base
	caps   Capabilities
	theta  float64
	domain core.TimeDomain
}

func (p *minimalProblem) Name() string    { return "minimal" }
func (p *minimalProblem) Mesh() core.Mesh { return fakeMesh{cells: 8} }
func (p *minimalProblem) TimeDomain() core.TimeDomain {
	if p.domain == (core.TimeDomain{}) {
		return core.TimeDomain{T0: 0, T: 1, K: 0.25}
	}
	return p.domain
}
func (p *minimalProblem) Theta() float64              { return p.theta }
func (p *minimalProblem) Capabilities() Capabilities  { return p.caps }
func (p *minimalProblem) InitialConditions(core.Space) (core.State, error) {
	return core.State{0}, nil
}

func TestValidate_AcceptsMinimalProblem(t *testing.T) {
	require.NoError(t, Validate(&minimalProblem{theta: 0.5}))
}

func TestValidate_RejectsNil(t *testing.T) {
	err := Validate(nil)
	require.Error(t, err)
	assert.True(t, core.IsConfigError(err))
}

func TestValidate_RejectsThetaOutOfRange(t *testing.T) {
	err := Validate(&minimalProblem{theta: 1.5})
	require.Error(t, err)
	assert.True(t, core.IsConfigError(err))
}

func TestValidate_RejectsUndeclaredCapability(t *testing.T) {
	// Declares Updatable but does not implement Update.
	err := Validate(&minimalProblem{theta: 0.5, caps: Capabilities{Updatable: true}})
	require.Error(t, err)
	assert.True(t, core.IsConfigError(err), "capability mismatch is a configuration error")
}

func TestValidate_SteadyStateSkipsTimeDomain(t *testing.T) {
	bad := core.TimeDomain{T0: 1, T: 1, K: 0}

	steady := &minimalProblem{theta: 0.5, caps: Capabilities{SteadyState: true}, domain: bad}
	require.NoError(t, Validate(steady), "steady problems have no time domain to validate")

	transient := &minimalProblem{theta: 0.5, domain: bad}
	require.Error(t, Validate(transient), "transient problems need a valid time domain")
}

func TestBase_MissingResidualIsTyped(t *testing.T) {
	var b Base
	_, err := b.WeakResidual(ResidualArgs{})
	require.ErrorIs(t, err, core.ErrMissingResidual,
		"an incomplete problem must fail with a typed error, not abort")
}
