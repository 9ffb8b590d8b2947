package problem

import (
	"github.com/dwrlab/goadapt/core"
)

// Base provides defaults for problems that embed it. The residual and
// functional defaults return the corresponding missing-definition errors so
// an incomplete problem fails with a typed configuration error at first use
// rather than terminating the process.
type Base struct{}

func (Base) Theta() float64             { return 0.5 }
func (Base) Capabilities() Capabilities { return Capabilities{} }

func (Base) WeakResidual(ResidualArgs) (core.Form, error) {
	return nil, core.ErrMissingResidual
}

func (Base) BoundaryConditions(core.Space, float64) (core.BoundaryConditions, error) {
	return nil, nil
}

func (Base) Functional(core.Space, core.State) (core.Form, error) {
	return nil, nil
}
