package difference

import (
	"github.com/dwrlab/goadapt/core"
	"github.com/dwrlab/goadapt/problem"
)

// HeatProblem is the reference problem for the difference backend: the 1D
// heat equation u_t = nu u_xx - beta u^3 + f on an interval with homogeneous
// Dirichlet boundaries, and the space-time integral of u as goal functional.
// A nonzero beta makes the per-step solves genuinely nonlinear.
type HeatProblem struct {
	problem.Base

	ProblemName string
	MeshVal     *IntervalMesh
	Domain      core.TimeDomain
	ThetaVal    float64

	// Nu is the diffusion coefficient.
	Nu float64
	// Beta scales the cubic reaction term.
	Beta float64
	// Source is the forcing term f(x). Nil means zero.
	Source func(x float64) float64
	// Initial is the initial profile u0(x). Nil means zero.
	Initial func(x float64) float64
}

var _ problem.Interface = (*HeatProblem)(nil)

// NewHeatProblem builds a diffusion problem with a bump initial profile over
// [0, 1], nx uniform cells, and unit diffusion.
func NewHeatProblem(nx int, domain core.TimeDomain) (*HeatProblem, error) {
	mesh, err := NewIntervalMesh(0, 1, nx)
	if err != nil {
		return nil, err
	}
	return &HeatProblem{
		ProblemName: "heat",
		MeshVal:     mesh,
		Domain:      domain,
		ThetaVal:    0.5,
		Nu:          1,
		Initial: func(x float64) float64 {
			return 4 * x * (1 - x)
		},
	}, nil
}

func (p *HeatProblem) Name() string                { return p.ProblemName }
func (p *HeatProblem) Mesh() core.Mesh             { return p.MeshVal }
func (p *HeatProblem) TimeDomain() core.TimeDomain { return p.Domain }
func (p *HeatProblem) Theta() float64              { return p.ThetaVal }

func (p *HeatProblem) WeakResidual(args problem.ResidualArgs) (core.Form, error) {
	return &residualForm{args: args, nu: p.Nu, beta: p.Beta, source: p.Source}, nil
}

func (p *HeatProblem) BoundaryConditions(core.Space, float64) (core.BoundaryConditions, error) {
	return dirichletZero{}, nil
}

func (p *HeatProblem) InitialConditions(space core.Space) (core.State, error) {
	sp, err := asSpace(space)
	if err != nil {
		return nil, err
	}
	ic := make(core.State, sp.mesh.CellCount())
	if p.Initial != nil {
		for i := range ic {
			ic[i] = p.Initial(sp.mesh.Center(i))
		}
	}
	return ic, nil
}

func (p *HeatProblem) Functional(_ core.Space, w core.State) (core.Form, error) {
	return &functionalForm{state: w.Clone()}, nil
}

// dirichletZero pins both interval endpoints to zero.
type dirichletZero struct{}

// residualForm is the assembly handle for the heat residual. The backend
// reads the state context and coefficients from it.
type residualForm struct {
	args   problem.ResidualArgs
	nu     float64
	beta   float64
	source func(x float64) float64
}

func (f *residualForm) sourceAt(x float64) float64 {
	if f.source == nil {
		return 0
	}
	return f.source(x)
}

// functionalForm represents the integral of the state over the interval.
type functionalForm struct {
	state core.State
}
