package solver

import (
	"math"

	"github.com/dwrlab/goadapt/config"
	"github.com/dwrlab/goadapt/core"
	"github.com/dwrlab/goadapt/indicator"
)

// MetricInput is the per-iteration evidence a stopping metric may consult.
type MetricInput struct {
	Field          indicator.Field
	Functional     float64
	HasFunctional  bool
	PrevFunctional float64
	// FirstIteration is true while there is no previous functional value.
	FirstIteration bool
}

// StoppingMetric reduces an adaptive iteration to a scalar compared against
// the configured tolerance. Implementations must be stateless; the controller
// feeds all history through MetricInput.
type StoppingMetric interface {
	Name() string
	Evaluate(in MetricInput) float64
}

// SumIndicators stops on the l1 norm of the error indicator field. This is
// the default metric.
type SumIndicators struct{}

func (SumIndicators) Name() string { return config.MetricSumIndicators }

func (SumIndicators) Evaluate(in MetricInput) float64 { return in.Field.SumAbs() }

// FunctionalDifference stops when the goal functional settles between
// consecutive iterations. The first iteration has nothing to compare against
// and never stops.
type FunctionalDifference struct{}

func (FunctionalDifference) Name() string { return config.MetricFunctionalDifference }

func (FunctionalDifference) Evaluate(in MetricInput) float64 {
	if in.FirstIteration || !in.HasFunctional {
		return math.Inf(1)
	}
	return math.Abs(in.Functional - in.PrevFunctional)
}

// MetricForName resolves a configured metric name.
func MetricForName(name string) (StoppingMetric, error) {
	switch name {
	case config.MetricSumIndicators, "":
		return SumIndicators{}, nil
	case config.MetricFunctionalDifference:
		return FunctionalDifference{}, nil
	default:
		return nil, &core.ConfigError{Field: "adaptive.metric", Value: name, Message: "unknown stopping metric"}
	}
}
