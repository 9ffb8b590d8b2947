package core

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// State is a discrete solution vector (the degrees of freedom of a function
// at one point in time). States are value-like: operations return fresh
// vectors and never alias their inputs.
type State []float64

// Clone returns an independent copy of the state.
func (s State) Clone() State {
	c := make(State, len(s))
	copy(c, s)
	return c
}

// IsValid reports whether the state contains only finite values.
func (s State) IsValid() bool {
	for _, v := range s {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Norm returns the Euclidean norm of the state.
func (s State) Norm() float64 {
	return floats.Norm(s, 2)
}

// Blend forms the theta-weighted combination
//
//	theta*cur + (1-theta)*prev
//
// used both for the implicit coupling state of a time step and for the
// interpolation of consecutive tape values during indicator assembly.
// Both states must have the same length.
func Blend(theta float64, cur, prev State) State {
	out := make(State, len(cur))
	floats.AddScaled(out, theta, cur)
	floats.AddScaled(out, 1-theta, prev)
	return out
}
