// Package prior defines parameter priors for simulation-based inference:
// distributions over the parameter vector that support sampling, log-density
// evaluation, and a structural description of their support.
//
// The support description is what the rest of the engine keys off. Transforms
// between constrained and unconstrained space are derived from it, rejection
// samplers clip against it, and leakage estimation integrates over it.
package prior

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Distribution is the minimal contract shared by priors and trained
// posteriors: anything that can propose parameters and score them.
// Round controllers accept any Distribution as a proposal.
type Distribution interface {
	// Dim returns the parameter dimensionality.
	Dim() int
	// Sample draws n parameter vectors, one per row.
	Sample(n int) *mat.Dense
	// LogProb evaluates the log density of a single parameter vector.
	LogProb(theta []float64) float64
}

// Prior extends Distribution with a description of where the density
// is nonzero.
type Prior interface {
	Distribution
	// Support describes the region of valid parameters.
	Support() Support
}

// Support describes an axis-aligned region of parameter space. Each
// coordinate carries a lower and upper bound; either may be infinite.
// A fully unbounded support has -Inf/+Inf in every coordinate.
type Support struct {
	Lower []float64
	Upper []float64
}

// UnboundedSupport returns a support with no constraints in dim coordinates.
func UnboundedSupport(dim int) Support {
	lo := make([]float64, dim)
	hi := make([]float64, dim)
	for i := range lo {
		lo[i] = math.Inf(-1)
		hi[i] = math.Inf(1)
	}
	return Support{Lower: lo, Upper: hi}
}

// BoxSupport returns a support bounded below by lower and above by upper.
// The slices are copied.
func BoxSupport(lower, upper []float64) Support {
	if len(lower) != len(upper) {
		panic(fmt.Sprintf("prior: bound length mismatch %d != %d", len(lower), len(upper)))
	}
	lo := make([]float64, len(lower))
	hi := make([]float64, len(upper))
	copy(lo, lower)
	copy(hi, upper)
	return Support{Lower: lo, Upper: hi}
}

// Dim returns the number of coordinates the support describes.
func (s Support) Dim() int { return len(s.Lower) }

// BoundedBelow reports whether coordinate i has a finite lower bound.
func (s Support) BoundedBelow(i int) bool { return !math.IsInf(s.Lower[i], -1) }

// BoundedAbove reports whether coordinate i has a finite upper bound.
func (s Support) BoundedAbove(i int) bool { return !math.IsInf(s.Upper[i], 1) }

// Bounded reports whether every coordinate has finite bounds on both sides.
func (s Support) Bounded() bool {
	for i := range s.Lower {
		if !s.BoundedBelow(i) || !s.BoundedAbove(i) {
			return false
		}
	}
	return true
}

// Contains reports whether theta lies inside the support. Bounds are
// inclusive. Vectors of the wrong length are outside by definition.
func (s Support) Contains(theta []float64) bool {
	if len(theta) != len(s.Lower) {
		return false
	}
	for i, v := range theta {
		if v < s.Lower[i] || v > s.Upper[i] || math.IsNaN(v) {
			return false
		}
	}
	return true
}

// Check returns a SupportViolationError identifying the first offending
// coordinate of theta, or nil if theta lies inside the support. index is
// the caller's identifier for the vector, carried into the error.
func (s Support) Check(theta []float64, index int) error {
	if len(theta) != len(s.Lower) {
		return &SupportViolationError{Index: index, Dim: -1, Value: math.NaN()}
	}
	for i, v := range theta {
		if v < s.Lower[i] || v > s.Upper[i] || math.IsNaN(v) {
			return &SupportViolationError{Index: index, Dim: i, Value: v}
		}
	}
	return nil
}

// SupportViolationError reports a parameter vector outside the declared
// prior support. Dim is -1 when the vector length itself is wrong.
type SupportViolationError struct {
	Index int
	Dim   int
	Value float64
}

func (e *SupportViolationError) Error() string {
	if e.Dim < 0 {
		return fmt.Sprintf("support violation: sample %d has wrong dimensionality", e.Index)
	}
	return fmt.Sprintf("support violation: sample %d coordinate %d value %g outside support", e.Index, e.Dim, e.Value)
}
