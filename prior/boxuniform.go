package prior

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// BoxUniform is a product of independent uniform distributions, one per
// coordinate. It is the default prior for bounded parameter spaces.
type BoxUniform struct {
	dims   []distuv.Uniform
	logVol float64
	sup    Support
}

// NewBoxUniform builds a uniform prior on the box [lower, upper]. Every
// coordinate must satisfy lower < upper. src may be nil, in which case
// sampling uses the global generator.
func NewBoxUniform(lower, upper []float64, src rand.Source) (*BoxUniform, error) {
	if len(lower) == 0 || len(lower) != len(upper) {
		return nil, fmt.Errorf("box uniform: bad bounds, %d lower vs %d upper", len(lower), len(upper))
	}
	dims := make([]distuv.Uniform, len(lower))
	logVol := 0.0
	for i := range lower {
		if !(lower[i] < upper[i]) {
			return nil, fmt.Errorf("box uniform: coordinate %d has empty interval [%g, %g]", i, lower[i], upper[i])
		}
		dims[i] = distuv.Uniform{Min: lower[i], Max: upper[i], Src: src}
		logVol += math.Log(upper[i] - lower[i])
	}
	return &BoxUniform{
		dims:   dims,
		logVol: logVol,
		sup:    BoxSupport(lower, upper),
	}, nil
}

// Dim returns the parameter dimensionality.
func (b *BoxUniform) Dim() int { return len(b.dims) }

// Sample draws n parameter vectors, one per row.
func (b *BoxUniform) Sample(n int) *mat.Dense {
	out := mat.NewDense(n, b.Dim(), nil)
	for i := 0; i < n; i++ {
		row := out.RawRowView(i)
		for j := range b.dims {
			row[j] = b.dims[j].Rand()
		}
	}
	return out
}

// LogProb returns the log density of theta: the negative log volume of
// the box inside the support, -Inf outside.
func (b *BoxUniform) LogProb(theta []float64) float64 {
	if !b.sup.Contains(theta) {
		return math.Inf(-1)
	}
	return -b.logVol
}

// Support describes the box.
func (b *BoxUniform) Support() Support { return b.sup }

// ScoreLogProb returns the gradient of the log density, which is zero
// everywhere the density is positive.
func (b *BoxUniform) ScoreLogProb(theta []float64) []float64 {
	return make([]float64, b.Dim())
}
