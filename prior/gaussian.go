package prior

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// Gaussian is a multivariate normal prior with unbounded support.
type Gaussian struct {
	dist *distmv.Normal
	dim  int
}

// NewGaussian builds a multivariate normal prior with the given mean and
// covariance. The covariance must be symmetric positive definite. src may
// be nil, in which case sampling uses the global generator.
func NewGaussian(mean []float64, cov *mat.SymDense, src rand.Source) (*Gaussian, error) {
	if len(mean) == 0 || cov.SymmetricDim() != len(mean) {
		return nil, fmt.Errorf("gaussian prior: mean dim %d does not match covariance dim %d", len(mean), cov.SymmetricDim())
	}
	dist, ok := distmv.NewNormal(mean, cov, src)
	if !ok {
		return nil, fmt.Errorf("gaussian prior: covariance is not positive definite")
	}
	return &Gaussian{dist: dist, dim: len(mean)}, nil
}

// NewIsotropicGaussian builds a normal prior with the given mean and
// covariance scale*I.
func NewIsotropicGaussian(mean []float64, scale float64, src rand.Source) (*Gaussian, error) {
	if scale <= 0 {
		return nil, fmt.Errorf("gaussian prior: scale %g must be positive", scale)
	}
	cov := mat.NewSymDense(len(mean), nil)
	for i := range mean {
		cov.SetSym(i, i, scale)
	}
	return NewGaussian(mean, cov, src)
}

// Dim returns the parameter dimensionality.
func (g *Gaussian) Dim() int { return g.dim }

// Sample draws n parameter vectors, one per row.
func (g *Gaussian) Sample(n int) *mat.Dense {
	out := mat.NewDense(n, g.dim, nil)
	for i := 0; i < n; i++ {
		g.dist.Rand(out.RawRowView(i))
	}
	return out
}

// LogProb returns the normal log density of theta.
func (g *Gaussian) LogProb(theta []float64) float64 {
	return g.dist.LogProb(theta)
}

// Support is unbounded in every coordinate.
func (g *Gaussian) Support() Support { return UnboundedSupport(g.dim) }

// ScoreLogProb returns the gradient of the log density at theta.
// Gradient-based samplers use it as the prior term of the target score.
func (g *Gaussian) ScoreLogProb(theta []float64) []float64 {
	return g.dist.ScoreInput(nil, theta)
}

// Mean returns a copy of the prior mean.
func (g *Gaussian) Mean() []float64 { return g.dist.Mean(nil) }

// Covariance returns a copy of the prior covariance.
func (g *Gaussian) Covariance() *mat.SymDense {
	var cov mat.SymDense
	g.dist.CovarianceMatrix(&cov)
	return &cov
}
