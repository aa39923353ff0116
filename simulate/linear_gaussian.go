package simulate

import (
	"fmt"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/pflow-xyz/go-sbi/prior"
)

// LinearGaussian is the standard benchmark simulator
//
//	x = theta + shift + noise,  noise ~ N(0, cov)
//
// Its posterior is known in closed form under a Gaussian prior, which makes
// it the reference problem for end-to-end accuracy checks.
type LinearGaussian struct {
	shift []float64
	noise *distmv.Normal

	mu sync.Mutex
}

// NewLinearGaussian builds the simulator. cov must be positive definite
// and match the length of shift. src may be nil.
func NewLinearGaussian(shift []float64, cov *mat.SymDense, src rand.Source) (*LinearGaussian, error) {
	if cov.SymmetricDim() != len(shift) {
		return nil, fmt.Errorf("linear gaussian: shift dim %d does not match covariance dim %d", len(shift), cov.SymmetricDim())
	}
	zero := make([]float64, len(shift))
	noise, ok := distmv.NewNormal(zero, cov, src)
	if !ok {
		return nil, fmt.Errorf("linear gaussian: covariance is not positive definite")
	}
	s := make([]float64, len(shift))
	copy(s, shift)
	return &LinearGaussian{shift: s, noise: noise}, nil
}

// NewStandardLinearGaussian builds the d-dimensional benchmark used across
// the test suite: shift -1 in every coordinate and covariance 0.3*I.
func NewStandardLinearGaussian(d int, src rand.Source) *LinearGaussian {
	shift := make([]float64, d)
	for i := range shift {
		shift[i] = -1.0
	}
	sim, err := NewLinearGaussian(shift, ScaledEye(d, 0.3), src)
	if err != nil {
		panic(err)
	}
	return sim
}

// Simulate draws x = theta + shift + noise for every row of theta.
func (g *LinearGaussian) Simulate(theta *mat.Dense) (*mat.Dense, error) {
	rows, cols := theta.Dims()
	if cols != len(g.shift) {
		return nil, fmt.Errorf("linear gaussian: got %d-dim parameters, want %d", cols, len(g.shift))
	}
	out := mat.NewDense(rows, cols, nil)
	g.mu.Lock()
	for i := 0; i < rows; i++ {
		g.noise.Rand(out.RawRowView(i))
	}
	g.mu.Unlock()
	for i := 0; i < rows; i++ {
		row := out.RawRowView(i)
		src := theta.RawRowView(i)
		for j := range row {
			row[j] += src[j] + g.shift[j]
		}
	}
	return out, nil
}

// Shift returns a copy of the likelihood shift.
func (g *LinearGaussian) Shift() []float64 {
	s := make([]float64, len(g.shift))
	copy(s, g.shift)
	return s
}

// ScaledEye returns scale times the d-dimensional identity.
func ScaledEye(d int, scale float64) *mat.SymDense {
	m := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		m.SetSym(i, i, scale)
	}
	return m
}

// TruePosteriorGaussianPrior returns the exact posterior for the linear
// Gaussian simulator under a Gaussian prior. With likelihood
// x ~ N(theta + shift, likCov) and prior theta ~ N(priorMean, priorCov),
// the posterior is Gaussian with
//
//	cov  = (priorCov^-1 + likCov^-1)^-1
//	mean = cov (priorCov^-1 priorMean + likCov^-1 (xo - shift))
func TruePosteriorGaussianPrior(xo, shift []float64, likCov *mat.SymDense, priorMean []float64, priorCov *mat.SymDense, src rand.Source) (*prior.Gaussian, error) {
	d := len(xo)
	if len(shift) != d || len(priorMean) != d || likCov.SymmetricDim() != d || priorCov.SymmetricDim() != d {
		return nil, fmt.Errorf("true posterior: inconsistent dimensions")
	}
	likPrec, err := invertSym(likCov)
	if err != nil {
		return nil, fmt.Errorf("true posterior: %w", err)
	}
	priorPrec, err := invertSym(priorCov)
	if err != nil {
		return nil, fmt.Errorf("true posterior: %w", err)
	}

	postPrec := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			postPrec.SetSym(i, j, likPrec.At(i, j)+priorPrec.At(i, j))
		}
	}
	postCov, err := invertSym(postPrec)
	if err != nil {
		return nil, fmt.Errorf("true posterior: %w", err)
	}

	// rhs = priorPrec*priorMean + likPrec*(xo - shift)
	y := make([]float64, d)
	for i := range y {
		y[i] = xo[i] - shift[i]
	}
	rhs := make([]float64, d)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			rhs[i] += priorPrec.At(i, j)*priorMean[j] + likPrec.At(i, j)*y[j]
		}
	}
	mean := make([]float64, d)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			mean[i] += postCov.At(i, j) * rhs[j]
		}
	}
	return prior.NewGaussian(mean, postCov, src)
}

// TruePosteriorSamplesUniformPrior draws n samples from the exact posterior
// for the linear Gaussian simulator under a box uniform prior: a Gaussian
// centered at xo - shift, truncated to the box. Sampling is by rejection
// from the untruncated Gaussian.
func TruePosteriorSamplesUniformPrior(n int, xo, shift []float64, likCov *mat.SymDense, lower, upper []float64, src rand.Source) (*mat.Dense, error) {
	d := len(xo)
	mean := make([]float64, d)
	for i := range mean {
		mean[i] = xo[i] - shift[i]
	}
	dist, ok := distmv.NewNormal(mean, likCov, src)
	if !ok {
		return nil, fmt.Errorf("true posterior: covariance is not positive definite")
	}
	sup := prior.BoxSupport(lower, upper)
	out := mat.NewDense(n, d, nil)
	draw := make([]float64, d)
	accepted := 0
	for tries := 0; accepted < n; tries++ {
		if tries > 1000*n && accepted == 0 {
			return nil, fmt.Errorf("true posterior: box has negligible mass under the likelihood")
		}
		dist.Rand(draw)
		if sup.Contains(draw) {
			out.SetRow(accepted, draw)
			accepted++
		}
	}
	return out, nil
}

func invertSym(s *mat.SymDense) (*mat.SymDense, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(s); !ok {
		return nil, fmt.Errorf("matrix is not positive definite")
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, err
	}
	return &inv, nil
}
