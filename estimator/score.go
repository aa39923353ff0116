package estimator

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
)

// ScoreModel is the score family: per noise level it predicts
// grad_theta log p_sigma(theta | x) as an affine function of theta and the
// standardized observation. Levels form a geometric sigma ladder and
// queries between levels interpolate linearly in log sigma.
//
// The family has no pointwise density. LogProb and LogProbGrad return NaN
// and training goes through DenoisingLossGrad instead.
type ScoreModel struct {
	thetaDim int
	xDim     int
	levels   []float64 // descending sigma ladder
	params   []float64
	std      *Standardizer

	perLevel   int
	offA, offB int // within a level block
	offC       int
}

// ScoreConfig sets the noise ladder.
type ScoreConfig struct {
	// Levels is the number of noise scales.
	Levels int
	// SigmaMin and SigmaMax bound the geometric ladder.
	SigmaMin float64
	SigmaMax float64
}

// DefaultScoreConfig returns a 10-level ladder from 0.01 to 2.
func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{Levels: 10, SigmaMin: 0.01, SigmaMax: 2}
}

func (c ScoreConfig) withDefaults() ScoreConfig {
	def := DefaultScoreConfig()
	if c.Levels <= 0 {
		c.Levels = def.Levels
	}
	if c.SigmaMin <= 0 {
		c.SigmaMin = def.SigmaMin
	}
	if c.SigmaMax <= c.SigmaMin {
		c.SigmaMax = def.SigmaMax
	}
	return c
}

// NewScoreModel builds the score family over the given dimensions.
func NewScoreModel(thetaDim, xDim int, cfg ScoreConfig, src rand.Source) *ScoreModel {
	if thetaDim <= 0 || xDim <= 0 {
		panic(fmt.Sprintf("score model: non-positive dims %d, %d", thetaDim, xDim))
	}
	cfg = cfg.withDefaults()
	levels := make([]float64, cfg.Levels)
	if cfg.Levels == 1 {
		levels[0] = cfg.SigmaMax
	} else {
		ratio := math.Pow(cfg.SigmaMin/cfg.SigmaMax, 1/float64(cfg.Levels-1))
		sigma := cfg.SigmaMax
		for i := range levels {
			levels[i] = sigma
			sigma *= ratio
		}
	}
	s := &ScoreModel{
		thetaDim: thetaDim,
		xDim:     xDim,
		levels:   levels,
	}
	s.offA = 0
	s.offB = s.offA + thetaDim*thetaDim
	s.offC = s.offB + thetaDim*xDim
	s.perLevel = s.offC + thetaDim
	s.params = make([]float64, cfg.Levels*s.perLevel)
	s.Reset(src)
	return s
}

func (s *ScoreModel) Kind() Kind     { return KindScore }
func (s *ScoreModel) ThetaDim() int  { return s.thetaDim }
func (s *ScoreModel) XDim() int      { return s.xDim }
func (s *ScoreModel) Device() string { return "cpu" }
func (s *ScoreModel) NumParams() int { return len(s.params) }

// Caps: nothing beyond the noise-conditional score is available.
func (s *ScoreModel) Caps() Caps { return Caps{} }

// LogProb is undefined for the score family.
func (s *ScoreModel) LogProb(theta, x []float64) float64 { return math.NaN() }

// LogProbGrad is undefined for the score family.
func (s *ScoreModel) LogProbGrad(theta, x, grad []float64) float64 { return math.NaN() }

// Params returns a copy of the flat parameter vector.
func (s *ScoreModel) Params() []float64 {
	p := make([]float64, len(s.params))
	copy(p, s.params)
	return p
}

// SetParams overwrites the parameters. The length must match NumParams.
func (s *ScoreModel) SetParams(p []float64) {
	if len(p) != len(s.params) {
		panic(fmt.Sprintf("score model: SetParams with %d values, want %d", len(p), len(s.params)))
	}
	copy(s.params, p)
}

// Reset initializes every level to the pure-noise score -theta/sigma^2,
// which is exact as sigma grows large and a stable starting point for
// denoising training.
func (s *ScoreModel) Reset(src rand.Source) {
	for i := range s.params {
		s.params[i] = 0
	}
	for l, sigma := range s.levels {
		base := l * s.perLevel
		for d := 0; d < s.thetaDim; d++ {
			s.params[base+s.offA+d*s.thetaDim+d] = -1 / (sigma * sigma)
		}
	}
}

// ContextStandardizer returns the fitted observation z-scorer, or nil.
func (s *ScoreModel) ContextStandardizer() *Standardizer { return s.std }

// SetContextStandardizer installs a z-scorer for the observation input.
func (s *ScoreModel) SetContextStandardizer(std *Standardizer) {
	if std != nil && std.Dim() != s.xDim {
		panic(fmt.Sprintf("score model: standardizer dim %d, want %d", std.Dim(), s.xDim))
	}
	s.std = std
}

// NoiseLevels returns the sigma ladder, largest first.
func (s *ScoreModel) NoiseLevels() []float64 {
	out := make([]float64, len(s.levels))
	copy(out, s.levels)
	return out
}

// levelScore evaluates the affine score of one level into out.
func (s *ScoreModel) levelScore(level int, theta, zx, out []float64) {
	base := level * s.perLevel
	for d := 0; d < s.thetaDim; d++ {
		sum := s.params[base+s.offC+d]
		rowA := s.params[base+s.offA+d*s.thetaDim : base+s.offA+(d+1)*s.thetaDim]
		for j, v := range theta {
			sum += rowA[j] * v
		}
		rowB := s.params[base+s.offB+d*s.xDim : base+s.offB+(d+1)*s.xDim]
		for j, v := range zx {
			sum += rowB[j] * v
		}
		out[d] = sum
	}
}

func (s *ScoreModel) standardize(x []float64) []float64 {
	if s.std == nil {
		return x
	}
	z := make([]float64, len(x))
	return s.std.Apply(z, x)
}

// ScoreNoisy estimates grad_theta log p_sigma(theta | x), interpolating
// between trained levels in log sigma and clamping beyond the ladder.
func (s *ScoreModel) ScoreNoisy(theta, x []float64, sigma float64) []float64 {
	zx := s.standardize(x)
	out := make([]float64, s.thetaDim)
	n := len(s.levels)
	if sigma >= s.levels[0] {
		s.levelScore(0, theta, zx, out)
		return out
	}
	if sigma <= s.levels[n-1] {
		s.levelScore(n-1, theta, zx, out)
		return out
	}
	hi := 1
	for hi < n && s.levels[hi] > sigma {
		hi++
	}
	lo := hi - 1
	a := make([]float64, s.thetaDim)
	b := make([]float64, s.thetaDim)
	s.levelScore(lo, theta, zx, a)
	s.levelScore(hi, theta, zx, b)
	// levels[hi] < sigma <= levels[lo], interpolate in log sigma.
	w := (math.Log(s.levels[lo]) - math.Log(sigma)) / (math.Log(s.levels[lo]) - math.Log(s.levels[hi]))
	for d := range out {
		out[d] = (1-w)*a[d] + w*b[d]
	}
	return out
}

// DenoisingLossGrad draws one noise level and perturbation for the
// example, computes the denoising score matching loss
//
//	0.5 * || sigma*s(theta + sigma*eps, x, sigma) + eps ||^2
//
// and adds its parameter gradient into grad.
func (s *ScoreModel) DenoisingLossGrad(theta, x []float64, r *rand.Rand, grad []float64) float64 {
	if len(grad) != len(s.params) {
		panic(fmt.Sprintf("score model: grad length %d, want %d", len(grad), len(s.params)))
	}
	level := r.Intn(len(s.levels))
	sigma := s.levels[level]
	zx := s.standardize(x)

	noisy := make([]float64, s.thetaDim)
	eps := make([]float64, s.thetaDim)
	for d := range noisy {
		eps[d] = r.NormFloat64()
		noisy[d] = theta[d] + sigma*eps[d]
	}
	pred := make([]float64, s.thetaDim)
	s.levelScore(level, noisy, zx, pred)

	loss := 0.0
	base := level * s.perLevel
	for d := 0; d < s.thetaDim; d++ {
		res := sigma*pred[d] + eps[d]
		loss += 0.5 * res * res
		// d loss / d pred_d = sigma * res, then into the affine weights.
		g := sigma * res
		rowA := base + s.offA + d*s.thetaDim
		for j, v := range noisy {
			grad[rowA+j] += g * v
		}
		rowB := base + s.offB + d*s.xDim
		for j, v := range zx {
			grad[rowB+j] += g * v
		}
		grad[base+s.offC+d] += g
	}
	return loss
}
