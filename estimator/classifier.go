package estimator

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
)

// Classifier is the ratio family: a scalar logit h(theta, x) trained
// contrastively so that exp(h) tracks an unnormalized likelihood-to-
// evidence ratio. Posterior density queries through it stay unnormalized.
type Classifier struct {
	thetaDim int
	xDim     int
	hidden   int
	feat     int

	params []float64
	std    *Standardizer

	offW1, offB1 int
	offW, offB   int
}

// ClassifierConfig sets the architecture of the ratio family.
type ClassifierConfig struct {
	// Hidden is the width of the tanh layer over [theta, x]. Zero means
	// the logit is affine in the inputs.
	Hidden int
}

// DefaultClassifierConfig returns a 32-unit hidden layer.
func DefaultClassifierConfig() ClassifierConfig { return ClassifierConfig{Hidden: 32} }

// NewRatioClassifier builds the ratio family over the given dimensions.
func NewRatioClassifier(thetaDim, xDim int, cfg ClassifierConfig, src rand.Source) *Classifier {
	if thetaDim <= 0 || xDim <= 0 {
		panic(fmt.Sprintf("classifier: non-positive dims %d, %d", thetaDim, xDim))
	}
	if cfg.Hidden < 0 {
		cfg.Hidden = 0
	}
	c := &Classifier{
		thetaDim: thetaDim,
		xDim:     xDim,
		hidden:   cfg.Hidden,
	}
	in := thetaDim + xDim
	c.feat = cfg.Hidden
	if c.feat == 0 {
		c.feat = in
	}
	c.offW1 = 0
	c.offB1 = c.offW1 + cfg.Hidden*in
	c.offW = c.offB1 + cfg.Hidden
	c.offB = c.offW + c.feat
	c.params = make([]float64, c.offB+1)
	c.Reset(src)
	return c
}

func (c *Classifier) Kind() Kind     { return KindRatio }
func (c *Classifier) ThetaDim() int  { return c.thetaDim }
func (c *Classifier) XDim() int      { return c.xDim }
func (c *Classifier) Device() string { return "cpu" }
func (c *Classifier) NumParams() int { return len(c.params) }

// Caps: no direct sampling and no normalized density. The logit gradient
// with respect to theta is analytic.
func (c *Classifier) Caps() Caps {
	return Caps{ExactSampling: false, TractableDensity: false, TargetGradients: true}
}

// Params returns a copy of the flat parameter vector.
func (c *Classifier) Params() []float64 {
	p := make([]float64, len(c.params))
	copy(p, c.params)
	return p
}

// SetParams overwrites the parameters. The length must match NumParams.
func (c *Classifier) SetParams(p []float64) {
	if len(p) != len(c.params) {
		panic(fmt.Sprintf("classifier: SetParams with %d values, want %d", len(p), len(c.params)))
	}
	copy(c.params, p)
}

// Reset reinitializes weights with scaled normal draws and zero biases.
func (c *Classifier) Reset(src rand.Source) {
	r := newRand(src)
	for i := range c.params {
		c.params[i] = 0
	}
	in := c.thetaDim + c.xDim
	if c.hidden > 0 {
		scale := 1.0 / math.Sqrt(float64(in))
		for i := 0; i < c.hidden*in; i++ {
			c.params[c.offW1+i] = r.NormFloat64() * scale
		}
	}
	scale := 1.0 / math.Sqrt(float64(c.feat))
	for i := 0; i < c.feat; i++ {
		c.params[c.offW+i] = r.NormFloat64() * scale
	}
}

// ContextStandardizer returns the fitted observation z-scorer, or nil.
func (c *Classifier) ContextStandardizer() *Standardizer { return c.std }

// SetContextStandardizer installs a z-scorer for the observation input.
func (c *Classifier) SetContextStandardizer(s *Standardizer) {
	if s != nil && s.Dim() != c.xDim {
		panic(fmt.Sprintf("classifier: standardizer dim %d, want %d", s.Dim(), c.xDim))
	}
	c.std = s
}

// input assembles [theta, z(x)].
func (c *Classifier) input(theta, x []float64) []float64 {
	if len(theta) != c.thetaDim || len(x) != c.xDim {
		panic(fmt.Sprintf("classifier: input dims (%d, %d), want (%d, %d)", len(theta), len(x), c.thetaDim, c.xDim))
	}
	v := make([]float64, c.thetaDim+c.xDim)
	copy(v, theta)
	if c.std != nil {
		c.std.Apply(v[c.thetaDim:], x)
	} else {
		copy(v[c.thetaDim:], x)
	}
	return v
}

func (c *Classifier) features(v []float64) []float64 {
	if c.hidden == 0 {
		return v
	}
	in := len(v)
	h := make([]float64, c.hidden)
	for i := 0; i < c.hidden; i++ {
		sum := c.params[c.offB1+i]
		row := c.params[c.offW1+i*in : c.offW1+(i+1)*in]
		for j, x := range v {
			sum += row[j] * x
		}
		h[i] = math.Tanh(sum)
	}
	return h
}

// LogProb returns the unnormalized logit h(theta, x).
func (c *Classifier) LogProb(theta, x []float64) float64 {
	h := c.features(c.input(theta, x))
	sum := c.params[c.offB]
	for f, v := range h {
		sum += c.params[c.offW+f] * v
	}
	return sum
}

// LogProbGrad evaluates the logit and adds its parameter gradient into grad.
func (c *Classifier) LogProbGrad(theta, x, grad []float64) float64 {
	if len(grad) != len(c.params) {
		panic(fmt.Sprintf("classifier: grad length %d, want %d", len(grad), len(c.params)))
	}
	v := c.input(theta, x)
	h := c.features(v)
	logit := c.params[c.offB]
	for f, hv := range h {
		logit += c.params[c.offW+f] * hv
	}

	for f, hv := range h {
		grad[c.offW+f] += hv
	}
	grad[c.offB]++
	if c.hidden > 0 {
		in := len(v)
		for i := 0; i < c.hidden; i++ {
			gpre := c.params[c.offW+i] * (1 - h[i]*h[i])
			row := c.offW1 + i*in
			for j, x := range v {
				grad[row+j] += gpre * x
			}
			grad[c.offB1+i] += gpre
		}
	}
	return logit
}

// ScoreTarget returns the gradient of the logit with respect to theta.
func (c *Classifier) ScoreTarget(target, context []float64) []float64 {
	v := c.input(target, context)
	score := make([]float64, c.thetaDim)
	if c.hidden == 0 {
		copy(score, c.params[c.offW:c.offW+c.thetaDim])
		return score
	}
	h := c.features(v)
	in := len(v)
	for i := 0; i < c.hidden; i++ {
		gpre := c.params[c.offW+i] * (1 - h[i]*h[i])
		row := c.offW1 + i*in
		for j := 0; j < c.thetaDim; j++ {
			score[j] += gpre * c.params[row+j]
		}
	}
	return score
}
