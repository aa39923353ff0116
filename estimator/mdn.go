package estimator

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// MDN is a mixture density network: a conditional Gaussian mixture whose
// logits, means and log deviations are affine heads on a feature vector.
// The feature vector is either the standardized context itself or a single
// tanh hidden layer over it.
//
// The same type serves two families. A posterior MDN models theta given x,
// a likelihood MDN models x given theta. Parameters live in one flat slice
// laid out as [W1 b1 Wlogit blogit Wmean bmean Wlstd blstd], and all
// gradients are computed analytically.
type MDN struct {
	kind       Kind
	thetaDim   int
	xDim       int
	targetDim  int
	contextDim int
	cfg        MDNConfig

	k    int // mixture components
	feat int // feature width: cfg.Hidden, or contextDim when zero

	params []float64
	std    *Standardizer

	offW1, offB1 int
	offWa, offBa int
	offWm, offBm int
	offWs, offBs int
}

// MDNConfig sets the architecture. Zero values fall back to defaults.
type MDNConfig struct {
	// Components is the number of mixture components.
	Components int
	// Hidden is the width of the tanh feature layer. Zero means no hidden
	// layer: heads are affine in the standardized context, which keeps the
	// model exact for conditionally Gaussian problems.
	Hidden int
	// LogStdMin and LogStdMax clamp the predicted log deviations.
	LogStdMin float64
	LogStdMax float64
}

// DefaultMDNConfig returns the architecture used when fields are zero:
// five components over a 24-unit feature layer.
func DefaultMDNConfig() MDNConfig {
	return MDNConfig{Components: 5, Hidden: 24, LogStdMin: -7, LogStdMax: 7}
}

func (c MDNConfig) withDefaults() MDNConfig {
	def := DefaultMDNConfig()
	if c.Components <= 0 {
		c.Components = def.Components
	}
	if c.Hidden < 0 {
		c.Hidden = 0
	}
	if c.LogStdMin == 0 && c.LogStdMax == 0 {
		c.LogStdMin = def.LogStdMin
		c.LogStdMax = def.LogStdMax
	}
	return c
}

// NewPosteriorMDN builds an MDN modeling theta conditioned on x.
func NewPosteriorMDN(thetaDim, xDim int, cfg MDNConfig, src rand.Source) *MDN {
	return newMDN(KindPosterior, thetaDim, xDim, thetaDim, xDim, cfg, src)
}

// NewLikelihoodMDN builds an MDN modeling x conditioned on theta.
func NewLikelihoodMDN(thetaDim, xDim int, cfg MDNConfig, src rand.Source) *MDN {
	return newMDN(KindLikelihood, thetaDim, xDim, xDim, thetaDim, cfg, src)
}

func newMDN(kind Kind, thetaDim, xDim, targetDim, contextDim int, cfg MDNConfig, src rand.Source) *MDN {
	if thetaDim <= 0 || xDim <= 0 {
		panic(fmt.Sprintf("mdn: non-positive dims %d, %d", thetaDim, xDim))
	}
	cfg = cfg.withDefaults()
	m := &MDN{
		kind:       kind,
		thetaDim:   thetaDim,
		xDim:       xDim,
		targetDim:  targetDim,
		contextDim: contextDim,
		cfg:        cfg,
		k:          cfg.Components,
	}
	m.feat = cfg.Hidden
	if m.feat == 0 {
		m.feat = contextDim
	}
	d, k, f, h := targetDim, m.k, m.feat, cfg.Hidden
	m.offW1 = 0
	m.offB1 = m.offW1 + h*contextDim
	m.offWa = m.offB1 + h
	m.offBa = m.offWa + k*f
	m.offWm = m.offBa + k
	m.offBm = m.offWm + k*d*f
	m.offWs = m.offBm + k*d
	m.offBs = m.offWs + k*d*f
	m.params = make([]float64, m.offBs+k*d)
	m.Reset(src)
	return m
}

func (m *MDN) Kind() Kind     { return m.kind }
func (m *MDN) ThetaDim() int  { return m.thetaDim }
func (m *MDN) XDim() int      { return m.xDim }
func (m *MDN) Device() string { return "cpu" }
func (m *MDN) NumParams() int { return len(m.params) }

// Caps: the mixture admits exact conditional sampling, a normalized
// density, and analytic target gradients.
func (m *MDN) Caps() Caps {
	return Caps{ExactSampling: true, TractableDensity: true, TargetGradients: true}
}

// Params returns a copy of the flat parameter vector.
func (m *MDN) Params() []float64 {
	p := make([]float64, len(m.params))
	copy(p, m.params)
	return p
}

// SetParams overwrites the parameters. The length must match NumParams.
func (m *MDN) SetParams(p []float64) {
	if len(p) != len(m.params) {
		panic(fmt.Sprintf("mdn: SetParams with %d values, want %d", len(p), len(m.params)))
	}
	copy(m.params, p)
}

// Reset reinitializes weights with scaled normal draws and zero biases.
func (m *MDN) Reset(src rand.Source) {
	r := newRand(src)
	for i := range m.params {
		m.params[i] = 0
	}
	initWeights := func(off, rows, cols int) {
		scale := 1.0 / math.Sqrt(float64(cols))
		for i := 0; i < rows*cols; i++ {
			m.params[off+i] = r.NormFloat64() * scale
		}
	}
	if m.cfg.Hidden > 0 {
		initWeights(m.offW1, m.cfg.Hidden, m.contextDim)
	}
	initWeights(m.offWa, m.k, m.feat)
	initWeights(m.offWm, m.k*m.targetDim, m.feat)
	initWeights(m.offWs, m.k*m.targetDim, m.feat)
	// Spread component mean biases so components do not collapse onto
	// each other at the start of training.
	for k := 0; k < m.k; k++ {
		for d := 0; d < m.targetDim; d++ {
			m.params[m.offBm+k*m.targetDim+d] = 0.1 * r.NormFloat64()
		}
	}
}

// ContextStandardizer returns the fitted context z-scorer, or nil.
func (m *MDN) ContextStandardizer() *Standardizer { return m.std }

// SetContextStandardizer installs a z-scorer for the conditioning input.
func (m *MDN) SetContextStandardizer(s *Standardizer) {
	if s != nil && s.Dim() != m.contextDim {
		panic(fmt.Sprintf("mdn: standardizer dim %d, want %d", s.Dim(), m.contextDim))
	}
	m.std = s
}

// split resolves (theta, x) into (target, context) for this family.
func (m *MDN) split(theta, x []float64) (y, c []float64) {
	if m.kind == KindPosterior {
		return theta, x
	}
	return x, theta
}

// mdnState is the forward pass at a fixed context.
type mdnState struct {
	z       []float64 // standardized context
	h       []float64 // feature vector
	logPi   []float64 // log mixture weights
	pi      []float64
	mu      []float64 // k*d component means
	ls      []float64 // k*d clamped log deviations
	atClamp []bool
}

func (m *MDN) forward(context []float64) *mdnState {
	if len(context) != m.contextDim {
		panic(fmt.Sprintf("mdn: context dim %d, want %d", len(context), m.contextDim))
	}
	st := &mdnState{
		z:       make([]float64, m.contextDim),
		logPi:   make([]float64, m.k),
		pi:      make([]float64, m.k),
		mu:      make([]float64, m.k*m.targetDim),
		ls:      make([]float64, m.k*m.targetDim),
		atClamp: make([]bool, m.k*m.targetDim),
	}
	if m.std != nil {
		m.std.Apply(st.z, context)
	} else {
		copy(st.z, context)
	}
	if m.cfg.Hidden > 0 {
		st.h = make([]float64, m.cfg.Hidden)
		for i := 0; i < m.cfg.Hidden; i++ {
			sum := m.params[m.offB1+i]
			row := m.params[m.offW1+i*m.contextDim : m.offW1+(i+1)*m.contextDim]
			for j, v := range st.z {
				sum += row[j] * v
			}
			st.h[i] = math.Tanh(sum)
		}
	} else {
		st.h = st.z
	}
	logits := make([]float64, m.k)
	for k := 0; k < m.k; k++ {
		sum := m.params[m.offBa+k]
		row := m.params[m.offWa+k*m.feat : m.offWa+(k+1)*m.feat]
		for f, v := range st.h {
			sum += row[f] * v
		}
		logits[k] = sum
	}
	lse := floats.LogSumExp(logits)
	for k := 0; k < m.k; k++ {
		st.logPi[k] = logits[k] - lse
		st.pi[k] = math.Exp(st.logPi[k])
	}
	kd := m.k * m.targetDim
	for i := 0; i < kd; i++ {
		mu := m.params[m.offBm+i]
		ls := m.params[m.offBs+i]
		rowM := m.params[m.offWm+i*m.feat : m.offWm+(i+1)*m.feat]
		rowS := m.params[m.offWs+i*m.feat : m.offWs+(i+1)*m.feat]
		for f, v := range st.h {
			mu += rowM[f] * v
			ls += rowS[f] * v
		}
		st.mu[i] = mu
		if ls < m.cfg.LogStdMin {
			ls = m.cfg.LogStdMin
			st.atClamp[i] = true
		} else if ls > m.cfg.LogStdMax {
			ls = m.cfg.LogStdMax
			st.atClamp[i] = true
		}
		st.ls[i] = ls
	}
	return st
}

const log2Pi = 1.8378770664093454836

// compLogs returns log pi_k + log N(y; mu_k, sigma_k) per component.
func (m *MDN) compLogs(st *mdnState, y []float64) []float64 {
	out := make([]float64, m.k)
	for k := 0; k < m.k; k++ {
		sum := st.logPi[k]
		for d := 0; d < m.targetDim; d++ {
			i := k*m.targetDim + d
			sd := math.Exp(st.ls[i])
			z := (y[d] - st.mu[i]) / sd
			sum += -0.5*log2Pi - st.ls[i] - 0.5*z*z
		}
		out[k] = sum
	}
	return out
}

// LogProb evaluates the conditional log density of this family at the
// (theta, x) pair.
func (m *MDN) LogProb(theta, x []float64) float64 {
	y, c := m.split(theta, x)
	if len(y) != m.targetDim {
		panic(fmt.Sprintf("mdn: target dim %d, want %d", len(y), m.targetDim))
	}
	return floats.LogSumExp(m.compLogs(m.forward(c), y))
}

// LogProbGrad evaluates LogProb and adds its parameter gradient into grad.
func (m *MDN) LogProbGrad(theta, x, grad []float64) float64 {
	if len(grad) != len(m.params) {
		panic(fmt.Sprintf("mdn: grad length %d, want %d", len(grad), len(m.params)))
	}
	y, c := m.split(theta, x)
	st := m.forward(c)
	comp := m.compLogs(st, y)
	lp := floats.LogSumExp(comp)

	// Responsibilities and head-output gradients: ga is d lp/d logits,
	// gm is d lp/d mu, gs is d lp/d logstd with clamped entries zeroed.
	ga := make([]float64, m.k)
	gm := make([]float64, m.k*m.targetDim)
	gs := make([]float64, m.k*m.targetDim)
	for k := 0; k < m.k; k++ {
		r := math.Exp(comp[k] - lp)
		ga[k] = r - st.pi[k]
		for d := 0; d < m.targetDim; d++ {
			i := k*m.targetDim + d
			sd := math.Exp(st.ls[i])
			z := (y[d] - st.mu[i]) / sd
			gm[i] = r * z / sd
			if !st.atClamp[i] {
				gs[i] = r * (z*z - 1)
			}
		}
	}

	// Head weights and feature gradient.
	gh := make([]float64, m.feat)
	for k := 0; k < m.k; k++ {
		row := m.offWa + k*m.feat
		for f, v := range st.h {
			grad[row+f] += ga[k] * v
			gh[f] += ga[k] * m.params[row+f]
		}
		grad[m.offBa+k] += ga[k]
	}
	kd := m.k * m.targetDim
	for i := 0; i < kd; i++ {
		rowM := m.offWm + i*m.feat
		rowS := m.offWs + i*m.feat
		for f, v := range st.h {
			grad[rowM+f] += gm[i] * v
			grad[rowS+f] += gs[i] * v
			gh[f] += gm[i]*m.params[rowM+f] + gs[i]*m.params[rowS+f]
		}
		grad[m.offBm+i] += gm[i]
		grad[m.offBs+i] += gs[i]
	}

	// Through the tanh layer, when present.
	if m.cfg.Hidden > 0 {
		for i := 0; i < m.cfg.Hidden; i++ {
			gpre := gh[i] * (1 - st.h[i]*st.h[i])
			row := m.offW1 + i*m.contextDim
			for j, v := range st.z {
				grad[row+j] += gpre * v
			}
			grad[m.offB1+i] += gpre
		}
	}
	return lp
}

// ScoreTarget returns the gradient of the conditional log density with
// respect to the target variable at fixed context.
func (m *MDN) ScoreTarget(target, context []float64) []float64 {
	st := m.forward(context)
	comp := m.compLogs(st, target)
	lp := floats.LogSumExp(comp)
	score := make([]float64, m.targetDim)
	for k := 0; k < m.k; k++ {
		r := math.Exp(comp[k] - lp)
		for d := 0; d < m.targetDim; d++ {
			i := k*m.targetDim + d
			sd := math.Exp(st.ls[i])
			score[d] += r * (st.mu[i] - target[d]) / (sd * sd)
		}
	}
	return score
}

// SampleTarget draws n rows from the modeled conditional at the given
// context: theta for a posterior family, x for a likelihood family.
func (m *MDN) SampleTarget(n int, context []float64, src rand.Source) *mat.Dense {
	st := m.forward(context)
	r := newRand(src)
	out := mat.NewDense(n, m.targetDim, nil)
	for i := 0; i < n; i++ {
		k := sampleCategorical(st.pi, r)
		row := out.RawRowView(i)
		for d := 0; d < m.targetDim; d++ {
			j := k*m.targetDim + d
			row[d] = st.mu[j] + math.Exp(st.ls[j])*r.NormFloat64()
		}
	}
	return out
}

func sampleCategorical(pi []float64, r *rand.Rand) int {
	u := r.Float64()
	acc := 0.0
	for k, p := range pi {
		acc += p
		if u < acc {
			return k
		}
	}
	return len(pi) - 1
}

// newRand wraps src, seeding from the clock when src is nil.
func newRand(src rand.Source) *rand.Rand {
	if src == nil {
		src = rand.NewSource(uint64(time.Now().UnixNano()))
	}
	return rand.New(src)
}
